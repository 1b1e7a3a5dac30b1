package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate/gateway/config"
)

func baseTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		CallTimeout:    time.Second,
		RespawnOnCrash: true,
		RespawnBackoff: time.Second,
		ShutdownGrace:  time.Second,
	}
}

func TestBuildRouter_NoBackendConfigured(t *testing.T) {
	cfg := &config.Config{Transport: baseTransportConfig()}
	_, err := buildRouter(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backend configured")
}

func TestBuildRouter_SingleStdioBackend(t *testing.T) {
	cfg := &config.Config{
		Transport: baseTransportConfig(),
		Backend:   config.BackendConfig{Command: "mcp-fs-server"},
	}
	r, err := buildRouter(cfg)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Single())
}

func TestBuildRouter_SingleHTTPBackend(t *testing.T) {
	cfg := &config.Config{
		Transport: baseTransportConfig(),
		Backend:   config.BackendConfig{URL: "https://tools.example.com/mcp"},
	}
	r, err := buildRouter(cfg)
	require.NoError(t, err)
	assert.True(t, r.Single())
}

func TestBuildRouter_MultiBackendPrefixed(t *testing.T) {
	cfg := &config.Config{
		Transport: baseTransportConfig(),
		Router: config.RouterConfig{
			Backends: []config.BackendConfig{
				{Prefix: "fs", Command: "mcp-fs-server"},
				{Prefix: "gh", URL: "https://github.example.com/mcp"},
			},
		},
	}
	r, err := buildRouter(cfg)
	require.NoError(t, err)
	assert.False(t, r.Single())
}

func TestBuildRouter_DuplicatePrefixRejected(t *testing.T) {
	cfg := &config.Config{
		Transport: baseTransportConfig(),
		Router: config.RouterConfig{
			Backends: []config.BackendConfig{
				{Prefix: "fs", Command: "mcp-fs-server"},
				{Prefix: "fs", Command: "mcp-fs-server-2"},
			},
		},
	}
	_, err := buildRouter(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate backend prefix")
}

func TestBuildRouter_BackendMissingCommandAndURL(t *testing.T) {
	cfg := &config.Config{
		Transport: baseTransportConfig(),
		Router: config.RouterConfig{
			Backends: []config.BackendConfig{{Prefix: "empty"}},
		},
	}
	_, err := buildRouter(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither command nor url")
}

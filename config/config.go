package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration. Load populates it once from
// the environment; nothing mutates it afterwards. Every component resolves
// its own defaults rather than relying on partial merges at runtime.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Gate      GateConfig
	Transport TransportConfig
	Router    RouterConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Auth      AuthConfig
	Admin     AdminConfig
	Redis     RedisConfig
	RedisSync RedisSyncConfig
	Webhook   WebhookConfig
	Billing   BillingConfig
	CORS      CORSConfig
	Backend   BackendConfig
}

type ServerConfig struct {
	Host                    string
	Port                    int
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
	MaxBodyBytes            int64
	SSEKeepalive            time.Duration
	SessionTTL              time.Duration
	DrainTimeout            time.Duration
	// MCPBurstPerMinute bounds the in-process go-chi/httprate guard applied
	// to /mcp ahead of the Gate's own per-key limiter, blunting a single
	// noisy IP before a request resolves an API key. <= 0 disables it.
	MCPBurstPerMinute int
}

// DatabaseConfig is the optional Postgres sink used to archive meter/audit
// ring overflow. KeyStore itself never depends on this — its only durable
// state is the JSON snapshot file.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// GateConfig tunes the policy pipeline: pricing, shadow mode, refunds.
type GateConfig struct {
	DefaultCreditsPerCall int64
	// ToolPricing maps a tool name to its creditsPerCall, overriding
	// DefaultCreditsPerCall. Unlisted tools fall back to the default.
	ToolPricing           map[string]int64
	SurchargePerKB        int64
	ShadowMode            bool
	RefundOnFailure       bool
	MaintenanceMode       bool
	StateFilePath         string
	PersistDebounce       time.Duration
	RingSize              int
	// RateLimitPerMinute is the global per-key limit; <= 0 means unlimited.
	RateLimitPerMinute int
	// ToolRateLimitPerMinute maps a tool name to its own per-(key,tool)
	// limit. A tool absent from the map has no per-tool limit.
	ToolRateLimitPerMinute map[string]int
}

// TransportConfig bounds a single BackendTransport's call lifecycle.
type TransportConfig struct {
	CallTimeout      time.Duration
	RespawnOnCrash   bool
	RespawnBackoff   time.Duration
	ShutdownGrace    time.Duration
}

// BackendConfig describes one entry in a multi-backend Router topology.
// Exactly one of Command or URL should be set: Command selects the stdio
// transport, URL the streaming-HTTP transport.
type BackendConfig struct {
	Prefix  string
	Command string
	Args    []string
	URL     string
}

// RouterConfig governs multi-backend startup behavior.
type RouterConfig struct {
	StartupTimeout time.Duration
	Backends       []BackendConfig
}

type LoggingConfig struct {
	Level  string
	Format string // json or text
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type AuthConfig struct {
	APIKeyHeader    string // X-API-Key
	BearerHeader    string // Authorization: Bearer <key>
	RequireAPIKey   bool
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// RedisSyncConfig controls the optional best-effort multi-instance mirror.
type RedisSyncConfig struct {
	Enabled     bool
	Channel     string
	HashKey     string
	WarmOnStart bool
}

type WebhookConfig struct {
	URL            string
	Secret         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	DLQSize        int
}

type AdminConfig struct {
	AdminSecret string
}

// CORSConfig governs the go-chi/cors middleware the HTTPServer installs in
// front of every route. AllowedOrigins defaults to ["*"]; setting it to one
// or more explicit origins also adds "Vary: Origin" via the cors package.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         int
}

type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PortalReturnURL     string
	// CreditPackages maps a Stripe Price ID to the number of credits it grants.
	CreditPackages map[string]int64
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                    getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:             getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:            getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:             getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			GracefulShutdownTimeout: getEnvDuration("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodyBytes:            int64(getEnvInt("SERVER_MAX_BODY_BYTES", 1<<20)),
			SSEKeepalive:            getEnvDuration("SERVER_SSE_KEEPALIVE", 30*time.Second),
			SessionTTL:              getEnvDuration("SERVER_SESSION_TTL", 30*time.Minute),
			DrainTimeout:            getEnvDuration("SERVER_DRAIN_TIMEOUT", 20*time.Second),
			MCPBurstPerMinute:       getEnvInt("SERVER_MCP_BURST_PER_MIN", 300),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 1*time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Gate: GateConfig{
			DefaultCreditsPerCall:  int64(getEnvInt("GATE_DEFAULT_CREDITS_PER_CALL", 1)),
			ToolPricing:            parseCreditPackages(getEnv("GATE_TOOL_PRICING", "")),
			SurchargePerKB:         int64(getEnvInt("GATE_SURCHARGE_PER_KB", 0)),
			ShadowMode:             getEnvBool("GATE_SHADOW_MODE", false),
			RefundOnFailure:        getEnvBool("GATE_REFUND_ON_FAILURE", true),
			MaintenanceMode:        getEnvBool("GATE_MAINTENANCE_MODE", false),
			StateFilePath:          getEnv("GATE_STATE_FILE", "paygate_state.json"),
			PersistDebounce:        getEnvDuration("GATE_PERSIST_DEBOUNCE", 250*time.Millisecond),
			RingSize:               getEnvInt("GATE_RING_SIZE", 10000),
			RateLimitPerMinute:     getEnvInt("GATE_RATE_LIMIT_PER_MIN", 60),
			ToolRateLimitPerMinute: parseIntMap(getEnv("GATE_TOOL_RATE_LIMITS", "")),
		},
		Transport: TransportConfig{
			CallTimeout:    getEnvDuration("TRANSPORT_CALL_TIMEOUT", 60*time.Second),
			RespawnOnCrash: getEnvBool("TRANSPORT_RESPAWN_ON_CRASH", true),
			RespawnBackoff: getEnvDuration("TRANSPORT_RESPAWN_BACKOFF", 2*time.Second),
			ShutdownGrace:  getEnvDuration("TRANSPORT_SHUTDOWN_GRACE", 5*time.Second),
		},
		Router: RouterConfig{
			StartupTimeout: getEnvDuration("ROUTER_STARTUP_TIMEOUT", 10*time.Second),
			Backends:       parseBackends(getEnv("ROUTER_BACKENDS_JSON", "")),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Auth: AuthConfig{
			APIKeyHeader:  getEnv("AUTH_API_KEY_HEADER", "X-API-Key"),
			BearerHeader:  getEnv("AUTH_BEARER_HEADER", "Authorization"),
			RequireAPIKey: getEnvBool("AUTH_REQUIRE_API_KEY", true),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		RedisSync: RedisSyncConfig{
			Enabled:     getEnvBool("REDIS_SYNC_ENABLED", false),
			Channel:     getEnv("REDIS_SYNC_CHANNEL", "paygate:sync"),
			HashKey:     getEnv("REDIS_SYNC_HASH_KEY", "paygate:keys"),
			WarmOnStart: getEnvBool("REDIS_SYNC_WARM_ON_START", true),
		},
		Webhook: WebhookConfig{
			URL:            getEnv("WEBHOOK_URL", ""),
			Secret:         getEnv("WEBHOOK_SECRET", ""),
			MaxAttempts:    getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
			InitialBackoff: getEnvDuration("WEBHOOK_INITIAL_BACKOFF", 1*time.Second),
			MaxBackoff:     getEnvDuration("WEBHOOK_MAX_BACKOFF", 5*time.Minute),
			QueueSize:      getEnvInt("WEBHOOK_QUEUE_SIZE", 1000),
			DLQSize:        getEnvInt("WEBHOOK_DLQ_SIZE", 1000),
		},
		Admin: AdminConfig{
			AdminSecret: getEnv("ADMIN_SECRET", ""),
		},
		Billing: BillingConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			CheckoutSuccessURL:  getEnv("STRIPE_CHECKOUT_SUCCESS_URL", "https://dashboard.example.com/billing/success"),
			CheckoutCancelURL:   getEnv("STRIPE_CHECKOUT_CANCEL_URL", "https://dashboard.example.com/billing/cancel"),
			PortalReturnURL:     getEnv("STRIPE_PORTAL_RETURN_URL", "https://dashboard.example.com/billing"),
			CreditPackages:      parseCreditPackages(getEnv("STRIPE_CREDIT_PACKAGES", "")),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "*"), ','),
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Credits-Remaining", "X-Request-Id"},
			MaxAge:         getEnvInt("CORS_MAX_AGE", 300),
		},
		Backend: BackendConfig{
			Prefix:  getEnv("BACKEND_PREFIX", ""),
			Command: getEnv("BACKEND_COMMAND", ""),
			Args:    parseArgs(getEnv("BACKEND_ARGS", "")),
			URL:     getEnv("BACKEND_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}
	if c.Gate.DefaultCreditsPerCall < 0 {
		return fmt.Errorf("gate default credits per call must be non-negative")
	}
	if c.Gate.PersistDebounce < 0 {
		return fmt.Errorf("gate persist debounce must be non-negative")
	}
	if c.Gate.RingSize < 1 {
		return fmt.Errorf("gate ring size must be at least 1")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}
	return nil
}

// parseCreditPackages parses "price_abc=1000,price_def=5000" into a map.
func parseCreditPackages(raw string) map[string]int64 {
	out := map[string]int64{}
	if raw == "" {
		return out
	}
	pairs := splitAndTrim(raw, ',')
	for _, p := range pairs {
		kv := splitAndTrim(p, '=')
		if len(kv) != 2 {
			continue
		}
		if credits, err := strconv.ParseInt(kv[1], 10, 64); err == nil {
			out[kv[0]] = credits
		}
	}
	return out
}

// parseIntMap parses "tool=60,other=30" into a map, mirroring
// parseCreditPackages but for plain ints (rate limits rather than credits).
func parseIntMap(raw string) map[string]int {
	out := map[string]int{}
	if raw == "" {
		return out
	}
	for _, p := range splitAndTrim(raw, ',') {
		kv := splitAndTrim(p, '=')
		if len(kv) != 2 {
			continue
		}
		if n, err := strconv.Atoi(kv[1]); err == nil {
			out[kv[0]] = n
		}
	}
	return out
}

// parseBackends decodes the optional multi-backend Router topology from a
// JSON array, e.g. ROUTER_BACKENDS_JSON=[{"prefix":"fs","command":"mcp-fs"}].
// A single-backend deployment leaves this unset and runs one BackendTransport
// directly, unprefixed.
func parseBackends(raw string) []BackendConfig {
	if raw == "" {
		return nil
	}
	var out []BackendConfig
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// parseArgs splits a space-separated BACKEND_ARGS value into argv entries,
// returning nil (not a one-element slice) for an empty input.
func parseArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	return splitAndTrim(raw, ' ')
}

func splitAndTrim(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

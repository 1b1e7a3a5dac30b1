package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/paygate/gateway/internal/meter"
)

// parseQuery builds a meter.Query from the common since/until/type/limit/
// offset URL parameters shared by /usage, /audit, and /audit/export.
func parseQuery(r *http.Request) meter.Query {
	q := r.URL.Query()
	var query meter.Query
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Until = &t
		}
	}
	query.Type = q.Get("type")
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Offset = n
		}
	}
	return query
}

// handleUsageExport serves the masked usage ring as JSON (default) or CSV
// when ?format=csv is given.
func (s *Server) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	events := s.meter.QueryUsage(parseQuery(r))
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_ = meter.ExportUsageCSV(w, events)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = meter.ExportUsageJSON(w, events)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	entries := s.meter.QueryAudit(parseQuery(r))
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleAuditExport masks AuditEntry.Actor (which, for key-scoped entries,
// holds the full unmasked API key) before serializing: the meter package's
// export helpers only cover the usage ring, so the masking happens here.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	entries := s.meter.QueryAudit(parseQuery(r))
	masked := make([]maskedAuditEntry, len(entries))
	for i, e := range entries {
		masked[i] = maskedAuditEntry{
			Timestamp: e.Timestamp,
			Type:      e.Type,
			Actor:     meter.MaskKey(e.Actor),
			Message:   e.Message,
			Details:   e.Details,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": masked})
}

type maskedAuditEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.meter.AuditStats())
}

// handleHealth is pure liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady additionally reports whether the Router's backends all came
// up; a degraded router still serves traffic but a readiness probe should
// know about it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.router.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ready": true})
}

// handlePricing is the public tool-pricing discovery surface: default
// per-call credits, any tool-specific overrides, and the per-KB surcharge.
func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"defaultCreditsPerCall": s.cfg.Gate.DefaultCreditsPerCall,
		"toolPricing":           s.cfg.Gate.ToolPricing,
		"surchargePerKB":        s.cfg.Gate.SurchargePerKB,
	})
}

// handleWellKnown exposes the same pricing data at the MCP payment
// discovery well-known path so a client can learn the cost of calling a
// tool before presenting an API key.
func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":               "1",
		"paymentHeader":         s.cfg.Auth.APIKeyHeader,
		"defaultCreditsPerCall": s.cfg.Gate.DefaultCreditsPerCall,
		"toolPricing":           s.cfg.Gate.ToolPricing,
	})
}

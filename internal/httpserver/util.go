package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/paygate/gateway/config"
)

// maxBodyMiddleware bounds every request body to maxBytes, aborting with 413
// once the handler (or json.Decoder) reads past the limit via
// http.MaxBytesReader, per the spec's "request bodies over the maximum size
// abort with 413".
func maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDFrom(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the spec's standard error body: {error, requestId}.
func writeError(w http.ResponseWriter, status int, errCode string, requestID string) {
	w.Header().Set("X-Request-Id", requestID)
	writeJSON(w, status, map[string]string{"error": errCode, "requestId": requestID})
}

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dest)
}

// extractAPIKey resolves the API key from X-API-Key or the Authorization
// bearer header, per cfg.Auth.
func extractAPIKey(r *http.Request, cfg config.AuthConfig) string {
	if v := r.Header.Get(cfg.APIKeyHeader); v != "" {
		return v
	}
	if v := r.Header.Get(cfg.BearerHeader); v != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(v, prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	return ""
}

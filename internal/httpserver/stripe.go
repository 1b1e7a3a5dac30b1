package httpserver

import (
	"io"
	"net/http"

	"github.com/paygate/gateway/internal/billing"
)

// handleStripeWebhook has no admin-secret or API-key gate: Stripe
// authenticates itself via the Stripe-Signature header, verified inside
// billing.HandleWebhook against the configured signing secret.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if err := billing.HandleWebhook(s.store, body, sig, s.cfg.Billing.StripeWebhookSecret); err != nil {
		writeError(w, http.StatusBadRequest, "webhook_rejected", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

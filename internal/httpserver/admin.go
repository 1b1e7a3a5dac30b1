package httpserver

import "net/http"

type topupRequest struct {
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.AddCredits(req.Key, req.Amount) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	rec, _ := s.store.GetKeyRaw(req.Key)
	writeJSON(w, http.StatusOK, map[string]any{"credits": rec.Credits})
}

type setLimitsRequest struct {
	Key           string `json:"key"`
	SpendingLimit *int64 `json:"spendingLimit"`
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req setLimitsRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.SetSpendingLimit(req.Key, req.SpendingLimit) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// handleBalance is the one read endpoint callable with an API key instead
// of the admin secret: a key holder can always check its own balance.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	apiKey := extractAPIKey(r, s.cfg.Auth)
	rec, reason := lookupKey(s.store, apiKey)
	if reason != "" {
		writeError(w, http.StatusUnauthorized, string(reason), requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credits":       rec.Credits,
		"totalSpent":    rec.TotalSpent,
		"totalCalls":    rec.TotalCalls,
		"spendingLimit": rec.SpendingLimit,
		"quota":         rec.Quota,
	})
}

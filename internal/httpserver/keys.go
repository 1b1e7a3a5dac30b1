package httpserver

import (
	"net/http"
	"time"

	"github.com/paygate/gateway/internal/keystore"
)

// createKeyRequest/quotaRequest mirror keystore.CreateOpts/Quota as wire
// shapes: plain JSON in, pointers preserved for the "unset" vs "zero"
// distinction the store's quota limits need.
type createKeyRequest struct {
	Name          string            `json:"name"`
	Credits       int64             `json:"credits"`
	AllowedTools  []string          `json:"allowedTools,omitempty"`
	DeniedTools   []string          `json:"deniedTools,omitempty"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	Quota         *quotaRequest     `json:"quota,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	IPAllowlist   []string          `json:"ipAllowlist,omitempty"`
	SpendingLimit *int64            `json:"spendingLimit,omitempty"`
}

type quotaRequest struct {
	DailyCallLimit     *int64 `json:"dailyCallLimit,omitempty"`
	MonthlyCallLimit   *int64 `json:"monthlyCallLimit,omitempty"`
	DailyCreditLimit   *int64 `json:"dailyCreditLimit,omitempty"`
	MonthlyCreditLimit *int64 `json:"monthlyCreditLimit,omitempty"`
}

func (q *quotaRequest) toQuota() *keystore.Quota {
	if q == nil {
		return nil
	}
	return &keystore.Quota{
		DailyCallLimit:     q.DailyCallLimit,
		MonthlyCallLimit:   q.MonthlyCallLimit,
		DailyCreditLimit:   q.DailyCreditLimit,
		MonthlyCreditLimit: q.MonthlyCreditLimit,
	}
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", requestID)
		return
	}
	rec, err := s.store.CreateKey(req.Name, req.Credits, keystore.CreateOpts{
		AllowedTools:  req.AllowedTools,
		DeniedTools:   req.DeniedTools,
		ExpiresAt:     req.ExpiresAt,
		Quota:         req.Quota.toQuota(),
		Tags:          req.Tags,
		IPAllowlist:   req.IPAllowlist,
		SpendingLimit: req.SpendingLimit,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", requestID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.store.ListKeys()})
}

// keyActionRequest is the common envelope for the single-key POST actions
// below: every one of them identifies its target key the same way.
type keyActionRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req keyActionRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.RevokeKey(req.Key) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req keyActionRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	rec, ok := s.store.RotateKey(req.Key)
	if !ok {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type setACLRequest struct {
	Key          string   `json:"key"`
	AllowedTools []string `json:"allowedTools"`
	DeniedTools  []string `json:"deniedTools"`
}

func (s *Server) handleSetACL(w http.ResponseWriter, r *http.Request) {
	var req setACLRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.SetACL(req.Key, req.AllowedTools, req.DeniedTools) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type setExpiryRequest struct {
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	var req setExpiryRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.SetExpiry(req.Key, req.ExpiresAt) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type setQuotaRequest struct {
	Key   string        `json:"key"`
	Quota *quotaRequest `json:"quota"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.SetQuota(req.Key, req.Quota.toQuota()) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type setTagsRequest struct {
	Key  string            `json:"key"`
	Tags map[string]string `json:"tags"`
}

func (s *Server) handleSetTags(w http.ResponseWriter, r *http.Request) {
	var req setTagsRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.SetTags(req.Key, req.Tags) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type setIPRequest struct {
	Key string   `json:"key"`
	IPs []string `json:"ipAllowlist"`
}

func (s *Server) handleSetIPAllowlist(w http.ResponseWriter, r *http.Request) {
	var req setIPRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	if !s.store.SetIPAllowlist(req.Key, req.IPs) {
		writeError(w, http.StatusNotFound, "key_not_found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type searchKeysRequest struct {
	TagKey   string `json:"tagKey"`
	TagValue string `json:"tagValue"`
}

func (s *Server) handleSearchKeys(w http.ResponseWriter, r *http.Request) {
	var req searchKeysRequest
	requestID := requestIDFrom(r.Context())
	if err := decodeJSON(r, &req); err != nil || req.TagKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.store.ListKeysByTag(req.TagKey, req.TagValue)})
}

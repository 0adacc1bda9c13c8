package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/querypilot/querypilot/internal/auth"
	"github.com/querypilot/querypilot/internal/chattext"
	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/internal/ratelimit"
	"github.com/querypilot/querypilot/pkg/models"
)

// operatorHeader carries the acting operator's principal on admin
// calls; the chat adapter fills it from the verified event.
const operatorHeader = "X-Operator"

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func (s *Service) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "starting")
		return
	}
	if err := s.expert.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "query expert unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var q models.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q.Text = chattext.Clean(q.Text)
	if q.Principal == "" || q.ChannelID == "" || q.Text == "" {
		writeError(w, http.StatusBadRequest, "principal, channel_id and text are required")
		return
	}

	answer, err := s.runner.Run(r.Context(), q)
	if err != nil {
		s.writeRunError(w, answer, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// writeRunError maps admission failures to transport status codes.
// The answer, when present, is included so the adapter can still show
// the terminal record.
func (s *Service) writeRunError(w http.ResponseWriter, answer *models.Answer, err error) {
	status := http.StatusInternalServerError

	var denied *auth.DeniedError
	var rlErr *ratelimit.Error
	switch {
	case errors.As(err, &denied), errors.Is(err, auth.ErrIdentityNotFound):
		status = http.StatusForbidden
	case errors.As(err, &rlErr):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())+1))
	case errors.Is(err, auth.ErrResolverUnavailable):
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"error": err.Error()}
	if answer != nil {
		body["answer"] = answer
	}
	writeJSON(w, status, body)
}

func (s *Service) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query lookup failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown query")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	s.broadcaster.HandleSSE(w, r, chi.URLParam(r, "id"))
}

// handleEvents streams progress for every in-flight query. Callers do not
// learn a query id until the answer arrives, so a per-id stream cannot be
// opened ahead of submission; this one can.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.broadcaster.HandleSSE(w, r, "")
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	principal := models.Principal(r.URL.Query().Get("principal"))
	if principal == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}
	if !s.authorize(w, r, principal, models.CapabilityQueryHistory) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.records.History(r.Context(), principal, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Service) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	operator, ok := s.operator(w, r, models.CapabilityAdmin)
	if !ok {
		return
	}

	var req struct {
		Principal models.Principal `json:"principal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Principal == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}

	if err := s.limiter.Reset(r.Context(), req.Principal); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.auditLog.System(r.Context(), "ratelimit_reset", operator, map[string]any{
		"target": string(req.Principal),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Service) handleRateLimitUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.operator(w, r, models.CapabilityAdmin); !ok {
		return
	}
	principal := models.Principal(r.URL.Query().Get("principal"))
	if principal == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}
	usage, err := s.limiter.Usage(r.Context(), principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Service) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	operator, ok := s.operator(w, r, models.CapabilityAdmin)
	if !ok {
		return
	}

	var req struct {
		Key    string `json:"key"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual invalidation"
	}

	if err := s.resultCache.Invalidate(r.Context(), req.Key, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "invalidation failed")
		return
	}
	s.auditLog.System(r.Context(), "cache_invalidated", operator, map[string]any{
		"key":    req.Key,
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (s *Service) handleSessionsExpire(w http.ResponseWriter, r *http.Request) {
	operator, ok := s.operator(w, r, models.CapabilityAdmin)
	if !ok {
		return
	}

	expired, err := s.reaper.ReapNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "expiry failed")
		return
	}
	s.auditLog.System(r.Context(), "sessions_expired", operator, map[string]any{
		"expired": expired,
	})
	writeJSON(w, http.StatusOK, map[string]any{"expired": expired})
}

func (s *Service) handleUserGrant(w http.ResponseWriter, r *http.Request) {
	operator, ok := s.operator(w, r, models.CapabilityUserAdmin)
	if !ok {
		return
	}

	var identity models.Identity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil || identity.Principal == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}
	for _, role := range identity.Roles {
		if _, known := models.RoleCapabilities[role]; !known {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown role %q", role))
			return
		}
	}

	if err := s.guard.Grant(r.Context(), operator, &identity); err != nil {
		writeError(w, http.StatusInternalServerError, "grant failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (s *Service) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.operator(w, r, models.CapabilityAuditView); !ok {
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	filter := db.AuditFilter{
		Principal: models.Principal(query.Get("principal")),
		Category:  models.EventCategory(query.Get("category")),
		EventType: query.Get("event_type"),
		Limit:     limit,
	}
	if since := query.Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = parsed
	}

	entries, err := s.auditLog.Search(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// operator authenticates the admin caller from the operator header and
// checks the capability. Writes the error response itself on failure.
func (s *Service) operator(w http.ResponseWriter, r *http.Request, capability models.Capability) (models.Principal, bool) {
	operator := models.Principal(r.Header.Get(operatorHeader))
	if operator == "" {
		writeError(w, http.StatusUnauthorized, "missing operator identity")
		return "", false
	}
	if !s.authorize(w, r, operator, capability) {
		return "", false
	}
	return operator, true
}

func (s *Service) authorize(w http.ResponseWriter, r *http.Request, principal models.Principal, capability models.Capability) bool {
	_, err := s.guard.Authorize(r.Context(), principal, capability)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrResolverUnavailable):
		writeError(w, http.StatusServiceUnavailable, "identity resolver unavailable")
	default:
		writeError(w, http.StatusForbidden, "not authorized")
	}
	return false
}

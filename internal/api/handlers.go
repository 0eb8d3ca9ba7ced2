package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kswifiapp/session-core/internal/auth"
	"github.com/kswifiapp/session-core/internal/events"
	"github.com/kswifiapp/session-core/internal/metrics"
	"github.com/kswifiapp/session-core/internal/model"
	"github.com/kswifiapp/session-core/internal/store"
)

type startDownloadRequest struct {
	OfferID    string `json:"offer_id"`
	PaymentRef string `json:"payment_ref"`
}

type reportUsageRequest struct {
	DataUsedMB int64 `json:"data_used_mb"`
}

type issueProfilesRequest struct {
	Passphrase string `json:"passphrase"`
}

type markTransferringRequest struct {
	ProgressPercent int `json:"progress_percent"`
}

type markFailedRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}

	quota, err := s.store.GetQuota(r.Context(), ownerID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to read quota")
		return
	}
	freeRemaining := quota.LimitMB - quota.UsedMB
	if freeRemaining < 0 {
		freeRemaining = 0
	}

	// The hint has no pricing effect; it is kept for client telemetry.
	if hint := r.URL.Query().Get("network"); hint != "" {
		log.Debug().Str("owner_id", ownerID).Str("network_hint", hint).Msg("offers requested")
	}

	offers := s.catalog.Annotated(freeRemaining)
	out := make([]map[string]any, 0, len(offers))
	for _, o := range offers {
		entry := map[string]any{
			"id":            o.ID,
			"name":          o.Name,
			"unlimited":     o.Size.IsUnlimited(),
			"price_usd":     o.PriceUSD,
			"validity_days": o.ValidityDays,
			"free":          o.Free,
		}
		if !o.Size.IsUnlimited() {
			entry["size_mb"] = o.Size.MB()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": out})
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}

	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OfferID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "offer_id is required")
		return
	}

	offer, ok := s.catalog.Get(req.OfferID)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown offer")
		return
	}

	sess, err := s.store.StartDownload(r.Context(), store.StartDownloadInput{
		OwnerID:    ownerID,
		Offer:      offer,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			writeAPIError(w, http.StatusPaymentRequired, "quota_exceeded", "free quota exceeded, payment required")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to start download")
		return
	}

	grant := "paid"
	if req.PaymentRef == "" && !offer.Size.IsUnlimited() {
		grant = "free"
	}
	metrics.DownloadsStarted.WithLabelValues(grant).Inc()
	log.Info().Str("owner_id", ownerID).Str("session_id", sess.ID).Str("offer_id", offer.ID).Str("grant", grant).Msg("download started")

	writeJSON(w, http.StatusCreated, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), ownerID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetActiveSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}

	sess, err := s.store.GetActiveSession(r.Context(), ownerID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}
	if sess == nil {
		writeAPIError(w, http.StatusNotFound, "no_active_session", "no session is currently active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.Activate(r.Context(), ownerID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			metrics.Activations.WithLabelValues("not_found").Inc()
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, store.ErrConflictingActiveSession):
			metrics.Activations.WithLabelValues("conflict").Inc()
			writeAPIError(w, http.StatusConflict, "conflicting_active_session", "another session is already active")
		case errors.Is(err, store.ErrInvalidState):
			metrics.Activations.WithLabelValues("invalid_state").Inc()
			writeAPIError(w, http.StatusConflict, "invalid_state", "session is not ready for activation")
		default:
			metrics.Activations.WithLabelValues("error").Inc()
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to activate session")
		}
		return
	}

	metrics.Activations.WithLabelValues("ok").Inc()
	s.publishSessionEvent(r, "session.activated", sess)
	log.Info().Str("owner_id", ownerID).Str("session_id", sess.ID).Msg("session activated")

	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}

	var req reportUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DataUsedMB <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "data_used_mb must be positive")
		return
	}

	sess, err := s.store.ReportUsage(r.Context(), ownerID, req.DataUsedMB)
	if err != nil {
		if errors.Is(err, store.ErrNoActiveSession) {
			metrics.UsageReports.WithLabelValues("no_active_session").Inc()
			writeAPIError(w, http.StatusNotFound, "no_active_session", "no active session to apply usage to")
			return
		}
		metrics.UsageReports.WithLabelValues("error").Inc()
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to apply usage")
		return
	}

	metrics.UsageReports.WithLabelValues("ok").Inc()
	metrics.UsageReportedMB.Observe(float64(req.DataUsedMB))
	if sess.Status == model.SessionExhausted {
		s.publishSessionEvent(r, "session.exhausted", sess)
		log.Info().Str("owner_id", ownerID).Str("session_id", sess.ID).Msg("session exhausted")
	}

	resp := map[string]any{
		"session_id": sess.ID,
		"status":     string(sess.Status),
		"unlimited":  sess.Size.IsUnlimited(),
	}
	if !sess.Size.IsUnlimited() {
		resp["remaining_mb"] = sess.RemainingMB()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}

	quota, err := s.store.GetQuota(r.Context(), ownerID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to read quota")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"used_mb":      quota.UsedMB,
		"limit_mb":     quota.LimitMB,
		"percentage":   quota.Percentage(),
		"period_start": quota.PeriodStart.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleIssueProfiles(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	var req issueProfilesRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}

	// Ownership check before issuance; the issuer itself only validates the
	// active-session binding.
	if _, err := s.store.GetSession(r.Context(), ownerID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}

	options, err := s.issuer.IssueDual(r.Context(), sessionID, req.Passphrase)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotActive) {
			writeAPIError(w, http.StatusConflict, "session_not_active", "profiles are only issuable for an active session")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to issue profiles")
		return
	}

	out := make([]map[string]any, 0, len(options))
	for _, p := range options {
		metrics.ProfilesIssued.WithLabelValues(string(p.Kind)).Inc()
		out = append(out, toProfileResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": out})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := s.store.GetSession(r.Context(), ownerID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}

	profiles, err := s.store.ListProfiles(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list profiles")
		return
	}
	out := make([]map[string]any, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": out})
}

func (s *Server) handleMarkTransferring(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req markTransferringRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}

	sess, err := s.store.MarkTransferring(r.Context(), sessionID, req.ProgressPercent)
	s.writeTransferResult(w, sess, err)
}

func (s *Server) handleMarkStored(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.MarkStored(r.Context(), chi.URLParam(r, "sessionID"))
	s.writeTransferResult(w, sess, err)
}

func (s *Server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req markFailedRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "transfer failed"
	}

	sess, err := s.store.MarkFailed(r.Context(), sessionID, req.Reason)
	s.writeTransferResult(w, sess, err)
}

func (s *Server) writeTransferResult(w http.ResponseWriter, sess *model.Session, err error) {
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, store.ErrInvalidState):
			writeAPIError(w, http.StatusConflict, "invalid_state", "transition is not legal from the current status")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to update session")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) publishSessionEvent(r *http.Request, routingKey string, sess *model.Session) {
	ev := events.SessionEvent{
		SessionID:   sess.ID,
		OwnerID:     sess.OwnerID,
		Status:      string(sess.Status),
		RemainingMB: sess.RemainingMB(),
		Timestamp:   time.Now().UTC(),
	}
	if err := s.publisher.PublishSessionEvent(r.Context(), routingKey, ev); err != nil {
		log.Warn().Err(err).Str("routing_key", routingKey).Str("session_id", sess.ID).Msg("event publish failed")
	}
}

func toSessionResponse(sess *model.Session) map[string]any {
	resp := map[string]any{
		"session_id":          sess.ID,
		"offer_id":            sess.OfferID,
		"name":                sess.Name,
		"status":              string(sess.Status),
		"progress_percent":    sess.ProgressPercent,
		"unlimited":           sess.Size.IsUnlimited(),
		"used_mb":             sess.UsedMB,
		"can_activate":        sess.CanActivate(),
		"download_started_at": sess.DownloadStartedAt.UTC().Format(time.RFC3339),
	}
	if !sess.Size.IsUnlimited() {
		resp["size_mb"] = sess.Size.MB()
		resp["remaining_mb"] = sess.RemainingMB()
	}
	if sess.ActivatedAt != nil {
		resp["activated_at"] = sess.ActivatedAt.UTC().Format(time.RFC3339)
	}
	if sess.ExpiresAt != nil {
		resp["expires_at"] = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if sess.FailureReason != "" {
		resp["failure_reason"] = sess.FailureReason
	}
	return resp
}

func toProfileResponse(p *model.ConnectivityProfile) map[string]any {
	resp := map[string]any{
		"profile_id":        p.ID,
		"session_id":        p.SessionID,
		"kind":              string(p.Kind),
		"provisioning_code": p.ProvisioningCode,
		"issued_at":         p.IssuedAt.UTC().Format(time.RFC3339),
	}
	switch p.Kind {
	case model.ProfilePublicCaptive:
		resp["network_name"] = p.NetworkName
		resp["portal_url"] = p.PortalURL
		resp["access_token"] = p.AccessToken
		if p.ExpiresAt != nil {
			resp["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
		}
	case model.ProfilePrivateVPN:
		resp["iccid"] = p.ICCID
		resp["smdp_server"] = p.SMDPServer
		resp["activation_code"] = p.ActivationCode
	}
	return resp
}

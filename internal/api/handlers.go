package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/ledger"
	"github.com/subscout/subscout/internal/pkg/httputil"
	"github.com/subscout/subscout/internal/scan"
	"github.com/subscout/subscout/internal/unsubscribe"
	"github.com/subscout/subscout/internal/vault"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// requireUser pulls the caller identity from X-User-ID. A real deployment
// puts a session layer here instead.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-User-ID")
		if uid == "" {
			httputil.Error(w, http.StatusUnauthorized, "missing X-User-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userIDKey).(string)
	return uid
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type scanStartRequest struct {
	WindowStart *time.Time `json:"window_start"`
	WindowEnd   *time.Time `json:"window_end"`
	ForceRescan bool       `json:"force_rescan"`
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	var req scanStartRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}

	window := domain.ScanWindow{}
	if req.WindowStart != nil {
		window.Start = *req.WindowStart
	}
	if req.WindowEnd != nil {
		window.End = *req.WindowEnd
	}
	if !window.Start.IsZero() && !window.End.IsZero() && window.End.Before(window.Start) {
		httputil.BadRequest(w, "window_end before window_start")
		return
	}

	session, err := s.scans.StartScan(r.Context(), userID(r), window, req.ForceRescan)
	switch {
	case err == nil:
		httputil.Created(w, session)
	case errors.Is(err, scan.ErrScanConflict):
		httputil.Error(w, http.StatusConflict, "a scan is already in progress")
	case errors.Is(err, vault.ErrAuthExpired), errors.Is(err, vault.ErrNoCredential):
		httputil.Error(w, http.StatusUnauthorized, "mailbox authorization required")
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.scans.GetStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, scan.ErrNotFound) {
		httputil.NotFound(w, "scan session not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if session.UserID != userID(r) {
		httputil.NotFound(w, "scan session not found")
		return
	}
	httputil.OK(w, session)
}

func (s *Server) handleScanCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	session, err := s.scans.GetStatus(r.Context(), id)
	if errors.Is(err, scan.ErrNotFound) || (err == nil && session.UserID != userID(r)) {
		httputil.NotFound(w, "scan session not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := s.scans.RequestCancel(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	status := domain.SubscriptionStatus(r.URL.Query().Get("status"))
	subs, err := s.subs.List(r.Context(), userID(r), status)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if subs == nil {
		subs = []*domain.Subscription{}
	}
	httputil.OK(w, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

func (s *Server) handleRequestCancellation(w http.ResponseWriter, r *http.Request) {
	action, err := s.cancels.Request(r.Context(), userID(r), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		httputil.Created(w, action)
	case errors.Is(err, unsubscribe.ErrNotFound):
		httputil.NotFound(w, "subscription not found")
	case errors.Is(err, unsubscribe.ErrAlreadyCancelled), errors.Is(err, unsubscribe.ErrActionInFlight):
		httputil.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, unsubscribe.ErrNoCancellationLink):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleCancellationStatus(w http.ResponseWriter, r *http.Request) {
	action, err := s.cancels.GetStatus(r.Context(), chi.URLParam(r, "actionID"))
	if errors.Is(err, unsubscribe.ErrNotFound) {
		httputil.NotFound(w, "cancellation not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if action.UserID != userID(r) {
		httputil.NotFound(w, "cancellation not found")
		return
	}
	httputil.OK(w, action)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		EventType: q.Get("event_type"),
		SubjectID: q.Get("subject_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}

	events, err := s.activity.List(r.Context(), userID(r), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if events == nil {
		events = []*domain.ActivityEvent{}
	}
	httputil.OK(w, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Package api exposes the scan, subscription, cancellation, and activity
// operations over HTTP. Session auth is out of scope; the X-User-ID header
// stands in for the identity layer.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/subscout/subscout/internal/config"
	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/ledger"
	"github.com/subscout/subscout/internal/pkg/logger"
)

// ScanService is the scan orchestrator surface the API needs.
type ScanService interface {
	StartScan(ctx context.Context, userID string, window domain.ScanWindow, forceRescan bool) (*domain.ScanSession, error)
	GetStatus(ctx context.Context, sessionID string) (*domain.ScanSession, error)
	RequestCancel(ctx context.Context, sessionID string) error
}

// CancelService is the unsubscribe orchestrator surface the API needs.
type CancelService interface {
	Request(ctx context.Context, userID, subscriptionID string) (*domain.UnsubscribeAction, error)
	GetStatus(ctx context.Context, actionID string) (*domain.UnsubscribeAction, error)
}

// SubscriptionLister lists a user's subscriptions.
type SubscriptionLister interface {
	List(ctx context.Context, userID string, status domain.SubscriptionStatus) ([]*domain.Subscription, error)
}

// ActivityLister lists a user's activity events.
type ActivityLister interface {
	List(ctx context.Context, userID string, f ledger.Filter) ([]*domain.ActivityEvent, error)
}

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	scans    ScanService
	cancels  CancelService
	subs     SubscriptionLister
	activity ActivityLister
	router   *chi.Mux
	server   *http.Server
}

// NewServer wires the handlers and routes.
func NewServer(cfg config.ServerConfig, scans ScanService, cancels CancelService, subs SubscriptionLister, activity ActivityLister) *Server {
	s := &Server{
		cfg:      cfg,
		scans:    scans,
		cancels:  cancels,
		subs:     subs,
		activity: activity,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("api server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

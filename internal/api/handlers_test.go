package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscout/subscout/internal/config"
	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/ledger"
	"github.com/subscout/subscout/internal/scan"
	"github.com/subscout/subscout/internal/unsubscribe"
	"github.com/subscout/subscout/internal/vault"
)

type fakeScans struct {
	startErr error
	session  *domain.ScanSession
	cancels  []string
}

func (f *fakeScans) StartScan(_ context.Context, userID string, _ domain.ScanWindow, force bool) (*domain.ScanSession, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &domain.ScanSession{ID: "sess-1", UserID: userID, ForceRescan: force, Status: domain.ScanPending}, nil
}

func (f *fakeScans) GetStatus(_ context.Context, sessionID string) (*domain.ScanSession, error) {
	if f.session == nil || f.session.ID != sessionID {
		return nil, scan.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeScans) RequestCancel(_ context.Context, sessionID string) error {
	f.cancels = append(f.cancels, sessionID)
	return nil
}

type fakeCancels struct {
	requestErr error
	action     *domain.UnsubscribeAction
}

func (f *fakeCancels) Request(_ context.Context, userID, subID string) (*domain.UnsubscribeAction, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return &domain.UnsubscribeAction{ID: "act-1", UserID: userID, SubscriptionID: subID, State: domain.ActionRequested}, nil
}

func (f *fakeCancels) GetStatus(_ context.Context, actionID string) (*domain.UnsubscribeAction, error) {
	if f.action == nil || f.action.ID != actionID {
		return nil, unsubscribe.ErrNotFound
	}
	return f.action, nil
}

type fakeSubs struct {
	subs   []*domain.Subscription
	status domain.SubscriptionStatus
}

func (f *fakeSubs) List(_ context.Context, _ string, status domain.SubscriptionStatus) ([]*domain.Subscription, error) {
	f.status = status
	return f.subs, nil
}

type fakeActivity struct {
	events []*domain.ActivityEvent
	filter ledger.Filter
}

func (f *fakeActivity) List(_ context.Context, _ string, filter ledger.Filter) ([]*domain.ActivityEvent, error) {
	f.filter = filter
	return f.events, nil
}

type fixture struct {
	server   *Server
	scans    *fakeScans
	cancels  *fakeCancels
	subs     *fakeSubs
	activity *fakeActivity
}

func newFixture() *fixture {
	f := &fixture{
		scans:    &fakeScans{},
		cancels:  &fakeCancels{},
		subs:     &fakeSubs{},
		activity: &fakeActivity{},
	}
	f.server = NewServer(config.ServerConfig{}, f.scans, f.cancels, f.subs, f.activity)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "u1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresUserHeader(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScanStart(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/scan/start", map[string]any{"force_rescan": true})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got domain.ScanSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.ForceRescan)
}

func TestScanStartConflict(t *testing.T) {
	f := newFixture()
	f.scans.startErr = scan.ErrScanConflict
	rec := f.do(t, http.MethodPost, "/api/scan/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScanStartAuthExpired(t *testing.T) {
	f := newFixture()
	f.scans.startErr = vault.ErrAuthExpired
	rec := f.do(t, http.MethodPost, "/api/scan/start", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScanStartRejectsInvertedWindow(t *testing.T) {
	f := newFixture()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := f.do(t, http.MethodPost, "/api/scan/start", map[string]any{
		"window_start": start, "window_end": end,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanStatus(t *testing.T) {
	f := newFixture()
	f.scans.session = &domain.ScanSession{ID: "sess-1", UserID: "u1", Status: domain.ScanRunning, MessagesSeen: 12}

	rec := f.do(t, http.MethodGet, "/api/scan/status/sess-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got domain.ScanSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.ScanRunning, got.Status)
	assert.Equal(t, 12, got.MessagesSeen)
}

func TestScanStatusNotFound(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/scan/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanStatusHidesOtherUsers(t *testing.T) {
	f := newFixture()
	f.scans.session = &domain.ScanSession{ID: "sess-1", UserID: "someone-else"}
	rec := f.do(t, http.MethodGet, "/api/scan/status/sess-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanCancel(t *testing.T) {
	f := newFixture()
	f.scans.session = &domain.ScanSession{ID: "sess-1", UserID: "u1", Status: domain.ScanRunning}
	rec := f.do(t, http.MethodPost, "/api/scan/sess-1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"sess-1"}, f.scans.cancels)
}

func TestListSubscriptions(t *testing.T) {
	f := newFixture()
	f.subs.subs = []*domain.Subscription{{ID: "sub-1", ServiceName: "Netflix"}}

	rec := f.do(t, http.MethodGet, "/api/subscriptions?status=active", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SubscriptionActive, f.subs.status)

	var got struct {
		Subscriptions []*domain.Subscription `json:"subscriptions"`
		Count         int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, "Netflix", got.Subscriptions[0].ServiceName)
}

func TestListSubscriptionsEmptyIsArray(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/subscriptions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subscriptions":[]`)
}

func TestRequestCancellation(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/subscriptions/sub-1/cancel", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got domain.UnsubscribeAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sub-1", got.SubscriptionID)
	assert.Equal(t, domain.ActionRequested, got.State)
}

func TestRequestCancellationErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{unsubscribe.ErrNotFound, http.StatusNotFound},
		{unsubscribe.ErrAlreadyCancelled, http.StatusConflict},
		{unsubscribe.ErrActionInFlight, http.StatusConflict},
		{unsubscribe.ErrNoCancellationLink, http.StatusBadRequest},
	}
	for _, tc := range cases {
		f := newFixture()
		f.cancels.requestErr = tc.err
		rec := f.do(t, http.MethodPost, "/api/subscriptions/sub-1/cancel", nil)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestCancellationStatus(t *testing.T) {
	f := newFixture()
	f.cancels.action = &domain.UnsubscribeAction{ID: "act-1", UserID: "u1", State: domain.ActionAwaitingConfirmation}

	rec := f.do(t, http.MethodGet, "/api/cancellations/act-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got domain.UnsubscribeAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.ActionAwaitingConfirmation, got.State)
}

func TestListActivityFilter(t *testing.T) {
	f := newFixture()
	f.activity.events = []*domain.ActivityEvent{{ID: "e1", EventType: domain.EventSubscriptionCreated}}

	rec := f.do(t, http.MethodGet, "/api/activity?event_type=subscription_created&limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.EventSubscriptionCreated, f.activity.filter.EventType)
	assert.Equal(t, 10, f.activity.filter.Limit)
}

func TestListActivityRejectsBadLimit(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/activity?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

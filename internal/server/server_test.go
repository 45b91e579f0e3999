package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/health"
	"tradecore/internal/mock"
	"tradecore/internal/reconcile"
	"tradecore/internal/risk"
	"tradecore/internal/state"
)

type stubStopper struct {
	mu     sync.Mutex
	calls  int
	lastBy string
}

func (s *stubStopper) Execute(ctx context.Context, by, reason string) risk.StopReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastBy = by
	return risk.StopReport{RunID: "run-1", OrdersCancelled: 2, PositionsFlattened: 1}
}

type stubCloser struct {
	mu       sync.Mutex
	requests map[string]*core.CloseRequest
	created  int
	err      error
}

func newStubCloser() *stubCloser {
	return &stubCloser{requests: make(map[string]*core.CloseRequest)}
}

func (c *stubCloser) BeginClose(ctx context.Context, positionID int64, key string, maxRetries int) (*core.CloseRequest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	if cr, ok := c.requests[key]; ok {
		return cr, false, nil
	}
	cr := &core.CloseRequest{
		ID: "cr-1", PositionID: positionID, Symbol: "AAPL",
		Status: core.CloseRequestPending, TargetQty: decimal.NewFromInt(100),
	}
	c.requests[key] = cr
	c.created++
	return cr, true, nil
}

type stubRecon struct {
	last   *reconcile.Result
	recent []reconcile.Discrepancy
}

func (r *stubRecon) Recent() []reconcile.Discrepancy { return r.recent }
func (r *stubRecon) LastResult() *reconcile.Result   { return r.last }

type serverFixture struct {
	handler  http.Handler
	trading  *state.TradingStateManager
	modes    *state.ModeManager
	ks       *risk.KillSwitch
	stopper  *stubStopper
	registry *health.Registry
	closer   *stubCloser
	recon    *stubRecon
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := mock.NewMockLogger()
	f := &serverFixture{
		trading:  state.NewTradingStateManager(logger, core.SystemClock, nil, nil),
		modes:    state.NewModeManager(config.DegradationConfig{}, logger, core.SystemClock, nil, nil, nil, nil),
		ks:       risk.NewKillSwitch(logger, core.SystemClock, nil, nil),
		stopper:  &stubStopper{},
		registry: health.NewRegistry(logger, nil, time.Second),
		closer:   newStubCloser(),
		recon:    &stubRecon{},
	}
	srv := New(config.ServerConfig{Port: 0, TimeoutMS: 1000}, 3,
		f.trading, f.modes, f.stopper, f.ks, f.registry, f.closer, f.recon, logger)
	f.handler = srv.Handler()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestRiskStateSnapshot(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/risk/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Trading    state.TradingStatus   `json:"trading"`
		KillSwitch risk.KillSwitchStatus `json:"kill_switch"`
		Mode       state.ModeStatus      `json:"mode"`
	}
	decode(t, rec, &got)
	assert.Equal(t, state.TradingRunning, got.Trading.State)
	assert.False(t, got.KillSwitch.Active)
	assert.Equal(t, state.ModeNormal, got.Mode.Mode)
}

func TestHaltRequiresReason(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/risk/halt", `{"operator_id":"ops"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, f.trading.IsTradingAllowed())
}

func TestHaltAndResumeFlow(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/risk/halt", `{"operator_id":"ops","reason":"drill"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.trading.IsTradingAllowed())

	// HALTED without enable-resume rejects the resume.
	rec = f.do(t, http.MethodPost, "/risk/resume", `{"operator_id":"ops"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr apiError
	decode(t, rec, &apiErr)
	assert.Equal(t, "policy", apiErr.ErrorKind)

	rec = f.do(t, http.MethodPost, "/risk/enable-resume", `{"operator_id":"ops"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/risk/resume", `{"operator_id":"ops"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.trading.IsTradingAllowed())
}

func TestPauseDefaultsReason(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/risk/pause", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.trading.IsTradingAllowed())

	var got state.TradingStatus
	decode(t, rec, &got)
	assert.Equal(t, state.TradingPaused, got.State)
}

func TestKillSwitchEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/risk/kill-switch", `{"reason":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "operator_id is mandatory")
	assert.Zero(t, f.stopper.calls)

	rec = f.do(t, http.MethodPost, "/risk/kill-switch", `{"operator_id":"ops","reason":"flatten"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.stopper.calls)
	assert.Equal(t, "ops", f.stopper.lastBy)

	var report risk.StopReport
	decode(t, rec, &report)
	assert.Equal(t, 2, report.OrdersCancelled)
	assert.Equal(t, 1, report.PositionsFlattened)
}

func TestModeForceValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/degradation/force",
		`{"mode":"turbo","ttl_seconds":60,"operator_id":"ops","reason":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/degradation/force",
		`{"mode":"safe_mode","ttl_seconds":60,"operator_id":"ops","reason":"maintenance"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got state.ModeStatus
	decode(t, rec, &got)
	assert.Equal(t, state.ModeSafe, got.Mode)
	assert.True(t, got.IsForceOverride)
}

func TestPermissionsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/degradation/permissions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Mode        state.Mode                            `json:"mode"`
		Permissions map[state.ActionType]state.Permission `json:"permissions"`
	}
	decode(t, rec, &got)
	assert.Equal(t, state.ModeNormal, got.Mode)
	assert.True(t, got.Permissions[state.ActionOpen].Allowed)
}

func TestHealthDetailedDegraded(t *testing.T) {
	f := newServerFixture(t)
	f.registry.Register("database", func() error { return nil })
	rec := f.do(t, http.MethodGet, "/health/detailed", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.registry.Register("broker", func() error { return errors.New("disconnected") })
	rec = f.do(t, http.MethodGet, "/health/detailed", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthComponentLookup(t *testing.T) {
	f := newServerFixture(t)
	f.registry.Register("database", func() error { return nil })

	rec := f.do(t, http.MethodGet, "/health/component/database", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/component/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconRecentEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.recon.last = &reconcile.Result{RunID: "run-9", IsClean: false}
	f.recon.recent = []reconcile.Discrepancy{{Type: reconcile.DiscrepancyMissingLocal, Symbol: "AAPL"}}

	rec := f.do(t, http.MethodGet, "/reconciliation/recent", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		LastRun       *reconcile.Result       `json:"last_run"`
		Discrepancies []reconcile.Discrepancy `json:"discrepancies"`
	}
	decode(t, rec, &got)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, "run-9", got.LastRun.RunID)
	require.Len(t, got.Discrepancies, 1)
}

func TestPositionCloseIdempotency(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/positions/42/close", `{"reason":"manual"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "idempotency key is mandatory")

	hdr := map[string]string{"Idempotency-Key": "K1"}
	rec = f.do(t, http.MethodPost, "/positions/42/close", `{"reason":"manual"}`, hdr)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first closeResponse
	decode(t, rec, &first)
	assert.Equal(t, "cr-1", first.CloseRequestID)
	assert.False(t, first.Replayed)

	// Same key replays the stored response without a new close request.
	rec = f.do(t, http.MethodPost, "/positions/42/close", `{"reason":"manual"}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var second closeResponse
	decode(t, rec, &second)
	assert.Equal(t, first.CloseRequestID, second.CloseRequestID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.closer.created)
}

func TestPositionCloseNotFound(t *testing.T) {
	f := newServerFixture(t)
	f.closer.err = errors.New("position 42 not found")

	rec := f.do(t, http.MethodPost, "/positions/42/close", "",
		map[string]string{"Idempotency-Key": "K1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionCloseBadID(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/positions/abc/close", "",
		map[string]string{"Idempotency-Key": "K1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

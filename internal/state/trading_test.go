package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/alert"
	"tradecore/internal/mock"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTradingManager(t *testing.T) (*TradingStateManager, *mock.CapturingAuditSink, *mock.CapturingAlertSink) {
	t.Helper()
	audit := mock.NewCapturingAuditSink()
	alerts := mock.NewCapturingAlertSink()
	m := NewTradingStateManager(mock.NewMockLogger(), newFakeClock(), audit, alerts)
	return m, audit, alerts
}

func TestInitialStateIsRunning(t *testing.T) {
	m, _, _ := newTradingManager(t)
	assert.True(t, m.IsTradingAllowed())
	assert.True(t, m.IsCloseAllowed())
	assert.Equal(t, TradingRunning, m.Status().State)
}

func TestPauseAllowsCloseOnly(t *testing.T) {
	m, _, _ := newTradingManager(t)
	require.NoError(t, m.Pause(context.Background(), "op-1", "volatility spike"))

	assert.False(t, m.IsTradingAllowed())
	assert.True(t, m.IsCloseAllowed())
	assert.Equal(t, TradingPaused, m.Status().State)
}

func TestHaltIsSticky(t *testing.T) {
	m, _, alerts := newTradingManager(t)
	require.NoError(t, m.Halt(context.Background(), "op-1", "broker outage"))

	assert.False(t, m.IsTradingAllowed())
	assert.False(t, m.IsCloseAllowed())

	err := m.Resume(context.Background(), "op-1")
	require.Error(t, err, "resume without enable_resume must fail")
	assert.Equal(t, TradingHalted, m.Status().State)

	require.NoError(t, m.EnableResume(context.Background(), "op-1"))
	assert.True(t, m.Status().CanResume)
	require.NoError(t, m.Resume(context.Background(), "op-1"))
	assert.Equal(t, TradingRunning, m.Status().State)
	assert.False(t, m.Status().CanResume, "resume disarms the flag")

	require.Len(t, alerts.ByType(alert.TypeTradingHalted), 1)
	require.Len(t, alerts.ByType(alert.TypeTradingResumed), 1)
}

func TestEnableResumeRequiresHalted(t *testing.T) {
	m, _, _ := newTradingManager(t)
	assert.Error(t, m.EnableResume(context.Background(), "op-1"))

	require.NoError(t, m.Pause(context.Background(), "op-1", ""))
	assert.Error(t, m.EnableResume(context.Background(), "op-1"))
}

func TestCannotPauseWhileHalted(t *testing.T) {
	m, _, _ := newTradingManager(t)
	require.NoError(t, m.Halt(context.Background(), "op-1", "x"))
	assert.Error(t, m.Pause(context.Background(), "op-1", "y"))
}

func TestResumeFromPausedNeedsNoEnable(t *testing.T) {
	m, _, _ := newTradingManager(t)
	require.NoError(t, m.Pause(context.Background(), "op-1", ""))
	require.NoError(t, m.Resume(context.Background(), "op-1"))
	assert.Equal(t, TradingRunning, m.Status().State)
}

func TestTransitionsAreAudited(t *testing.T) {
	m, audit, _ := newTradingManager(t)
	require.NoError(t, m.Halt(context.Background(), "op-1", "manual"))
	require.NoError(t, m.EnableResume(context.Background(), "op-1"))
	require.NoError(t, m.Resume(context.Background(), "op-1"))

	events := audit.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "trading_halted", events[0].EventType)
	assert.Equal(t, "resume_enabled", events[1].EventType)
	assert.Equal(t, "trading_resumed", events[2].EventType)
	assert.Equal(t, "HALTED", events[0].NewValue["state"])
}

package wal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/alert"
	"tradecore/internal/config"
	"tradecore/internal/mock"
	apperrors "tradecore/pkg/errors"
)

type walClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *walClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *walClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type haltRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (h *haltRecorder) Halt(ctx context.Context, reason, by string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

func (h *haltRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reasons)
}

type walFixture struct {
	buf    *Buffer
	halter *haltRecorder
	alerts *mock.CapturingAlertSink
	clock  *walClock
}

func newWALFixture(t *testing.T, cfg config.WALConfig) *walFixture {
	t.Helper()
	f := &walFixture{
		halter: &haltRecorder{},
		alerts: mock.NewCapturingAlertSink(),
		clock:  &walClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	f.buf = NewBuffer(cfg, f.halter, f.alerts, mock.NewMockLogger(), f.clock)
	return f
}

func TestAppendAndReplayInOrder(t *testing.T) {
	f := newWALFixture(t, config.WALConfig{MaxEntries: 100, MaxBytes: 1 << 20, MaxAgeSec: 300})
	ctx := context.Background()

	require.NoError(t, f.buf.Append(ctx, "k1", "order_update", map[string]string{"id": "1"}))
	require.NoError(t, f.buf.Append(ctx, "k2", "order_update", map[string]string{"id": "2"}))
	require.NoError(t, f.buf.Append(ctx, "k3", "fill", map[string]string{"id": "3"}))
	assert.Equal(t, 3, f.buf.Len())

	var replayed []string
	applied, err := f.buf.Replay(ctx, func(ctx context.Context, e Entry) error {
		replayed = append(replayed, e.IdempotentKey)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, []string{"k1", "k2", "k3"}, replayed, "replay preserves arrival order")
	assert.Equal(t, 0, f.buf.Len())
	assert.Equal(t, 0, f.buf.Bytes())
}

func TestDuplicateKeyIsAbsorbed(t *testing.T) {
	f := newWALFixture(t, config.WALConfig{MaxEntries: 100, MaxBytes: 1 << 20, MaxAgeSec: 300})
	ctx := context.Background()

	require.NoError(t, f.buf.Append(ctx, "k1", "order_update", "a"))
	require.NoError(t, f.buf.Append(ctx, "k1", "order_update", "b"))
	assert.Equal(t, 1, f.buf.Len())
}

func TestEntryCapForcesHalt(t *testing.T) {
	f := newWALFixture(t, config.WALConfig{MaxEntries: 2, MaxBytes: 1 << 20, MaxAgeSec: 300})
	ctx := context.Background()

	require.NoError(t, f.buf.Append(ctx, "k1", "x", "a"))
	require.NoError(t, f.buf.Append(ctx, "k2", "x", "b"))

	err := f.buf.Append(ctx, "k3", "x", "c")
	require.Error(t, err)
	assert.Equal(t, 1, f.halter.count())
	assert.Len(t, f.alerts.ByType(alert.TypeWALThreshold), 1)

	// The buffer stays rejecting after the halt.
	err = f.buf.Append(ctx, "k4", "x", "d")
	require.Error(t, err)
	assert.Equal(t, 1, f.halter.count(), "halt fires once")
}

func TestAgeCapForcesHalt(t *testing.T) {
	f := newWALFixture(t, config.WALConfig{MaxEntries: 100, MaxBytes: 1 << 20, MaxAgeSec: 60})
	ctx := context.Background()

	require.NoError(t, f.buf.Append(ctx, "k1", "x", "a"))
	f.clock.Advance(2 * time.Minute)

	err := f.buf.Append(ctx, "k2", "x", "b")
	require.Error(t, err)
	assert.Equal(t, 1, f.halter.count())
}

func TestReplayConflictHaltsAndKeepsUnapplied(t *testing.T) {
	f := newWALFixture(t, config.WALConfig{MaxEntries: 100, MaxBytes: 1 << 20, MaxAgeSec: 300})
	ctx := context.Background()

	require.NoError(t, f.buf.Append(ctx, "k1", "x", "a"))
	require.NoError(t, f.buf.Append(ctx, "k2", "x", "b"))
	require.NoError(t, f.buf.Append(ctx, "k3", "x", "c"))

	applied, err := f.buf.Replay(ctx, func(ctx context.Context, e Entry) error {
		if e.IdempotentKey == "k2" {
			return errors.New("constraint violated")
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrWALReplayConflict))
	assert.Equal(t, 1, applied)
	assert.Equal(t, 2, f.buf.Len(), "failed and unattempted entries stay buffered")
	assert.Equal(t, 1, f.halter.count())
	assert.Len(t, f.alerts.ByType(alert.TypeWALThreshold), 1)
}

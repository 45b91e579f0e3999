package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/mock"
)

type greeksClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *greeksClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func greeksFixture(snap GreeksSnapshot, hasSnap bool, impact map[string]decimal.Decimal) (*GreeksGate, *greeksClock) {
	clock := &greeksClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	cfg := config.GreeksConfig{
		Enabled:             true,
		MaxStalenessSeconds: 60,
		HardLimits:          map[string]float64{"delta": 100, "vega": 50},
	}
	gate := NewGreeksGate(cfg,
		func() (GreeksSnapshot, bool) { return snap, hasSnap },
		func(core.Signal) map[string]decimal.Decimal { return impact },
		clock)
	return gate, clock
}

func TestGreeksMissingSnapshotFailsClosed(t *testing.T) {
	gate, _ := greeksFixture(GreeksSnapshot{}, false, nil)
	res := gate.Check(core.Signal{Symbol: "AAPL"})
	assert.Equal(t, GreeksDataUnavailable, res.Status)
}

func TestGreeksStaleSnapshotFailsClosed(t *testing.T) {
	gate, clock := greeksFixture(GreeksSnapshot{
		Values:  map[string]decimal.Decimal{"delta": decimal.NewFromInt(10)},
		TakenAt: clockTime(),
	}, true, map[string]decimal.Decimal{"delta": decimal.NewFromInt(1)})
	clock.t = clockTime().Add(2 * time.Minute)

	res := gate.Check(core.Signal{Symbol: "AAPL"})
	assert.Equal(t, GreeksDataStale, res.Status)
}

func TestGreeksProjectionWithinLimitsPasses(t *testing.T) {
	gate, _ := greeksFixture(GreeksSnapshot{
		Values:  map[string]decimal.Decimal{"delta": decimal.NewFromInt(80)},
		TakenAt: clockTime(),
	}, true, map[string]decimal.Decimal{"delta": decimal.NewFromInt(20)})

	res := gate.Check(core.Signal{Symbol: "AAPL"})
	assert.Equal(t, GreeksOK, res.Status)
	assert.True(t, res.Projected["delta"].Equal(decimal.NewFromInt(100)), "exactly at the hard limit passes")
}

func TestGreeksHardBreachRejects(t *testing.T) {
	gate, _ := greeksFixture(GreeksSnapshot{
		Values:  map[string]decimal.Decimal{"delta": decimal.NewFromInt(90), "vega": decimal.NewFromInt(-40)},
		TakenAt: clockTime(),
	}, true, map[string]decimal.Decimal{"delta": decimal.NewFromInt(15), "vega": decimal.NewFromInt(-20)})

	res := gate.Check(core.Signal{Symbol: "AAPL"})
	assert.Equal(t, GreeksHardBreach, res.Status)
	assert.ElementsMatch(t, []string{"delta", "vega"}, res.BreachDims)
	assert.True(t, res.Projected["vega"].Equal(decimal.NewFromInt(-60)), "negative projections breach on magnitude")
}

func TestGateAttachesGreeksResult(t *testing.T) {
	greeks, _ := greeksFixture(GreeksSnapshot{}, false, nil)
	logger := mock.NewMockLogger()
	ks := NewKillSwitch(logger, core.SystemClock, nil, nil)
	gate := NewGate(riskConfig(), ks, stubTrading{trading: true, closing: true},
		stubPrices{"AAPL": 100}, greeks, logger)

	res := gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot())
	assert.False(t, res.Approved)
	require.NotNil(t, res.GreeksResult)
	assert.Equal(t, GreeksDataUnavailable, res.GreeksResult.Status)
	assert.Contains(t, failedNames(res), CheckGreeksLimits)
}

func clockTime() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/mock"
)

type stubTrading struct {
	trading bool
	closing bool
}

func (s stubTrading) IsTradingAllowed() bool { return s.trading }
func (s stubTrading) IsCloseAllowed() bool   { return s.closing }

type stubPrices map[string]float64

func (s stubPrices) LastPrice(symbol string) decimal.Decimal {
	if p, ok := s[symbol]; ok {
		return decimal.NewFromFloat(p)
	}
	return decimal.Zero
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxQtyPerOrder: 1000,
		MaxOrderValue:  100000,
		MaxPositionPct: 0.25,
		MaxPositions:   5,
		MaxExposurePct: 0.80,
		DailyLossLimit: 1000,
		MaxDrawdownPct: 0.10,
	}
}

func healthySnapshot() core.PortfolioSnapshot {
	return core.PortfolioSnapshot{
		AccountID:     "acct-1",
		Cash:          decimal.NewFromInt(500000),
		Equity:        decimal.NewFromInt(1000000),
		BuyingPower:   decimal.NewFromInt(500000),
		PeakEquity:    decimal.NewFromInt(1000000),
		DailyPnL:      decimal.NewFromInt(-100),
		Positions:     map[string]core.PositionSnapshot{},
		TotalExposure: decimal.NewFromInt(100000),
	}
}

func buySignal(symbol string, qty float64) core.Signal {
	return core.Signal{
		SignalID:   "sig-1",
		StrategyID: "strat-1",
		AccountID:  "acct-1",
		Symbol:     symbol,
		Side:       core.SideBuy,
		Kind:       core.OrderKindMarket,
		Quantity:   decimal.NewFromFloat(qty),
		CreatedAt:  time.Now(),
	}
}

type gateFixture struct {
	gate   *Gate
	ks     *KillSwitch
	alerts *mock.CapturingAlertSink
	audit  *mock.CapturingAuditSink
}

func newGateFixture(t *testing.T, cfg config.RiskConfig, trading TradingGate, greeks *GreeksGate) *gateFixture {
	t.Helper()
	f := &gateFixture{
		alerts: mock.NewCapturingAlertSink(),
		audit:  mock.NewCapturingAuditSink(),
	}
	logger := mock.NewMockLogger()
	f.ks = NewKillSwitch(logger, core.SystemClock, f.audit, f.alerts)
	f.gate = NewGate(cfg, f.ks, trading, stubPrices{"AAPL": 100, "TSLA": 200}, greeks, logger)
	return f
}

func TestApprovedSignalPassesAllChecks(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: true, closing: true}, nil)

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 10), healthySnapshot())

	assert.True(t, res.Approved)
	assert.Empty(t, res.ChecksFailed)
	assert.Equal(t, []string{
		CheckKillSwitch, CheckStrategyPaused, CheckSymbolAllowed,
		CheckPositionLimits, CheckPortfolioLimits, CheckLossLimits, CheckGreeksLimits,
	}, res.ChecksPassed)
}

func TestZeroBuyingPowerRejectsBuysNotSells(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: true, closing: true}, nil)
	snap := healthySnapshot()
	snap.BuyingPower = decimal.Zero

	buy := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), snap)
	assert.False(t, buy.Approved)
	assert.Contains(t, failedNames(buy), CheckPortfolioLimits)

	sell := buySignal("AAPL", 1)
	sell.Side = core.SideSell
	res := f.gate.Evaluate(context.Background(), sell, snap)
	assert.True(t, res.Approved)
}

func TestExactlyAtLimitPasses(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxQtyPerOrder = 100
	cfg.MaxOrderValue = 10000 // 100 shares @ 100
	cfg.MaxPositionPct = 0.01 // 10000 / 1000000
	f := newGateFixture(t, cfg, stubTrading{trading: true, closing: true}, nil)

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 100), healthySnapshot())
	assert.True(t, res.Approved, "exactly-at-limit must pass: %v", res.ChecksFailed)

	over := f.gate.Evaluate(context.Background(), buySignal("AAPL", 101), healthySnapshot())
	assert.False(t, over.Approved)
	assert.Contains(t, failedNames(over), CheckPositionLimits)
}

func TestProjectedExposureAtLimitPasses(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxExposurePct = 0.50
	f := newGateFixture(t, cfg, stubTrading{trading: true, closing: true}, nil)
	snap := healthySnapshot()
	snap.TotalExposure = decimal.NewFromInt(499000) // +1000 = exactly 50% of 1M

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 10), snap)
	assert.True(t, res.Approved)

	snap.TotalExposure = decimal.NewFromInt(499001)
	over := f.gate.Evaluate(context.Background(), buySignal("AAPL", 10), snap)
	assert.False(t, over.Approved)
	assert.Contains(t, failedNames(over), CheckPortfolioLimits)
}

func TestMaxPositionsBlocksNewSymbolsOnly(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxPositions = 1
	f := newGateFixture(t, cfg, stubTrading{trading: true, closing: true}, nil)
	snap := healthySnapshot()
	snap.Positions["TSLA"] = core.PositionSnapshot{Symbol: "TSLA", Quantity: decimal.NewFromInt(10)}

	newSym := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), snap)
	assert.False(t, newSym.Approved)

	addTo := f.gate.Evaluate(context.Background(), buySignal("TSLA", 1), snap)
	assert.True(t, addTo.Approved, "adding to an existing symbol is allowed")
}

func TestBlocklistBeatsAllowlist(t *testing.T) {
	cfg := riskConfig()
	cfg.SymbolAllowlist = []string{"AAPL"}
	cfg.SymbolBlocklist = []string{"AAPL"}
	f := newGateFixture(t, cfg, stubTrading{trading: true, closing: true}, nil)

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot())
	assert.False(t, res.Approved)
	assert.Contains(t, failedNames(res), CheckSymbolAllowed)
}

func TestEmptyAllowlistAdmitsNonBlocked(t *testing.T) {
	cfg := riskConfig()
	cfg.SymbolBlocklist = []string{"GME"}
	f := newGateFixture(t, cfg, stubTrading{trading: true, closing: true}, nil)

	assert.True(t, f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot()).Approved)
	assert.False(t, f.gate.Evaluate(context.Background(), buySignal("GME", 1), healthySnapshot()).Approved)
}

func TestStrategyPauseBlocksSignals(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: true, closing: true}, nil)
	f.gate.PauseStrategy("strat-1")

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot())
	assert.False(t, res.Approved)
	assert.Contains(t, failedNames(res), CheckStrategyPaused)

	f.gate.ResumeStrategy("strat-1")
	assert.True(t, f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot()).Approved)
}

func TestPausedStateAllowsCloseOnly(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: false, closing: true}, nil)

	open := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot())
	assert.False(t, open.Approved)

	closeSig := buySignal("AAPL", 1)
	closeSig.Side = core.SideSell
	closeSig.IsClose = true
	res := f.gate.Evaluate(context.Background(), closeSig, healthySnapshot())
	assert.True(t, res.Approved)
}

func TestDailyLossAtThresholdTripsKillSwitch(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: true, closing: true}, nil)
	snap := healthySnapshot()
	snap.DailyPnL = decimal.NewFromInt(-1000) // exactly at the limit

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), snap)
	assert.False(t, res.Approved)
	assert.Contains(t, failedNames(res), CheckLossLimits)
	assert.Contains(t, res.RejectionReason, "Daily loss limit")

	assert.True(t, f.ks.IsActive())
	assert.Contains(t, f.ks.Status().Reason, "Daily loss limit")

	// The next evaluation fails on the latched kill switch even with a
	// healthy snapshot.
	next := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), healthySnapshot())
	assert.False(t, next.Approved)
	assert.Contains(t, failedNames(next), CheckKillSwitch)
}

func TestDrawdownBreachTripsKillSwitch(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: true, closing: true}, nil)
	snap := healthySnapshot()
	snap.PeakEquity = decimal.NewFromInt(1000000)
	snap.Equity = decimal.NewFromInt(880000) // 12% drawdown > 10%

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), snap)
	assert.False(t, res.Approved)
	assert.True(t, f.ks.IsActive())
}

func TestAllChecksRunAfterFirstFailure(t *testing.T) {
	cfg := riskConfig()
	cfg.SymbolBlocklist = []string{"AAPL"}
	f := newGateFixture(t, cfg, stubTrading{trading: true, closing: true}, nil)
	f.gate.PauseStrategy("strat-1")
	snap := healthySnapshot()
	snap.DailyPnL = decimal.NewFromInt(-5000)

	res := f.gate.Evaluate(context.Background(), buySignal("AAPL", 1), snap)
	names := failedNames(res)
	assert.Contains(t, names, CheckStrategyPaused)
	assert.Contains(t, names, CheckSymbolAllowed)
	assert.Contains(t, names, CheckLossLimits)
	assert.GreaterOrEqual(t, len(names), 3)
}

func TestStricterLimitsNeverApprove(t *testing.T) {
	loose := riskConfig()
	strict := riskConfig()
	strict.MaxQtyPerOrder = 1
	strict.MaxOrderValue = 50
	strict.MaxPositions = 1
	strict.MaxExposurePct = 0.01

	sig := buySignal("AAPL", 500)
	snap := healthySnapshot()

	fl := newGateFixture(t, loose, stubTrading{trading: true, closing: true}, nil)
	fs := newGateFixture(t, strict, stubTrading{trading: true, closing: true}, nil)

	looseRes := fl.gate.Evaluate(context.Background(), sig, snap)
	strictRes := fs.gate.Evaluate(context.Background(), sig, snap)
	if !looseRes.Approved {
		assert.False(t, strictRes.Approved, "tightening limits must not approve a rejected signal")
	}
}

func TestUnknownReferencePriceFailsClosed(t *testing.T) {
	f := newGateFixture(t, riskConfig(), stubTrading{trading: true, closing: true}, nil)

	res := f.gate.Evaluate(context.Background(), buySignal("UNPRICED", 1), healthySnapshot())
	assert.False(t, res.Approved)
	assert.Contains(t, failedNames(res), CheckPositionLimits)
}

func failedNames(r RiskResult) []string {
	out := make([]string, 0, len(r.ChecksFailed))
	for _, f := range r.ChecksFailed {
		out = append(out, f.Name)
	}
	return out
}

package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/internal/core"
)

// Check names in the order they run.
const (
	CheckKillSwitch      = "kill_switch"
	CheckStrategyPaused  = "strategy_paused"
	CheckSymbolAllowed   = "symbol_allowed"
	CheckPositionLimits  = "position_limits"
	CheckPortfolioLimits = "portfolio_limits"
	CheckLossLimits      = "loss_limits"
	CheckGreeksLimits    = "greeks_limits"
)

// CheckFailure is one failed check with its reason.
type CheckFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// RiskResult is the outcome of evaluating one signal.
type RiskResult struct {
	Approved        bool               `json:"approved"`
	Signal          core.Signal        `json:"-"`
	ChecksPassed    []string           `json:"checks_passed"`
	ChecksFailed    []CheckFailure     `json:"checks_failed,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	GreeksResult    *GreeksCheckResult `json:"greeks_check_result,omitempty"`
}

// TradingGate is the slice of the trading state FSM the gate consults.
type TradingGate interface {
	IsTradingAllowed() bool
	IsCloseAllowed() bool
}

// PriceSource resolves a cached reference price for a symbol without
// blocking. Zero means unknown.
type PriceSource interface {
	LastPrice(symbol string) decimal.Decimal
}

// Gate runs the ordered pre-trade check chain. Every check always executes
// so a rejection carries the complete failure list for diagnosis.
type Gate struct {
	cfg        config.RiskConfig
	killSwitch *KillSwitch
	trading    TradingGate
	prices     PriceSource
	greeks     *GreeksGate
	logger     core.ILogger

	mu     sync.RWMutex
	paused map[string]bool
}

func NewGate(cfg config.RiskConfig, killSwitch *KillSwitch, trading TradingGate, prices PriceSource, greeks *GreeksGate, logger core.ILogger) *Gate {
	return &Gate{
		cfg:        cfg,
		killSwitch: killSwitch,
		trading:    trading,
		prices:     prices,
		greeks:     greeks,
		logger:     logger.WithField("component", "risk_gate"),
		paused:     make(map[string]bool),
	}
}

// PauseStrategy blocks signals from one strategy.
func (g *Gate) PauseStrategy(strategyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused[strategyID] = true
}

// ResumeStrategy lifts a per-strategy pause.
func (g *Gate) ResumeStrategy(strategyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.paused, strategyID)
}

func (g *Gate) isStrategyPaused(strategyID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused[strategyID]
}

// Evaluate runs the full chain against the signal and portfolio snapshot.
func (g *Gate) Evaluate(ctx context.Context, signal core.Signal, snap core.PortfolioSnapshot) RiskResult {
	result := RiskResult{Signal: signal}

	record := func(name string, passed bool, reason string) {
		if passed {
			result.ChecksPassed = append(result.ChecksPassed, name)
			return
		}
		result.ChecksFailed = append(result.ChecksFailed, CheckFailure{Name: name, Reason: reason})
		if result.RejectionReason == "" {
			result.RejectionReason = reason
		}
	}

	refPrice := g.referencePrice(signal)

	record(g.checkKillSwitch(signal))
	record(g.checkStrategyPaused(signal))
	record(g.checkSymbolAllowed(signal))
	record(g.checkPositionLimits(signal, snap, refPrice))
	record(g.checkPortfolioLimits(signal, snap, refPrice))
	record(g.checkLossLimits(ctx, signal, snap))
	name, passed, reason := g.checkGreeksLimits(signal, &result)
	record(name, passed, reason)

	result.Approved = len(result.ChecksFailed) == 0
	if !result.Approved {
		g.logger.Warn("signal rejected",
			"signal_id", signal.SignalID, "symbol", signal.Symbol,
			"reason", result.RejectionReason, "failed_checks", len(result.ChecksFailed))
	}
	return result
}

// referencePrice prefers the limit price, falling back to the cached mark.
func (g *Gate) referencePrice(signal core.Signal) decimal.Decimal {
	if signal.Kind == core.OrderKindLimit && signal.LimitPrice.IsPositive() {
		return signal.LimitPrice
	}
	if g.prices != nil {
		return g.prices.LastPrice(signal.Symbol)
	}
	return decimal.Zero
}

func (g *Gate) checkKillSwitch(signal core.Signal) (string, bool, string) {
	if g.killSwitch != nil && g.killSwitch.IsActive() {
		return CheckKillSwitch, false, "kill switch is active: " + g.killSwitch.Status().Reason
	}
	if g.trading != nil {
		if signal.IsClose {
			if !g.trading.IsCloseAllowed() {
				return CheckKillSwitch, false, "trading state forbids close orders"
			}
		} else if !g.trading.IsTradingAllowed() {
			return CheckKillSwitch, false, "trading state forbids new orders"
		}
	}
	return CheckKillSwitch, true, ""
}

func (g *Gate) checkStrategyPaused(signal core.Signal) (string, bool, string) {
	if g.isStrategyPaused(signal.StrategyID) {
		return CheckStrategyPaused, false, "strategy " + signal.StrategyID + " is paused"
	}
	return CheckStrategyPaused, true, ""
}

// checkSymbolAllowed: blocklist wins over allowlist; an empty allowlist
// admits every non-blocked symbol.
func (g *Gate) checkSymbolAllowed(signal core.Signal) (string, bool, string) {
	for _, s := range g.cfg.SymbolBlocklist {
		if strings.EqualFold(s, signal.Symbol) {
			return CheckSymbolAllowed, false, "symbol " + signal.Symbol + " is blocklisted"
		}
	}
	if len(g.cfg.SymbolAllowlist) == 0 {
		return CheckSymbolAllowed, true, ""
	}
	for _, s := range g.cfg.SymbolAllowlist {
		if strings.EqualFold(s, signal.Symbol) {
			return CheckSymbolAllowed, true, ""
		}
	}
	return CheckSymbolAllowed, false, "symbol " + signal.Symbol + " is not on the allowlist"
}

// checkPositionLimits: sells pass trivially; buys enforce per-order quantity,
// value and position concentration. Exactly-at-limit passes.
func (g *Gate) checkPositionLimits(signal core.Signal, snap core.PortfolioSnapshot, refPrice decimal.Decimal) (string, bool, string) {
	if signal.Side == core.SideSell {
		return CheckPositionLimits, true, ""
	}
	if g.cfg.MaxQtyPerOrder > 0 && signal.Quantity.GreaterThan(decimal.NewFromFloat(g.cfg.MaxQtyPerOrder)) {
		return CheckPositionLimits, false, fmt.Sprintf(
			"quantity %s exceeds max per order %v", signal.Quantity, g.cfg.MaxQtyPerOrder)
	}
	if refPrice.IsZero() {
		return CheckPositionLimits, false, "no reference price for " + signal.Symbol
	}
	value := signal.Quantity.Mul(refPrice)
	if g.cfg.MaxOrderValue > 0 && value.GreaterThan(decimal.NewFromFloat(g.cfg.MaxOrderValue)) {
		return CheckPositionLimits, false, fmt.Sprintf(
			"order value %s exceeds max %v", value, g.cfg.MaxOrderValue)
	}
	if g.cfg.MaxPositionPct > 0 && snap.Equity.IsPositive() {
		pct := value.Div(snap.Equity)
		if pct.GreaterThan(decimal.NewFromFloat(g.cfg.MaxPositionPct)) {
			return CheckPositionLimits, false, fmt.Sprintf(
				"position concentration %s exceeds max %v", pct.Round(4), g.cfg.MaxPositionPct)
		}
	}
	return CheckPositionLimits, true, ""
}

// checkPortfolioLimits: new symbols respect the position count; buys respect
// projected exposure and buying power.
func (g *Gate) checkPortfolioLimits(signal core.Signal, snap core.PortfolioSnapshot, refPrice decimal.Decimal) (string, bool, string) {
	_, holding := snap.Positions[signal.Symbol]
	if !holding && signal.Side == core.SideBuy &&
		g.cfg.MaxPositions > 0 && len(snap.Positions) >= g.cfg.MaxPositions {
		return CheckPortfolioLimits, false, fmt.Sprintf(
			"open positions %d at max %d", len(snap.Positions), g.cfg.MaxPositions)
	}
	if signal.Side == core.SideSell {
		return CheckPortfolioLimits, true, ""
	}
	if refPrice.IsZero() {
		return CheckPortfolioLimits, false, "no reference price for " + signal.Symbol
	}
	value := signal.Quantity.Mul(refPrice)
	if value.GreaterThan(snap.BuyingPower) {
		return CheckPortfolioLimits, false, fmt.Sprintf(
			"order value %s exceeds buying power %s", value, snap.BuyingPower)
	}
	if g.cfg.MaxExposurePct > 0 && snap.Equity.IsPositive() {
		projected := snap.TotalExposure.Add(value)
		limit := snap.Equity.Mul(decimal.NewFromFloat(g.cfg.MaxExposurePct))
		if projected.GreaterThan(limit) {
			return CheckPortfolioLimits, false, fmt.Sprintf(
				"projected exposure %s exceeds limit %s", projected, limit)
		}
	}
	return CheckPortfolioLimits, true, ""
}

// checkLossLimits flips the kill switch when breached: the rejection must
// outlive this one signal.
func (g *Gate) checkLossLimits(ctx context.Context, signal core.Signal, snap core.PortfolioSnapshot) (string, bool, string) {
	if g.cfg.DailyLossLimit > 0 {
		limit := decimal.NewFromFloat(g.cfg.DailyLossLimit)
		if snap.DailyPnL.LessThanOrEqual(limit.Neg()) {
			reason := fmt.Sprintf("Daily loss limit breached: pnl %s, limit %s", snap.DailyPnL, limit)
			if g.killSwitch != nil {
				g.killSwitch.Engage(ctx, "risk_gate", reason)
			}
			return CheckLossLimits, false, reason
		}
	}
	if g.cfg.MaxDrawdownPct > 0 && snap.PeakEquity.IsPositive() {
		drawdown := snap.PeakEquity.Sub(snap.Equity).Div(snap.PeakEquity)
		if drawdown.GreaterThan(decimal.NewFromFloat(g.cfg.MaxDrawdownPct)) {
			reason := fmt.Sprintf("Max drawdown breached: %s of peak equity", drawdown.Round(4))
			if g.killSwitch != nil {
				g.killSwitch.Engage(ctx, "risk_gate", reason)
			}
			return CheckLossLimits, false, reason
		}
	}
	return CheckLossLimits, true, ""
}

func (g *Gate) checkGreeksLimits(signal core.Signal, result *RiskResult) (string, bool, string) {
	if g.greeks == nil {
		return CheckGreeksLimits, true, ""
	}
	gr := g.greeks.Check(signal)
	result.GreeksResult = &gr
	if gr.Status != GreeksOK {
		return CheckGreeksLimits, false, fmt.Sprintf("greeks check %s: %s", gr.Status, gr.Detail)
	}
	return CheckGreeksLimits, true, ""
}

// Package portfolio maintains the in-memory account view fed by fills and
// mark prices. It backs the risk gate's snapshot and the reconciler's local
// side.
package portfolio

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

type holding struct {
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// Portfolio implements core.IPortfolio. All mutation happens under one lock;
// Snapshot returns a value copy.
type Portfolio struct {
	mu            sync.RWMutex
	accountID     string
	cash          decimal.Decimal
	holdings      map[string]holding
	lastPrices    map[string]decimal.Decimal
	peakEquity    decimal.Decimal
	dayOpenEquity decimal.Decimal

	logger core.ILogger
	clock  core.IClock
}

func New(accountID string, startingCash decimal.Decimal, logger core.ILogger, clock core.IClock) *Portfolio {
	p := &Portfolio{
		accountID:  accountID,
		cash:       startingCash,
		holdings:   make(map[string]holding),
		lastPrices: make(map[string]decimal.Decimal),
		logger:     logger.WithField("component", "portfolio"),
		clock:      clock,
	}
	eq := p.equityLocked()
	p.peakEquity = eq
	p.dayOpenEquity = eq
	return p
}

// SyncAccount replaces cash from the broker's view, used at startup and by
// reconciliation corrections.
func (p *Portfolio) SyncAccount(acct core.BrokerAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = acct.Cash
	eq := p.equityLocked()
	if eq.GreaterThan(p.peakEquity) {
		p.peakEquity = eq
	}
}

// SetPosition force-syncs one holding, used by reconciliation corrections.
func (p *Portfolio) SetPosition(symbol string, quantity, avgCost decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if quantity.IsZero() {
		delete(p.holdings, symbol)
		return
	}
	p.holdings[symbol] = holding{quantity: quantity, avgCost: avgCost}
}

// RecordFill applies one execution to cash and holdings. Long-only: selling
// more than held is a contract violation.
func (p *Portfolio) RecordFill(ctx context.Context, order *core.Order, fill core.Fill) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := fill.Quantity.Mul(fill.Price)
	h := p.holdings[fill.Symbol]

	switch order.Side {
	case core.SideBuy:
		newQty := h.quantity.Add(fill.Quantity)
		// VWAP cost basis across the position.
		h.avgCost = h.quantity.Mul(h.avgCost).Add(value).Div(newQty)
		h.quantity = newQty
		p.cash = p.cash.Sub(value)
	case core.SideSell:
		if fill.Quantity.GreaterThan(h.quantity) {
			return fmt.Errorf("%w: sell %s exceeds held %s of %s",
				apperrors.ErrContractViolation, fill.Quantity, h.quantity, fill.Symbol)
		}
		h.quantity = h.quantity.Sub(fill.Quantity)
		p.cash = p.cash.Add(value)
	default:
		return fmt.Errorf("%w: unknown side %q", apperrors.ErrContractViolation, order.Side)
	}

	if h.quantity.IsZero() {
		delete(p.holdings, fill.Symbol)
	} else {
		p.holdings[fill.Symbol] = h
	}
	p.lastPrices[fill.Symbol] = fill.Price

	eq := p.equityLocked()
	if eq.GreaterThan(p.peakEquity) {
		p.peakEquity = eq
	}
	p.logger.Debug("fill recorded",
		"symbol", fill.Symbol, "side", order.Side, "qty", fill.Quantity, "price", fill.Price)
	return nil
}

// MarkPrice updates the cached mark for a symbol.
func (p *Portfolio) MarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrices[symbol] = price
	eq := p.equityLocked()
	if eq.GreaterThan(p.peakEquity) {
		p.peakEquity = eq
	}
}

// LastPrice returns the cached mark, zero when unknown. Implements the risk
// gate's price source.
func (p *Portfolio) LastPrice(symbol string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPrices[symbol]
}

// ResetDay rebases the daily PnL at the session boundary.
func (p *Portfolio) ResetDay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dayOpenEquity = p.equityLocked()
}

func (p *Portfolio) markLocked(symbol string, h holding) decimal.Decimal {
	if price, ok := p.lastPrices[symbol]; ok && price.IsPositive() {
		return price
	}
	return h.avgCost
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	eq := p.cash
	for sym, h := range p.holdings {
		eq = eq.Add(h.quantity.Mul(p.markLocked(sym, h)))
	}
	return eq
}

// Snapshot returns a point-in-time value copy.
func (p *Portfolio) Snapshot() core.PortfolioSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := core.PortfolioSnapshot{
		AccountID:  p.accountID,
		Cash:       p.cash,
		PeakEquity: p.peakEquity,
		Positions:  make(map[string]core.PositionSnapshot, len(p.holdings)),
		TakenAt:    p.clock.Now(),
	}
	exposure := decimal.Zero
	for sym, h := range p.holdings {
		value := h.quantity.Mul(p.markLocked(sym, h))
		snap.Positions[sym] = core.PositionSnapshot{
			Symbol:   sym,
			Quantity: h.quantity,
			AvgCost:  h.avgCost,
			Value:    value,
		}
		exposure = exposure.Add(value)
	}
	snap.TotalExposure = exposure
	snap.Equity = p.cash.Add(exposure)
	snap.BuyingPower = p.cash
	snap.DailyPnL = snap.Equity.Sub(p.dayOpenEquity)
	if snap.Equity.GreaterThan(snap.PeakEquity) {
		snap.PeakEquity = snap.Equity
	}
	return snap
}

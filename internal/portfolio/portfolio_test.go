package portfolio

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
	"tradecore/internal/mock"
	apperrors "tradecore/pkg/errors"
)

func newPortfolio(cash int64) *Portfolio {
	return New("acct-1", decimal.NewFromInt(cash), mock.NewMockLogger(), core.SystemClock)
}

func buyOrder(symbol string) *core.Order {
	return &core.Order{OrderID: "ord-1", Symbol: symbol, Side: core.SideBuy}
}

func sellOrder(symbol string) *core.Order {
	return &core.Order{OrderID: "ord-2", Symbol: symbol, Side: core.SideSell}
}

func fill(symbol string, qty, price float64) core.Fill {
	return core.Fill{
		FillID: "f", Symbol: symbol,
		Quantity: decimal.NewFromFloat(qty), Price: decimal.NewFromFloat(price),
	}
}

func TestBuyFillOpensPosition(t *testing.T) {
	p := newPortfolio(100000)
	ctx := context.Background()

	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 100, 150)))

	snap := p.Snapshot()
	pos := snap.Positions["AAPL"]
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(150)))
	assert.True(t, snap.Cash.Equal(decimal.NewFromInt(85000)))
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(100000)), "buying at the mark moves no equity")
}

func TestBuysAverageCostBasis(t *testing.T) {
	p := newPortfolio(100000)
	ctx := context.Background()

	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 40, 100)))
	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 60, 101)))

	pos := p.Snapshot().Positions["AAPL"]
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromFloat(100.60)), "got %s", pos.AvgCost)
}

func TestSellFillRealizesAndCloses(t *testing.T) {
	p := newPortfolio(100000)
	ctx := context.Background()

	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 100, 100)))
	require.NoError(t, p.RecordFill(ctx, sellOrder("AAPL"), fill("AAPL", 100, 110)))

	snap := p.Snapshot()
	_, open := snap.Positions["AAPL"]
	assert.False(t, open, "fully sold position disappears")
	assert.True(t, snap.Cash.Equal(decimal.NewFromInt(101000)))
	assert.True(t, snap.DailyPnL.Equal(decimal.NewFromInt(1000)))
}

func TestOversellIsContractViolation(t *testing.T) {
	p := newPortfolio(100000)
	ctx := context.Background()

	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 10, 100)))
	err := p.RecordFill(ctx, sellOrder("AAPL"), fill("AAPL", 20, 100))
	assert.ErrorIs(t, err, apperrors.ErrContractViolation)
}

func TestMarkPriceDrivesEquityAndPeak(t *testing.T) {
	p := newPortfolio(100000)
	ctx := context.Background()
	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 100, 100)))

	p.MarkPrice("AAPL", decimal.NewFromInt(120))
	snap := p.Snapshot()
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(102000)))
	assert.True(t, snap.PeakEquity.Equal(decimal.NewFromInt(102000)))
	assert.True(t, snap.DailyPnL.Equal(decimal.NewFromInt(2000)))

	p.MarkPrice("AAPL", decimal.NewFromInt(90))
	snap = p.Snapshot()
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(99000)))
	assert.True(t, snap.PeakEquity.Equal(decimal.NewFromInt(102000)), "peak never falls")
	assert.True(t, snap.DailyPnL.Equal(decimal.NewFromInt(-1000)))
}

func TestLastPriceServesRiskGate(t *testing.T) {
	p := newPortfolio(100000)
	assert.True(t, p.LastPrice("AAPL").IsZero(), "unknown symbol reads zero")

	p.MarkPrice("AAPL", decimal.NewFromInt(150))
	assert.True(t, p.LastPrice("AAPL").Equal(decimal.NewFromInt(150)))
}

func TestResetDayRebasesPnL(t *testing.T) {
	p := newPortfolio(100000)
	ctx := context.Background()
	require.NoError(t, p.RecordFill(ctx, buyOrder("AAPL"), fill("AAPL", 100, 100)))
	p.MarkPrice("AAPL", decimal.NewFromInt(110))
	require.True(t, p.Snapshot().DailyPnL.Equal(decimal.NewFromInt(1000)))

	p.ResetDay()
	assert.True(t, p.Snapshot().DailyPnL.IsZero())
}

func TestSyncAccountAndSetPosition(t *testing.T) {
	p := newPortfolio(0)
	p.SyncAccount(core.BrokerAccount{Cash: decimal.NewFromInt(50000)})
	p.SetPosition("AAPL", decimal.NewFromInt(10), decimal.NewFromInt(100))

	snap := p.Snapshot()
	assert.True(t, snap.Cash.Equal(decimal.NewFromInt(50000)))
	assert.True(t, snap.Positions["AAPL"].Quantity.Equal(decimal.NewFromInt(10)))

	p.SetPosition("AAPL", decimal.Zero, decimal.Zero)
	_, ok := p.Snapshot().Positions["AAPL"]
	assert.False(t, ok, "zero quantity removes the holding")
}

package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/alert"
	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/mock"
)

type snapshotPortfolio struct {
	snap core.PortfolioSnapshot
}

func (p *snapshotPortfolio) Snapshot() core.PortfolioSnapshot { return p.snap }
func (p *snapshotPortfolio) RecordFill(ctx context.Context, order *core.Order, fill core.Fill) error {
	return nil
}
func (p *snapshotPortfolio) MarkPrice(symbol string, price decimal.Decimal) {}

type memJanitor struct {
	mu       sync.Mutex
	stuck    []core.Order
	notFound map[string]int
	expired  map[string]string
}

func newMemJanitor() *memJanitor {
	return &memJanitor{notFound: make(map[string]int), expired: make(map[string]string)}
}

func (j *memJanitor) ListStuck(ctx context.Context, age time.Duration) ([]core.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]core.Order(nil), j.stuck...), nil
}

func (j *memJanitor) IncrementNotFound(ctx context.Context, orderID string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.notFound[orderID]++
	return j.notFound[orderID], nil
}

func (j *memJanitor) MarkExpired(ctx context.Context, orderID, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.expired[orderID] = reason
	return nil
}

type fakeLocker struct {
	held     bool
	acquired int
	released int
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	if l.held {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLocker) AdvisoryUnlock(ctx context.Context, key int64) error {
	l.released++
	return nil
}

type reconFixture struct {
	rec       *Reconciler
	portfolio *snapshotPortfolio
	broker    *mock.MockBroker
	janitor   *memJanitor
	alerts    *mock.CapturingAlertSink
	bus       *bus.Bus
}

func reconConfig() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		CashTolerance:       1.0,
		EquityTolerancePct:  0.01,
		ZombieOrderAgeMin:   30,
		NotFoundThreshold:   3,
		LockName:            "tradecore:reconciler",
		RecentDiscrepancies: 10,
	}
}

func newReconFixture(t *testing.T, cfg config.ReconcilerConfig) *reconFixture {
	t.Helper()
	logger := mock.NewMockLogger()
	f := &reconFixture{
		portfolio: &snapshotPortfolio{snap: core.PortfolioSnapshot{
			AccountID: "acct-1",
			Cash:      decimal.NewFromInt(100000),
			Equity:    decimal.NewFromInt(100000),
			Positions: map[string]core.PositionSnapshot{},
		}},
		broker:  mock.NewMockBroker(),
		janitor: newMemJanitor(),
		alerts:  mock.NewCapturingAlertSink(),
		bus:     bus.New(64, logger, nil),
	}
	f.broker.Account = core.BrokerAccount{
		AccountID:   "acct-1",
		Cash:        decimal.NewFromInt(100000),
		TotalEquity: decimal.NewFromInt(100000),
	}
	f.rec = NewReconciler(cfg, "acct-1", f.portfolio, f.broker, f.janitor, nil,
		f.bus, f.alerts, logger, core.SystemClock)
	return f
}

func (f *reconFixture) holdLocal(symbol string, qty, avgCost int64) {
	f.portfolio.snap.Positions[symbol] = core.PositionSnapshot{
		Symbol:   symbol,
		Quantity: decimal.NewFromInt(qty),
		AvgCost:  decimal.NewFromInt(avgCost),
	}
}

func (f *reconFixture) holdBroker(symbol string, qty, avgCost int64) {
	f.broker.Positions = append(f.broker.Positions, core.BrokerPosition{
		Symbol:   symbol,
		Quantity: decimal.NewFromInt(qty),
		AvgCost:  decimal.NewFromInt(avgCost),
	})
}

func types(ds []Discrepancy) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Type)
	}
	return out
}

func TestCleanRunReportsNoDiscrepancies(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.holdLocal("AAPL", 100, 150)
	f.holdBroker("AAPL", 100, 150)

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsClean)
	assert.Equal(t, 1, res.PositionsChecked)
	assert.Empty(t, f.alerts.Alerts())
}

func TestMissingLocalPositionIsCritical(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.holdBroker("AAPL", 100, 150)

	results, cancelRes := f.bus.Subscribe(core.ChannelReconResult, 4)
	defer cancelRes()
	discreps, cancelDis := f.bus.Subscribe(core.ChannelReconDiscrep, 4)
	defer cancelDis()

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Discrepancies, 1)
	d := res.Discrepancies[0]
	assert.Equal(t, DiscrepancyMissingLocal, d.Type)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Equal(t, "AAPL", d.Symbol)
	assert.Equal(t, res.RunID, d.RunID)
	assert.Empty(t, d.LocalValue, "no local position is not a local quantity of zero")
	assert.Equal(t, "100", d.BrokerValue)

	assert.Len(t, results, 1)
	assert.Len(t, discreps, 1)
	assert.Len(t, f.alerts.ByType(alert.TypeReconDiscrepancy), 1)
}

func TestQuantityBeatsCostMismatch(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.holdLocal("AAPL", 100, 150)
	f.holdBroker("AAPL", 90, 151)
	f.holdLocal("TSLA", 10, 200)
	f.holdBroker("TSLA", 10, 201)

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	got := types(res.Discrepancies)
	assert.Contains(t, got, DiscrepancyQuantityMismatch)
	assert.Contains(t, got, DiscrepancyCostMismatch)
	for _, d := range res.Discrepancies {
		switch d.Type {
		case DiscrepancyQuantityMismatch:
			assert.Equal(t, "AAPL", d.Symbol)
			assert.Equal(t, SeverityCritical, d.Severity)
		case DiscrepancyCostMismatch:
			assert.Equal(t, "TSLA", d.Symbol)
			assert.Equal(t, SeverityInfo, d.Severity)
		}
	}
}

func TestMissingBrokerPositionIsCritical(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.holdLocal("AAPL", 100, 150)

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, DiscrepancyMissingBroker, res.Discrepancies[0].Type)
}

func TestCashAndEquityTolerances(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.broker.Account.Cash = decimal.NewFromFloat(100000.50)  // within 1.0
	f.broker.Account.TotalEquity = decimal.NewFromInt(99500) // 0.5% within 1%

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsClean)

	f.broker.Account.Cash = decimal.NewFromInt(100010)
	f.broker.Account.TotalEquity = decimal.NewFromInt(97000) // 3% over 1%
	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{DiscrepancyCashMismatch, DiscrepancyEquityMismatch},
		types(res.Discrepancies))
}

func TestZombieOrderExpiresPastThreshold(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.janitor.stuck = []core.Order{{
		OrderID: "ord-1", BrokerOrderID: "BRK-GONE", AccountID: "acct-1",
		Symbol: "AAPL", Status: core.OrderStatusSubmitted,
	}}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.rec.Run(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, f.janitor.expired, "below threshold nothing is expired")
	assert.Equal(t, 2, f.janitor.notFound["ord-1"],
		"the counter accrues once per consecutive run, so expiry lands on run three")

	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, f.janitor.expired, "ord-1")
	assert.Equal(t, 1, res.Context["zombies_expired"])
	assert.Len(t, f.alerts.ByType(alert.TypeZombieOrder), 1)
}

func TestStuckOrderStillOpenAtBrokerIsNotExpired(t *testing.T) {
	f := newReconFixture(t, reconConfig())
	f.janitor.stuck = []core.Order{{
		OrderID: "ord-1", BrokerOrderID: "BRK-1", Symbol: "AAPL",
		Status: core.OrderStatusSubmitted,
	}}
	f.broker.OpenOrders = []core.BrokerOrder{{BrokerOrderID: "BRK-1", Symbol: "AAPL"}}

	for i := 0; i < 5; i++ {
		_, err := f.rec.Run(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, f.janitor.notFound)
	assert.Empty(t, f.janitor.expired)
}

func TestDistributedRunSkipsWhenLockHeld(t *testing.T) {
	cfg := reconConfig()
	cfg.Distributed = true
	f := newReconFixture(t, cfg)
	locker := &fakeLocker{held: true}
	f.rec.locker = locker

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res, "lock held elsewhere means no-op")

	locker.held = false
	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestRecentRingIsBounded(t *testing.T) {
	cfg := reconConfig()
	cfg.RecentDiscrepancies = 3
	f := newReconFixture(t, cfg)
	f.holdBroker("AAPL", 100, 150)
	f.holdBroker("TSLA", 10, 200)

	for i := 0; i < 3; i++ {
		_, err := f.rec.Run(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, f.rec.Recent(), 3, "ring keeps only the newest entries")
	require.NotNil(t, f.rec.LastResult())
	assert.Len(t, f.rec.LastResult().Discrepancies, 2)
}

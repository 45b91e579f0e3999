// Package reconcile compares the local portfolio view against the broker's
// truth and flags drift. Runs are cron-driven and, in multi-instance
// deployments, guarded by a Postgres advisory lock.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/alert"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/store"
	"tradecore/pkg/telemetry"
)

// Discrepancy types, ordered roughly by how loudly they should wake someone.
const (
	DiscrepancyMissingLocal     = "MISSING_LOCAL"
	DiscrepancyMissingBroker    = "MISSING_BROKER"
	DiscrepancyQuantityMismatch = "QUANTITY_MISMATCH"
	DiscrepancyCostMismatch     = "COST_MISMATCH"
	DiscrepancyCashMismatch     = "CASH_MISMATCH"
	DiscrepancyEquityMismatch   = "EQUITY_MISMATCH"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Discrepancy is one detected divergence between local and broker state.
type Discrepancy struct {
	RunID       string    `json:"run_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Symbol      string    `json:"symbol,omitempty"`
	LocalValue  string    `json:"local_value"`
	BrokerValue string    `json:"broker_value"`
	Detail      string    `json:"detail"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Result summarizes one reconciliation run.
type Result struct {
	RunID            string         `json:"run_id"`
	IsClean          bool           `json:"is_clean"`
	Discrepancies    []Discrepancy  `json:"discrepancies"`
	PositionsChecked int            `json:"positions_checked"`
	DurationMS       int64          `json:"duration_ms"`
	Context          map[string]any `json:"context"`
	StartedAt        time.Time      `json:"started_at"`
}

// OrderJanitor is the slice of the order store the zombie sweep uses.
type OrderJanitor interface {
	ListStuck(ctx context.Context, age time.Duration) ([]core.Order, error)
	IncrementNotFound(ctx context.Context, orderID string) (int, error)
	MarkExpired(ctx context.Context, orderID, reason string) error
}

// Locker provides the process-wide advisory lock; *store.DB satisfies it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}

// Reconciler runs the position/cash/equity diff and the zombie order sweep.
type Reconciler struct {
	cfg       config.ReconcilerConfig
	accountID string
	portfolio core.IPortfolio
	broker    core.IBroker
	orders    OrderJanitor
	locker    Locker
	bus       core.IBus
	alerts    core.IAlertSink
	logger    core.ILogger
	clock     core.IClock

	mu         sync.Mutex
	recent     []Discrepancy
	lastResult *Result
}

func NewReconciler(cfg config.ReconcilerConfig, accountID string, portfolio core.IPortfolio,
	broker core.IBroker, orders OrderJanitor, locker Locker, bus core.IBus,
	alerts core.IAlertSink, logger core.ILogger, clock core.IClock) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		accountID: accountID,
		portfolio: portfolio,
		broker:    broker,
		orders:    orders,
		locker:    locker,
		bus:       bus,
		alerts:    alerts,
		logger:    logger.WithField("component", "reconciler"),
		clock:     clock,
	}
}

// Run executes one reconciliation pass. When distributed mode is on and
// another instance holds the lock, the run is a no-op returning (nil, nil).
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	if r.cfg.Distributed && r.locker != nil {
		key := store.AdvisoryKey(r.cfg.LockName)
		acquired, err := r.locker.TryAdvisoryLock(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("advisory lock: %w", err)
		}
		if !acquired {
			r.logger.Debug("reconciliation lock held elsewhere, skipping", "lock", r.cfg.LockName)
			return nil, nil
		}
		defer func() {
			if err := r.locker.AdvisoryUnlock(ctx, key); err != nil {
				r.logger.Warn("advisory unlock failed", "lock", r.cfg.LockName, "error", err)
			}
		}()
	}

	started := r.clock.Now()
	runID := uuid.NewString()
	local := r.portfolio.Snapshot()

	brokerPositions, err := r.broker.GetPositions(ctx, r.accountID)
	if err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	acct, err := r.broker.GetAccount(ctx, r.accountID)
	if err != nil {
		return nil, fmt.Errorf("broker account: %w", err)
	}

	now := r.clock.Now()
	discrepancies := r.diffPositions(runID, now, local, brokerPositions)
	discrepancies = append(discrepancies, r.diffAccount(runID, now, local, acct)...)
	zombies := r.sweepZombies(ctx)

	result := &Result{
		RunID:            runID,
		IsClean:          len(discrepancies) == 0,
		Discrepancies:    discrepancies,
		PositionsChecked: len(local.Positions),
		DurationMS:       time.Since(started).Milliseconds(),
		StartedAt:        started,
		Context: map[string]any{
			"account_id":       r.accountID,
			"broker_positions": len(brokerPositions),
			"zombies_expired":  zombies,
		},
	}
	r.emit(ctx, result)
	return result, nil
}

func (r *Reconciler) diffPositions(runID string, now time.Time, local core.PortfolioSnapshot, brokerPositions []core.BrokerPosition) []Discrepancy {
	var out []Discrepancy
	add := func(dtype, severity, symbol, localVal, brokerVal, detail string) {
		out = append(out, Discrepancy{
			RunID: runID, Type: dtype, Severity: severity, Symbol: symbol,
			LocalValue: localVal, BrokerValue: brokerVal, Detail: detail, DetectedAt: now,
		})
	}

	brokerBySym := make(map[string]core.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerBySym[bp.Symbol] = bp
	}

	for sym, bp := range brokerBySym {
		lp, ok := local.Positions[sym]
		if !ok {
			// Empty local value: the position does not exist locally, which
			// is not the same as a flat quantity of zero.
			add(DiscrepancyMissingLocal, SeverityCritical, sym,
				"", bp.Quantity.String(),
				fmt.Sprintf("broker holds %s %s with no local position", bp.Quantity, sym))
			continue
		}
		if !lp.Quantity.Equal(bp.Quantity) {
			add(DiscrepancyQuantityMismatch, SeverityCritical, sym,
				lp.Quantity.String(), bp.Quantity.String(),
				fmt.Sprintf("quantity drift on %s", sym))
			continue
		}
		if !lp.AvgCost.Equal(bp.AvgCost) {
			add(DiscrepancyCostMismatch, SeverityInfo, sym,
				lp.AvgCost.String(), bp.AvgCost.String(),
				fmt.Sprintf("average cost drift on %s at matching quantity", sym))
		}
	}
	for sym, lp := range local.Positions {
		if _, ok := brokerBySym[sym]; !ok {
			add(DiscrepancyMissingBroker, SeverityCritical, sym,
				lp.Quantity.String(), "0",
				fmt.Sprintf("local holds %s %s the broker does not report", lp.Quantity, sym))
		}
	}
	return out
}

func (r *Reconciler) diffAccount(runID string, now time.Time, local core.PortfolioSnapshot, acct core.BrokerAccount) []Discrepancy {
	var out []Discrepancy

	cashDelta := local.Cash.Sub(acct.Cash).Abs()
	if cashDelta.GreaterThan(decimal.NewFromFloat(r.cfg.CashTolerance)) {
		out = append(out, Discrepancy{
			RunID: runID, Type: DiscrepancyCashMismatch, Severity: SeverityWarning,
			LocalValue: local.Cash.String(), BrokerValue: acct.Cash.String(),
			Detail:     fmt.Sprintf("cash differs by %s, tolerance %v", cashDelta, r.cfg.CashTolerance),
			DetectedAt: now,
		})
	}

	if local.Equity.IsPositive() && r.cfg.EquityTolerancePct > 0 {
		relative := local.Equity.Sub(acct.TotalEquity).Abs().Div(local.Equity)
		if relative.GreaterThan(decimal.NewFromFloat(r.cfg.EquityTolerancePct)) {
			out = append(out, Discrepancy{
				RunID: runID, Type: DiscrepancyEquityMismatch, Severity: SeverityWarning,
				LocalValue: local.Equity.String(), BrokerValue: acct.TotalEquity.String(),
				Detail:     fmt.Sprintf("equity differs by %s relative, tolerance %v", relative.Round(6), r.cfg.EquityTolerancePct),
				DetectedAt: now,
			})
		}
	}
	return out
}

// sweepZombies flags non-terminal orders stuck past the age limit. An order
// the broker no longer knows accrues a not-found count; past the threshold it
// is forced EXPIRED. Returns the number expired this run.
func (r *Reconciler) sweepZombies(ctx context.Context) int {
	if r.orders == nil {
		return 0
	}
	age := time.Duration(r.cfg.ZombieOrderAgeMin) * time.Minute
	stuck, err := r.orders.ListStuck(ctx, age)
	if err != nil {
		r.logger.Error("stuck order scan failed", "error", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	open, err := r.broker.GetOpenOrders(ctx, r.accountID)
	if err != nil {
		r.logger.Error("broker open orders fetch failed", "error", err)
		return 0
	}
	known := make(map[string]bool, len(open))
	for _, o := range open {
		known[o.BrokerOrderID] = true
	}

	expired := 0
	for _, o := range stuck {
		if o.BrokerOrderID != "" && known[o.BrokerOrderID] {
			// Still alive at the broker; slow, not a zombie.
			r.logger.Warn("order stuck but open at broker",
				"order_id", o.OrderID, "broker_order_id", o.BrokerOrderID, "status", o.Status)
			continue
		}
		count, err := r.orders.IncrementNotFound(ctx, o.OrderID)
		if err != nil {
			r.logger.Error("not-found increment failed", "order_id", o.OrderID, "error", err)
			continue
		}
		if count < r.cfg.NotFoundThreshold {
			r.logger.Warn("zombie candidate",
				"order_id", o.OrderID, "symbol", o.Symbol, "not_found_count", count)
			continue
		}
		reason := fmt.Sprintf("not found at broker in %d consecutive reconciliations", count)
		if err := r.orders.MarkExpired(ctx, o.OrderID, reason); err != nil {
			r.logger.Error("failed to expire zombie order", "order_id", o.OrderID, "error", err)
			continue
		}
		expired++
		r.logger.Error("zombie order expired", "order_id", o.OrderID, "symbol", o.Symbol)
		if r.alerts != nil {
			r.alerts.Raise(ctx, alert.New(alert.TypeZombieOrder, core.Sev2,
				fmt.Sprintf("order %s (%s) expired: %s", o.OrderID, o.Symbol, reason),
				alert.WithAccount(o.AccountID),
				alert.WithSymbol(o.Symbol),
				alert.WithStrategy(o.StrategyID)))
		}
	}
	return expired
}

func (r *Reconciler) emit(ctx context.Context, result *Result) {
	mets := telemetry.GetGlobalMetrics()
	if n := len(result.Discrepancies); n > 0 {
		telemetry.Inc(mets.ReconDiscrepanciesTotal, ctx, int64(n))
	}

	if r.bus != nil {
		r.bus.Publish(core.ChannelReconResult, *result)
		for _, d := range result.Discrepancies {
			r.bus.Publish(core.ChannelReconDiscrep, d)
		}
	}

	criticals := 0
	for _, d := range result.Discrepancies {
		if d.Severity == SeverityCritical {
			criticals++
		}
	}
	if criticals > 0 && r.alerts != nil {
		r.alerts.Raise(ctx, alert.New(alert.TypeReconDiscrepancy, core.Sev1,
			fmt.Sprintf("reconciliation run %s found %d critical discrepancies", result.RunID, criticals),
			alert.WithAccount(r.accountID),
			alert.WithDetails(result.Discrepancies)))
	}

	if result.IsClean {
		r.logger.Info("reconciliation clean",
			"run_id", result.RunID, "positions", result.PositionsChecked,
			"duration_ms", result.DurationMS)
	} else {
		r.logger.Warn("reconciliation found discrepancies",
			"run_id", result.RunID, "count", len(result.Discrepancies),
			"critical", criticals, "duration_ms", result.DurationMS)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastResult = result
	r.recent = append(r.recent, result.Discrepancies...)
	if max := r.cfg.RecentDiscrepancies; max > 0 && len(r.recent) > max {
		r.recent = r.recent[len(r.recent)-max:]
	}
}

// Recent returns the most recent discrepancies, newest last.
func (r *Reconciler) Recent() []Discrepancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Discrepancy(nil), r.recent...)
}

// LastResult returns the latest run summary, nil before the first run.
func (r *Reconciler) LastResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastResult == nil {
		return nil
	}
	cp := *r.lastResult
	return &cp
}

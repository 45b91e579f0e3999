// Command tradecore runs the trading core: order lifecycle, risk gate,
// trading-state and degradation FSMs, outbox workers, reconciliation and the
// operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/alert"
	"tradecore/internal/audit"
	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/health"
	"tradecore/internal/logging"
	"tradecore/internal/mock"
	"tradecore/internal/order"
	"tradecore/internal/outbox"
	"tradecore/internal/portfolio"
	"tradecore/internal/reconcile"
	"tradecore/internal/risk"
	"tradecore/internal/server"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/wal"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return exitStartup
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitStartup
	}
	logger.Info("starting tradecore",
		"account_id", cfg.App.AccountID, "trade_env", cfg.App.TradeEnv)

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics("tradecore"); err != nil {
			logger.Error("metrics init failed", "error", err)
			return exitStartup
		}
	}

	db, err := store.Open(cfg.Database.URL, cfg.Database.Timeout(),
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Error("database open failed", "error", err)
		return exitStartup
	}
	defer db.Close()

	var brk core.IBroker
	var md core.IMarketData
	switch cfg.Broker.Name {
	case "mock":
		brk = mock.NewMockBroker()
		md = mock.NewMockMarketData()
	default:
		logger.Error("unknown broker adapter", "name", cfg.Broker.Name)
		return exitStartup
	}
	if cfg.App.TradeEnv == "PROD" && brk.GetName() == "mock" {
		logger.Error("mock broker is not allowed in PROD")
		return exitStartup
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := core.SystemClock

	orderStore := store.NewOrderStore(db)
	outboxStore := store.NewOutboxStore(db)
	positionStore := store.NewPositionStore(db, outboxStore)
	idemStore := store.NewIdempotencyStore(db)
	alertStore := store.NewAlertStore(db)
	auditStore := store.NewAuditStore(db)
	modeStore := store.NewModeStore(db)

	auditChain := audit.NewChain(auditStore, logger, clock, audit.Options{
		MaxValueBytes: cfg.Audit.MaxValueKiB << 10,
		QueueSize:     cfg.Audit.QueueSize,
		FlushInterval: time.Duration(cfg.Audit.FlushIntervalMS) * time.Millisecond,
		BatchSize:     cfg.Audit.BatchSize,
	})
	auditChain.Start()
	defer auditChain.Stop()

	alertHub := alert.NewHub(alertStore, cfg.Alerts, logger, clock)
	defer alertHub.Stop()

	eventBus := bus.New(cfg.Bus.QueueSize, logger, alertHub)

	trading := state.NewTradingStateManager(logger, clock, auditChain, alertHub)
	modes := state.NewModeManager(cfg.Degradation, logger, clock, auditChain, alertHub, eventBus, modeStore)
	modes.RegisterSource("database", state.ModeSafe)
	modes.RegisterSource("broker", state.ModeSafeDisconnected)
	modes.RegisterSource("market_data", state.ModeDegraded)

	walBuf := wal.NewBuffer(cfg.WAL, modes, alertHub, logger, clock)

	book := portfolio.New(cfg.App.AccountID, decimal.Zero, logger, clock)
	seedPortfolio(ctx, cfg.App.AccountID, brk, book, logger)

	killSwitch := risk.NewKillSwitch(logger, clock, auditChain, alertHub)
	var greeksGate *risk.GreeksGate
	if cfg.Greeks.Enabled {
		// No snapshot feed is wired yet, so the gate fails closed.
		greeksGate = risk.NewGreeksGate(cfg.Greeks, nil, nil, clock)
	}
	gate := risk.NewGate(cfg.Risk, killSwitch, trading, book, greeksGate, logger)

	idemTTL := time.Duration(cfg.Database.IdempotencyTTL) * time.Second
	orders := order.NewManager(cfg.Broker, idemTTL,
		&journalingOrderStore{OrderStore: orderStore, wal: walBuf},
		idemStore, positionStore, brk, book, eventBus, logger, clock)
	orders.Start(ctx)
	defer orders.Stop()

	processor := outbox.NewProcessor(cfg.Outbox, cfg.MarketData.Timeout(),
		outboxStore, positionStore, orders, brk, md, alertHub, logger)
	processor.Start(ctx)
	defer processor.Stop()

	reconciler := reconcile.NewReconciler(cfg.Reconciler, cfg.App.AccountID,
		book, brk, orderStore, db, eventBus, alertHub, logger, clock)

	stopper := risk.NewEmergencyStop(cfg.App.AccountID, cfg.Outbox.MaxRetries,
		killSwitch, trading, brk, positionStore, logger, clock)

	registry := health.NewRegistry(logger, modes, 10*time.Second)
	registry.Register("database", func() error { return db.CheckHealth() })
	registry.Register("broker", func() error { return brk.CheckHealth(context.Background()) })
	registry.Start(ctx)
	defer registry.Stop()

	api := server.New(cfg.Server, cfg.Outbox.MaxRetries, trading, modes, stopper,
		killSwitch, registry, positionStore, reconciler, logger)
	api.Start()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	sched, err := startJobs(ctx, cfg, db, modes, reconciler, processor, idemStore, walBuf, orderStore, book, logger)
	if err != nil {
		logger.Error("scheduler start failed", "error", err)
		return exitStartup
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runIntake(gctx, eventBus, cfg.Bus.QueueSize, modes, gate, book, orders, logger)
	})

	logger.Info("tradecore started", "port", cfg.Server.Port)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal runtime error", "error", err)
		return exitRuntime
	}
	logger.Info("tradecore stopped")
	return exitOK
}

// seedPortfolio pulls the broker account and positions once at startup. A
// failure is survivable; the reconciler converges the book later.
func seedPortfolio(ctx context.Context, accountID string, brk core.IBroker, book *portfolio.Portfolio, logger core.ILogger) {
	seedCtx, done := context.WithTimeout(ctx, 15*time.Second)
	defer done()

	acct, err := brk.GetAccount(seedCtx, accountID)
	if err != nil {
		logger.Warn("portfolio seed failed, waiting for reconciliation", "error", err)
		return
	}
	book.SyncAccount(acct)

	positions, err := brk.GetPositions(seedCtx, accountID)
	if err != nil {
		logger.Warn("position seed failed, waiting for reconciliation", "error", err)
		return
	}
	for _, p := range positions {
		book.SetPosition(p.Symbol, p.Quantity, p.AvgCost)
	}
	logger.Info("portfolio seeded", "positions", len(positions))
}

// runIntake consumes approved signals, applies the mode permission matrix and
// the pre-trade risk gate, and hands survivors to the order manager.
func runIntake(ctx context.Context, eventBus core.IBus, buffer int, modes *state.ModeManager,
	gate *risk.Gate, book core.IPortfolio, orders *order.Manager, logger core.ILogger) error {
	signals, cancel := eventBus.Subscribe(core.ChannelApprovedSignals, buffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-signals:
			if !ok {
				return nil
			}
			sig, valid := msg.(core.Signal)
			if !valid {
				logger.Warn("dropping non-signal message on approved channel")
				continue
			}

			action := state.ActionOpen
			if sig.IsClose {
				action = state.ActionReduceOnly
			}
			perm := modes.Permission(action)
			if !perm.Allowed {
				logger.Warn("signal blocked by system mode",
					"signal_id", sig.SignalID, "mode", modes.Mode(), "action", action)
				continue
			}

			result := gate.Evaluate(ctx, sig, book.Snapshot())
			if !result.Approved {
				continue
			}
			if _, err := orders.ProcessSignal(ctx, sig); err != nil {
				if errors.Is(err, apperrors.ErrOrderRejected) {
					continue
				}
				logger.Error("signal processing failed", "signal_id", sig.SignalID, "error", err)
			}
		}
	}
}

// startJobs schedules the recurring maintenance work.
func startJobs(ctx context.Context, cfg *config.Config, db *store.DB, modes *state.ModeManager,
	reconciler *reconcile.Reconciler, processor *outbox.Processor, idem *store.IdempotencyStore,
	walBuf *wal.Buffer, orderStore *store.OrderStore, book *portfolio.Portfolio, logger core.ILogger) (*cron.Cron, error) {
	sched := cron.New()

	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{cfg.Reconciler.Schedule, "reconciler", func() {
			if _, err := reconciler.Run(ctx); err != nil {
				logger.Error("reconciliation run failed", "error", err)
			}
		}},
		{cfg.Outbox.CleanupSchedule, "outbox_cleaner", func() { processor.Clean(ctx) }},
		{cfg.Degradation.OverrideSweepSchedule, "mode_sweep", func() { modes.Tick(ctx) }},
		{"@hourly", "idempotency_purge", func() {
			if n, err := idem.PurgeExpired(ctx); err != nil {
				logger.Error("idempotency purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged expired idempotency keys", "count", n)
			}
		}},
		{"@every 10s", "wal_replay", func() { replayWAL(ctx, db, walBuf, orderStore, logger) }},
		{"@daily", "pnl_day_reset", func() { book.ResetDay() }},
	}
	for _, j := range jobs {
		if _, err := sched.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}

	sched.Start()
	return sched, nil
}

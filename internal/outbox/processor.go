// Package outbox drains the transactional outbox. Workers claim pending
// events with SKIP LOCKED, execute the side effect and settle the row;
// transient failures go back to pending until the retry budget runs out.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/alert"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/pkg/concurrency"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

// EventStore is the slice of the outbox store the processor drives.
type EventStore interface {
	Claim(ctx context.Context, limit int) ([]core.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id int64) error
	ReleaseForRetry(ctx context.Context, id int64) (int, error)
	MarkFailed(ctx context.Context, id int64) error
	DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

// CloseStore is the close-request side of the position store.
type CloseStore interface {
	GetCloseRequest(ctx context.Context, id string) (*core.CloseRequest, error)
	MarkCloseSubmitted(ctx context.Context, id string) error
	MarkCloseRetryable(ctx context.Context, closeRequestID string) error
	FailClose(ctx context.Context, closeRequestID string) error
}

// OrderSubmitter submits close orders through the order lifecycle manager.
type OrderSubmitter interface {
	ProcessSignal(ctx context.Context, signal core.Signal) (*core.Order, error)
}

// Canceller cancels broker orders; core.IBroker satisfies it.
type Canceller interface {
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
}

// Processor polls for pending events and fans them out to a worker pool.
type Processor struct {
	cfg    config.OutboxConfig
	events EventStore
	closes CloseStore
	orders OrderSubmitter
	broker Canceller
	quotes core.IMarketData
	alerts core.IAlertSink
	logger core.ILogger

	quoteTimeout time.Duration
	pool         *concurrency.WorkerPool

	quit chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

func NewProcessor(cfg config.OutboxConfig, quoteTimeout time.Duration, events EventStore, closes CloseStore,
	orders OrderSubmitter, broker Canceller, quotes core.IMarketData, alerts core.IAlertSink, logger core.ILogger) *Processor {
	return &Processor{
		cfg:          cfg,
		events:       events,
		closes:       closes,
		orders:       orders,
		broker:       broker,
		quotes:       quotes,
		alerts:       alerts,
		logger:       logger.WithField("component", "outbox"),
		quoteTimeout: quoteTimeout,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "outbox_workers",
			MaxWorkers:  cfg.Workers,
			MaxCapacity: cfg.ClaimLimit * 2,
		}, logger),
		quit: make(chan struct{}),
	}
}

// Start launches the claim loop.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts claiming and drains in-flight workers.
func (p *Processor) Stop() {
	p.stop.Do(func() { close(p.quit) })
	p.wg.Wait()
	p.pool.Stop()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick claims one batch and dispatches it. Exposed for tests and for a final
// sweep during shutdown.
func (p *Processor) Tick(ctx context.Context) {
	events, err := p.events.Claim(ctx, p.cfg.ClaimLimit)
	if err != nil {
		p.logger.Error("outbox claim failed", "error", err)
		return
	}
	for _, ev := range events {
		ev := ev
		_ = p.pool.Submit(func() { p.process(ctx, ev) })
	}
	if depth, err := p.events.CountPending(ctx); err == nil {
		telemetry.GetGlobalMetrics().SetOutboxDepth(depth)
	}
}

func (p *Processor) process(ctx context.Context, ev core.OutboxEvent) {
	err := p.handle(ctx, ev)
	if err == nil {
		if mErr := p.events.MarkCompleted(ctx, ev.ID); mErr != nil {
			p.logger.Error("failed to complete outbox event", "event_id", ev.ID, "error", mErr)
		}
		return
	}

	retries, rErr := p.events.ReleaseForRetry(ctx, ev.ID)
	if rErr != nil {
		p.logger.Error("failed to release outbox event", "event_id", ev.ID, "error", rErr)
		return
	}
	telemetry.Inc(telemetry.GetGlobalMetrics().OutboxRetriesTotal, ctx, 1)
	if retries < p.cfg.MaxRetries {
		p.logger.Warn("outbox event will retry",
			"event_id", ev.ID, "type", ev.EventType, "retries", retries, "error", err)
		return
	}

	if mErr := p.events.MarkFailed(ctx, ev.ID); mErr != nil {
		p.logger.Error("failed to fail outbox event", "event_id", ev.ID, "error", mErr)
	}
	p.logger.Error("outbox event permanently failed",
		"event_id", ev.ID, "type", ev.EventType, "retries", retries, "error", err)
	p.permanentFailure(ctx, ev, err)
}

func (p *Processor) handle(ctx context.Context, ev core.OutboxEvent) error {
	switch ev.EventType {
	case core.OutboxSubmitCloseOrder:
		return p.handleCloseOrder(ctx, ev)
	case core.OutboxCancelOrder:
		return p.handleCancelOrder(ctx, ev)
	default:
		// Unknown types complete immediately; retrying cannot help.
		p.logger.Error("unknown outbox event type", "event_id", ev.ID, "type", ev.EventType)
		return nil
	}
}

func (p *Processor) handleCloseOrder(ctx context.Context, ev core.OutboxEvent) error {
	var payload core.CloseOrderPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.logger.Error("corrupt close payload", "event_id", ev.ID, "error", err)
		return nil
	}

	cr, err := p.closes.GetCloseRequest(ctx, payload.CloseRequestID)
	if err != nil {
		return fmt.Errorf("load close request %s: %w", payload.CloseRequestID, err)
	}
	if cr.Status != core.CloseRequestPending {
		// Another worker or a previous attempt already advanced it.
		p.logger.Info("close request no longer pending, skipping",
			"close_request_id", cr.ID, "status", cr.Status)
		return nil
	}

	quoteCtx, cancel := context.WithTimeout(ctx, p.quoteTimeout)
	quote, err := p.quotes.GetQuote(quoteCtx, payload.Symbol)
	cancel()
	if err != nil {
		p.markRetryable(ctx, cr.ID)
		return fmt.Errorf("quote for %s: %w", payload.Symbol, err)
	}

	price, err := aggressiveLimitPrice(p.cfg, payload.Side, quote)
	if err != nil {
		p.markRetryable(ctx, cr.ID)
		return err
	}

	qty, err := decimal.NewFromString(payload.Quantity)
	if err != nil {
		p.logger.Error("corrupt close quantity", "event_id", ev.ID, "quantity", payload.Quantity)
		return nil
	}

	signal := core.Signal{
		SignalID:       uuid.NewString(),
		StrategyID:     payload.StrategyID,
		AccountID:      payload.AccountID,
		Symbol:         payload.Symbol,
		Side:           payload.Side,
		Kind:           core.OrderKindLimit,
		LimitPrice:     price,
		Quantity:       qty,
		ClientID:       "close-" + cr.ID, // retries collapse onto one order
		IsClose:        true,
		CloseRequestID: cr.ID,
		CreatedAt:      time.Now(),
	}

	order, err := p.orders.ProcessSignal(ctx, signal)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderRejected) {
			p.rejectClose(ctx, cr, payload, err)
			return nil
		}
		p.markRetryable(ctx, cr.ID)
		return fmt.Errorf("submit close order: %w", err)
	}

	if err := p.closes.MarkCloseSubmitted(ctx, cr.ID); err != nil {
		return fmt.Errorf("mark close submitted: %w", err)
	}
	p.logger.Info("close order submitted",
		"close_request_id", cr.ID, "order_id", order.OrderID,
		"symbol", payload.Symbol, "limit_price", price)
	return nil
}

// rejectClose applies the broker-rejection policy: the close request fails,
// the position moves to close_failed and operators are alerted.
func (p *Processor) rejectClose(ctx context.Context, cr *core.CloseRequest, payload core.CloseOrderPayload, cause error) {
	if err := p.closes.FailClose(ctx, cr.ID); err != nil {
		p.logger.Error("failed to fail close request", "close_request_id", cr.ID, "error", err)
		return
	}
	p.logger.Error("close order rejected by broker",
		"close_request_id", cr.ID, "position_id", payload.PositionID, "error", cause)
	if p.alerts != nil {
		p.alerts.Raise(ctx, alert.New(alert.TypeCloseFailed, core.Sev1,
			fmt.Sprintf("close of position %d (%s) rejected: %v", payload.PositionID, payload.Symbol, cause),
			alert.WithAccount(payload.AccountID),
			alert.WithSymbol(payload.Symbol),
			alert.WithPosition(payload.PositionID)))
	}
}

func (p *Processor) markRetryable(ctx context.Context, closeRequestID string) {
	if err := p.closes.MarkCloseRetryable(ctx, closeRequestID); err != nil {
		p.logger.Error("failed to mark close retryable",
			"close_request_id", closeRequestID, "error", err)
	}
}

func (p *Processor) handleCancelOrder(ctx context.Context, ev core.OutboxEvent) error {
	var payload core.CancelOrderPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.logger.Error("corrupt cancel payload", "event_id", ev.ID, "error", err)
		return nil
	}
	ok, err := p.broker.CancelOrder(ctx, payload.BrokerOrderID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", payload.BrokerOrderID, err)
	}
	if !ok {
		// Unknown to the broker: already terminal there, nothing to undo.
		p.logger.Warn("cancel target unknown to broker",
			"order_id", payload.OrderID, "broker_order_id", payload.BrokerOrderID)
	}
	p.logger.Info("order cancel processed",
		"order_id", payload.OrderID, "broker_order_id", payload.BrokerOrderID, "reason", payload.Reason)
	return nil
}

// permanentFailure runs the terminal policy for an exhausted event.
func (p *Processor) permanentFailure(ctx context.Context, ev core.OutboxEvent, cause error) {
	switch ev.EventType {
	case core.OutboxSubmitCloseOrder:
		var payload core.CloseOrderPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		if err := p.closes.FailClose(ctx, payload.CloseRequestID); err != nil {
			p.logger.Error("failed to fail close request",
				"close_request_id", payload.CloseRequestID, "error", err)
		}
		if p.alerts != nil {
			p.alerts.Raise(ctx, alert.New(alert.TypeCloseFailed, core.Sev1,
				fmt.Sprintf("close of position %d (%s) exhausted retries: %v",
					payload.PositionID, payload.Symbol, cause),
				alert.WithAccount(payload.AccountID),
				alert.WithSymbol(payload.Symbol),
				alert.WithPosition(payload.PositionID)))
		}
	case core.OutboxCancelOrder:
		if p.alerts != nil {
			p.alerts.Raise(ctx, alert.New(alert.TypeOutboxStuck, core.Sev2,
				fmt.Sprintf("cancel event %d exhausted retries: %v", ev.ID, cause)))
		}
	}
}

// Clean deletes terminal events past the retention window. Wired to the cron
// scheduler.
func (p *Processor) Clean(ctx context.Context) {
	retention := time.Duration(p.cfg.RetentionHours) * time.Hour
	n, err := p.events.DeleteTerminalOlderThan(ctx, retention)
	if err != nil {
		p.logger.Error("outbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("outbox cleanup removed events", "count", n)
	}
}

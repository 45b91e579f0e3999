// Package order implements the order lifecycle manager. A single scheduler
// goroutine owns the in-memory indices and the fill deduplication set; fills
// arriving on foreign goroutines are handed over through a bounded queue.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/retry"
	"tradecore/pkg/telemetry"
)

// Storage is the slice of the order store the manager depends on.
type Storage interface {
	CreatePending(ctx context.Context, o *core.Order) error
	Get(ctx context.Context, orderID string) (*core.Order, error)
	MarkSubmitted(ctx context.Context, orderID, brokerOrderID string) error
	MarkRejected(ctx context.Context, orderID, reason string) error
	RecordFill(ctx context.Context, orderID string, filledQty, avgFillPrice decimal.Decimal, status core.OrderStatus) error
}

// Idempotency deduplicates signals by order key; first writer wins and
// losers read back the winning response.
type Idempotency interface {
	Store(ctx context.Context, key, resourceType, resourceID string, response json.RawMessage, ttl time.Duration) (json.RawMessage, bool, error)
}

// CloseCompleter finishes the close request behind a fully-filled close
// order, moving the position to closed.
type CloseCompleter interface {
	CompleteClose(ctx context.Context, closeRequestID string, filledQty decimal.Decimal) error
}

// FillHandler receives fill notifications for a strategy's orders.
type FillHandler func(order core.Order, fill core.Fill)

// FillEvent is published on the fills bus channel after each applied fill.
type FillEvent struct {
	Order core.Order
	Fill  core.Fill
}

// Manager drives orders through PENDING -> SUBMITTED -> fills -> terminal.
type Manager struct {
	store     Storage
	idem      Idempotency
	closes    CloseCompleter
	broker    core.IBroker
	portfolio core.IPortfolio
	bus       core.IBus
	logger    core.ILogger
	clock     core.IClock

	limiter       *rate.Limiter
	brokerTimeout time.Duration
	idemTTL       time.Duration

	cmds chan func()
	quit chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
	ctx  context.Context

	// Scheduler-owned state, touched only inside the run loop.
	active    map[string]*core.Order // order_id -> live order
	byBroker  map[string]string      // broker_order_id -> order_id
	processed map[string]struct{}    // applied fill ids

	handlersMu sync.RWMutex
	handlers   map[string]FillHandler
}

func NewManager(brokerCfg config.BrokerConfig, idemTTL time.Duration, store Storage, idem Idempotency,
	closes CloseCompleter, broker core.IBroker, portfolio core.IPortfolio, bus core.IBus,
	logger core.ILogger, clock core.IClock) *Manager {
	limit := rate.Inf
	burst := 1
	if brokerCfg.RateLimit > 0 {
		limit = rate.Limit(brokerCfg.RateLimit)
		burst = int(brokerCfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return &Manager{
		store:         store,
		idem:          idem,
		closes:        closes,
		broker:        broker,
		portfolio:     portfolio,
		bus:           bus,
		logger:        logger.WithField("component", "order_manager"),
		clock:         clock,
		limiter:       rate.NewLimiter(limit, burst),
		brokerTimeout: brokerCfg.Timeout(),
		idemTTL:       idemTTL,
		cmds:          make(chan func(), 1024),
		quit:          make(chan struct{}),
		active:        make(map[string]*core.Order),
		byBroker:      make(map[string]string),
		processed:     make(map[string]struct{}),
		handlers:      make(map[string]FillHandler),
	}
}

// Start launches the scheduler loop and wires the broker fill feed into it.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	m.broker.SubscribeFills(m.SubmitFill)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop drains queued work and stops the scheduler.
func (m *Manager) Stop() {
	m.stop.Do(func() { close(m.quit) })
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-m.quit:
			m.drain()
			return
		case f := <-m.cmds:
			f()
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case f := <-m.cmds:
			f()
		default:
			return
		}
	}
}

// do hands f to the scheduler goroutine. Ordering is FIFO.
func (m *Manager) do(f func()) {
	select {
	case m.cmds <- f:
	case <-m.quit:
	}
}

// Flush blocks until all previously enqueued work has executed.
func (m *Manager) Flush() {
	done := make(chan struct{})
	m.do(func() { close(done) })
	select {
	case <-done:
	case <-m.quit:
	}
}

// RegisterStrategy installs the fill handler for a strategy.
func (m *Manager) RegisterStrategy(strategyID string, handler FillHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[strategyID] = handler
}

// ProcessSignal turns an approved signal into a broker order. Duplicate
// signals by (strategy, symbol, client id) return the original order.
func (m *Manager) ProcessSignal(ctx context.Context, signal core.Signal) (*core.Order, error) {
	key := fmt.Sprintf("order:%s:%s:%s", signal.StrategyID, signal.Symbol, signal.ClientID)
	now := m.clock.Now()
	o := &core.Order{
		OrderID:        uuid.NewString(),
		AccountID:      signal.AccountID,
		StrategyID:     signal.StrategyID,
		Symbol:         signal.Symbol,
		Side:           signal.Side,
		Kind:           signal.Kind,
		LimitPrice:     signal.LimitPrice,
		Quantity:       signal.Quantity,
		Status:         core.OrderStatusPending,
		CloseRequestID: signal.CloseRequestID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	resp, err := json.Marshal(map[string]string{"order_id": o.OrderID})
	if err != nil {
		return nil, err
	}
	cached, winner, err := m.idem.Store(ctx, key, "order", o.OrderID, resp, m.idemTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !winner {
		var prev struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(cached, &prev); err != nil {
			return nil, fmt.Errorf("corrupt idempotency response for %s: %w", key, err)
		}
		m.logger.Info("duplicate signal collapsed", "key", key, "order_id", prev.OrderID)
		existing, err := m.store.Get(ctx, prev.OrderID)
		if err != nil {
			return nil, err
		}
		switch existing.Status {
		case core.OrderStatusPending:
			// The original submit never reached the broker; resume it.
			return m.submit(ctx, existing)
		case core.OrderStatusRejected:
			return existing, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, existing.StatusReason)
		}
		return existing, nil
	}

	if err := m.store.CreatePending(ctx, o); err != nil {
		return nil, fmt.Errorf("persist pending order: %w", err)
	}
	return m.submit(ctx, o)
}

func (m *Manager) submit(ctx context.Context, o *core.Order) (*core.Order, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	mets := telemetry.GetGlobalMetrics()
	started := time.Now()
	brokerID, err := retry.DoWithResult(ctx, retry.DefaultPolicy, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.brokerTimeout)
		defer cancel()
		return m.broker.SubmitOrder(callCtx, o)
	})
	if mets.BrokerLatency != nil {
		mets.BrokerLatency.Record(ctx, float64(time.Since(started).Milliseconds()))
	}

	if err != nil {
		o.Status = core.OrderStatusRejected
		o.StatusReason = err.Error()
		if dbErr := m.store.MarkRejected(ctx, o.OrderID, err.Error()); dbErr != nil {
			m.logger.Error("failed to persist rejection", "order_id", o.OrderID, "error", dbErr)
		}
		m.logger.Warn("order rejected by broker",
			"order_id", o.OrderID, "symbol", o.Symbol, "error", err)
		return o, fmt.Errorf("%w: %v", apperrors.ErrOrderRejected, err)
	}

	o.BrokerOrderID = brokerID
	o.Status = core.OrderStatusSubmitted
	if err := m.store.MarkSubmitted(ctx, o.OrderID, brokerID); err != nil {
		return nil, fmt.Errorf("persist submitted order: %w", err)
	}
	telemetry.Inc(mets.OrdersPlacedTotal, ctx, 1)

	cp := *o
	m.do(func() {
		m.active[cp.OrderID] = &cp
		m.byBroker[cp.BrokerOrderID] = cp.OrderID
	})
	m.logger.Info("order submitted",
		"order_id", o.OrderID, "broker_order_id", brokerID,
		"symbol", o.Symbol, "side", o.Side, "qty", o.Quantity)
	return o, nil
}

// SubmitFill is the cross-thread fill ingress. Safe to call from any
// goroutine; the fill is applied inside the scheduler loop.
func (m *Manager) SubmitFill(fill core.Fill) {
	m.do(func() { m.handleFill(m.runCtx(), fill) })
}

func (m *Manager) runCtx() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// handleFill runs in the scheduler goroutine only.
func (m *Manager) handleFill(ctx context.Context, fill core.Fill) {
	mets := telemetry.GetGlobalMetrics()
	if _, dup := m.processed[fill.FillID]; dup {
		telemetry.Inc(mets.FillsDuplicateTotal, ctx, 1)
		m.logger.Debug("duplicate fill dropped", "fill_id", fill.FillID)
		return
	}
	if fill.Quantity.IsZero() {
		// Broker heartbeats and corrections carry no quantity; applying one
		// would divide by zero in the VWAP update.
		m.logger.Debug("zero-quantity fill ignored", "fill_id", fill.FillID)
		return
	}
	orderID, ok := m.byBroker[fill.BrokerOrderID]
	if !ok {
		m.logger.Warn("fill for unknown broker order dropped",
			"fill_id", fill.FillID, "broker_order_id", fill.BrokerOrderID)
		return
	}
	o := m.active[orderID]
	if o == nil || o.Status.IsTerminal() {
		m.logger.Warn("fill for terminal order dropped",
			"fill_id", fill.FillID, "order_id", orderID)
		return
	}

	newFilled := o.FilledQty.Add(fill.Quantity)
	newAvg := o.FilledQty.Mul(o.AvgFillPrice).Add(fill.Quantity.Mul(fill.Price)).Div(newFilled)
	status := core.OrderStatusPartialFill
	if newFilled.GreaterThanOrEqual(o.Quantity) {
		status = core.OrderStatusFilled
	}

	// Persist first. An unpersisted fill stays out of the dedupe set so a
	// redelivery can retry it.
	if err := m.store.RecordFill(ctx, orderID, newFilled, newAvg, status); err != nil {
		m.logger.Error("failed to persist fill",
			"order_id", orderID, "fill_id", fill.FillID, "error", err)
		return
	}
	m.processed[fill.FillID] = struct{}{}
	o.FilledQty = newFilled
	o.AvgFillPrice = newAvg
	o.Status = status
	o.UpdatedAt = m.clock.Now()

	if m.portfolio != nil {
		if err := m.portfolio.RecordFill(ctx, o, fill); err != nil {
			m.logger.Error("portfolio fill update failed",
				"order_id", orderID, "fill_id", fill.FillID, "error", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(core.ChannelFills, FillEvent{Order: *o, Fill: fill})
	}
	m.notifyStrategy(*o, fill)

	m.logger.Info("fill applied",
		"order_id", orderID, "fill_id", fill.FillID,
		"qty", fill.Quantity, "price", fill.Price,
		"filled_qty", newFilled, "status", status)

	if status == core.OrderStatusFilled {
		telemetry.Inc(mets.OrdersFilledTotal, ctx, 1)
		if o.CloseRequestID != "" && m.closes != nil {
			if err := m.closes.CompleteClose(ctx, o.CloseRequestID, newFilled); err != nil {
				m.logger.Error("close request completion failed",
					"close_request_id", o.CloseRequestID, "order_id", orderID, "error", err)
			} else {
				m.logger.Info("close request completed",
					"close_request_id", o.CloseRequestID, "order_id", orderID)
			}
		}
	}
	if o.Status.IsTerminal() {
		delete(m.active, orderID)
		delete(m.byBroker, fill.BrokerOrderID)
	}
}

// notifyStrategy forwards the fill to the emitting strategy. A handler
// panic never affects order state.
func (m *Manager) notifyStrategy(o core.Order, fill core.Fill) {
	m.handlersMu.RLock()
	h := m.handlers[o.StrategyID]
	m.handlersMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("strategy fill handler panicked",
				"strategy_id", o.StrategyID, "order_id", o.OrderID, "panic", r)
		}
	}()
	h(o, fill)
}

// ActiveOrder returns a copy of a live order by client id.
func (m *Manager) ActiveOrder(orderID string) (core.Order, bool) {
	var (
		out  core.Order
		ok   bool
		done = make(chan struct{})
	)
	m.do(func() {
		defer close(done)
		if p := m.active[orderID]; p != nil {
			out, ok = *p, true
		}
	})
	select {
	case <-done:
	case <-m.quit:
	}
	return out, ok
}

// ActiveCount returns the number of live orders.
func (m *Manager) ActiveCount() int {
	var (
		n    int
		done = make(chan struct{})
	)
	m.do(func() {
		defer close(done)
		n = len(m.active)
	})
	select {
	case <-done:
	case <-m.quit:
	}
	return n
}

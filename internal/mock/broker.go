package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"tradecore/internal/core"
)

// MockBroker implements core.IBroker with scripted behavior. Fills queued
// with ScriptFill are delivered from a separate goroutine, matching the
// threading of a real adapter's execution feed.
type MockBroker struct {
	mu           sync.Mutex
	nextID       int64
	submitted    map[string]*core.Order // broker order id -> copy at submission
	statuses     map[string]core.OrderStatus
	fillCallback func(core.Fill)

	SubmitErr    error // returned by SubmitOrder when set
	CancelErr    error
	StatusErr    error
	HealthErr    error
	OpenOrders   []core.BrokerOrder
	Positions    []core.BrokerPosition
	Account      core.BrokerAccount
	cancelCount  atomic.Int64
	submitCount  atomic.Int64
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		submitted: make(map[string]*core.Order),
		statuses:  make(map[string]core.OrderStatus),
	}
}

func (b *MockBroker) GetName() string { return "mock" }

func (b *MockBroker) CheckHealth(ctx context.Context) error { return b.HealthErr }

func (b *MockBroker) SubmitOrder(ctx context.Context, order *core.Order) (string, error) {
	b.submitCount.Add(1)
	if b.SubmitErr != nil {
		return "", b.SubmitErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("BRK-%d", b.nextID)
	cp := *order
	b.submitted[id] = &cp
	b.statuses[id] = core.OrderStatusSubmitted
	return id, nil
}

func (b *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	b.cancelCount.Add(1)
	if b.CancelErr != nil {
		return false, b.CancelErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.submitted[brokerOrderID]; !ok {
		return false, nil
	}
	b.statuses[brokerOrderID] = core.OrderStatusCancelled
	return true, nil
}

func (b *MockBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (core.OrderStatus, error) {
	if b.StatusErr != nil {
		return "", b.StatusErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[brokerOrderID]
	if !ok {
		return "", fmt.Errorf("order %s unknown to broker", brokerOrderID)
	}
	return st, nil
}

func (b *MockBroker) SubscribeFills(callback func(core.Fill)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillCallback = callback
}

// ScriptFill delivers a fill asynchronously the way a live feed would.
func (b *MockBroker) ScriptFill(fill core.Fill) {
	b.mu.Lock()
	cb := b.fillCallback
	b.mu.Unlock()
	if cb == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb(fill)
	}()
	<-done
}

// SetStatus overrides the reported status for a broker order id.
func (b *MockBroker) SetStatus(brokerOrderID string, st core.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[brokerOrderID] = st
}

// Submitted returns the order as it was at submission time.
func (b *MockBroker) Submitted(brokerOrderID string) *core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted[brokerOrderID]
}

func (b *MockBroker) SubmitCount() int64 { return b.submitCount.Load() }
func (b *MockBroker) CancelCount() int64 { return b.cancelCount.Load() }

func (b *MockBroker) GetOpenOrders(ctx context.Context, accountID string) ([]core.BrokerOrder, error) {
	return b.OpenOrders, nil
}

func (b *MockBroker) GetPositions(ctx context.Context, accountID string) ([]core.BrokerPosition, error) {
	return b.Positions, nil
}

func (b *MockBroker) GetAccount(ctx context.Context, accountID string) (core.BrokerAccount, error) {
	return b.Account, nil
}

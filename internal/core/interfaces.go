package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker defines the interface the core uses to talk to a broker adapter.
// SubscribeFills callbacks may be invoked from a goroutine foreign to the
// order scheduler; implementations make no threading promises.
type IBroker interface {
	GetName() string
	CheckHealth(ctx context.Context) error
	SubmitOrder(ctx context.Context, order *Order) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)
	SubscribeFills(callback func(Fill))
	GetOpenOrders(ctx context.Context, accountID string) ([]BrokerOrder, error)
	GetPositions(ctx context.Context, accountID string) ([]BrokerPosition, error)
	GetAccount(ctx context.Context, accountID string) (BrokerAccount, error)
}

// IMarketData defines the quote source used by the outbox close workers.
type IMarketData interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// IPortfolio is the portfolio collaborator. RecordFill is invoked by the
// order lifecycle manager inside the fill-handling path.
type IPortfolio interface {
	Snapshot() PortfolioSnapshot
	RecordFill(ctx context.Context, order *Order, fill Fill) error
	MarkPrice(symbol string, price decimal.Decimal)
}

// IAlertSink accepts alerts from any component. Implementations must be
// safe for concurrent use and must never block the caller on delivery.
type IAlertSink interface {
	Raise(ctx context.Context, alert Alert)
}

// IAuditSink appends audit events. Tier-0 events are written synchronously;
// implementations may batch the rest while preserving per-resource order.
type IAuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// IBus is the in-process pub/sub channel carrying fills, discrepancies and
// mode changes. Publish never blocks; bounded subscribers drop the oldest
// message on overflow.
type IBus interface {
	Publish(channel string, msg any)
	Subscribe(channel string, buffer int) (<-chan any, func())
	Dropped(channel string) uint64
}

// IClock abstracts time for deterministic tests.
type IClock interface {
	Now() time.Time
}

// ClockFunc adapts a function to IClock.
type ClockFunc func() time.Time

// Now implements IClock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock IClock = ClockFunc(time.Now)

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Package core defines the shared types and interfaces for the trading core
package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or signal
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind distinguishes market and limit orders
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderStatus is the lifecycle state of an order.
// PENDING -> SUBMITTED -> (PARTIAL_FILL)* -> {FILLED|CANCELLED|REJECTED|EXPIRED}
type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "PENDING"
	OrderStatusSubmitted   OrderStatus = "SUBMITTED"
	OrderStatusPartialFill OrderStatus = "PARTIAL_FILL"
	OrderStatusFilled      OrderStatus = "FILLED"
	OrderStatusCancelled   OrderStatus = "CANCELLED"
	OrderStatusRejected    OrderStatus = "REJECTED"
	OrderStatusExpired     OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is absorbing.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Signal is a strategy-emitted trading intent.
type Signal struct {
	SignalID       string
	StrategyID     string
	AccountID      string
	Symbol         string
	Side           Side
	Kind           OrderKind
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal // meaningful only when Kind == limit
	ClientID       string          // client-chosen idempotency component
	IsClose        bool            // close/reduce intent, allowed while PAUSED
	CloseRequestID string          // set when the signal executes a close request
	CreatedAt      time.Time
}

// Order is the persisted representation of a submitted intent.
type Order struct {
	OrderID                string // client UUID, unique
	BrokerOrderID          string // unique once set
	AccountID              string
	StrategyID             string
	Symbol                 string
	Side                   Side
	Kind                   OrderKind
	LimitPrice             decimal.Decimal
	Quantity               decimal.Decimal
	FilledQty              decimal.Decimal
	AvgFillPrice           decimal.Decimal
	Status                 OrderStatus
	StatusReason           string
	CloseRequestID         string // non-empty when the order executes a close request
	BrokerUpdateSeq        int64
	ReconcileNotFoundCount int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Fill is an execution report from a broker, identified by FillID.
type Fill struct {
	FillID        string
	BrokerOrderID string
	Symbol        string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen           PositionStatus = "open"
	PositionClosing        PositionStatus = "closing"
	PositionClosed         PositionStatus = "closed"
	PositionCloseRetryable PositionStatus = "close_retryable"
	PositionCloseFailed    PositionStatus = "close_failed"
)

// Position is a long-only holding. A non-empty ActiveCloseRequestID exists
// iff Status is closing or close_retryable.
type Position struct {
	ID                   int64
	AccountID            string
	Symbol               string
	AssetType            string
	StrategyID           string
	Quantity             decimal.Decimal
	AvgCost              decimal.Decimal
	CurrentPrice         decimal.Decimal
	Status               PositionStatus
	ActiveCloseRequestID string
	ClosedAt             time.Time
	UpdatedAt            time.Time
}

// CloseRequestStatus is the lifecycle state of a close request.
type CloseRequestStatus string

const (
	CloseRequestPending   CloseRequestStatus = "pending"
	CloseRequestSubmitted CloseRequestStatus = "submitted"
	CloseRequestCompleted CloseRequestStatus = "completed"
	CloseRequestFailed    CloseRequestStatus = "failed"
)

// CloseRequest is an explicit intent to exit a position, keyed by idempotency.
type CloseRequest struct {
	ID             string
	PositionID     int64
	IdempotencyKey string // unique per position
	Status         CloseRequestStatus
	Symbol         string
	Side           Side
	TargetQty      decimal.Decimal
	FilledQty      decimal.Decimal
	RemainingQty   decimal.Decimal // generated column: target_qty - filled_qty
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	SubmittedAt    time.Time
	CompletedAt    time.Time
}

// OutboxStatus is the processing state of an outbox event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

// Outbox event types handled by the workers.
const (
	OutboxSubmitCloseOrder = "SUBMIT_CLOSE_ORDER"
	OutboxCancelOrder      = "CANCEL_ORDER"
)

// OutboxEvent buffers a side-effectful intent committed atomically with the
// business state change that produced it.
type OutboxEvent struct {
	ID          int64
	EventType   string
	Payload     json.RawMessage
	Status      OutboxStatus
	RetryCount  int
	CreatedAt   time.Time
	ProcessedAt time.Time
}

// CloseOrderPayload is the payload of a SUBMIT_CLOSE_ORDER outbox event.
type CloseOrderPayload struct {
	CloseRequestID string `json:"close_request_id"`
	PositionID     int64  `json:"position_id"`
	AccountID      string `json:"account_id"`
	StrategyID     string `json:"strategy_id"`
	Symbol         string `json:"symbol"`
	Side           Side   `json:"side"`
	Quantity       string `json:"quantity"`
}

// CancelOrderPayload is the payload of a CANCEL_ORDER outbox event.
type CancelOrderPayload struct {
	OrderID       string `json:"order_id"`
	BrokerOrderID string `json:"broker_order_id"`
	Reason        string `json:"reason"`
}

// Severity grades alerts.
type Severity string

const (
	Sev1 Severity = "SEV1"
	Sev2 Severity = "SEV2"
	Sev3 Severity = "SEV3"
)

// Alert is a deduplicated operational event.
type Alert struct {
	ID              int64
	Type            string
	Severity        Severity
	Fingerprint     string
	DedupeKey       string
	Summary         string
	Details         json.RawMessage
	AccountID       string
	Symbol          string
	StrategyID      string
	PositionID      int64
	SuppressedCount int
	EventTimestamp  time.Time
	CreatedAt       time.Time
}

// AlertDelivery records a single delivery attempt for an alert.
type AlertDelivery struct {
	ID             int64
	AlertID        int64
	Channel        string
	DestinationKey string
	AttemptNumber  int
	Status         string
	ResponseCode   int
	ErrorMessage   string
	SentAt         time.Time
}

// ValueMode selects how audit values are stored.
type ValueMode string

const (
	ValueModeDiff      ValueMode = "diff"
	ValueModeReference ValueMode = "reference"
)

// AuditEvent is one row of the append-only, hash-linked audit log.
type AuditEvent struct {
	SequenceID   int64
	Checksum     string
	PrevChecksum string
	EventType    string
	ActorID      string
	ActorType    string
	ResourceType string
	ResourceID   string
	RequestID    string
	Source       string
	Severity     Severity
	OldValue     map[string]any
	NewValue     map[string]any
	ValueMode    ValueMode
	ValueHash    string
	CreatedAt    time.Time
}

// Quote is a market-data snapshot for one symbol.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// BrokerPosition is a position as the broker reports it.
type BrokerPosition struct {
	Symbol    string
	AssetType string
	Quantity  decimal.Decimal
	AvgCost   decimal.Decimal
}

// BrokerAccount is account state as the broker reports it.
type BrokerAccount struct {
	AccountID   string
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	MarginUsed  decimal.Decimal
	TotalEquity decimal.Decimal
}

// BrokerOrder is an order as the broker reports it during reconciliation.
type BrokerOrder struct {
	BrokerOrderID string
	Symbol        string
	Status        OrderStatus
	FilledQty     decimal.Decimal
}

// GovernanceContext is the read-only scalar view the governance layer
// exposes to the core. No raw governance entities cross this boundary.
type GovernanceContext struct {
	ActivePool           []string
	PacingMultiplier     decimal.Decimal
	RiskBudgetMultiplier decimal.Decimal
	VetoDowngradeActive  bool
	StopMode             string
	PoolVersion          int64
	RegimeState          string
}

// PositionSnapshot is one symbol's slice of a portfolio snapshot.
type PositionSnapshot struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
	Value    decimal.Decimal
}

// PortfolioSnapshot is a point-in-time view used by the risk gate and the
// reconciler. It is a value copy; mutating it does not affect the portfolio.
type PortfolioSnapshot struct {
	AccountID     string
	Cash          decimal.Decimal
	Equity        decimal.Decimal
	BuyingPower   decimal.Decimal
	PeakEquity    decimal.Decimal
	DailyPnL      decimal.Decimal
	Positions     map[string]PositionSnapshot
	TotalExposure decimal.Decimal
	TakenAt       time.Time
}

// Bus channel names shared by publishers and subscribers.
const (
	ChannelApprovedSignals = "approved_signals"
	ChannelFills           = "fills"
	ChannelReconResult     = "reconciliation:result"
	ChannelReconDiscrep    = "reconciliation:discrepancy"
	ChannelModeChanges     = "mode_changes"
)

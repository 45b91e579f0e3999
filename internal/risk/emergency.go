package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// EmergencyBroker is the broker slice the stop needs.
type EmergencyBroker interface {
	GetOpenOrders(ctx context.Context, accountID string) ([]core.BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
}

// PositionCloser flattens positions through the durable close path.
type PositionCloser interface {
	ListOpen(ctx context.Context, accountID string) ([]core.Position, error)
	BeginClose(ctx context.Context, positionID int64, idempotencyKey string, maxRetries int) (*core.CloseRequest, bool, error)
}

// TradingHalter is the trading FSM slice the stop needs.
type TradingHalter interface {
	Halt(ctx context.Context, by, reason string) error
}

// ActionOutcome is one step of the compound stop.
type ActionOutcome struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// StopReport is the full result of one emergency stop execution.
type StopReport struct {
	RunID              string          `json:"run_id"`
	EngagedAt          time.Time       `json:"engaged_at"`
	Outcomes           []ActionOutcome `json:"outcomes"`
	OrdersCancelled    int             `json:"orders_cancelled"`
	CancelFailures     int             `json:"cancel_failures"`
	PositionsFlattened int             `json:"positions_flattened"`
	FlattenFailures    int             `json:"flatten_failures"`
}

// EmergencyStop executes the kill-switch compound action: engage the switch,
// halt trading, cancel every open order, flatten every open position through
// the outbox. Each step is attempted even when earlier ones fail so the
// report covers everything.
type EmergencyStop struct {
	accountID  string
	maxRetries int
	killSwitch *KillSwitch
	trading    TradingHalter
	broker     EmergencyBroker
	positions  PositionCloser
	logger     core.ILogger
	clock      core.IClock
}

func NewEmergencyStop(accountID string, maxRetries int, killSwitch *KillSwitch,
	trading TradingHalter, broker EmergencyBroker, positions PositionCloser,
	logger core.ILogger, clock core.IClock) *EmergencyStop {
	return &EmergencyStop{
		accountID:  accountID,
		maxRetries: maxRetries,
		killSwitch: killSwitch,
		trading:    trading,
		broker:     broker,
		positions:  positions,
		logger:     logger.WithField("component", "emergency_stop"),
		clock:      clock,
	}
}

// Execute runs the compound stop. It never returns an error: partial failures
// are recorded per action in the report.
func (e *EmergencyStop) Execute(ctx context.Context, by, reason string) StopReport {
	report := StopReport{
		RunID:     uuid.NewString(),
		EngagedAt: e.clock.Now(),
	}
	e.logger.Error("emergency stop triggered", "by", by, "reason", reason, "run_id", report.RunID)

	e.killSwitch.Engage(ctx, by, reason)
	report.record("engage_kill_switch", "", true, "")

	if err := e.trading.Halt(ctx, by, reason); err != nil {
		report.record("halt_trading", "", false, err.Error())
	} else {
		report.record("halt_trading", "", true, "")
	}

	e.cancelAll(ctx, &report)
	e.flattenAll(ctx, &report)

	e.logger.Info("emergency stop complete",
		"run_id", report.RunID,
		"orders_cancelled", report.OrdersCancelled, "cancel_failures", report.CancelFailures,
		"positions_flattened", report.PositionsFlattened, "flatten_failures", report.FlattenFailures)
	return report
}

func (e *EmergencyStop) cancelAll(ctx context.Context, report *StopReport) {
	open, err := e.broker.GetOpenOrders(ctx, e.accountID)
	if err != nil {
		report.record("list_open_orders", "", false, err.Error())
		report.CancelFailures++
		return
	}
	for _, o := range open {
		ok, err := e.broker.CancelOrder(ctx, o.BrokerOrderID)
		switch {
		case err != nil:
			report.record("cancel_order", o.BrokerOrderID, false, err.Error())
			report.CancelFailures++
		case !ok:
			report.record("cancel_order", o.BrokerOrderID, false, "broker refused cancel")
			report.CancelFailures++
		default:
			report.record("cancel_order", o.BrokerOrderID, true, "")
			report.OrdersCancelled++
		}
	}
}

func (e *EmergencyStop) flattenAll(ctx context.Context, report *StopReport) {
	positions, err := e.positions.ListOpen(ctx, e.accountID)
	if err != nil {
		report.record("list_positions", "", false, err.Error())
		report.FlattenFailures++
		return
	}
	key := "kill-switch:" + report.RunID
	for _, p := range positions {
		target := fmt.Sprintf("%d", p.ID)
		_, _, err := e.positions.BeginClose(ctx, p.ID, key, e.maxRetries)
		switch {
		case err == nil:
			report.record("flatten_position", target, true, "")
			report.PositionsFlattened++
		case errors.Is(err, apperrors.ErrIdempotencyConflict):
			// A close is already in flight for this position.
			report.record("flatten_position", target, true, "close already in progress")
			report.PositionsFlattened++
		default:
			report.record("flatten_position", target, false, err.Error())
			report.FlattenFailures++
		}
	}
}

func (r *StopReport) record(action, target string, ok bool, detail string) {
	r.Outcomes = append(r.Outcomes, ActionOutcome{Action: action, Target: target, OK: ok, Detail: detail})
}

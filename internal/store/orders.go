package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"

	"github.com/shopspring/decimal"
)

// OrderStore persists orders. FilledQty is monotonically non-decreasing and
// FILLED holds exactly when filled_qty equals quantity; both are enforced in
// the write path.
type OrderStore struct {
	db *DB
}

// NewOrderStore creates the store over the shared handle.
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `order_id, broker_order_id, account_id, strategy_id, symbol,
	side, kind, limit_price, quantity, filled_qty, avg_fill_price, status,
	status_reason, close_request_id, broker_update_seq, reconcile_not_found_count,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*core.Order, error) {
	var o core.Order
	var brokerID, statusReason, closeReqID sql.NullString
	var limitPrice, avgFill sql.NullString
	var brokerSeq sql.NullInt64
	err := row.Scan(&o.OrderID, &brokerID, &o.AccountID, &o.StrategyID, &o.Symbol,
		&o.Side, &o.Kind, &limitPrice, &o.Quantity, &o.FilledQty, &avgFill, &o.Status,
		&statusReason, &closeReqID, &brokerSeq, &o.ReconcileNotFoundCount,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.BrokerOrderID = brokerID.String
	o.StatusReason = statusReason.String
	o.CloseRequestID = closeReqID.String
	o.BrokerUpdateSeq = brokerSeq.Int64
	if limitPrice.Valid {
		o.LimitPrice, err = decimal.NewFromString(limitPrice.String)
		if err != nil {
			return nil, err
		}
	}
	if avgFill.Valid {
		o.AvgFillPrice, err = decimal.NewFromString(avgFill.String)
		if err != nil {
			return nil, err
		}
	}
	return &o, nil
}

// Insert persists a new PENDING order within tx.
func (s *OrderStore) Insert(ctx context.Context, tx *sql.Tx, o *core.Order) error {
	var limitPrice any
	if o.Kind == core.OrderKindLimit {
		limitPrice = o.LimitPrice.String()
	}
	var closeReqID any
	if o.CloseRequestID != "" {
		closeReqID = o.CloseRequestID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, account_id, strategy_id, symbol, side, kind,
			limit_price, quantity, filled_qty, avg_fill_price, status, close_request_id,
			reconcile_not_found_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, 0, now(), now())`,
		o.OrderID, o.AccountID, o.StrategyID, o.Symbol, o.Side, o.Kind,
		limitPrice, o.Quantity.String(), o.Status, closeReqID)
	return classifyDBError(err)
}

// CreatePending persists a new PENDING order in its own transaction.
func (s *OrderStore) CreatePending(ctx context.Context, o *core.Order) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.Insert(ctx, tx, o)
	})
}

// RecordFill applies fill progress in its own transaction.
func (s *OrderStore) RecordFill(ctx context.Context, orderID string, filledQty, avgFillPrice decimal.Decimal, status core.OrderStatus) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ApplyFill(ctx, tx, orderID, filledQty, avgFillPrice, status)
	})
}

// Get fetches an order by client id.
func (s *OrderStore) Get(ctx context.Context, orderID string) (*core.Order, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, classifyDBError(err)
	}
	return o, nil
}

// GetByBrokerID fetches an order by broker-assigned id.
func (s *OrderStore) GetByBrokerID(ctx context.Context, brokerOrderID string) (*core.Order, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = $1`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, classifyDBError(err)
	}
	return o, nil
}

// MarkSubmitted records the broker id after a successful submit.
func (s *OrderStore) MarkSubmitted(ctx context.Context, orderID, brokerOrderID string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = $2, status = $3, updated_at = now()
		WHERE order_id = $1`, orderID, brokerOrderID, core.OrderStatusSubmitted)
	return classifyDBError(err)
}

// MarkRejected records a broker rejection with its reason.
func (s *OrderStore) MarkRejected(ctx context.Context, orderID, reason string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, status_reason = $3, updated_at = now()
		WHERE order_id = $1`, orderID, core.OrderStatusRejected, reason)
	return classifyDBError(err)
}

// ApplyFill updates fill progress inside tx under a row lock. The guard
// rejects regressions: a smaller filled_qty never overwrites a larger one.
func (s *OrderStore) ApplyFill(ctx context.Context, tx *sql.Tx, orderID string, filledQty, avgFillPrice decimal.Decimal, status core.OrderStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET filled_qty = $2, avg_fill_price = $3, status = $4, updated_at = now()
		WHERE order_id = $1 AND filled_qty <= $2 AND status NOT IN ($5, $6, $7)`,
		orderID, filledQty.String(), avgFillPrice.String(), status,
		core.OrderStatusCancelled, core.OrderStatusRejected, core.OrderStatusExpired)
	if err != nil {
		return classifyDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyDBError(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: fill regression or terminal order %s", apperrors.ErrContractViolation, orderID)
	}
	return nil
}

// ListStuck returns non-terminal orders whose updated_at is older than age.
func (s *OrderStore) ListStuck(ctx context.Context, age time.Duration) ([]core.Order, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ($1, $2, $3)
		  AND updated_at < now() - $4 * interval '1 second'
		ORDER BY updated_at`,
		core.OrderStatusPending, core.OrderStatusSubmitted, core.OrderStatusPartialFill,
		int64(age.Seconds()))
	if err != nil {
		return nil, classifyDBError(err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, classifyDBError(err)
		}
		out = append(out, *o)
	}
	return out, classifyDBError(rows.Err())
}

// IncrementNotFound bumps the reconcile-not-found counter and returns the
// new value. updated_at stays untouched: resetting it would pull the order
// out of the stuck window and stall the count at one per age period.
func (s *OrderStore) IncrementNotFound(ctx context.Context, orderID string) (int, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.db.QueryRowContext(ctx, `
		UPDATE orders SET reconcile_not_found_count = reconcile_not_found_count + 1
		WHERE order_id = $1
		RETURNING reconcile_not_found_count`, orderID).Scan(&n)
	return n, classifyDBError(err)
}

// MarkExpired forces a stuck order into the EXPIRED terminal state.
func (s *OrderStore) MarkExpired(ctx context.Context, orderID, reason string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, status_reason = $3, updated_at = now()
		WHERE order_id = $1 AND status NOT IN ($4, $5, $6, $7)`,
		orderID, core.OrderStatusExpired, reason,
		core.OrderStatusFilled, core.OrderStatusCancelled,
		core.OrderStatusRejected, core.OrderStatusExpired)
	return classifyDBError(err)
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionStore persists positions and close requests. The close write path
// is the transactional outbox entry point: the close request, the position
// transition and the outbox event commit together or not at all.
type PositionStore struct {
	db     *DB
	outbox *OutboxStore
}

// NewPositionStore creates the store over the shared handle.
func NewPositionStore(db *DB, outbox *OutboxStore) *PositionStore {
	return &PositionStore{db: db, outbox: outbox}
}

const positionColumns = `id, account_id, symbol, asset_type, strategy_id, quantity,
	avg_cost, current_price, status, active_close_request_id, closed_at, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (*core.Position, error) {
	var p core.Position
	var strategyID, activeCRID sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.AssetType, &strategyID,
		&p.Quantity, &p.AvgCost, &p.CurrentPrice, &p.Status, &activeCRID,
		&closedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.StrategyID = strategyID.String
	p.ActiveCloseRequestID = activeCRID.String
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

// Get fetches a position by id.
func (s *PositionStore) Get(ctx context.Context, id int64) (*core.Position, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %d not found", id)
	}
	if err != nil {
		return nil, classifyDBError(err)
	}
	return p, nil
}

// ListOpen returns open and closing positions for an account.
func (s *PositionStore) ListOpen(ctx context.Context, accountID string) ([]core.Position, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE account_id = $1 AND status IN ($2, $3, $4)
		ORDER BY symbol`,
		accountID, core.PositionOpen, core.PositionClosing, core.PositionCloseRetryable)
	if err != nil {
		return nil, classifyDBError(err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, classifyDBError(err)
		}
		out = append(out, *p)
	}
	return out, classifyDBError(rows.Err())
}

// BeginClose atomically creates a close request, marks the position closing
// and enqueues the SUBMIT_CLOSE_ORDER outbox event. The unique
// (position_id, idempotency_key) constraint makes a duplicate intent a no-op:
// the existing request is returned with created=false and no new outbox row.
func (s *PositionStore) BeginClose(ctx context.Context, positionID int64, idempotencyKey string, maxRetries int) (*core.CloseRequest, bool, error) {
	var cr *core.CloseRequest
	created := false

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, positionID)
		pos, err := scanPosition(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("position %d not found", positionID)
		}
		if err != nil {
			return classifyDBError(err)
		}

		// Replay of an intent we have already accepted.
		existing, err := s.getCloseRequestTx(ctx, tx, positionID, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			cr = existing
			return nil
		}

		switch pos.Status {
		case core.PositionOpen, core.PositionCloseFailed:
			// eligible
		case core.PositionClosing, core.PositionCloseRetryable:
			return fmt.Errorf("%w: position %d already has close request %s",
				apperrors.ErrIdempotencyConflict, positionID, pos.ActiveCloseRequestID)
		default:
			return fmt.Errorf("position %d is %s and cannot be closed", positionID, pos.Status)
		}
		if pos.Quantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: position %d has no quantity to close",
				apperrors.ErrContractViolation, positionID)
		}

		req := &core.CloseRequest{
			ID:             uuid.NewString(),
			PositionID:     positionID,
			IdempotencyKey: idempotencyKey,
			Status:         core.CloseRequestPending,
			Symbol:         pos.Symbol,
			Side:           core.SideSell,
			TargetQty:      pos.Quantity,
			MaxRetries:     maxRetries,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO close_requests (id, position_id, idempotency_key, status, symbol,
				side, target_qty, filled_qty, retry_count, max_retries, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, now())`,
			req.ID, req.PositionID, req.IdempotencyKey, req.Status, req.Symbol,
			req.Side, req.TargetQty.String(), req.MaxRetries); err != nil {
			return classifyDBError(err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE positions SET status = $2, active_close_request_id = $3, updated_at = now()
			WHERE id = $1`, positionID, core.PositionClosing, req.ID); err != nil {
			return classifyDBError(err)
		}

		payload := core.CloseOrderPayload{
			CloseRequestID: req.ID,
			PositionID:     positionID,
			AccountID:      pos.AccountID,
			StrategyID:     pos.StrategyID,
			Symbol:         pos.Symbol,
			Side:           core.SideSell,
			Quantity:       pos.Quantity.String(),
		}
		if _, err := s.outbox.Enqueue(ctx, tx, core.OutboxSubmitCloseOrder, payload); err != nil {
			return err
		}

		cr = req
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return cr, created, nil
}

const closeRequestColumns = `id, position_id, idempotency_key, status, symbol, side,
	target_qty, filled_qty, remaining_qty, retry_count, max_retries,
	created_at, submitted_at, completed_at`

func scanCloseRequest(row interface{ Scan(...any) error }) (*core.CloseRequest, error) {
	var cr core.CloseRequest
	var submittedAt, completedAt sql.NullTime
	err := row.Scan(&cr.ID, &cr.PositionID, &cr.IdempotencyKey, &cr.Status, &cr.Symbol,
		&cr.Side, &cr.TargetQty, &cr.FilledQty, &cr.RemainingQty, &cr.RetryCount,
		&cr.MaxRetries, &cr.CreatedAt, &submittedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if submittedAt.Valid {
		cr.SubmittedAt = submittedAt.Time
	}
	if completedAt.Valid {
		cr.CompletedAt = completedAt.Time
	}
	return &cr, nil
}

func (s *PositionStore) getCloseRequestTx(ctx context.Context, tx *sql.Tx, positionID int64, key string) (*core.CloseRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+closeRequestColumns+` FROM close_requests
		WHERE position_id = $1 AND idempotency_key = $2`, positionID, key)
	cr, err := scanCloseRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyDBError(err)
	}
	return cr, nil
}

// GetCloseRequest fetches a close request by id.
func (s *PositionStore) GetCloseRequest(ctx context.Context, id string) (*core.CloseRequest, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+closeRequestColumns+` FROM close_requests WHERE id = $1`, id)
	cr, err := scanCloseRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("close request %s not found", id)
	}
	if err != nil {
		return nil, classifyDBError(err)
	}
	return cr, nil
}

// MarkCloseSubmitted transitions a pending close request to submitted.
func (s *PositionStore) MarkCloseSubmitted(ctx context.Context, id string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE close_requests SET status = $2, submitted_at = now()
		WHERE id = $1 AND status = $3`,
		id, core.CloseRequestSubmitted, core.CloseRequestPending)
	return classifyDBError(err)
}

// FailClose marks the close request failed, moves the position to
// close_failed and clears its active close request, atomically.
func (s *PositionStore) FailClose(ctx context.Context, closeRequestID string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var positionID int64
		err := tx.QueryRowContext(ctx, `
			UPDATE close_requests SET status = $2, completed_at = now()
			WHERE id = $1
			RETURNING position_id`, closeRequestID, core.CloseRequestFailed).Scan(&positionID)
		if err != nil {
			return classifyDBError(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE positions SET status = $2, active_close_request_id = NULL, updated_at = now()
			WHERE id = $1`, positionID, core.PositionCloseFailed)
		return classifyDBError(err)
	})
}

// MarkCloseRetryable moves the position into close_retryable while keeping
// the active close request so the invariant holds.
func (s *PositionStore) MarkCloseRetryable(ctx context.Context, closeRequestID string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var positionID int64
		err := tx.QueryRowContext(ctx, `
			UPDATE close_requests SET retry_count = retry_count + 1
			WHERE id = $1
			RETURNING position_id`, closeRequestID).Scan(&positionID)
		if err != nil {
			return classifyDBError(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE positions SET status = $2, updated_at = now()
			WHERE id = $1`, positionID, core.PositionCloseRetryable)
		return classifyDBError(err)
	})
}

// CompleteClose records a fully-filled close: the request completes and the
// position closes with its active close request cleared.
func (s *PositionStore) CompleteClose(ctx context.Context, closeRequestID string, filledQty decimal.Decimal) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var positionID int64
		err := tx.QueryRowContext(ctx, `
			UPDATE close_requests SET status = $2, filled_qty = $3, completed_at = now()
			WHERE id = $1
			RETURNING position_id`,
			closeRequestID, core.CloseRequestCompleted, filledQty.String()).Scan(&positionID)
		if err != nil {
			return classifyDBError(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE positions SET status = $2, quantity = 0, active_close_request_id = NULL,
				closed_at = now(), updated_at = now()
			WHERE id = $1`, positionID, core.PositionClosed)
		return classifyDBError(err)
	})
}

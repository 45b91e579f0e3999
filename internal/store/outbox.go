package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tradecore/internal/core"
)

// OutboxStore persists outbox events. Enqueue runs inside the caller's
// business transaction so the state change and the event commit together.
type OutboxStore struct {
	db *DB
}

// NewOutboxStore creates the store over the shared handle.
func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Enqueue inserts a pending event within tx.
func (s *OutboxStore) Enqueue(ctx context.Context, tx *sql.Tx, eventType string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO outbox_events (event_type, payload, status, retry_count, created_at)
		VALUES ($1, $2, 'pending', 0, now())
		RETURNING id`, eventType, data).Scan(&id)
	return id, classifyDBError(err)
}

// Claim selects up to limit pending events in created_at order with
// FOR UPDATE SKIP LOCKED and flips them to processing. Rows locked by a
// concurrent worker are skipped, not waited on.
func (s *OutboxStore) Claim(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	var events []core.OutboxEvent
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_type, payload, status, retry_count, created_at
			FROM outbox_events
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return classifyDBError(err)
		}
		defer rows.Close()

		for rows.Next() {
			var ev core.OutboxEvent
			var payload []byte
			if err := rows.Scan(&ev.ID, &ev.EventType, &payload, &ev.Status, &ev.RetryCount, &ev.CreatedAt); err != nil {
				return classifyDBError(err)
			}
			ev.Payload = payload
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return classifyDBError(err)
		}

		for i := range events {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET status = 'processing' WHERE id = $1`, events[i].ID); err != nil {
				return classifyDBError(err)
			}
			events[i].Status = core.OutboxProcessing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkCompleted records successful processing.
func (s *OutboxStore) MarkCompleted(ctx context.Context, id int64) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'completed', processed_at = now() WHERE id = $1`, id)
	return classifyDBError(err)
}

// ReleaseForRetry increments the retry counter and returns the event to the
// pending state so another claim can pick it up.
func (s *OutboxStore) ReleaseForRetry(ctx context.Context, id int64) (int, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var retries int
	err := s.db.db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count`, id).Scan(&retries)
	return retries, classifyDBError(err)
}

// MarkFailed records permanent failure.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'failed', processed_at = now() WHERE id = $1`, id)
	return classifyDBError(err)
}

// DeleteTerminalOlderThan removes completed and failed events past the
// retention window. Pending and processing rows are preserved regardless of age.
func (s *OutboxStore) DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	res, err := s.db.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status IN ('completed', 'failed')
		  AND created_at < now() - $1 * interval '1 second'`,
		int64(retention.Seconds()))
	if err != nil {
		return 0, classifyDBError(err)
	}
	n, err := res.RowsAffected()
	return n, classifyDBError(err)
}

// CountPending returns the pending backlog depth.
func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var n int64
	err := s.db.db.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox_events WHERE status = 'pending'`).Scan(&n)
	return n, classifyDBError(err)
}

// CountByCloseRequest returns outbox rows referencing a close request id.
func (s *OutboxStore) CountByCloseRequest(ctx context.Context, closeRequestID string) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var n int64
	err := s.db.db.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox_events
		WHERE event_type = $1 AND payload->>'close_request_id' = $2`,
		core.OutboxSubmitCloseOrder, closeRequestID).Scan(&n)
	return n, classifyDBError(err)
}

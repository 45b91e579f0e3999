package store

import (
	"context"

	"tradecore/internal/core"
)

// AlertStore persists alerts and delivery attempts. Upsert is keyed by
// dedupe_key; a conflict bumps suppressed_count instead of inserting.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates the store over the shared handle.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

// Upsert inserts the alert or, on a dedupe_key conflict, increments the
// suppressed count. Returns the surviving row id and whether it was new.
func (s *AlertStore) Upsert(ctx context.Context, a *core.Alert) (int64, bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var id int64
	var suppressed int
	err := s.db.db.QueryRowContext(ctx, `
		INSERT INTO alerts (type, severity, fingerprint, dedupe_key, summary, details,
			account_id, symbol, strategy_id, position_id, suppressed_count,
			event_timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, now())
		ON CONFLICT (dedupe_key) DO UPDATE
			SET suppressed_count = alerts.suppressed_count + 1
		RETURNING id, suppressed_count`,
		a.Type, a.Severity, a.Fingerprint, a.DedupeKey, a.Summary, []byte(a.Details),
		nullStr(a.AccountID), nullStr(a.Symbol), nullStr(a.StrategyID),
		nullInt(a.PositionID), a.EventTimestamp).Scan(&id, &suppressed)
	if err != nil {
		return 0, false, classifyDBError(err)
	}
	a.ID = id
	a.SuppressedCount = suppressed
	return id, suppressed == 0, nil
}

// InsertDelivery records one delivery attempt; attempt numbers are derived
// from the previous maximum for the (alert, destination) pair.
func (s *AlertStore) InsertDelivery(ctx context.Context, d *core.AlertDelivery) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	err := s.db.db.QueryRowContext(ctx, `
		INSERT INTO alert_deliveries (alert_id, channel, destination_key, attempt_number,
			status, response_code, error_message, sent_at)
		SELECT $1, $2, $3,
			COALESCE(MAX(attempt_number), 0) + 1, $4, $5, $6, now()
		FROM alert_deliveries
		WHERE alert_id = $1 AND destination_key = $3
		RETURNING id, attempt_number`,
		d.AlertID, d.Channel, d.DestinationKey, d.Status, d.ResponseCode,
		nullStr(d.ErrorMessage)).Scan(&d.ID, &d.AttemptNumber)
	return classifyDBError(err)
}

// UpdateDelivery records the outcome of an attempt.
func (s *AlertStore) UpdateDelivery(ctx context.Context, id int64, status string, responseCode int, errMsg string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = $2, response_code = $3, error_message = $4
		WHERE id = $1`, id, status, responseCode, nullStr(errMsg))
	return classifyDBError(err)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// IdempotencyStore deduplicates client actions and fills. Races resolve to
// first-writer-wins: losers read back the cached response.
type IdempotencyStore struct {
	db *DB
}

// NewIdempotencyStore creates the store over the shared handle.
func NewIdempotencyStore(db *DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Store inserts the key if absent and returns the response that won the
// race, plus whether this call was the winner.
func (s *IdempotencyStore) Store(ctx context.Context, key, resourceType, resourceID string, response json.RawMessage, ttl time.Duration) (json.RawMessage, bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, resource_type, resource_id, response_data, expires_at)
		VALUES ($1, $2, $3, $4, now() + $5 * interval '1 second')
		ON CONFLICT (key) DO NOTHING`,
		key, resourceType, resourceID, []byte(response), int64(ttl.Seconds()))
	if err != nil {
		return nil, false, classifyDBError(err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, classifyDBError(err)
	}
	if inserted == 1 {
		return response, true, nil
	}

	cached, found, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// The winning row expired between insert and read; retry as winner.
		return s.Store(ctx, key, resourceType, resourceID, response, ttl)
	}
	return cached, false, nil
}

// Lookup returns the cached response iff the key exists and has not expired.
// Expired rows are invisible here but remain until purged.
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var response []byte
	err := s.db.db.QueryRowContext(ctx, `
		SELECT response_data FROM idempotency_keys
		WHERE key = $1 AND expires_at > now()`, key).Scan(&response)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyDBError(err)
	}
	return response, true, nil
}

// PurgeExpired physically deletes expired rows and returns the count.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
	if err != nil {
		return 0, classifyDBError(err)
	}
	n, err := res.RowsAffected()
	return n, classifyDBError(err)
}

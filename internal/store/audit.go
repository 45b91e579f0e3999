package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"tradecore/internal/core"
)

// AuditStore persists the hash-linked audit chain. Appends serialize on a
// transaction-scoped advisory lock so sequence ids stay gap-free under
// concurrent writers.
type AuditStore struct {
	db      *DB
	lockKey int64
}

// NewAuditStore creates the store over the shared handle.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db, lockKey: AdvisoryKey("tradecore:audit_chain")}
}

// Append writes the event inside tx; the caller supplies sequence id and
// checksums computed by the audit chain.
func (s *AuditStore) Append(ctx context.Context, tx *sql.Tx, e *core.AuditEvent) error {
	oldVal, err := marshalValue(e.OldValue)
	if err != nil {
		return err
	}
	newVal, err := marshalValue(e.NewValue)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (sequence_id, checksum, prev_checksum, event_type,
			actor_id, actor_type, resource_type, resource_id, request_id, source,
			severity, old_value, new_value, value_mode, value_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.SequenceID, e.Checksum, nullStr(e.PrevChecksum), e.EventType,
		e.ActorID, e.ActorType, e.ResourceType, e.ResourceID,
		nullStr(e.RequestID), e.Source, e.Severity, oldVal, newVal,
		e.ValueMode, nullStr(e.ValueHash), e.CreatedAt)
	return classifyDBError(err)
}

// LockChain takes the transaction-scoped advisory lock guarding the chain
// head. It is released automatically at commit or rollback.
func (s *AuditStore) LockChain(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, s.lockKey)
	return classifyDBError(err)
}

// Head returns the last row's sequence id and checksum inside tx.
func (s *AuditStore) Head(ctx context.Context, tx *sql.Tx) (int64, string, error) {
	var seq int64
	var checksum string
	err := tx.QueryRowContext(ctx, `
		SELECT sequence_id, checksum FROM audit_events
		ORDER BY sequence_id DESC LIMIT 1`).Scan(&seq, &checksum)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", classifyDBError(err)
	}
	return seq, checksum, nil
}

// WithTx exposes the transactional helper for the audit chain writer.
func (s *AuditStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.db.WithTx(ctx, fn)
}

// AppendChain appends n linked events in one transaction. The chain head is
// read under the advisory lock and build is called once per event with its
// assigned sequence id and predecessor checksum; build must set Checksum on
// the returned event.
func (s *AuditStore) AppendChain(ctx context.Context, n int, build func(i int, seq int64, prev string) (*core.AuditEvent, error)) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.LockChain(ctx, tx); err != nil {
			return err
		}
		seq, prev, err := s.Head(ctx, tx)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			e, err := build(i, seq+int64(i)+1, prev)
			if err != nil {
				return err
			}
			if err := s.Append(ctx, tx, e); err != nil {
				return err
			}
			prev = e.Checksum
		}
		return nil
	})
}

// ListRange returns rows with from <= sequence_id <= to in order.
func (s *AuditStore) ListRange(ctx context.Context, from, to int64) ([]core.AuditEvent, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT sequence_id, checksum, prev_checksum, event_type, actor_id, actor_type,
			resource_type, resource_id, request_id, source, severity,
			old_value, new_value, value_mode, value_hash, created_at
		FROM audit_events
		WHERE sequence_id >= $1 AND sequence_id <= $2
		ORDER BY sequence_id`, from, to)
	if err != nil {
		return nil, classifyDBError(err)
	}
	defer rows.Close()

	var out []core.AuditEvent
	for rows.Next() {
		var e core.AuditEvent
		var prevChecksum, requestID, valueHash sql.NullString
		var oldVal, newVal []byte
		if err := rows.Scan(&e.SequenceID, &e.Checksum, &prevChecksum, &e.EventType,
			&e.ActorID, &e.ActorType, &e.ResourceType, &e.ResourceID, &requestID,
			&e.Source, &e.Severity, &oldVal, &newVal, &e.ValueMode, &valueHash,
			&e.CreatedAt); err != nil {
			return nil, classifyDBError(err)
		}
		e.PrevChecksum = prevChecksum.String
		e.RequestID = requestID.String
		e.ValueHash = valueHash.String
		if len(oldVal) > 0 {
			if err := json.Unmarshal(oldVal, &e.OldValue); err != nil {
				return nil, err
			}
		}
		if len(newVal) > 0 {
			if err := json.Unmarshal(newVal, &e.NewValue); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, classifyDBError(rows.Err())
}

func marshalValue(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

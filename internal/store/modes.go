package store

import (
	"context"
	"time"
)

// ModeStore persists system mode transitions.
type ModeStore struct {
	db *DB
}

// NewModeStore creates the store over the shared handle.
func NewModeStore(db *DB) *ModeStore {
	return &ModeStore{db: db}
}

// InsertTransition records one mode change.
func (s *ModeStore) InsertTransition(ctx context.Context, from, to, stage, reason, changedBy string, at time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO mode_transitions (from_mode, to_mode, stage, reason, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		from, to, stage, reason, changedBy, at)
	return classifyDBError(err)
}

// Package wal buffers mutating intents in memory while the database is
// unreachable. Entries replay in arrival order on recovery, each in its own
// transaction, idempotent by key. Exceeding any cap is unrecoverable for the
// buffer and forces a halt.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/alert"
	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// Entry is one buffered intent.
type Entry struct {
	IdempotentKey string
	Kind          string
	Payload       json.RawMessage
	EnqueuedAt    time.Time
}

// Applier replays one entry. Implementations run each call inside its own
// database transaction and must be idempotent by the entry's key.
type Applier func(ctx context.Context, e Entry) error

// Halter forces the degradation FSM to halt; the mode manager satisfies it.
type Halter interface {
	Halt(ctx context.Context, reason, by string)
}

// Buffer is the in-memory WAL. Append while degraded, Replay on recovery.
type Buffer struct {
	cfg    config.WALConfig
	halter Halter
	alerts core.IAlertSink
	logger core.ILogger
	clock  core.IClock

	mu      sync.Mutex
	entries []Entry
	keys    map[string]bool
	bytes   int
	halted  bool
}

func NewBuffer(cfg config.WALConfig, halter Halter, alerts core.IAlertSink, logger core.ILogger, clock core.IClock) *Buffer {
	return &Buffer{
		cfg:    cfg,
		halter: halter,
		alerts: alerts,
		logger: logger.WithField("component", "wal_buffer"),
		clock:  clock,
		keys:   make(map[string]bool),
	}
}

// Append buffers an intent. Duplicate keys are absorbed. When a cap is
// breached the buffer halts the system and rejects the entry.
func (b *Buffer) Append(ctx context.Context, key, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal wal payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted {
		return fmt.Errorf("%w: wal buffer is halted", apperrors.ErrDatabaseUnavailable)
	}
	if b.keys[key] {
		b.logger.Debug("duplicate wal entry absorbed", "key", key, "kind", kind)
		return nil
	}

	entry := Entry{
		IdempotentKey: key,
		Kind:          kind,
		Payload:       data,
		EnqueuedAt:    b.clock.Now(),
	}
	if b.overCapLocked(entry) {
		b.haltLocked(ctx)
		return fmt.Errorf("%w: wal buffer cap exceeded", apperrors.ErrDatabaseUnavailable)
	}

	b.entries = append(b.entries, entry)
	b.keys[key] = true
	b.bytes += len(data)
	return nil
}

func (b *Buffer) overCapLocked(next Entry) bool {
	if b.cfg.MaxEntries > 0 && len(b.entries)+1 > b.cfg.MaxEntries {
		return true
	}
	if b.cfg.MaxBytes > 0 && b.bytes+len(next.Payload) > b.cfg.MaxBytes {
		return true
	}
	if b.cfg.MaxAgeSec > 0 && len(b.entries) > 0 {
		oldest := b.entries[0].EnqueuedAt
		if b.clock.Now().Sub(oldest) > time.Duration(b.cfg.MaxAgeSec)*time.Second {
			return true
		}
	}
	return false
}

func (b *Buffer) haltLocked(ctx context.Context) {
	if b.halted {
		return
	}
	b.halted = true
	b.logger.Error("wal buffer cap exceeded, forcing halt",
		"entries", len(b.entries), "bytes", b.bytes)
	if b.halter != nil {
		b.halter.Halt(ctx, "wal buffer cap exceeded", "wal_buffer")
	}
	if b.alerts != nil {
		b.alerts.Raise(ctx, alert.New(alert.TypeWALThreshold, core.Sev1,
			fmt.Sprintf("wal buffer cap exceeded with %d entries", len(b.entries))))
	}
}

// Replay applies buffered entries in order, each through apply. The first
// error stops the replay, leaves unapplied entries buffered and surfaces an
// integrity failure.
func (b *Buffer) Replay(ctx context.Context, apply Applier) (int, error) {
	b.mu.Lock()
	pending := append([]Entry(nil), b.entries...)
	b.mu.Unlock()

	applied := 0
	for _, e := range pending {
		if err := apply(ctx, e); err != nil {
			b.dropApplied(applied)
			wrapped := fmt.Errorf("%w: entry %s: %v", apperrors.ErrWALReplayConflict, e.IdempotentKey, err)
			b.logger.Error("wal replay failed", "key", e.IdempotentKey, "applied", applied, "error", wrapped)
			if b.halter != nil {
				b.halter.Halt(ctx, "wal replay conflict", "wal_buffer")
			}
			if b.alerts != nil {
				b.alerts.Raise(ctx, alert.New(alert.TypeWALThreshold, core.Sev1,
					fmt.Sprintf("wal replay conflict on %s after %d entries", e.IdempotentKey, applied)))
			}
			return applied, wrapped
		}
		applied++
	}

	b.dropApplied(applied)
	if applied > 0 {
		b.logger.Info("wal replay complete", "applied", applied)
	}
	return applied, nil
}

func (b *Buffer) dropApplied(n int) {
	if n == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries[:n] {
		delete(b.keys, e.IdempotentKey)
		b.bytes -= len(e.Payload)
	}
	b.entries = b.entries[n:]
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Bytes returns the buffered payload size.
func (b *Buffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

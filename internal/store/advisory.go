package store

import (
	"context"
	"hash/fnv"
)

// AdvisoryKey derives a deterministic 31-bit advisory lock key from a name.
// The truncation keeps the key inside the positive int32 range expected by
// tooling that inspects pg_locks.
func AdvisoryKey(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() & 0x7FFFFFFF)
}

// TryAdvisoryLock attempts a session-scoped advisory lock without blocking.
// Returns false when another session holds the lock.
func (d *DB) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var acquired bool
	err := d.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	if err != nil {
		return false, classifyDBError(err)
	}
	return acquired, nil
}

// AdvisoryUnlock releases a session-scoped advisory lock.
func (d *DB) AdvisoryUnlock(ctx context.Context, key int64) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var released bool
	err := d.db.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	return classifyDBError(err)
}

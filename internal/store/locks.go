package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Locks is the durable TTL lock table backing `lock:ingest` and
// `lock:send:{webhook_id}`. It makes the ingest and sender single-flight
// contracts fleet-wide, not just in-process: golang.org/x/sync/singleflight
// alone only dedupes callers within one process.
type Locks struct {
	sql *sql.DB
}

// NewLocks builds a Locks repository over an open database.
func NewLocks(db *DB) *Locks {
	return &Locks{sql: db.sql}
}

// Acquire attempts to take the named lock for holder, valid until now+ttl.
// It succeeds if the lock is unheld, already expired, or already held by the
// same holder (so a holder can refresh its own lease). Acquire never blocks;
// on contention it returns ok=false immediately and the caller moves on.
func (l *Locks) Acquire(name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl).Format(time.RFC3339Nano)

	result, err := l.sql.Exec(`
		INSERT INTO lock (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE lock.expires_at < ? OR lock.holder = ?`,
		name, holder, expiresAt, now.Format(time.RFC3339Nano), holder,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return n > 0, nil
}

// Release drops a lock this holder owns. Releasing a lock owned by a
// different holder (e.g. because this holder's lease already expired and
// someone else acquired it) is a no-op, never an error.
func (l *Locks) Release(name, holder string) error {
	_, err := l.sql.Exec("DELETE FROM lock WHERE name = ? AND holder = ?", name, holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// KillmailArchive is the optional, opt-in persistence of ingested killmails
// (`killmail:{id}`, gated by STORING_KILLMAILS_ENABLED). It is not a
// killmail archive product in its own right; it exists purely so an
// operator can inspect what was ingested, FIFO-purged by age.
type KillmailArchive struct {
	sql *sql.DB
}

// NewKillmailArchive builds a KillmailArchive over an open database.
func NewKillmailArchive(db *DB) *KillmailArchive {
	return &KillmailArchive{sql: db.sql}
}

// Store persists one killmail's canonical JSON. A duplicate ID is
// downgraded to a no-op, never an error, so it never blocks delivery.
func (a *KillmailArchive) Store(id int64, payload []byte) error {
	_, err := a.sql.Exec(
		"INSERT OR IGNORE INTO killmail_archive (id, received_at, payload) VALUES (?, ?, ?)",
		id, time.Now().UTC().Format(time.RFC3339), payload,
	)
	if err != nil {
		return fmt.Errorf("store killmail %d: %w", id, err)
	}
	return nil
}

// Get returns the archived payload for a killmail ID, or ok=false.
func (a *KillmailArchive) Get(id int64) ([]byte, bool, error) {
	var payload []byte
	err := a.sql.QueryRow("SELECT payload FROM killmail_archive WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get killmail %d: %w", id, err)
	}
	return payload, true, nil
}

// PurgeOlderThan deletes archived killmails received more than olderThanDays
// ago, returning the number of rows removed. olderThanDays <= 0 disables
// purging.
func (a *KillmailArchive) PurgeOlderThan(olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UTC().Format(time.RFC3339)
	result, err := a.sql.Exec("DELETE FROM killmail_archive WHERE received_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge killmail archive: %w", err)
	}
	return result.RowsAffected()
}

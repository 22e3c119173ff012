package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"killfeed/internal/tracker"
)

// TrackerRepo is the `tracker:{id}` repository. Trackers are read
// per-event; adding/removing one never blocks ingest.
type TrackerRepo struct {
	sql *sql.DB
}

// NewTrackerRepo builds a TrackerRepo over an open database.
func NewTrackerRepo(db *DB) *TrackerRepo {
	return &TrackerRepo{sql: db.sql}
}

// Save validates and upserts a Tracker, rejecting a malformed configuration
// with ErrConfigurationError rather than letting it reach the evaluator at
// runtime.
func (r *TrackerRepo) Save(t tracker.Tracker) error {
	if err := ValidateTracker(t); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tracker %s: %w", t.ID, err)
	}
	_, err = r.sql.Exec(`
		INSERT INTO tracker (id, name, enabled, config_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Enabled, string(body), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save tracker %s: %w", t.ID, err)
	}
	return nil
}

// Get loads a Tracker by ID, reporting ok=false if none exists.
func (r *TrackerRepo) Get(id string) (tracker.Tracker, bool, error) {
	var body string
	err := r.sql.QueryRow("SELECT config_json FROM tracker WHERE id = ?", id).Scan(&body)
	if err == sql.ErrNoRows {
		return tracker.Tracker{}, false, nil
	}
	if err != nil {
		return tracker.Tracker{}, false, fmt.Errorf("get tracker %s: %w", id, err)
	}
	var t tracker.Tracker
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return tracker.Tracker{}, false, fmt.Errorf("decode tracker %s: %w", id, err)
	}
	return t, true, nil
}

// ListEnabled returns every enabled Tracker, the set the orchestrator fans
// each ingested killmail out to.
func (r *TrackerRepo) ListEnabled() ([]tracker.Tracker, error) {
	rows, err := r.sql.Query("SELECT config_json FROM tracker WHERE enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("list enabled trackers: %w", err)
	}
	defer rows.Close()

	var out []tracker.Tracker
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan tracker row: %w", err)
		}
		var t tracker.Tracker
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode tracker row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a Tracker by ID. Deleting a Tracker that doesn't exist is
// not an error.
func (r *TrackerRepo) Delete(id string) error {
	_, err := r.sql.Exec("DELETE FROM tracker WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete tracker %s: %w", id, err)
	}
	return nil
}

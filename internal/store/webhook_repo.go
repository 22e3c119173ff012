package store

import (
	"database/sql"
	"fmt"
	"time"
)

// WebhookType enumerates supported webhook providers. Only discord-compatible
// is implemented in this version.
type WebhookType string

const DiscordCompatible WebhookType = "discord-compatible"

// Webhook is a webhook's static configuration. Runtime state
// (queues, blocked_until) is reached through Queue and this repo's
// BlockedUntil/SetBlockedUntil, never embedded in this struct, so that
// readers of a Webhook snapshot can't accidentally race a concurrent sender.
type Webhook struct {
	ID        string
	Name      string
	URL       string
	IsEnabled bool
	Type      WebhookType
}

// WebhookRepo is the `webhook:{id}` repository, plus the `block:{webhook_id}`
// instant used by the sender's rate-limit state machine.
type WebhookRepo struct {
	sql *sql.DB
}

// NewWebhookRepo builds a WebhookRepo over an open database.
func NewWebhookRepo(db *DB) *WebhookRepo {
	return &WebhookRepo{sql: db.sql}
}

// Save upserts a Webhook's static configuration.
func (r *WebhookRepo) Save(w Webhook) error {
	if w.URL == "" {
		return fmt.Errorf("%w: webhook %s has no url", ErrConfigurationError, w.ID)
	}
	if w.Type == "" {
		w.Type = DiscordCompatible
	}
	_, err := r.sql.Exec(`
		INSERT INTO webhook (id, name, url, is_enabled, type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			is_enabled = excluded.is_enabled,
			type = excluded.type,
			updated_at = excluded.updated_at`,
		w.ID, w.Name, w.URL, w.IsEnabled, string(w.Type), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save webhook %s: %w", w.ID, err)
	}
	return nil
}

// Get loads a Webhook by ID, reporting ok=false if none exists.
func (r *WebhookRepo) Get(id string) (Webhook, bool, error) {
	var w Webhook
	var typ string
	err := r.sql.QueryRow(
		"SELECT id, name, url, is_enabled, type FROM webhook WHERE id = ?", id,
	).Scan(&w.ID, &w.Name, &w.URL, &w.IsEnabled, &typ)
	if err == sql.ErrNoRows {
		return Webhook{}, false, nil
	}
	if err != nil {
		return Webhook{}, false, fmt.Errorf("get webhook %s: %w", id, err)
	}
	w.Type = WebhookType(typ)
	return w, true, nil
}

// BlockedUntil returns the instant before which the sender must not POST to
// this webhook, or ok=false if the webhook is not currently blocked.
func (r *WebhookRepo) BlockedUntil(id string) (time.Time, bool, error) {
	var raw sql.NullString
	err := r.sql.QueryRow("SELECT blocked_until FROM webhook WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get blocked_until %s: %w", id, err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse blocked_until %s: %w", id, err)
	}
	return t, true, nil
}

// SetBlockedUntil sets the rate-limit unblock instant. A plain write: the
// sender already serializes writers per webhook via its single-flight lock,
// so there is no CAS race here to guard against.
func (r *WebhookRepo) SetBlockedUntil(id string, until time.Time) error {
	_, err := r.sql.Exec("UPDATE webhook SET blocked_until = ? WHERE id = ?", until.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("set blocked_until %s: %w", id, err)
	}
	return nil
}

// ClearBlockedUntil removes the rate-limit block, called once the sender
// observes the webhook is past its blocked_until instant.
func (r *WebhookRepo) ClearBlockedUntil(id string) error {
	_, err := r.sql.Exec("UPDATE webhook SET blocked_until = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("clear blocked_until %s: %w", id, err)
	}
	return nil
}

// ListEnabled returns every enabled Webhook.
func (r *WebhookRepo) ListEnabled() ([]Webhook, error) {
	rows, err := r.sql.Query("SELECT id, name, url, is_enabled, type FROM webhook WHERE is_enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("list enabled webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		var typ string
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &w.IsEnabled, &typ); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		w.Type = WebhookType(typ)
		out = append(out, w)
	}
	return out, rows.Err()
}

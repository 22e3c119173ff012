// Package queue implements the per-webhook durable FIFO queues: a `main`
// queue of formatted payloads awaiting delivery, and an `error` queue of
// poison messages. Backed by the same sqlite handle as internal/store,
// using the same begin/defer-rollback/commit transaction discipline for
// every atomic operation.
package queue

import (
	"database/sql"
	"fmt"
	"time"
)

// Name identifies one of the two durable queues a webhook owns.
type Name string

const (
	Main  Name = "main"
	Error Name = "error"
)

// Queue is the sqlite-backed FIFO queue shared by every webhook; rows carry
// their own webhook_id so one table serves all webhooks.
type Queue struct {
	sql *sql.DB
}

// New builds a Queue over an open database handle (store.DB.SQL()).
func New(db *sql.DB) *Queue {
	return &Queue{sql: db}
}

// Enqueue appends payload to the tail of the named queue.
func (q *Queue) Enqueue(webhookID string, name Name, payload []byte) error {
	return q.insert(webhookID, name, payload, true)
}

// EnqueueFront inserts payload at the head of the named queue: a rate-limited
// or transiently failed message goes back to the head of main (not the
// tail), preserving delivery order across the retry.
func (q *Queue) EnqueueFront(webhookID string, name Name, payload []byte) error {
	return q.insert(webhookID, name, payload, false)
}

func (q *Queue) insert(webhookID string, name Name, payload []byte, tail bool) error {
	tx, err := q.sql.Begin()
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", webhookID, name, err)
	}
	defer tx.Rollback()

	var edge sql.NullInt64
	col := "MAX(position)"
	if !tail {
		col = "MIN(position)"
	}
	if err := tx.QueryRow(
		fmt.Sprintf("SELECT %s FROM queue_item WHERE webhook_id = ? AND name = ?", col),
		webhookID, string(name),
	).Scan(&edge); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", webhookID, name, err)
	}

	position := int64(0)
	if edge.Valid {
		if tail {
			position = edge.Int64 + 1
		} else {
			position = edge.Int64 - 1
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO queue_item (webhook_id, name, position, payload, enqueued_at) VALUES (?, ?, ?, ?, ?)",
		webhookID, string(name), position, payload, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", webhookID, name, err)
	}
	return tx.Commit()
}

// Dequeue atomically pops the head of the named queue, returning ok=false
// if it's empty.
func (q *Queue) Dequeue(webhookID string, name Name) ([]byte, bool, error) {
	tx, err := q.sql.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("dequeue %s/%s: %w", webhookID, name, err)
	}
	defer tx.Rollback()

	var id int64
	var payload []byte
	err = tx.QueryRow(
		"SELECT id, payload FROM queue_item WHERE webhook_id = ? AND name = ? ORDER BY position ASC LIMIT 1",
		webhookID, string(name),
	).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dequeue %s/%s: %w", webhookID, name, err)
	}
	if _, err := tx.Exec("DELETE FROM queue_item WHERE id = ?", id); err != nil {
		return nil, false, fmt.Errorf("dequeue %s/%s: %w", webhookID, name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("dequeue %s/%s: %w", webhookID, name, err)
	}
	return payload, true, nil
}

// Size returns the number of items currently queued.
func (q *Queue) Size(webhookID string, name Name) (int, error) {
	var n int
	err := q.sql.QueryRow(
		"SELECT COUNT(*) FROM queue_item WHERE webhook_id = ? AND name = ?", webhookID, string(name),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("size %s/%s: %w", webhookID, name, err)
	}
	return n, nil
}

// Clear empties the named queue, returning the number of items removed.
func (q *Queue) Clear(webhookID string, name Name) (int, error) {
	result, err := q.sql.Exec("DELETE FROM queue_item WHERE webhook_id = ? AND name = ?", webhookID, string(name))
	if err != nil {
		return 0, fmt.Errorf("clear %s/%s: %w", webhookID, name, err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ResetFailedMessages atomically moves every item from the error queue to
// the tail of main, giving transient failures one more try at the start of
// each ingest run.
func (q *Queue) ResetFailedMessages(webhookID string) (int, error) {
	tx, err := q.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("reset failed messages %s: %w", webhookID, err)
	}
	defer tx.Rollback()

	var tailEdge sql.NullInt64
	if err := tx.QueryRow(
		"SELECT MAX(position) FROM queue_item WHERE webhook_id = ? AND name = ?", webhookID, string(Main),
	).Scan(&tailEdge); err != nil {
		return 0, fmt.Errorf("reset failed messages %s: %w", webhookID, err)
	}
	next := int64(0)
	if tailEdge.Valid {
		next = tailEdge.Int64 + 1
	}

	rows, err := tx.Query(
		"SELECT id FROM queue_item WHERE webhook_id = ? AND name = ? ORDER BY position ASC",
		webhookID, string(Error),
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed messages %s: %w", webhookID, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("reset failed messages %s: %w", webhookID, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(
			"UPDATE queue_item SET name = ?, position = ? WHERE id = ?", string(Main), next, id,
		); err != nil {
			return 0, fmt.Errorf("reset failed messages %s: %w", webhookID, err)
		}
		next++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reset failed messages %s: %w", webhookID, err)
	}
	return len(ids), nil
}

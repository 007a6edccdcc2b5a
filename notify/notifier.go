// Package notify is the outbound notification sink. Deliveries are
// fire-and-forget: a failed insert is logged and swallowed so it can never
// abort the lifecycle transaction that triggered it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier is the sink interface consumed by the lifecycle services.
type Notifier interface {
	Notify(ctx context.Context, recipientID, title, body, link string)
}

// Notification mirrors the notifications table.
type Notification struct {
	ID          string
	RecipientID string
	Title       string
	Body        string
	Link        string
	IsRead      bool
	CreatedAt   time.Time
}

// ErrNotFound signals the notification does not exist or belongs to someone else.
var ErrNotFound = errors.New("notify: not found")

// PGNotifier stores notifications in PostgreSQL.
type PGNotifier struct {
	pool *pgxpool.Pool
}

func NewPGNotifier(pool *pgxpool.Pool) *PGNotifier {
	return &PGNotifier{pool: pool}
}

// Notify records a notification row for the recipient. Failures are logged
// and dropped; the caller's transaction must already be committed.
func (n *PGNotifier) Notify(ctx context.Context, recipientID, title, body, link string) {
	if recipientID == "" {
		return
	}
	const insertSQL = `
		INSERT INTO notifications (recipient_id, title, body, link)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := n.pool.Exec(ctx, insertSQL, recipientID, title, body, link); err != nil {
		log.Printf("notify: drop notification for %s: %v", recipientID, err)
	}
}

// ListForRecipient returns the recipient's notifications, newest first.
func (n *PGNotifier) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const query = `
		SELECT id, recipient_id, title, body, link, is_read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := n.pool.Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		var rec Notification
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &rec.Title, &rec.Body, &rec.Link, &rec.IsRead, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate: %w", err)
	}
	return out, nil
}

// MarkRead flags a notification as read for its recipient.
func (n *PGNotifier) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	const update = `
		UPDATE notifications
		SET is_read = TRUE
		WHERE id = $1 AND recipient_id = $2
		RETURNING id
	`
	var id string
	if err := n.pool.QueryRow(ctx, update, notificationID, recipientID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("notify: mark read: %w", err)
	}
	return nil
}

// Discard is a Notifier that drops everything. Used in tests and as a
// default when wiring without a sink.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, string, string) {}

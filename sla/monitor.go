// Package sla watches the agreement countdown: once a client selects an
// offer, the worker has a fixed window to get an agreement accepted. The
// monitor flags requests that blow the window and notifies the worker and
// every administrator.
package sla

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"taskmarket/auth"
	"taskmarket/notify"
)

// Config carries the monitor tunables.
type Config struct {
	// SweepInterval is how often the monitor scans for overdue requests.
	SweepInterval time.Duration
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{SweepInterval: time.Minute}
}

// Overdue describes one request flagged by a sweep.
type Overdue struct {
	RequestID string
	Title     string
	ClientID  string
	WorkerID  string
	DueAt     time.Time
}

// Monitor flags requests whose agreement window expired. Each flag is set in
// its own short transaction so a crashed sweep leaves at most one request
// unflagged, and SKIP LOCKED keeps concurrent sweepers from double-flagging.
type Monitor struct {
	pool     *pgxpool.Pool
	users    auth.Repository
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
}

func NewMonitor(pool *pgxpool.Pool, users auth.Repository, notifier notify.Notifier, cfg Config) *Monitor {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Monitor{
		pool:     pool,
		users:    users,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := m.Sweep(ctx)
			if err != nil {
				log.Printf("sla: sweep failed: %v", err)
				continue
			}
			if len(flagged) > 0 {
				log.Printf("sla: flagged %d overdue request(s)", len(flagged))
			}
		}
	}
}

// Sweep flags every offer_selected request whose agreement window has
// expired and returns what it flagged. The flag is set at most once per
// request; notifications go out after the row transactions commit.
func (m *Monitor) Sweep(ctx context.Context) ([]Overdue, error) {
	now := m.now()

	rows, err := m.pool.Query(ctx, `
		SELECT id FROM requests
		WHERE status = 'offer_selected'
		  AND sla_agreement_overdue = FALSE
		  AND agreement_due_at IS NOT NULL
		  AND agreement_due_at <= $1
		ORDER BY agreement_due_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("sla: find candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sla: scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sla: iterate candidates: %w", err)
	}

	flagged := []Overdue{}
	for _, id := range candidates {
		item, ok, err := m.flagOne(ctx, id, now)
		if err != nil {
			return flagged, err
		}
		if ok {
			flagged = append(flagged, item)
		}
	}

	if len(flagged) > 0 {
		m.fanOut(ctx, flagged)
	}
	return flagged, nil
}

// flagOne re-checks the candidate under its row lock and sets the overdue
// flag. A candidate that moved on, got re-flagged, or is locked by another
// sweeper is skipped.
func (m *Monitor) flagOne(ctx context.Context, requestID string, now time.Time) (Overdue, bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Overdue{}, false, fmt.Errorf("sla: begin flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var item Overdue
	err = tx.QueryRow(ctx, `
		SELECT id, title, client_id, assigned_worker_id, agreement_due_at
		FROM requests
		WHERE id = $1
		  AND status = 'offer_selected'
		  AND sla_agreement_overdue = FALSE
		  AND agreement_due_at IS NOT NULL
		  AND agreement_due_at <= $2
		FOR UPDATE SKIP LOCKED
	`, requestID, now).Scan(&item.RequestID, &item.Title, &item.ClientID, &item.WorkerID, &item.DueAt)
	if err != nil {
		// Raced with a lifecycle transition or a concurrent sweeper.
		return Overdue{}, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET sla_agreement_overdue = TRUE, updated_at = now()
		WHERE id = $1
	`, requestID); err != nil {
		return Overdue{}, false, fmt.Errorf("sla: set overdue flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Overdue{}, false, fmt.Errorf("sla: commit flag tx: %w", err)
	}
	return item, true, nil
}

// fanOut notifies the responsible worker for each overdue request and every
// administrator once per sweep. Notification failures are already swallowed
// by the sink; the errgroup only bounds the fan-out.
func (m *Monitor) fanOut(ctx context.Context, flagged []Overdue) {
	admins, err := m.users.ListByRole(ctx, auth.RoleAdmin)
	if err != nil {
		log.Printf("sla: list admins: %v", err)
		admins = nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, item := range flagged {
		item := item
		g.Go(func() error {
			m.notifier.Notify(ctx, item.WorkerID, "Agreement overdue",
				fmt.Sprintf("The agreement for %q was due %s.", item.Title, item.DueAt.Format("2006-01-02")),
				"/requests/"+item.RequestID)
			return nil
		})
		for _, admin := range admins {
			adminID := admin.ID
			g.Go(func() error {
				m.notifier.Notify(ctx, adminID, "Agreement overdue",
					fmt.Sprintf("Request %q missed its agreement deadline.", item.Title),
					"/requests/"+item.RequestID)
				return nil
			})
		}
	}
	_ = g.Wait()
}

package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"taskmarket/agreement"
	"taskmarket/auth"
	"taskmarket/dispute"
	"taskmarket/finance"
	"taskmarket/notify"
	"taskmarket/offer"
	"taskmarket/request"
	"taskmarket/sla"
	"taskmarket/test/actors"
	"taskmarket/test/chaos"
	"taskmarket/test/infra"
	"taskmarket/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestMarketConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)
	svcs := buildServices(pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// bidders and selectors battling over the shared request
	for i := 0; i < *flConcurrency; i++ {
		worker := seedData.workers[i%len(seedData.workers)]
		g.Go(func() error {
			return actors.Bidder(ctx2, svcs, seedData.sharedRequest, worker, stop)
		})
		g.Go(func() error {
			return actors.Selector(ctx2, pool, svcs, seedData.sharedRequest, seedData.client, stop)
		})
	}

	// resetter keeps the bid/select cycle going on the shared request
	g.Go(func() error {
		return actors.Resetter(ctx2, svcs, seedData.sharedRequest, seedData.admin, stop)
	})
	// full lifecycle on private requests: bid, agree, deliver, pay, complete
	g.Go(func() error {
		return actors.LifecycleDriver(ctx2, pool, svcs, seedData.client, seedData.workers[0], seedData.finance, stop)
	})
	// disputer freezes and unfreezes the shared request
	g.Go(func() error {
		return actors.Disputer(ctx2, svcs, seedData.sharedRequest, seedData.client, seedData.admin, stop)
	})
	// sla monitor sweeping concurrently with selections and resets
	g.Go(func() error { return actors.Sweeper(ctx2, svcs, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, time.Second, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func buildServices(pool *pgxpool.Pool) actors.Services {
	notifier := notify.NewPGNotifier(pool)
	users := auth.NewRepository(pool)
	return actors.Services{
		Requests:   request.NewService(pool, nil, notifier),
		Offers:     offer.NewService(pool, nil, nil, notifier, offer.Config{AgreementDueDays: 3}),
		Agreements: agreement.NewService(pool, nil, nil, notifier, agreement.Config{InvoiceDueDays: 3}),
		Finance:    finance.NewService(pool, nil, notifier, finance.Config{InvoiceDueDays: 3}),
		Disputes:   dispute.NewService(pool, nil, nil, notifier),
		Monitor:    sla.NewMonitor(pool, users, notifier, sla.Config{SweepInterval: 100 * time.Millisecond}),
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	client        string
	workers       []string
	admin         string
	finance       string
	sharedRequest string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	newUser := func(role, label string) string {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO users (email, full_name, role)
			VALUES ($1, $2, $3) RETURNING id
		`, fmt.Sprintf("%s-%d@example.com", label, rand.Int63()), "Stress "+label, role).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s: %v", label, err)
		}
		return id
	}

	s.client = newUser("client", "client")
	for i := 0; i < 3; i++ {
		s.workers = append(s.workers, newUser("worker", fmt.Sprintf("worker%d", i)))
	}
	s.admin = newUser("admin", "admin")
	s.finance = newUser("finance", "finance")

	if err := pool.QueryRow(ctx, `
		INSERT INTO requests (client_id, title, details, estimated_duration_days, estimated_price_cents)
		VALUES ($1, 'shared stress request', 'contested by every actor', 7, 50000)
		RETURNING id
	`, s.client).Scan(&s.sharedRequest); err != nil {
		t.Fatalf("seed shared request: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"requests", `SELECT id, status, assigned_worker_id, sla_agreement_overdue, updated_at FROM requests ORDER BY updated_at DESC LIMIT 50`},
		{"offers", `SELECT id, request_id, worker_id, status, updated_at FROM offers ORDER BY updated_at DESC LIMIT 50`},
		{"agreements", `SELECT id, request_id, status, total_cents, updated_at FROM agreements ORDER BY updated_at DESC LIMIT 50`},
		{"invoices", `SELECT id, agreement_id, milestone_id, status, amount_cents, paid_at FROM invoices ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT id, request_id, status, prior_status, opened_at FROM disputes ORDER BY opened_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}

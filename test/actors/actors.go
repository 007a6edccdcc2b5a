// Package actors holds the concurrent workloads of the stress harness. Every
// actor drives the real services so contention hits the same transactions
// production runs, and treats typed operation failures as expected noise.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/agreement"
	"taskmarket/auth"
	"taskmarket/dispute"
	"taskmarket/fault"
	"taskmarket/finance"
	"taskmarket/offer"
	"taskmarket/request"
	"taskmarket/sla"
)

// Services bundles the wired lifecycle services for the actors.
type Services struct {
	Requests   *request.Service
	Offers     *offer.Service
	Agreements *agreement.Service
	Finance    *finance.Service
	Disputes   *dispute.Service
	Monitor    *sla.Monitor
}

// tolerable reports whether err is expected noise: typed operation failures
// lose races by design, and backends killed by the chaos injector surface as
// shutdown or transport errors. Anything else, a constraint violation above
// all, must fail the run.
func tolerable(err error) bool {
	if err == nil || fault.KindOf(err) != "" {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57xxx admin shutdown, 08xxx connection exception.
		return strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")
	}
	// Non-database errors here are dropped connections mid-call.
	return true
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Bidder keeps submitting offers on the shared request. Most attempts lose
// to the single-pending-offer rule or to the request having moved on.
func Bidder(ctx context.Context, svcs Services, requestID, workerID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := svcs.Offers.Submit(ctx, offer.SubmitParams{
			RequestID:            requestID,
			WorkerID:             workerID,
			ActorRole:            auth.RoleWorker,
			Note:                 "stress bid",
			ProposedDurationDays: 1 + rand.Intn(10),
			ProposedPriceCents:   int64(1000 + rand.Intn(9000)),
		})
		if !tolerable(err) {
			return err
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
	return nil
}

// Selector races to select a pending offer on the shared request. At most
// one selection per cycle can win.
func Selector(ctx context.Context, pool *pgxpool.Pool, svcs Services, requestID, clientID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var offerID string
		err := pool.QueryRow(ctx, `
			SELECT id FROM offers WHERE request_id = $1 AND status = 'pending'
			ORDER BY random() LIMIT 1
		`, requestID).Scan(&offerID)
		if err == nil {
			_, err = svcs.Offers.Select(ctx, offer.SelectParams{
				OfferID:   offerID,
				ActorID:   clientID,
				ActorRole: auth.RoleClient,
			})
			if !tolerable(err) {
				return err
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
	return nil
}

// Resetter periodically returns the shared request to the bidding stage so
// the bid/select cycle keeps running for the whole stress window.
func Resetter(ctx context.Context, svcs Services, requestID, adminID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
		_, err := svcs.Requests.ResetToNew(ctx, requestID, adminID, auth.RoleAdmin)
		if !tolerable(err) {
			return err
		}
	}
	return nil
}

// Disputer opens a dispute on the shared request and resolves it shortly
// after, exercising freeze and unfreeze under contention.
func Disputer(ctx context.Context, svcs Services, requestID, clientID, adminID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		d, err := svcs.Disputes.Open(ctx, dispute.OpenParams{
			RequestID: requestID,
			ActorID:   clientID,
			ActorRole: auth.RoleClient,
			Title:     "stress dispute",
			Reason:    "raised by the stress harness",
		})
		if !tolerable(err) {
			return err
		}
		if err == nil {
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
			_, err = svcs.Disputes.UpdateStatus(ctx, dispute.UpdateParams{
				DisputeID: d.ID,
				ActorID:   adminID,
				ActorRole: auth.RoleAdmin,
				Action:    dispute.ActionResolve,
				Note:      "resolved by the stress harness",
			})
			if !tolerable(err) {
				return err
			}
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
	return nil
}

// Sweeper runs the SLA monitor on a tight loop.
func Sweeper(ctx context.Context, svcs Services, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := svcs.Monitor.Sweep(ctx); !tolerable(err) {
			return err
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
	return nil
}

// LifecycleDriver runs the whole happy path end to end on its own requests:
// bid, select, agree, deliver, approve, pay, complete. Each pass uses a
// fresh request so completed chains accumulate for the oracles to audit.
func LifecycleDriver(ctx context.Context, pool *pgxpool.Pool, svcs Services, clientID, workerID, financeID string, stop <-chan struct{}) error {
	for i := 0; !stopped(ctx, stop); i++ {
		if err := driveOnce(ctx, pool, svcs, clientID, workerID, financeID, i); err != nil {
			if !tolerable(err) {
				return err
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
	return nil
}

func driveOnce(ctx context.Context, pool *pgxpool.Pool, svcs Services, clientID, workerID, financeID string, iteration int) error {
	req, err := svcs.Requests.Create(ctx, request.CreateParams{
		ClientID:            clientID,
		Title:               fmt.Sprintf("driver request %d", iteration),
		EstimatedPriceCents: 10000,
	})
	if err != nil {
		return err
	}

	off, err := svcs.Offers.Submit(ctx, offer.SubmitParams{
		RequestID:            req.ID,
		WorkerID:             workerID,
		ActorRole:            auth.RoleWorker,
		ProposedDurationDays: 5,
		ProposedPriceCents:   10000,
	})
	if err != nil {
		return err
	}
	if _, err := svcs.Offers.Select(ctx, offer.SelectParams{
		OfferID: off.ID, ActorID: clientID, ActorRole: auth.RoleClient,
	}); err != nil {
		return err
	}

	ag, err := svcs.Agreements.Open(ctx, req.ID, workerID, auth.RoleWorker)
	if err != nil {
		return err
	}
	if _, err := svcs.Agreements.Edit(ctx, agreement.EditParams{
		AgreementID: ag.ID,
		ActorID:     workerID,
		ActorRole:   auth.RoleWorker,
		Title:       ag.Title,
		Milestones: []agreement.MilestoneInput{
			{Title: "first half", AmountCents: 6000},
			{Title: "second half", AmountCents: 4000},
		},
		Send: true,
	}); err != nil {
		return err
	}
	if _, err := svcs.Agreements.Accept(ctx, ag.ID, clientID, auth.RoleClient); err != nil {
		return err
	}

	milestones, err := svcs.Agreements.Milestones(ctx, ag.ID)
	if err != nil {
		return err
	}
	for _, m := range milestones {
		if _, err := svcs.Agreements.Deliver(ctx, agreement.DeliverParams{
			MilestoneID: m.ID, ActorID: workerID, ActorRole: auth.RoleWorker, Note: "done",
		}); err != nil {
			return err
		}
		if _, err := svcs.Agreements.ApproveMilestone(ctx, m.ID, clientID, auth.RoleClient); err != nil {
			return err
		}
	}

	invoices, err := svcs.Finance.ListForAgreement(ctx, ag.ID)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		if _, err := svcs.Finance.MarkPaid(ctx, finance.MarkPaidParams{
			InvoiceID: inv.ID, ActorID: financeID, ActorRole: auth.RoleFinance,
			Method: "transfer", RefCode: fmt.Sprintf("drv-%d", iteration),
		}); err != nil {
			return err
		}
	}

	// The chain should now be completed; leave verification to the oracles.
	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM requests WHERE id = $1`, req.ID).Scan(&status); err != nil {
		return err
	}
	return nil
}

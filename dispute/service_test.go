package dispute

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/request"
)

type fakeRepo struct {
	byID map[string]Dispute
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]Dispute{}}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, d Dispute) (Dispute, error) {
	for _, existing := range f.byID {
		if existing.RequestID == d.RequestID && existing.Status.Active() {
			return Dispute{}, ErrDuplicate
		}
	}
	f.byID[d.ID] = d
	return d, nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (Dispute, error) {
	d, ok := f.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Dispute, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) ListByRequest(_ context.Context, requestID string) ([]Dispute, error) {
	out := []Dispute{}
	for _, d := range f.byID {
		if d.RequestID == requestID {
			out = append(out, d)
		}
	}
	return out, nil
}

func TestStatusActive(t *testing.T) {
	if !StatusOpen.Active() || !StatusInReview.Active() {
		t.Fatal("open and in_review freeze the request")
	}
	if StatusResolved.Active() || StatusCanceled.Active() {
		t.Fatal("resolved and canceled do not freeze the request")
	}
}

func TestOpen_Validation(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil, nil)

	_, err := svc.Open(context.Background(), OpenParams{
		RequestID: "r1", ActorID: "c1", ActorRole: auth.RoleClient,
		Title: "", Reason: "work was never delivered",
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for blank title, got %v", err)
	}

	_, err = svc.Open(context.Background(), OpenParams{
		RequestID: "r1", ActorID: "c1", ActorRole: auth.RoleClient,
		Title: "Late delivery", Reason: "bad",
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for short reason, got %v", err)
	}
}

func TestOpenerRoleFor(t *testing.T) {
	worker := "w1"
	req := request.Request{ID: "r1", ClientID: "c1", AssignedWorkerID: &worker}

	role, err := openerRoleFor(req, "c1", auth.RoleClient)
	if err != nil || role != OpenerClient {
		t.Fatalf("expected client opener, got %v %v", role, err)
	}
	role, err = openerRoleFor(req, "w1", auth.RoleWorker)
	if err != nil || role != OpenerWorker {
		t.Fatalf("expected worker opener, got %v %v", role, err)
	}
	role, err = openerRoleFor(req, "staff-1", auth.RoleAdmin)
	if err != nil || role != OpenerAdmin {
		t.Fatalf("expected admin opener, got %v %v", role, err)
	}
	if _, err = openerRoleFor(req, "stranger", auth.RoleWorker); !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("expected permission denied for stranger, got %v", err)
	}
}

func TestUpdateStatus_UnknownDispute(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil, nil)

	_, err := svc.UpdateStatus(context.Background(), UpdateParams{
		DisputeID: "missing", ActorID: "a1", ActorRole: auth.RoleAdmin, Action: ActionResolve,
	})
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

package agreement

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/request"
)

type fakeRepo struct {
	agreements map[string]Agreement
	milestones map[string]Milestone
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{agreements: map[string]Agreement{}, milestones: map[string]Milestone{}}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, a Agreement) (Agreement, error) {
	for _, existing := range f.agreements {
		if existing.RequestID == a.RequestID {
			return Agreement{}, ErrDuplicate
		}
	}
	f.agreements[a.ID] = a
	return a, nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (Agreement, error) {
	a, ok := f.agreements[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeRepo) GetByRequest(_ context.Context, requestID string) (Agreement, error) {
	for _, a := range f.agreements {
		if a.RequestID == requestID {
			return a, nil
		}
	}
	return Agreement{}, ErrNotFound
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Agreement, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) GetMilestone(_ context.Context, id string) (Milestone, error) {
	m, ok := f.milestones[id]
	if !ok {
		return Milestone{}, ErrNotFound
	}
	return m, nil
}

func (f *fakeRepo) GetMilestoneForUpdate(ctx context.Context, _ pgx.Tx, id string) (Milestone, error) {
	return f.GetMilestone(ctx, id)
}

func (f *fakeRepo) ListMilestones(_ context.Context, agreementID string) ([]Milestone, error) {
	out := []Milestone{}
	for _, m := range f.milestones {
		if m.AgreementID == agreementID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeRequestRepo struct {
	byID map[string]request.Request
}

func (f *fakeRequestRepo) Create(_ context.Context, _ pgx.Tx, req request.Request) (request.Request, error) {
	f.byID[req.ID] = req
	return req, nil
}

func (f *fakeRequestRepo) Get(_ context.Context, id string) (request.Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return request.Request{}, request.ErrNotFound
	}
	return req, nil
}

func (f *fakeRequestRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (request.Request, error) {
	return f.Get(ctx, id)
}

func (f *fakeRequestRepo) List(_ context.Context, _ request.Filters) ([]request.Request, int, error) {
	return nil, 0, nil
}

func newService(repo *fakeRepo) *Service {
	return NewService(nil, repo, &fakeRequestRepo{byID: map[string]request.Request{}}, nil, Config{})
}

func TestStatusEditable(t *testing.T) {
	editable := []Status{StatusDraft, StatusRejected}
	for _, s := range editable {
		if !s.Editable() {
			t.Errorf("%s should be editable", s)
		}
	}
	locked := []Status{StatusPending, StatusAccepted, StatusCompleted}
	for _, s := range locked {
		if s.Editable() {
			t.Errorf("%s should not be editable", s)
		}
	}
}

func TestEdit_Validation(t *testing.T) {
	svc := newService(newFakeRepo())

	_, err := svc.Edit(context.Background(), EditParams{
		AgreementID: "a1", ActorID: "w1", ActorRole: auth.RoleWorker, Title: "  ",
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for blank title, got %v", err)
	}

	_, err = svc.Edit(context.Background(), EditParams{
		AgreementID: "a1", ActorID: "w1", ActorRole: auth.RoleWorker, Title: "Terms",
		Milestones: []MilestoneInput{{Title: "Phase 1", AmountCents: -500}},
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for negative amount, got %v", err)
	}

	_, err = svc.Edit(context.Background(), EditParams{
		AgreementID: "a1", ActorID: "w1", ActorRole: auth.RoleWorker, Title: "Terms",
		Milestones: []MilestoneInput{{AmountCents: 500}},
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for untitled milestone, got %v", err)
	}

	_, err = svc.Edit(context.Background(), EditParams{
		AgreementID: "a1", ActorID: "w1", ActorRole: auth.RoleWorker, Title: "Terms",
		Send: true,
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for sending without milestones, got %v", err)
	}
}

func TestEdit_UnknownAgreement(t *testing.T) {
	svc := newService(newFakeRepo())

	_, err := svc.Edit(context.Background(), EditParams{
		AgreementID: "missing", ActorID: "w1", ActorRole: auth.RoleWorker, Title: "Terms",
	})
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReject_ShortReason(t *testing.T) {
	svc := newService(newFakeRepo())

	_, err := svc.Reject(context.Background(), "a1", "c1", auth.RoleClient, "bad")
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for short reason, got %v", err)
	}
}

func TestRejectMilestone_ShortReason(t *testing.T) {
	svc := newService(newFakeRepo())

	_, err := svc.RejectMilestone(context.Background(), "m1", "c1", auth.RoleClient, "no")
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for short reason, got %v", err)
	}
}

func TestDeliver_UnknownMilestone(t *testing.T) {
	svc := newService(newFakeRepo())

	_, err := svc.Deliver(context.Background(), DeliverParams{
		MilestoneID: "missing", ActorID: "w1", ActorRole: auth.RoleWorker, Note: "done",
	})
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

package request

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"

	"taskmarket/auth"
	"taskmarket/fault"
)

type fakeRepo struct {
	byID map[string]Request
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]Request)}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, req Request) (Request, error) {
	f.byID[req.ID] = req
	return req, nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Request, error) {
	return f.Get(context.Background(), id)
}

func (f *fakeRepo) List(_ context.Context, _ Filters) ([]Request, int, error) {
	out := []Request{}
	for _, req := range f.byID {
		out = append(out, req)
	}
	return out, len(out), nil
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil)

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing client", CreateParams{Title: "Build a site"}},
		{"blank title", CreateParams{ClientID: "c1", Title: "   "}},
		{"negative duration", CreateParams{ClientID: "c1", Title: "X", EstimatedDurationDays: -1}},
		{"negative price", CreateParams{ClientID: "c1", Title: "X", EstimatedPriceCents: -100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.params)
			if !fault.IsKind(err, fault.KindValidationFailure) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestAddNote_TextTooShort(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil)

	_, err := svc.AddNote(context.Background(), AddNoteParams{
		RequestID: "r1",
		ActorID:   "c1",
		ActorRole: auth.RoleClient,
		Text:      " a ",
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for short note, got %v", err)
	}
}

func TestAddNote_StrangerDenied(t *testing.T) {
	repo := newFakeRepo()
	worker := "w1"
	repo.byID["r1"] = Request{ID: "r1", ClientID: "c1", AssignedWorkerID: &worker, Status: StatusInProgress}
	svc := NewService(nil, repo, nil)

	_, err := svc.AddNote(context.Background(), AddNoteParams{
		RequestID: "r1",
		ActorID:   "someone-else",
		ActorRole: auth.RoleWorker,
		Text:      "drive-by comment",
	})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAddNote_ClientCannotWriteInternal(t *testing.T) {
	repo := newFakeRepo()
	repo.byID["r1"] = Request{ID: "r1", ClientID: "c1", Status: StatusNew}
	svc := NewService(nil, repo, nil)

	_, err := svc.AddNote(context.Background(), AddNoteParams{
		RequestID:  "r1",
		ActorID:    "c1",
		ActorRole:  auth.RoleClient,
		Text:       "secret",
		IsInternal: true,
	})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAdminCancel_Guards(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil)

	_, err := svc.AdminCancel(context.Background(), CancelParams{
		RequestID: "r1", ActorID: "c1", ActorRole: auth.RoleClient, Reason: "changed my mind",
	})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("expected permission denied for non-admin, got %v", err)
	}

	_, err = svc.AdminCancel(context.Background(), CancelParams{
		RequestID: "r1", ActorID: "a1", ActorRole: auth.RoleAdmin, Reason: "no",
	})
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for short reason, got %v", err)
	}
}

func TestResetToNew_RequiresAdmin(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil)

	_, err := svc.ResetToNew(context.Background(), "r1", "f1", auth.RoleFinance)
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestReassign_Guards(t *testing.T) {
	svc := NewService(nil, newFakeRepo(), nil)

	_, err := svc.Reassign(context.Background(), "r1", "w1", auth.RoleWorker, "w2")
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("expected permission denied for non-admin, got %v", err)
	}

	_, err = svc.Reassign(context.Background(), "r1", "a1", auth.RoleAdmin, "")
	if !fault.IsKind(err, fault.KindValidationFailure) {
		t.Fatalf("expected validation failure for empty assignee, got %v", err)
	}
}

package request

import "testing"

func TestCanTransition_ForwardPath(t *testing.T) {
	steps := []struct {
		from, to Status
	}{
		{StatusNew, StatusOfferSelected},
		{StatusOfferSelected, StatusAgreementPending},
		{StatusAgreementPending, StatusInProgress},
		{StatusInProgress, StatusCompleted},
	}
	for _, step := range steps {
		if !CanTransition(step.from, step.to) {
			t.Errorf("expected %s -> %s to be legal", step.from, step.to)
		}
	}
}

func TestCanTransition_AgreementRejectionFallsBack(t *testing.T) {
	if !CanTransition(StatusAgreementPending, StatusOfferSelected) {
		t.Fatal("agreement rejection must return the request to offer_selected")
	}
}

func TestCanTransition_NoSkipping(t *testing.T) {
	illegal := []struct {
		from, to Status
	}{
		{StatusNew, StatusAgreementPending},
		{StatusNew, StatusInProgress},
		{StatusNew, StatusCompleted},
		{StatusOfferSelected, StatusInProgress},
		{StatusOfferSelected, StatusCompleted},
		{StatusAgreementPending, StatusCompleted},
		{StatusInProgress, StatusNew},
		{StatusCompleted, StatusInProgress},
	}
	for _, step := range illegal {
		if CanTransition(step.from, step.to) {
			t.Errorf("expected %s -> %s to be illegal", step.from, step.to)
		}
	}
}

func TestCanTransition_CancelFromAnyLiveState(t *testing.T) {
	for _, from := range []Status{StatusNew, StatusOfferSelected, StatusAgreementPending, StatusInProgress, StatusDisputed, StatusCompleted} {
		if !CanTransition(from, StatusCancelled) {
			t.Errorf("expected cancel from %s to be legal", from)
		}
	}
	if CanTransition(StatusCancelled, StatusCancelled) {
		t.Fatal("cancelling twice must be illegal")
	}
}

func TestCanTransition_DisputeFreeze(t *testing.T) {
	for _, from := range []Status{StatusNew, StatusOfferSelected, StatusAgreementPending, StatusInProgress} {
		if !CanTransition(from, StatusDisputed) {
			t.Errorf("expected freeze from %s to be legal", from)
		}
	}
	for _, from := range []Status{StatusCompleted, StatusCancelled, StatusDisputed} {
		if CanTransition(from, StatusDisputed) {
			t.Errorf("expected freeze from %s to be illegal", from)
		}
	}
	if !CanTransition(StatusDisputed, StatusNew) || !CanTransition(StatusDisputed, StatusInProgress) {
		t.Fatal("unfreeze must reach both new and in_progress")
	}
}

func TestIsTerminal(t *testing.T) {
	if !StatusCompleted.IsTerminal() || !StatusCancelled.IsTerminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	for _, s := range []Status{StatusNew, StatusOfferSelected, StatusAgreementPending, StatusInProgress, StatusDisputed} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

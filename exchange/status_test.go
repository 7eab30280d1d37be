package exchange

import "testing"

func TestStatus_Transitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPendingProvider, StatusPendingBroker},
		{StatusPendingProvider, StatusAccepted},
		{StatusPendingBroker, StatusAccepted},
		{StatusPendingBroker, StatusCancelled},
		{StatusAccepted, StatusInProgress},
		{StatusInProgress, StatusPendingConfirmation},
		{StatusPendingConfirmation, StatusCompleted},
		{StatusPendingConfirmation, StatusDisputed},
		{StatusDisputed, StatusCompleted},
		{StatusDisputed, StatusCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusPendingProvider, StatusInProgress},
		{StatusPendingBroker, StatusInProgress},
		{StatusAccepted, StatusCompleted},
		{StatusCompleted, StatusDisputed},
		{StatusCancelled, StatusPendingProvider},
		{StatusExpired, StatusAccepted},
		{StatusDisputed, StatusExpired},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range ActiveStatuses() {
		if s.Terminal() {
			t.Errorf("expected %s to be active", s)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	if Status("unknown").Valid() {
		t.Error("unknown status must not validate")
	}
	for _, s := range ActiveStatuses() {
		if !s.Valid() {
			t.Errorf("expected %s to validate", s)
		}
	}
}

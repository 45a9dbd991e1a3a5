package session

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusEnded, true},
		{StatusPending, StatusPaused, false},
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusFlagged, true},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusTerminated, true},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusTerminated, true},
		{StatusFlagged, StatusActive, true},
		{StatusFlagged, StatusEnded, true},
		{StatusEnded, StatusActive, false},
		{StatusEnded, StatusTerminated, false},
		{StatusTerminated, StatusActive, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStatusSameTransitionIdempotent(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusActive, StatusPaused, StatusFlagged, StatusEnded, StatusTerminated} {
		if !s.CanTransition(s) {
			t.Errorf("re-applying %s should be allowed for retry idempotency", s)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusEnded.Terminal() || !StatusTerminated.Terminal() {
		t.Error("ended and terminated are terminal")
	}
	if StatusFlagged.Terminal() {
		t.Error("flagged must not be terminal")
	}
	if !StatusFlagged.AcceptsViolations() {
		t.Error("flagged sessions keep accepting violations")
	}
	if StatusEnded.AcceptsViolations() {
		t.Error("ended sessions must not accept violations")
	}
}

package lifecycle_test

import (
	"testing"

	"skillora/ingest-service/internal/lifecycle"
)

// ── ParseState ─────────────────────────────────────────────────────────────

func TestParseState_ValidValues(t *testing.T) {
	valid := []string{"PENDING", "RUNNING", "RETRY", "SUCCESS", "FAILED", "CANCELLED"}
	for _, s := range valid {
		got, err := lifecycle.ParseState(s)
		if err != nil {
			t.Errorf("ParseState(%q) returned unexpected error: %v", s, err)
		}
		if string(got) != s {
			t.Errorf("ParseState(%q) = %q, want %q", s, got, s)
		}
	}
}

func TestParseState_Invalid(t *testing.T) {
	for _, s := range []string{"", "UNKNOWN", "pending", " RUNNING", "PROGRESS"} {
		if _, err := lifecycle.ParseState(s); err == nil {
			t.Errorf("ParseState(%q) expected error, got nil", s)
		}
	}
}

// ── IsTerminal / IsActive ──────────────────────────────────────────────────

func TestIsTerminal(t *testing.T) {
	want := map[lifecycle.State]bool{
		lifecycle.StatePending:   false,
		lifecycle.StateRunning:   false,
		lifecycle.StateRetry:     false,
		lifecycle.StateSuccess:   true,
		lifecycle.StateFailed:    true,
		lifecycle.StateCancelled: true,
	}
	for s, terminal := range want {
		if got := lifecycle.IsTerminal(s); got != terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, terminal)
		}
		if got := lifecycle.IsActive(s); got == terminal {
			t.Errorf("IsActive(%s) = %v, want %v", s, got, !terminal)
		}
	}
}

// ── IsTransitionAllowed: the documented edges ─────────────────────────────

func TestIsTransitionAllowed_Valid(t *testing.T) {
	cases := []struct {
		from lifecycle.State
		to   lifecycle.State
	}{
		{lifecycle.StatePending, lifecycle.StateRunning},
		{lifecycle.StateRunning, lifecycle.StateSuccess},
		{lifecycle.StateRunning, lifecycle.StateRetry},
		{lifecycle.StateRetry, lifecycle.StateRunning},
		{lifecycle.StateRunning, lifecycle.StateFailed},
		{lifecycle.StateRetry, lifecycle.StateFailed},
		{lifecycle.StatePending, lifecycle.StateCancelled},
		{lifecycle.StateRunning, lifecycle.StateCancelled},
		{lifecycle.StateRetry, lifecycle.StateCancelled},
	}
	for _, c := range cases {
		if !lifecycle.IsTransitionAllowed(c.from, c.to) {
			t.Errorf("IsTransitionAllowed(%s → %s) should be true", c.from, c.to)
		}
	}
}

// ── IsTransitionAllowed: forbidden shortcuts ──────────────────────────────

func TestIsTransitionAllowed_Forbidden(t *testing.T) {
	cases := []struct {
		from lifecycle.State
		to   lifecycle.State
	}{
		{lifecycle.StatePending, lifecycle.StateSuccess}, // skip RUNNING
		{lifecycle.StatePending, lifecycle.StateFailed},
		{lifecycle.StatePending, lifecycle.StateRetry},
		{lifecycle.StateRetry, lifecycle.StateSuccess},
		{lifecycle.StateRunning, lifecycle.StatePending}, // backwards
		{lifecycle.StateRetry, lifecycle.StatePending},
	}
	for _, c := range cases {
		if lifecycle.IsTransitionAllowed(c.from, c.to) {
			t.Errorf("IsTransitionAllowed(%s → %s) should be false", c.from, c.to)
		}
	}
}

// ── IsTransitionAllowed: terminal states have no outgoing transitions ─────

func TestIsTransitionAllowed_FromTerminal(t *testing.T) {
	terminals := []lifecycle.State{lifecycle.StateSuccess, lifecycle.StateFailed, lifecycle.StateCancelled}
	for _, from := range terminals {
		for _, to := range lifecycle.AllStates {
			if lifecycle.IsTransitionAllowed(from, to) {
				t.Errorf("IsTransitionAllowed(%s → %s) should be false (terminal state)", from, to)
			}
		}
	}
}

// ── IsTransitionAllowed: self-transitions are forbidden ───────────────────

func TestIsTransitionAllowed_Self(t *testing.T) {
	for _, s := range lifecycle.AllStates {
		if lifecycle.IsTransitionAllowed(s, s) {
			t.Errorf("IsTransitionAllowed(%s → %s) should be false (self)", s, s)
		}
	}
}

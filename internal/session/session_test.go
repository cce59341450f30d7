package session

import (
	"errors"
	"testing"
)

func TestLifecycleHappyPath(t *testing.T) {
	c := NewCoordinator(4)
	s, err := c.Create("dog-1", "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.State() != StateRequested {
		t.Fatalf("state=%q, want requested", s.State())
	}

	for _, to := range []State{StateOffered, StateAnswered, StateActive} {
		if err := c.Advance(s.ID, to); err != nil {
			t.Fatalf("Advance(%q): %v", to, err)
		}
		if s.State() != to {
			t.Fatalf("state=%q, want %q", s.State(), to)
		}
	}

	if !c.Close(s.ID) {
		t.Fatal("Close should report true for a live session")
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%q, want closed", s.State())
	}
	if c.Close(s.ID) {
		t.Fatal("second Close should be a no-op")
	}
	if c.Count() != 0 {
		t.Fatalf("count=%d, want 0", c.Count())
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	c := NewCoordinator(4)
	s, err := c.Create("dog-1", "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Cannot answer before an offer was forwarded.
	if err := c.Advance(s.ID, StateAnswered); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
	// Cannot skip to active.
	if err := c.Advance(s.ID, StateActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
	// Unknown session.
	if err := c.Advance("nope", StateOffered); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err=%v, want ErrUnknownSession", err)
	}
}

func TestRoutable(t *testing.T) {
	c := NewCoordinator(4)
	s, _ := c.Create("dog-1", "alice")
	if !s.Routable() {
		t.Fatal("requested session should route candidates")
	}
	c.Close(s.ID)
	if s.Routable() {
		t.Fatal("closed session should not route")
	}
}

func TestPerDeviceLimit(t *testing.T) {
	c := NewCoordinator(2)
	if _, err := c.Create("dog-1", "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := c.Create("dog-1", "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Create("dog-1", "alice"); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("err=%v, want ErrSessionLimit", err)
	}

	// Other devices are unaffected.
	if _, err := c.Create("dog-2", "alice"); err != nil {
		t.Fatalf("Create on other device: %v", err)
	}

	// Closing frees the slot.
	c.Close(second.ID)
	if _, err := c.Create("dog-1", "alice"); err != nil {
		t.Fatalf("Create after close: %v", err)
	}
}

func TestCloseForDevice(t *testing.T) {
	c := NewCoordinator(4)
	s1, _ := c.Create("dog-1", "alice")
	s2, _ := c.Create("dog-1", "alice")
	other, _ := c.Create("dog-2", "bob")

	closed := c.CloseForDevice("dog-1")
	if len(closed) != 2 {
		t.Fatalf("closed=%d, want 2", len(closed))
	}
	if s1.State() != StateClosed || s2.State() != StateClosed {
		t.Fatal("dog-1 sessions should be closed")
	}
	if other.State() == StateClosed {
		t.Fatal("dog-2 session should be untouched")
	}

	if again := c.CloseForDevice("dog-1"); len(again) != 0 {
		t.Fatalf("second CloseForDevice closed %d, want 0", len(again))
	}
}

func TestCloseForUser(t *testing.T) {
	c := NewCoordinator(4)
	s1, _ := c.Create("dog-1", "alice")
	s2, _ := c.Create("dog-2", "alice")
	other, _ := c.Create("dog-3", "bob")

	closed := c.CloseForUser("alice")
	if len(closed) != 2 {
		t.Fatalf("closed=%d, want 2", len(closed))
	}
	if s1.State() != StateClosed || s2.State() != StateClosed {
		t.Fatal("alice's sessions should be closed")
	}
	if other.State() == StateClosed {
		t.Fatal("bob's session should be untouched")
	}
	if c.Count() != 1 {
		t.Fatalf("count=%d, want 1", c.Count())
	}
}

func TestForUser(t *testing.T) {
	c := NewCoordinator(4)
	s1, _ := c.Create("dog-1", "alice")
	s2, _ := c.Create("dog-2", "alice")
	c.Create("dog-3", "bob")

	got := c.ForUser("alice")
	if len(got) != 2 {
		t.Fatalf("sessions=%d, want 2", len(got))
	}
	if got[0].ID != s1.ID || got[1].ID != s2.ID {
		t.Fatalf("order=%q,%q, want creation order", got[0].ID, got[1].ID)
	}
	if len(c.ForUser("carol")) != 0 {
		t.Fatal("carol should have no sessions")
	}
}

func TestSessionIDsUnique(t *testing.T) {
	c := NewCoordinator(0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := c.Create("dog-1", "alice")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
	}
}

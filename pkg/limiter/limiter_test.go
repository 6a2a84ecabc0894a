package limiter

import (
	"errors"
	"testing"
)

func TestReserveCommitCycle(t *testing.T) {
	l := New(map[string]int64{"nina": 100})
	defer l.Close()

	id, err := l.Reserve("nina", 60)
	if err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	// 60 held + 60 asked exceeds the 100 budget.
	if _, err := l.Reserve("nina", 60); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}

	// Committing at a lower actual cost frees headroom.
	if err := l.Commit(id, 45); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if got := l.Spent("nina"); got != 45 {
		t.Errorf("spent = %d, want 45", got)
	}
	if got := l.Remaining("nina"); got != 55 {
		t.Errorf("remaining = %d, want 55", got)
	}

	if _, err := l.Reserve("nina", 60); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded after spend, got %v", err)
	}
	if _, err := l.Reserve("nina", 55); err != nil {
		t.Errorf("reserve within remaining budget failed: %v", err)
	}
}

func TestRefundRestoresHeadroom(t *testing.T) {
	l := New(map[string]int64{"nina": 100})
	defer l.Close()

	id, err := l.Reserve("nina", 100)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := l.Reserve("nina", 1); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}

	if err := l.Refund(id); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if _, err := l.Reserve("nina", 100); err != nil {
		t.Errorf("reserve after refund failed: %v", err)
	}
	if got := l.Spent("nina"); got != 0 {
		t.Errorf("spent = %d, want 0 after refund", got)
	}
}

func TestUnbudgetedAgentTypeIsUnlimited(t *testing.T) {
	l := New(map[string]int64{"nina": 100, "oskar": 0})
	defer l.Close()

	// oskar's zero budget and milo's absent one both mean unlimited.
	for _, agentType := range []string{"oskar", "milo"} {
		if _, err := l.Reserve(agentType, 1_000_000); err != nil {
			t.Errorf("reserve for %s failed: %v", agentType, err)
		}
		if got := l.Remaining(agentType); got != -1 {
			t.Errorf("remaining for %s = %d, want -1", agentType, got)
		}
	}
}

func TestUnknownReservation(t *testing.T) {
	l := New(nil)
	defer l.Close()

	if err := l.Commit("nope", 10); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("expected ErrUnknownReservation from commit, got %v", err)
	}
	if err := l.Refund("nope"); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("expected ErrUnknownReservation from refund, got %v", err)
	}
}

func TestCommitIsSingleUse(t *testing.T) {
	l := New(map[string]int64{"nina": 100})
	defer l.Close()

	id, err := l.Reserve("nina", 30)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Commit(id, 30); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := l.Commit(id, 30); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("expected ErrUnknownReservation on double commit, got %v", err)
	}
}

func TestResetDailyClearsSpend(t *testing.T) {
	l := New(map[string]int64{"nina": 100})
	defer l.Close()

	id, err := l.Reserve("nina", 100)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Commit(id, 100); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := l.Reserve("nina", 1); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected exhausted budget, got %v", err)
	}

	l.ResetDaily()

	if got := l.Spent("nina"); got != 0 {
		t.Errorf("spent = %d, want 0 after reset", got)
	}
	if _, err := l.Reserve("nina", 100); err != nil {
		t.Errorf("reserve after reset failed: %v", err)
	}
}

func TestResetDailyKeepsPendingReservations(t *testing.T) {
	l := New(map[string]int64{"nina": 100})
	defer l.Close()

	id, err := l.Reserve("nina", 40)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	l.ResetDaily()

	// The in-flight hold still counts against the fresh day.
	if got := l.Remaining("nina"); got != 60 {
		t.Errorf("remaining = %d, want 60", got)
	}
	if err := l.Commit(id, 40); err != nil {
		t.Errorf("commit after reset failed: %v", err)
	}
}

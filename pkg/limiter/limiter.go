// Package limiter enforces optional per-agent-type daily spend budgets in
// cents. Dispatches reserve their expected cost up front; outcomes commit
// the actual cost or refund the hold.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpool/pkg/logx"
)

var (
	// ErrBudgetExceeded is returned when a reservation would push an agent
	// type past its daily budget.
	ErrBudgetExceeded = fmt.Errorf("daily budget exceeded")
	// ErrUnknownReservation is returned for a commit or refund of an ID
	// that is not pending.
	ErrUnknownReservation = fmt.Errorf("unknown reservation")
)

type reservation struct {
	agentType string
	cents     int64
}

// Limiter tracks daily spend and in-flight reservations per agent type.
// Agent types without a configured budget are unlimited.
type Limiter struct {
	mu           sync.Mutex
	budgets      map[string]int64 // daily cents per agent type
	spent        map[string]int64
	reserved     map[string]int64
	reservations map[string]reservation
	resetTimer   *time.Timer
	closed       bool
	logger       *logx.Logger
}

// New creates a limiter from the configured budgets (agent type to daily
// cents; zero or absent means unlimited) and arms the midnight reset.
func New(budgets map[string]int64) *Limiter {
	l := &Limiter{
		budgets:      make(map[string]int64, len(budgets)),
		spent:        make(map[string]int64),
		reserved:     make(map[string]int64),
		reservations: make(map[string]reservation),
		logger:       logx.NewLogger("limiter"),
	}
	for agentType, cents := range budgets {
		if cents > 0 {
			l.budgets[agentType] = cents
		}
	}
	l.scheduleDailyReset()
	return l
}

// Reserve holds cents against the agent type's remaining budget for one
// dispatch and returns the reservation ID for Commit or Refund. Unbudgeted
// agent types always succeed.
func (l *Limiter) Reserve(agentType string, cents int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, limited := l.budgets[agentType]
	if limited && l.spent[agentType]+l.reserved[agentType]+cents > limit {
		return "", fmt.Errorf("agent type %s: %w", agentType, ErrBudgetExceeded)
	}

	id := uuid.New().String()
	l.reservations[id] = reservation{agentType: agentType, cents: cents}
	l.reserved[agentType] += cents
	return id, nil
}

// Commit converts a reservation into spend at the actual cost, which may
// differ from the reserved estimate.
func (l *Limiter) Commit(id string, actualCents int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("commit %s: %w", id, ErrUnknownReservation)
	}
	delete(l.reservations, id)
	l.reserved[res.agentType] -= res.cents
	l.spent[res.agentType] += actualCents
	return nil
}

// Refund cancels a reservation without recording spend.
func (l *Limiter) Refund(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("refund %s: %w", id, ErrUnknownReservation)
	}
	delete(l.reservations, id)
	l.reserved[res.agentType] -= res.cents
	return nil
}

// Spent reports the cents committed today for the agent type.
func (l *Limiter) Spent(agentType string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[agentType]
}

// Remaining reports the unreserved budget left today, or -1 for an
// unlimited agent type.
func (l *Limiter) Remaining(agentType string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, limited := l.budgets[agentType]
	if !limited {
		return -1
	}
	remaining := limit - l.spent[agentType] - l.reserved[agentType]
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetDaily zeroes committed spend for every agent type. Pending
// reservations survive: they belong to dispatches still in flight.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for agentType := range l.spent {
		delete(l.spent, agentType)
	}
	l.logger.Info("daily budgets reset")
}

// Close stops the reset timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.resetTimer = time.AfterFunc(time.Until(nextMidnight), func() {
		l.ResetDaily()
		l.scheduleDailyReset()
	})
}

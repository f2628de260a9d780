package operator

import (
	"time"

	"posledger/backend/internal/domain"
)

// Kind is the lock state of one employment's PIN.
type Kind string

const (
	KindUnlocked Kind = "UNLOCKED"
	KindLocked   Kind = "LOCKED"
	KindRetry    Kind = "RETRY"
	KindBlocked  Kind = "BLOCKED"
)

type State struct {
	Kind              Kind      `json:"state"`
	Failures          int       `json:"failures"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	BlockedUntil      time.Time `json:"blocked_until,omitzero"`
}

// Policy drives LOCKED -> RETRY(n) -> BLOCKED -> LOCKED over a PinAttempts
// record. A correct PIN in LOCKED or RETRY unlocks and clears the counter.
type Policy struct {
	MaxAttempts int
	Cooldown    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Cooldown: 5 * time.Minute}
}

// Current reports the state without changing the record. An elapsed block
// reads as LOCKED.
func (p Policy) Current(a domain.PinAttempts, now time.Time) State {
	if !a.BlockedUntil.IsZero() {
		if now.Before(a.BlockedUntil) {
			return State{Kind: KindBlocked, Failures: a.Failures, BlockedUntil: a.BlockedUntil}
		}
		return State{Kind: KindLocked, AttemptsRemaining: p.MaxAttempts}
	}
	if a.Failures > 0 {
		return State{Kind: KindRetry, Failures: a.Failures, AttemptsRemaining: max(0, p.MaxAttempts-a.Failures)}
	}
	return State{Kind: KindLocked, AttemptsRemaining: p.MaxAttempts}
}

// expire clears a block whose cooldown has elapsed. It reports whether the
// record changed.
func (p Policy) expire(a *domain.PinAttempts, now time.Time) bool {
	if a.BlockedUntil.IsZero() || now.Before(a.BlockedUntil) {
		return false
	}
	*a = domain.PinAttempts{EmploymentID: a.EmploymentID}
	return true
}

func (p Policy) fail(a *domain.PinAttempts, now time.Time) State {
	a.Failures++
	a.LastFailureAt = now
	if a.Failures >= p.MaxAttempts {
		a.BlockedUntil = now.Add(p.Cooldown)
	}
	return p.Current(*a, now)
}

func (p Policy) succeed(a *domain.PinAttempts) {
	*a = domain.PinAttempts{EmploymentID: a.EmploymentID}
}

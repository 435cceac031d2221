package auth

import "time"

// LockoutPolicy trips a time-boxed lockout after Threshold consecutive
// failed password checks.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func NewLockoutPolicy(cfg Config) LockoutPolicy {
	cfg = cfg.WithDefaults()
	return LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration}
}

// LockedUntil returns the active lockout deadline, if any.
func (p LockoutPolicy) LockedUntil(lockedUntil *time.Time, now time.Time) (time.Time, bool) {
	if lockedUntil == nil || !now.Before(*lockedUntil) {
		return time.Time{}, false
	}
	return *lockedUntil, true
}

// OnFailedAttempt computes the counter and lockout state after one more
// failure. The counter goes back to zero whenever a lockout is tripped;
// otherwise locked_until is carried over unchanged.
func (p LockoutPolicy) OnFailedAttempt(failedAttempts int, lockedUntil *time.Time, now time.Time) LoginAttemptResult {
	if failedAttempts >= p.Threshold-1 {
		until := now.UTC().Add(p.Duration)
		return LoginAttemptResult{FailedAttempts: 0, LockedUntil: &until}
	}

	return LoginAttemptResult{FailedAttempts: failedAttempts + 1, LockedUntil: lockedUntil}
}

// Tripped reports whether the result is a fresh lockout that is active at now.
func (r LoginAttemptResult) Tripped(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

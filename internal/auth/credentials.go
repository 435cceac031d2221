package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks a submitted password against an account and
// drives the lockout policy on mismatch.
type CredentialVerifier struct {
	store  AccountStore
	policy LockoutPolicy
	now    func() time.Time
}

func NewCredentialVerifier(store AccountStore, cfg Config) *CredentialVerifier {
	return &CredentialVerifier{
		store:  store,
		policy: NewLockoutPolicy(cfg),
		now:    cfg.clock(),
	}
}

// Verify returns nil when the password matches. The lockout window is
// checked before the password is evaluated, and neither a lockout refusal
// nor a password-less account touches the failure counter.
func (v *CredentialVerifier) Verify(ctx context.Context, account Account, password string) error {
	now := v.now().UTC()
	if until, locked := v.policy.LockedUntil(account.LockedUntil, now); locked {
		return ErrAccountLocked{Until: until}
	}

	if account.PasswordHash == "" {
		return ErrNoPasswordSet
	}

	err := comparePassword(account.PasswordHash, password)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrInvalidCredentials) {
		return err
	}

	result, err := v.store.RegisterFailedLogin(ctx, account.ID, v.policy, now)
	if err != nil {
		return fmt.Errorf("%w: register failed login: %v", ErrUnavailable, err)
	}
	if result.Tripped(now) {
		return ErrAccountLocked{Until: *result.LockedUntil}
	}

	return ErrInvalidCredentials
}

func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func comparePassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	return fmt.Errorf("compare password hash: %w", err)
}

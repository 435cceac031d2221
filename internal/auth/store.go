package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AccountStore is the slice of the relational data store the auth core reads
// and writes. Lookups of a missing account return ErrAccountNotFound.
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetByID(ctx context.Context, id int64) (Account, error)
	Create(ctx context.Context, account NewAccount) (Account, error)
	UpsertProviderAccount(ctx context.Context, profile ProviderProfile, roleID int64) (Account, error)

	// RegisterFailedLogin applies the lockout policy to the stored counter
	// and persists the result.
	RegisterFailedLogin(ctx context.Context, accountID int64, policy LockoutPolicy, now time.Time) (LoginAttemptResult, error)
	RecordLogin(ctx context.Context, accountID int64, refreshTokenHash string, now time.Time) error
	SetRefreshToken(ctx context.Context, accountID int64, refreshTokenHash string) error
	ClearRefreshToken(ctx context.Context, accountID int64) error
	// SwapRefreshToken replaces the stored refresh token only if it still
	// equals oldHash; otherwise it returns ErrRefreshTokenInvalid.
	SwapRefreshToken(ctx context.Context, accountID int64, oldHash, newHash string) error

	SetEmailVerification(ctx context.Context, accountID int64, token string, expiry time.Time) error
	ConsumeEmailVerification(ctx context.Context, token string, now time.Time) error
	SetPasswordReset(ctx context.Context, accountID int64, token string, expiry time.Time) error
	ConsumePasswordReset(ctx context.Context, token, passwordHash string, now time.Time) error
	UpdatePassword(ctx context.Context, accountID int64, passwordHash string) error
	Unlock(ctx context.Context, email string) error
}

type RoleStore interface {
	CreateRole(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
}

// HashRefreshToken is the form in which refresh tokens are stored.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

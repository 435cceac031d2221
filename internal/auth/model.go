package auth

import (
	"errors"
	"time"
)

type Account struct {
	ID                  int64
	Name                string
	Email               string
	PasswordHash        string
	IsEmailVerified     bool
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	RoleID              int64
	RoleName            string
	RefreshTokenHash    string
	Provider            string
	ProviderID          string
	AvatarURL           string
	AvatarPublicID      string
	LastLoginAt         *time.Time
	CreatedAt           time.Time
}

type NewAccount struct {
	Name                    string
	Email                   string
	PasswordHash            string
	RoleID                  int64
	EmailVerificationToken  string
	EmailVerificationExpiry time.Time
	EmailVerified           bool
	AvatarURL               string
	AvatarPublicID          string
}

type ProviderProfile struct {
	Provider   string
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

type Role struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Tokens struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
}

// AccountDetails is the public view of an account.
type AccountDetails struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role"`
}

// LoginAttemptResult is the state written back by a failed password check.
type LoginAttemptResult struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrNoPasswordSet       = errors.New("account has no password, use provider login")
	ErrEmailNotVerified    = errors.New("email is not verified")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTokenMissing        = errors.New("token missing")
	ErrTokenMalformed      = errors.New("token malformed")
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenInvalid = errors.New("invalid refresh token")
	ErrInsufficientRole    = errors.New("insufficient role")
	ErrInvalidOneTimeToken = errors.New("invalid or expired token")
	ErrRoleExists          = errors.New("role already exists")
	ErrProviderDisabled    = errors.New("identity provider is not configured")
	ErrProviderRejected    = errors.New("identity provider rejected the login")
	ErrUnavailable         = errors.New("auth backend unavailable")
	ErrPasswordTooLong     = errors.New("password is longer than 72 bytes")
)

type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

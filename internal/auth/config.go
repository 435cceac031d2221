package auth

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTTL        = 15 * time.Minute
	defaultRefreshTTL       = 7 * 24 * time.Hour
	defaultLockoutThreshold = 3
	defaultLockoutDuration  = 24 * time.Hour
	defaultAdminRoleID      = 1
	defaultUserRoleID       = 2
	oneTimeTokenTTL         = 10 * time.Minute
)

// Config is the read-only secret and policy material for the auth core.
// It is built once at startup and passed to constructors.
type Config struct {
	CipherSecret       string
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	LockoutThreshold   int
	LockoutDuration    time.Duration
	AdminRoleID        int64
	DefaultRoleID      int64
	BcryptCost         int

	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// WithDefaults fills zero values with the documented defaults.
func (c Config) WithDefaults() Config {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaultAccessTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaultRefreshTTL
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = defaultLockoutThreshold
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaultLockoutDuration
	}
	if c.AdminRoleID <= 0 {
		c.AdminRoleID = defaultAdminRoleID
	}
	if c.DefaultRoleID <= 0 {
		c.DefaultRoleID = defaultUserRoleID
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return c
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

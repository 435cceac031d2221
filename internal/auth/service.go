package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type AvatarUploader interface {
	UploadAvatar(ctx context.Context, contentType string, data []byte) (url string, publicID string, err error)
}

type IdentityProvider interface {
	Name() string
	AuthCodeURL(state string) string
	Profile(ctx context.Context, code string) (ProviderProfile, error)
}

type Service struct {
	store    AccountStore
	roles    RoleStore
	issuer   *TokenIssuer
	verifier *CredentialVerifier
	mailer   Mailer
	avatars  AvatarUploader
	provider IdentityProvider
	cfg      Config
	now      func() time.Time

	decoyOnce sync.Once
	decoyHash []byte
}

func NewService(store AccountStore, issuer *TokenIssuer, cfg Config) *Service {
	cfg = cfg.WithDefaults()
	return &Service{
		store:    store,
		issuer:   issuer,
		verifier: NewCredentialVerifier(store, cfg),
		mailer:   discardMailer{},
		cfg:      cfg,
		now:      cfg.clock(),
	}
}

func (s *Service) WithRoles(roles RoleStore) *Service {
	s.roles = roles
	return s
}

func (s *Service) WithMailer(mailer Mailer) *Service {
	if mailer != nil {
		s.mailer = mailer
	}
	return s
}

func (s *Service) WithAvatarUploader(uploader AvatarUploader) *Service {
	s.avatars = uploader
	return s
}

func (s *Service) WithIdentityProvider(provider IdentityProvider) *Service {
	s.provider = provider
	return s
}

type RegisterInput struct {
	Name              string
	Email             string
	Password          string
	Avatar            []byte
	AvatarContentType string
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (AccountDetails, error) {
	email := normalizeEmail(input.Email)

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return AccountDetails{}, ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return AccountDetails{}, unavailable("lookup account", err)
	}

	var avatarURL, avatarPublicID string
	if len(input.Avatar) > 0 && s.avatars != nil {
		url, publicID, err := s.avatars.UploadAvatar(ctx, input.AvatarContentType, input.Avatar)
		if err != nil {
			return AccountDetails{}, fmt.Errorf("upload avatar: %w", err)
		}
		avatarURL, avatarPublicID = url, publicID
	}

	hash, err := hashPassword(input.Password, s.cfg.BcryptCost)
	if err != nil {
		return AccountDetails{}, err
	}
	verifyToken, err := randomToken(20)
	if err != nil {
		return AccountDetails{}, fmt.Errorf("generate verification token: %w", err)
	}

	account, err := s.store.Create(ctx, NewAccount{
		Name:                    strings.TrimSpace(input.Name),
		Email:                   email,
		PasswordHash:            hash,
		RoleID:                  s.cfg.DefaultRoleID,
		EmailVerificationToken:  verifyToken,
		EmailVerificationExpiry: s.now().UTC().Add(oneTimeTokenTTL),
		AvatarURL:               avatarURL,
		AvatarPublicID:          avatarPublicID,
	})
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			return AccountDetails{}, err
		}
		return AccountDetails{}, unavailable("create account", err)
	}

	if err := s.mailer.Send(ctx, verificationMessage(account.Email, verifyToken)); err != nil {
		return AccountDetails{}, fmt.Errorf("send verification email: %w", err)
	}

	return account.Details(), nil
}

// Login checks the lockout window, then the password, and on success stores
// the freshly issued refresh token as the account's only valid one.
func (s *Service) Login(ctx context.Context, email, password string) (Tokens, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.compareDecoy(password)
			return Tokens{}, ErrInvalidCredentials
		}
		return Tokens{}, unavailable("lookup account", err)
	}

	if err := s.verifier.Verify(ctx, account, password); err != nil {
		return Tokens{}, err
	}

	if !account.IsActive {
		return Tokens{}, ErrAccountInactive
	}

	if !account.IsEmailVerified {
		token, err := randomToken(20)
		if err != nil {
			return Tokens{}, fmt.Errorf("generate verification token: %w", err)
		}
		if err := s.store.SetEmailVerification(ctx, account.ID, token, s.now().UTC().Add(oneTimeTokenTTL)); err != nil {
			return Tokens{}, unavailable("store verification token", err)
		}
		if err := s.mailer.Send(ctx, verificationMessage(account.Email, token)); err != nil {
			return Tokens{}, fmt.Errorf("send verification email: %w", err)
		}
		return Tokens{}, ErrEmailNotVerified
	}

	tokens, err := s.issuer.Issue(account.Payload())
	if err != nil {
		return Tokens{}, err
	}
	if err := s.store.RecordLogin(ctx, account.ID, HashRefreshToken(tokens.RefreshToken), s.now().UTC()); err != nil {
		return Tokens{}, unavailable("record login", err)
	}

	return tokens, nil
}

// ProviderAuthURL starts a provider login. The returned state must come back
// with the authorization code.
func (s *Service) ProviderAuthURL() (url, state string, err error) {
	if s.provider == nil {
		return "", "", ErrProviderDisabled
	}
	state, err = randomToken(16)
	if err != nil {
		return "", "", fmt.Errorf("generate oauth state: %w", err)
	}
	return s.provider.AuthCodeURL(state), state, nil
}

func (s *Service) ProviderLogin(ctx context.Context, code string) (Tokens, error) {
	if s.provider == nil {
		return Tokens{}, ErrProviderDisabled
	}
	if strings.TrimSpace(code) == "" {
		return Tokens{}, ErrProviderRejected
	}

	profile, err := s.provider.Profile(ctx, code)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	profile.Email = normalizeEmail(profile.Email)
	if profile.Email == "" {
		return Tokens{}, ErrProviderRejected
	}

	account, err := s.store.UpsertProviderAccount(ctx, profile, s.cfg.DefaultRoleID)
	if err != nil {
		return Tokens{}, unavailable("upsert provider account", err)
	}
	if !account.IsActive {
		return Tokens{}, ErrAccountInactive
	}

	tokens, err := s.issuer.Issue(account.Payload())
	if err != nil {
		return Tokens{}, err
	}
	if err := s.store.SetRefreshToken(ctx, account.ID, HashRefreshToken(tokens.RefreshToken)); err != nil {
		return Tokens{}, unavailable("store refresh token", err)
	}

	return tokens, nil
}

// Refresh rotates both tokens. The swap only succeeds while the presented
// refresh token is still the stored one.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, ErrTokenMissing
	}

	result := s.issuer.VerifyRefresh(refreshToken)
	if result.Status != TokenValid {
		return Tokens{}, ErrRefreshTokenInvalid
	}

	account, err := s.store.GetByID(ctx, result.Payload.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Tokens{}, ErrRefreshTokenInvalid
		}
		return Tokens{}, unavailable("lookup account", err)
	}
	if !refreshTokenMatches(account.RefreshTokenHash, refreshToken) {
		return Tokens{}, ErrRefreshTokenInvalid
	}

	tokens, err := s.issuer.Issue(account.Payload())
	if err != nil {
		return Tokens{}, err
	}
	if err := s.store.SwapRefreshToken(ctx, account.ID, HashRefreshToken(refreshToken), HashRefreshToken(tokens.RefreshToken)); err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) {
			return Tokens{}, err
		}
		return Tokens{}, unavailable("rotate refresh token", err)
	}

	return tokens, nil
}

func (s *Service) Logout(ctx context.Context, identity Payload) error {
	if err := s.store.ClearRefreshToken(ctx, identity.UserID); err != nil {
		return unavailable("clear refresh token", err)
	}
	return nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidOneTimeToken
	}
	if err := s.store.ConsumeEmailVerification(ctx, token, s.now().UTC()); err != nil {
		if errors.Is(err, ErrInvalidOneTimeToken) {
			return err
		}
		return unavailable("verify email", err)
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, identity Payload, currentPassword, newPassword string) error {
	account, err := s.store.GetByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return unavailable("lookup account", err)
	}
	if account.PasswordHash == "" {
		return ErrNoPasswordSet
	}
	if err := comparePassword(account.PasswordHash, currentPassword); err != nil {
		return err
	}

	hash, err := hashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, account.ID, hash); err != nil {
		return unavailable("update password", err)
	}
	return nil
}

// RequestPasswordReset never reveals whether the email is registered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	account, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return unavailable("lookup account", err)
	}

	token, err := randomToken(20)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.store.SetPasswordReset(ctx, account.ID, token, s.now().UTC().Add(oneTimeTokenTTL)); err != nil {
		return unavailable("store reset token", err)
	}

	return s.mailer.Send(ctx, passwordResetMessage(account.Email, token))
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidOneTimeToken
	}

	hash, err := hashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if err := s.store.ConsumePasswordReset(ctx, token, hash, s.now().UTC()); err != nil {
		if errors.Is(err, ErrInvalidOneTimeToken) {
			return err
		}
		return unavailable("reset password", err)
	}
	return nil
}

func (s *Service) AccountDetails(ctx context.Context, identity Payload) (AccountDetails, error) {
	account, err := s.store.GetByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return AccountDetails{}, err
		}
		return AccountDetails{}, unavailable("lookup account", err)
	}
	return account.Details(), nil
}

func (s *Service) CreateRole(ctx context.Context, name string) (Role, error) {
	if s.roles == nil {
		return Role{}, fmt.Errorf("role store is not configured")
	}
	role, err := s.roles.CreateRole(ctx, strings.TrimSpace(name))
	if err != nil {
		if errors.Is(err, ErrRoleExists) {
			return Role{}, err
		}
		return Role{}, unavailable("create role", err)
	}
	return role, nil
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	if s.roles == nil {
		return nil, fmt.Errorf("role store is not configured")
	}
	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		return nil, unavailable("list roles", err)
	}
	return roles, nil
}

// BootstrapAdmin creates a verified admin account once; an existing account
// with the same email is left untouched.
func (s *Service) BootstrapAdmin(ctx context.Context, email, name, password string) error {
	email = normalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	hash, err := hashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		name = "Administrator"
	}

	_, err = s.store.Create(ctx, NewAccount{
		Name:          name,
		Email:         email,
		PasswordHash:  hash,
		RoleID:        s.cfg.AdminRoleID,
		EmailVerified: true,
	})
	if err != nil && !errors.Is(err, ErrAccountExists) {
		return fmt.Errorf("create admin: %w", err)
	}
	return nil
}

func (s *Service) Unlock(ctx context.Context, email string) error {
	return s.store.Unlock(ctx, normalizeEmail(email))
}

func (a Account) Payload() Payload {
	return Payload{UserID: a.ID, RoleID: a.RoleID}
}

func (a Account) Details() AccountDetails {
	return AccountDetails{
		ID:        a.ID,
		Name:      a.Name,
		Email:     a.Email,
		AvatarURL: a.AvatarURL,
		Role:      a.RoleName,
	}
}

// compareDecoy runs one bcrypt comparison at the configured cost so an
// unknown email takes as long as a wrong password.
func (s *Service) compareDecoy(password string) {
	s.decoyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("no-such-account"), s.cfg.BcryptCost)
		if err == nil {
			s.decoyHash = hash
		}
	})
	if s.decoyHash != nil {
		_ = bcrypt.CompareHashAndPassword(s.decoyHash, []byte(password))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, action, err)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

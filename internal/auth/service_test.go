package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type serviceFixture struct {
	clock   *testClock
	store   *memoryStore
	mailer  *recordingMailer
	issuer  *TokenIssuer
	service *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := newTestClock()
	cfg := testConfig(clock)
	store := newMemoryStore()
	mailer := &recordingMailer{}
	issuer := newTestIssuer(t, cfg)
	service := NewService(store, issuer, cfg).WithRoles(store).WithMailer(mailer)

	return &serviceFixture{clock: clock, store: store, mailer: mailer, issuer: issuer, service: service}
}

type stubAvatars struct {
	calls int
}

func (s *stubAvatars) UploadAvatar(context.Context, string, []byte) (string, string, error) {
	s.calls++
	return "https://cdn.example.com/a.png", "avatars/a", nil
}

type stubProvider struct {
	profile ProviderProfile
	err     error
}

func (p stubProvider) Name() string { return "google" }

func (p stubProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (p stubProvider) Profile(context.Context, string) (ProviderProfile, error) {
	return p.profile, p.err
}

func TestService_RegisterVerifyLogin(t *testing.T) {
	f := newServiceFixture(t)
	avatars := &stubAvatars{}
	f.service.WithAvatarUploader(avatars)
	ctx := context.Background()

	details, err := f.service.Register(ctx, RegisterInput{
		Name:              " Ada ",
		Email:             "Ada@Example.com",
		Password:          "secret-pw",
		Avatar:            []byte{1, 2, 3},
		AvatarContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if details.Email != "ada@example.com" || details.Name != "Ada" || details.Role != "customer" || details.AvatarURL == "" {
		t.Errorf("unexpected details %+v", details)
	}
	if avatars.calls != 1 {
		t.Errorf("expected one avatar upload, got %d", avatars.calls)
	}

	if _, err := f.service.Login(ctx, "ada@example.com", "secret-pw"); !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}
	token := f.mailer.lastToken()
	if len(token) != 40 {
		t.Fatalf("expected 20-byte hex token, got %q", token)
	}

	if err := f.service.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	if err := f.service.VerifyEmail(ctx, token); !errors.Is(err, ErrInvalidOneTimeToken) {
		t.Errorf("expected a consumed token to be rejected, got %v", err)
	}

	tokens, err := f.service.Login(ctx, "ADA@example.com", "secret-pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	account, _ := f.store.GetByEmail(ctx, "ada@example.com")
	if account.RefreshTokenHash != HashRefreshToken(tokens.RefreshToken) || account.LastLoginAt == nil {
		t.Errorf("login state not recorded: %+v", account)
	}
}

func TestService_RegisterDuplicate(t *testing.T) {
	f := newServiceFixture(t)
	seedPasswordAccount(t, f.store, "dup@example.com", "secret-pw")

	_, err := f.service.Register(context.Background(), RegisterInput{Name: "Dup", Email: "DUP@example.com", Password: "secret-pw"})
	if !errors.Is(err, ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}
}

func TestService_VerificationTokenExpires(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if _, err := f.service.Register(ctx, RegisterInput{Name: "Late", Email: "late@example.com", Password: "secret-pw"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	if err := f.service.VerifyEmail(ctx, f.mailer.lastToken()); !errors.Is(err, ErrInvalidOneTimeToken) {
		t.Errorf("expected expired token to be rejected, got %v", err)
	}
}

func TestService_LoginUnknownEmailIsInvalidCredentials(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Login(context.Background(), "nobody@example.com", "secret-pw")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if f.service.decoyHash == nil {
		t.Fatal("an unknown email must still pay for a bcrypt comparison")
	}
	if cost, err := bcrypt.Cost(f.service.decoyHash); err != nil || cost != bcrypt.MinCost {
		t.Errorf("decoy hash cost = %d (%v), want the configured cost", cost, err)
	}
	if f.store.failedCalls != 0 {
		t.Error("an unknown email must not record a failed login")
	}
}

func TestService_LockoutScenario(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := seedPasswordAccount(t, f.store, "lock@example.com", "secret-pw")
	_ = f.store.update(id, func(a *Account) { a.FailedLoginAttempts = 2 })

	_, err := f.service.Login(ctx, "lock@example.com", "wrong-pw")
	var locked ErrAccountLocked
	if !errors.As(err, &locked) {
		t.Fatalf("expected ErrAccountLocked on the tripping attempt, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Error("the tripping attempt must not read as a generic credential failure")
	}

	account := f.store.get(id)
	if account.FailedLoginAttempts != 0 {
		t.Errorf("counter = %d, want 0", account.FailedLoginAttempts)
	}
	if account.LockedUntil == nil || account.LockedUntil.Sub(f.clock.Now()) != 24*time.Hour {
		t.Errorf("locked_until = %v", account.LockedUntil)
	}

	// Correct password during the window: refused, counter untouched.
	f.clock.Advance(23 * time.Hour)
	if _, err := f.service.Login(ctx, "lock@example.com", "secret-pw"); !errors.As(err, &locked) {
		t.Fatalf("expected ErrAccountLocked while locked, got %v", err)
	}
	if f.store.get(id).FailedLoginAttempts != 0 {
		t.Error("a locked refusal must not touch the counter")
	}

	f.clock.Advance(time.Hour)
	if _, err := f.service.Login(ctx, "lock@example.com", "secret-pw"); err != nil {
		t.Fatalf("expected login after the window, got %v", err)
	}
	if f.store.get(id).LockedUntil != nil {
		t.Error("successful login must clear the lockout")
	}
}

func TestService_RegisterPasswordTooLong(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Register(context.Background(), RegisterInput{Name: "Ada", Email: "ada@example.com", Password: strings.Repeat("x", 80)})
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("an over-long password is not a backend failure")
	}
}

func TestService_UnlockClearsWindow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := seedPasswordAccount(t, f.store, "stuck@example.com", "secret-pw")
	until := f.clock.Now().Add(24 * time.Hour)
	_ = f.store.update(id, func(a *Account) {
		a.LockedUntil = &until
		a.FailedLoginAttempts = 1
	})

	if err := f.service.Unlock(ctx, "  Stuck@Example.com "); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	account := f.store.get(id)
	if account.LockedUntil != nil || account.FailedLoginAttempts != 0 {
		t.Errorf("unexpected lockout state %+v", account)
	}
	if _, err := f.service.Login(ctx, "stuck@example.com", "secret-pw"); err != nil {
		t.Errorf("expected login after unlock, got %v", err)
	}
	if err := f.service.Unlock(ctx, "nobody@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestService_LoginNoPasswordSet(t *testing.T) {
	f := newServiceFixture(t)
	id := f.store.put(Account{Email: "g@example.com", IsActive: true, IsEmailVerified: true, RoleID: 2, Provider: "google"})

	_, err := f.service.Login(context.Background(), "g@example.com", "whatever-pw")
	if !errors.Is(err, ErrNoPasswordSet) {
		t.Fatalf("expected ErrNoPasswordSet, got %v", err)
	}
	if f.store.get(id).FailedLoginAttempts != 0 || f.store.failedCalls != 0 {
		t.Error("password-less login must not touch the counter")
	}
}

func TestService_LoginInactiveAccount(t *testing.T) {
	f := newServiceFixture(t)
	id := seedPasswordAccount(t, f.store, "off@example.com", "secret-pw")
	_ = f.store.update(id, func(a *Account) { a.IsActive = false })

	if _, err := f.service.Login(context.Background(), "off@example.com", "secret-pw"); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("expected ErrAccountInactive, got %v", err)
	}
}

func TestService_SecondLoginSupersedesRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedPasswordAccount(t, f.store, "two@example.com", "secret-pw")

	first, err := f.service.Login(ctx, "two@example.com", "secret-pw")
	if err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.service.Login(ctx, "two@example.com", "secret-pw"); err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	resolver := NewSessionResolver(f.issuer, f.store)
	f.clock.Advance(16 * time.Minute)
	session := resolver.Resolve(ctx, first.AccessToken, first.RefreshToken)
	if !errors.Is(session.Err, ErrRefreshTokenInvalid) {
		t.Errorf("expected superseded refresh token to be rejected, got %+v", session)
	}
}

func TestService_RefreshRotatesBothTokens(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedPasswordAccount(t, f.store, "rot@example.com", "secret-pw")

	original, err := f.service.Login(ctx, "rot@example.com", "secret-pw")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	f.clock.Advance(time.Minute)

	rotated, err := f.service.Refresh(ctx, original.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == original.RefreshToken || rotated.AccessToken == "" {
		t.Fatal("expected fresh tokens")
	}

	if _, err := f.service.Refresh(ctx, original.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected replayed refresh token to be rejected, got %v", err)
	}
	if _, err := f.service.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Errorf("expected rotated token to work, got %v", err)
	}
}

func TestService_RefreshMissingAndGarbage(t *testing.T) {
	f := newServiceFixture(t)

	if _, err := f.service.Refresh(context.Background(), ""); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("expected ErrTokenMissing, got %v", err)
	}
	if _, err := f.service.Refresh(context.Background(), "garbage"); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected ErrRefreshTokenInvalid, got %v", err)
	}
}

func TestService_LogoutClearsRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := seedPasswordAccount(t, f.store, "out@example.com", "secret-pw")

	tokens, _ := f.service.Login(ctx, "out@example.com", "secret-pw")
	if err := f.service.Logout(ctx, Payload{UserID: id, RoleID: 2}); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if f.store.get(id).RefreshTokenHash != "" {
		t.Error("expected refresh token to be cleared")
	}
	if _, err := f.service.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected logged-out refresh token to be rejected, got %v", err)
	}
}

func TestService_ChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := seedPasswordAccount(t, f.store, "chg@example.com", "secret-pw")
	identity := Payload{UserID: id, RoleID: 2}

	if err := f.service.ChangePassword(ctx, identity, "wrong-pw", "next-secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if f.store.failedCalls != 0 {
		t.Error("change-password mismatch must not drive the lockout")
	}
	if err := f.service.ChangePassword(ctx, identity, "secret-pw", "next-secret"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if _, err := f.service.Login(ctx, "chg@example.com", "next-secret"); err != nil {
		t.Errorf("login with new password failed: %v", err)
	}

	providerID := f.store.put(Account{Email: "p@example.com", IsActive: true, RoleID: 2})
	if err := f.service.ChangePassword(ctx, Payload{UserID: providerID, RoleID: 2}, "x", "next-secret"); !errors.Is(err, ErrNoPasswordSet) {
		t.Errorf("expected ErrNoPasswordSet, got %v", err)
	}
}

func TestService_PasswordReset(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedPasswordAccount(t, f.store, "reset@example.com", "secret-pw")

	if err := f.service.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("unknown email must be silent, got %v", err)
	}
	if len(f.mailer.messages) != 0 {
		t.Fatal("no mail may be sent for an unknown email")
	}

	if err := f.service.RequestPasswordReset(ctx, "reset@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	token := f.mailer.lastToken()
	if f.mailer.last().To != "reset@example.com" || !strings.Contains(f.mailer.last().Subject, "Reset") {
		t.Errorf("unexpected mail %+v", f.mailer.last())
	}

	if err := f.service.ResetPassword(ctx, token, "brand-new-pw"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if err := f.service.ResetPassword(ctx, token, "again-new-pw"); !errors.Is(err, ErrInvalidOneTimeToken) {
		t.Errorf("expected consumed token to be rejected, got %v", err)
	}
	if _, err := f.service.Login(ctx, "reset@example.com", "brand-new-pw"); err != nil {
		t.Errorf("login with reset password failed: %v", err)
	}
}

func TestService_ProviderLogin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProviderLogin(ctx, "code"); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}

	f.service.WithIdentityProvider(stubProvider{profile: ProviderProfile{
		Provider: "google", ProviderID: "g-1", Email: "G@Example.com", Name: "Gee",
	}})
	tokens, err := f.service.ProviderLogin(ctx, "code")
	if err != nil {
		t.Fatalf("ProviderLogin failed: %v", err)
	}
	account, err := f.store.GetByEmail(ctx, "g@example.com")
	if err != nil {
		t.Fatalf("provider account not created: %v", err)
	}
	if account.PasswordHash != "" || !account.IsEmailVerified || account.RoleID != 2 {
		t.Errorf("unexpected provider account %+v", account)
	}
	if account.RefreshTokenHash != HashRefreshToken(tokens.RefreshToken) {
		t.Error("provider login must store the refresh token")
	}

	f.service.WithIdentityProvider(stubProvider{err: errors.New("bad code")})
	if _, err := f.service.ProviderLogin(ctx, "code"); !errors.Is(err, ErrProviderRejected) {
		t.Errorf("expected ErrProviderRejected, got %v", err)
	}
}

func TestService_StoreFailureIsUnavailable(t *testing.T) {
	f := newServiceFixture(t)
	f.store.fail = true

	_, err := f.service.Login(context.Background(), "x@example.com", "secret-pw")
	if !errors.Is(err, ErrUnavailable) || errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestService_Roles(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	role, err := f.service.CreateRole(ctx, " editor ")
	if err != nil || role.Name != "editor" {
		t.Fatalf("CreateRole failed: %+v %v", role, err)
	}
	if _, err := f.service.CreateRole(ctx, "Editor"); !errors.Is(err, ErrRoleExists) {
		t.Errorf("expected ErrRoleExists, got %v", err)
	}
	roles, err := f.service.ListRoles(ctx)
	if err != nil || len(roles) != 3 {
		t.Errorf("unexpected roles %+v %v", roles, err)
	}
}

func TestService_BootstrapAdmin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := f.service.BootstrapAdmin(ctx, "", "", ""); err != nil {
		t.Fatalf("empty bootstrap must be a no-op, got %v", err)
	}
	if err := f.service.BootstrapAdmin(ctx, "admin@example.com", "", ""); err == nil {
		t.Error("expected error when the password is missing")
	}
	if err := f.service.BootstrapAdmin(ctx, "Admin@example.com", "", "admin-pw"); err != nil {
		t.Fatalf("BootstrapAdmin failed: %v", err)
	}
	if err := f.service.BootstrapAdmin(ctx, "admin@example.com", "", "other-pw"); err != nil {
		t.Fatalf("second bootstrap must be a no-op, got %v", err)
	}

	tokens, err := f.service.Login(ctx, "admin@example.com", "admin-pw")
	if err != nil {
		t.Fatalf("admin login failed: %v", err)
	}
	if got := f.issuer.VerifyAccess(tokens.AccessToken); got.Payload.RoleID != 1 {
		t.Errorf("expected admin role in token, got %+v", got)
	}
}

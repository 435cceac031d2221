package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var errStoreDown = errors.New("connection refused")

type oneTimeToken struct {
	accountID int64
	expiry    time.Time
}

// memoryStore is an in-memory AccountStore and RoleStore for tests.
type memoryStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*Account
	verify   map[string]oneTimeToken
	reset    map[string]oneTimeToken
	roles    []Role

	failedCalls int
	// fail makes every call return errStoreDown.
	fail bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		nextID:   1,
		accounts: make(map[int64]*Account),
		verify:   make(map[string]oneTimeToken),
		reset:    make(map[string]oneTimeToken),
		roles: []Role{
			{ID: 1, Name: "admin"},
			{ID: 2, Name: "customer"},
		},
	}
}

func (s *memoryStore) roleName(id int64) string {
	for _, role := range s.roles {
		if role.ID == id {
			return role.Name
		}
	}
	return ""
}

// put inserts an account directly and returns its id.
func (s *memoryStore) put(account Account) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	account.ID = s.nextID
	s.nextID++
	account.RoleName = s.roleName(account.RoleID)
	s.accounts[account.ID] = &account
	return account.ID
}

func (s *memoryStore) get(id int64) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *memoryStore) GetByEmail(_ context.Context, email string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Account{}, errStoreDown
	}
	for _, account := range s.accounts {
		if strings.EqualFold(account.Email, email) {
			return *account, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *memoryStore) GetByID(_ context.Context, id int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Account{}, errStoreDown
	}
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *account, nil
}

func (s *memoryStore) Create(_ context.Context, input NewAccount) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Account{}, errStoreDown
	}
	for _, existing := range s.accounts {
		if existing.Email == input.Email {
			return Account{}, ErrAccountExists
		}
	}

	account := &Account{
		ID:              s.nextID,
		Name:            input.Name,
		Email:           input.Email,
		PasswordHash:    input.PasswordHash,
		IsEmailVerified: input.EmailVerified,
		IsActive:        true,
		RoleID:          input.RoleID,
		RoleName:        s.roleName(input.RoleID),
		AvatarURL:       input.AvatarURL,
		AvatarPublicID:  input.AvatarPublicID,
		CreatedAt:       time.Now().UTC(),
	}
	s.nextID++
	s.accounts[account.ID] = account
	if input.EmailVerificationToken != "" {
		s.verify[input.EmailVerificationToken] = oneTimeToken{accountID: account.ID, expiry: input.EmailVerificationExpiry}
	}
	return *account, nil
}

func (s *memoryStore) UpsertProviderAccount(_ context.Context, profile ProviderProfile, roleID int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Account{}, errStoreDown
	}
	for _, account := range s.accounts {
		if account.Email == profile.Email {
			account.Provider = profile.Provider
			account.ProviderID = profile.ProviderID
			account.IsEmailVerified = true
			return *account, nil
		}
	}

	account := &Account{
		ID:              s.nextID,
		Name:            profile.Name,
		Email:           profile.Email,
		IsEmailVerified: true,
		IsActive:        true,
		RoleID:          roleID,
		RoleName:        s.roleName(roleID),
		Provider:        profile.Provider,
		ProviderID:      profile.ProviderID,
		AvatarURL:       profile.AvatarURL,
	}
	s.nextID++
	s.accounts[account.ID] = account
	return *account, nil
}

func (s *memoryStore) RegisterFailedLogin(_ context.Context, accountID int64, policy LockoutPolicy, now time.Time) (LoginAttemptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCalls++
	if s.fail {
		return LoginAttemptResult{}, errStoreDown
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return LoginAttemptResult{}, ErrAccountNotFound
	}

	result := policy.OnFailedAttempt(account.FailedLoginAttempts, account.LockedUntil, now)
	account.FailedLoginAttempts = result.FailedAttempts
	account.LockedUntil = result.LockedUntil
	return result, nil
}

func (s *memoryStore) RecordLogin(_ context.Context, accountID int64, refreshTokenHash string, now time.Time) error {
	return s.update(accountID, func(a *Account) {
		a.RefreshTokenHash = refreshTokenHash
		a.FailedLoginAttempts = 0
		a.LockedUntil = nil
		a.LastLoginAt = &now
	})
}

func (s *memoryStore) SetRefreshToken(_ context.Context, accountID int64, refreshTokenHash string) error {
	return s.update(accountID, func(a *Account) { a.RefreshTokenHash = refreshTokenHash })
}

func (s *memoryStore) ClearRefreshToken(_ context.Context, accountID int64) error {
	return s.update(accountID, func(a *Account) { a.RefreshTokenHash = "" })
}

func (s *memoryStore) SwapRefreshToken(_ context.Context, accountID int64, oldHash, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	account, ok := s.accounts[accountID]
	if !ok || account.RefreshTokenHash != oldHash {
		return ErrRefreshTokenInvalid
	}
	account.RefreshTokenHash = newHash
	return nil
}

func (s *memoryStore) SetEmailVerification(_ context.Context, accountID int64, token string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	for key, value := range s.verify {
		if value.accountID == accountID {
			delete(s.verify, key)
		}
	}
	s.verify[token] = oneTimeToken{accountID: accountID, expiry: expiry}
	return nil
}

func (s *memoryStore) ConsumeEmailVerification(_ context.Context, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	entry, ok := s.verify[token]
	if !ok || !now.Before(entry.expiry) {
		return ErrInvalidOneTimeToken
	}
	delete(s.verify, token)
	s.accounts[entry.accountID].IsEmailVerified = true
	return nil
}

func (s *memoryStore) SetPasswordReset(_ context.Context, accountID int64, token string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	for key, value := range s.reset {
		if value.accountID == accountID {
			delete(s.reset, key)
		}
	}
	s.reset[token] = oneTimeToken{accountID: accountID, expiry: expiry}
	return nil
}

func (s *memoryStore) ConsumePasswordReset(_ context.Context, token, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	entry, ok := s.reset[token]
	if !ok || !now.Before(entry.expiry) {
		return ErrInvalidOneTimeToken
	}
	delete(s.reset, token)
	s.accounts[entry.accountID].PasswordHash = passwordHash
	return nil
}

func (s *memoryStore) UpdatePassword(_ context.Context, accountID int64, passwordHash string) error {
	return s.update(accountID, func(a *Account) { a.PasswordHash = passwordHash })
}

func (s *memoryStore) Unlock(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	for _, account := range s.accounts {
		if account.Email == email {
			account.FailedLoginAttempts = 0
			account.LockedUntil = nil
			return nil
		}
	}
	return ErrAccountNotFound
}

func (s *memoryStore) CreateRole(_ context.Context, name string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Role{}, errStoreDown
	}
	for _, role := range s.roles {
		if strings.EqualFold(role.Name, name) {
			return Role{}, ErrRoleExists
		}
	}
	role := Role{ID: int64(len(s.roles) + 1), Name: name, CreatedAt: time.Now().UTC()}
	s.roles = append(s.roles, role)
	return role, nil
}

func (s *memoryStore) ListRoles(context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStoreDown
	}
	roles := append([]Role(nil), s.roles...)
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

func (s *memoryStore) update(accountID int64, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	fn(account)
	return nil
}

// recordingMailer keeps every message for assertions.
type recordingMailer struct {
	mu       sync.Mutex
	messages []Message
}

func (m *recordingMailer) Send(_ context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

func (m *recordingMailer) last() Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return Message{}
	}
	return m.messages[len(m.messages)-1]
}

func (m *recordingMailer) lastToken() string {
	return m.last().Token
}

// testClock is a settable clock shared by the issuer, verifier and service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

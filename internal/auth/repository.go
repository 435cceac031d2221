package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	ClearedVerificationTokens int64 `json:"cleared_verification_tokens"`
	ClearedResetTokens        int64 `json:"cleared_reset_tokens"`
	ClearedLockouts           int64 `json:"cleared_lockouts"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const accountColumns = `
	u.id, u.name, u.email, u.password_hash, u.is_email_verified, u.is_active,
	u.failed_login_attempts, u.locked_until, u.role_id, r.name, u.refresh_token,
	u.provider, u.provider_id, u.avatar_url, u.avatar_public_id, u.last_login_at, u.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		account        Account
		passwordHash   sql.NullString
		lockedUntil    sql.NullTime
		refreshToken   sql.NullString
		provider       sql.NullString
		providerID     sql.NullString
		avatarURL      sql.NullString
		avatarPublicID sql.NullString
		lastLoginAt    sql.NullTime
	)

	err := row.Scan(
		&account.ID, &account.Name, &account.Email, &passwordHash, &account.IsEmailVerified, &account.IsActive,
		&account.FailedLoginAttempts, &lockedUntil, &account.RoleID, &account.RoleName, &refreshToken,
		&provider, &providerID, &avatarURL, &avatarPublicID, &lastLoginAt, &account.CreatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	account.PasswordHash = passwordHash.String
	account.RefreshTokenHash = refreshToken.String
	account.Provider = provider.String
	account.ProviderID = providerID.String
	account.AvatarURL = avatarURL.String
	account.AvatarPublicID = avatarPublicID.String
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		account.LockedUntil = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		account.LastLoginAt = &value
	}

	return account, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users u
		JOIN roles r ON r.id = u.role_id
		WHERE u.email = $1
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}

	return account, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users u
		JOIN roles r ON r.id = u.role_id
		WHERE u.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return account, nil
}

func (r *Repository) Create(ctx context.Context, input NewAccount) (Account, error) {
	now := time.Now().UTC()

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (
			name, email, password_hash, role_id, is_email_verified,
			email_verification_token, email_verification_expiry,
			avatar_url, avatar_public_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`,
		input.Name, input.Email, nullString(input.PasswordHash), input.RoleID, input.EmailVerified,
		nullString(input.EmailVerificationToken), nullTime(input.EmailVerificationExpiry),
		nullString(input.AvatarURL), nullString(input.AvatarPublicID), now,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *Repository) UpsertProviderAccount(ctx context.Context, profile ProviderProfile, roleID int64) (Account, error) {
	name := profile.Name
	if name == "" {
		name = "Google User"
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, is_email_verified, provider, provider_id, avatar_url, role_id, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (email) DO UPDATE SET
			provider = EXCLUDED.provider,
			provider_id = EXCLUDED.provider_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, name, profile.Email, profile.Provider, profile.ProviderID, nullString(profile.AvatarURL), roleID, time.Now().UTC()).Scan(&id)
	if err != nil {
		return Account{}, fmt.Errorf("upsert provider account: %w", err)
	}

	return r.GetByID(ctx, id)
}

// RegisterFailedLogin serializes concurrent failures for one account with a
// row lock, so every failure moves the counter exactly once.
func (r *Repository) RegisterFailedLogin(ctx context.Context, accountID int64, policy LockoutPolicy, now time.Time) (LoginAttemptResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LoginAttemptResult{}, fmt.Errorf("begin failed login tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginAttemptResult{}, ErrAccountNotFound
		}
		return LoginAttemptResult{}, fmt.Errorf("lock account row: %w", err)
	}

	var current *time.Time
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		current = &value
	}
	if until, locked := policy.LockedUntil(current, now); locked {
		if err := tx.Commit(); err != nil {
			return LoginAttemptResult{}, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return LoginAttemptResult{FailedAttempts: failed, LockedUntil: &until}, nil
	}

	result := policy.OnFailedAttempt(failed, current, now)

	var nextLock any
	if result.LockedUntil != nil {
		nextLock = *result.LockedUntil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, accountID, result.FailedAttempts, nextLock, now.UTC())
	if err != nil {
		return LoginAttemptResult{}, fmt.Errorf("update failed login attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LoginAttemptResult{}, fmt.Errorf("commit failed login tx: %w", err)
	}

	return result, nil
}

func (r *Repository) RecordLogin(ctx context.Context, accountID int64, refreshTokenHash string, now time.Time) error {
	return r.exec(ctx, "record login", `
		UPDATE users
		SET last_login_at = $2, failed_login_attempts = 0, locked_until = NULL, refresh_token = $3, updated_at = $2
		WHERE id = $1
	`, accountID, now.UTC(), refreshTokenHash)
}

func (r *Repository) SetRefreshToken(ctx context.Context, accountID int64, refreshTokenHash string) error {
	return r.exec(ctx, "set refresh token", `
		UPDATE users SET refresh_token = $2, updated_at = NOW() WHERE id = $1
	`, accountID, refreshTokenHash)
}

func (r *Repository) ClearRefreshToken(ctx context.Context, accountID int64) error {
	return r.exec(ctx, "clear refresh token", `
		UPDATE users SET refresh_token = NULL, updated_at = NOW() WHERE id = $1
	`, accountID)
}

func (r *Repository) SwapRefreshToken(ctx context.Context, accountID int64, oldHash, newHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = $3, updated_at = NOW()
		WHERE id = $1 AND refresh_token = $2
	`, accountID, oldHash, newHash)
	if err != nil {
		return fmt.Errorf("swap refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshTokenInvalid
	}

	return nil
}

func (r *Repository) SetEmailVerification(ctx context.Context, accountID int64, token string, expiry time.Time) error {
	return r.exec(ctx, "set email verification", `
		UPDATE users
		SET email_verification_token = $2, email_verification_expiry = $3, updated_at = NOW()
		WHERE id = $1
	`, accountID, token, expiry.UTC())
}

func (r *Repository) ConsumeEmailVerification(ctx context.Context, token string, now time.Time) error {
	return r.consume(ctx, "consume email verification", `
		UPDATE users
		SET is_email_verified = TRUE, email_verification_token = NULL, email_verification_expiry = NULL, updated_at = $2
		WHERE email_verification_token = $1 AND email_verification_expiry > $2
	`, token, now.UTC())
}

func (r *Repository) SetPasswordReset(ctx context.Context, accountID int64, token string, expiry time.Time) error {
	return r.exec(ctx, "set password reset", `
		UPDATE users
		SET forgot_password_token = $2, forgot_password_expires = $3, updated_at = NOW()
		WHERE id = $1
	`, accountID, token, expiry.UTC())
}

func (r *Repository) ConsumePasswordReset(ctx context.Context, token, passwordHash string, now time.Time) error {
	return r.consume(ctx, "consume password reset", `
		UPDATE users
		SET password_hash = $3, forgot_password_token = NULL, forgot_password_expires = NULL, updated_at = $2
		WHERE forgot_password_token = $1 AND forgot_password_expires > $2
	`, token, now.UTC(), passwordHash)
}

func (r *Repository) UpdatePassword(ctx context.Context, accountID int64, passwordHash string) error {
	return r.exec(ctx, "update password", `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, accountID, passwordHash)
}

func (r *Repository) Unlock(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unlock account rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func (r *Repository) CreateRole(ctx context.Context, name string) (Role, error) {
	var role Role
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO roles (name) VALUES ($1)
		RETURNING id, name, created_at
	`, name).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrRoleExists
		}
		return Role{}, fmt.Errorf("insert role: %w", err)
	}

	return role, nil
}

func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at FROM roles ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	roles := make([]Role, 0)
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}

	return roles, nil
}

// CleanupStaleAuthData clears expired one-time tokens and elapsed lockouts in
// bounded batches.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	verification, err := r.clearBatch(ctx, "clear expired verification tokens", `
		WITH stale AS (
			SELECT id FROM users
			WHERE email_verification_expiry IS NOT NULL AND email_verification_expiry < NOW()
			ORDER BY id ASC
			LIMIT $1
		)
		UPDATE users u
		SET email_verification_token = NULL, email_verification_expiry = NULL
		FROM stale
		WHERE u.id = stale.id
	`, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	reset, err := r.clearBatch(ctx, "clear expired reset tokens", `
		WITH stale AS (
			SELECT id FROM users
			WHERE forgot_password_expires IS NOT NULL AND forgot_password_expires < NOW()
			ORDER BY id ASC
			LIMIT $1
		)
		UPDATE users u
		SET forgot_password_token = NULL, forgot_password_expires = NULL
		FROM stale
		WHERE u.id = stale.id
	`, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	lockouts, err := r.clearBatch(ctx, "clear elapsed lockouts", `
		WITH stale AS (
			SELECT id FROM users
			WHERE locked_until IS NOT NULL AND locked_until < NOW()
			ORDER BY id ASC
			LIMIT $1
		)
		UPDATE users u
		SET locked_until = NULL
		FROM stale
		WHERE u.id = stale.id
	`, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		ClearedVerificationTokens: verification,
		ClearedResetTokens:        reset,
		ClearedLockouts:           lockouts,
	}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) exec(ctx context.Context, action, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", action, err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func (r *Repository) consume(ctx context.Context, action, query string, args ...any) error {
	err := r.exec(ctx, action, query, args...)
	if errors.Is(err, ErrAccountNotFound) {
		return ErrInvalidOneTimeToken
	}
	return err
}

func (r *Repository) clearBatch(ctx context.Context, action, query string, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", action, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", action, err)
	}

	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value time.Time) sql.NullTime {
	return sql.NullTime{Time: value.UTC(), Valid: !value.IsZero()}
}

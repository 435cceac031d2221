package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

type SessionState int

const (
	StateNoToken SessionState = iota
	StateAccessValid
	StateAccessExpiredRefreshValid
	StateAccessExpiredRefreshInvalid
	StateUnauthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateNoToken:
		return "no_token"
	case StateAccessValid:
		return "access_valid"
	case StateAccessExpiredRefreshValid:
		return "access_expired_refresh_valid"
	case StateAccessExpiredRefreshInvalid:
		return "access_expired_refresh_invalid"
	default:
		return "unauthenticated"
	}
}

// Session is the resolved outcome for one request. Err is nil exactly when
// the request may proceed with Identity; NewAccessToken is non-empty when
// the access token was re-minted from the refresh token.
type Session struct {
	State          SessionState
	Identity       Payload
	NewAccessToken string
	Err            error
}

func (s Session) Authenticated() bool {
	return s.Err == nil
}

// SessionResolver turns the access/refresh token pair of a request into an
// identity, transparently re-minting expired access tokens.
type SessionResolver struct {
	issuer *TokenIssuer
	store  AccountStore
}

func NewSessionResolver(issuer *TokenIssuer, store AccountStore) *SessionResolver {
	return &SessionResolver{issuer: issuer, store: store}
}

func (r *SessionResolver) Resolve(ctx context.Context, accessToken, refreshToken string) Session {
	if accessToken == "" {
		if refreshToken == "" {
			return Session{State: StateUnauthenticated, Err: ErrTokenMissing}
		}
		return r.refresh(ctx, refreshToken)
	}

	result := r.issuer.VerifyAccess(accessToken)
	switch result.Status {
	case TokenValid:
		return Session{State: StateAccessValid, Identity: result.Payload}
	case TokenExpired:
		if refreshToken == "" {
			return Session{State: StateAccessExpiredRefreshInvalid, Err: ErrTokenExpired}
		}
		return r.refresh(ctx, refreshToken)
	default:
		return Session{State: StateUnauthenticated, Err: ErrTokenMalformed}
	}
}

// refresh honours a refresh token only while it is the one stored on the
// account; the stored value is read before any new access token is minted.
func (r *SessionResolver) refresh(ctx context.Context, refreshToken string) Session {
	invalid := Session{State: StateAccessExpiredRefreshInvalid, Err: ErrRefreshTokenInvalid}

	result := r.issuer.VerifyRefresh(refreshToken)
	if result.Status != TokenValid {
		return invalid
	}

	account, err := r.store.GetByID(ctx, result.Payload.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return invalid
		}
		return Session{State: StateUnauthenticated, Err: fmt.Errorf("%w: load account: %v", ErrUnavailable, err)}
	}
	if !refreshTokenMatches(account.RefreshTokenHash, refreshToken) {
		return invalid
	}

	access, err := r.issuer.IssueAccess(result.Payload)
	if err != nil {
		return Session{State: StateUnauthenticated, Err: fmt.Errorf("reissue access token: %w", err)}
	}

	return Session{
		State:          StateAccessExpiredRefreshValid,
		Identity:       result.Payload,
		NewAccessToken: access,
	}
}

func refreshTokenMatches(storedHash, raw string) bool {
	if storedHash == "" || raw == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashRefreshToken(raw))) == 1
}

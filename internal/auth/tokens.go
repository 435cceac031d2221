package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type TokenStatus int

const (
	TokenMalformed TokenStatus = iota
	TokenExpired
	TokenValid
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "malformed"
	}
}

// TokenResult is the outcome of verifying a signed token. Payload is only
// set when Status is TokenValid.
type TokenResult struct {
	Status  TokenStatus
	Payload Payload
}

type tokenClaims struct {
	Data string `json:"data"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	cipher        *PayloadCipher
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewTokenIssuer(cipher *PayloadCipher, cfg Config) (*TokenIssuer, error) {
	if cipher == nil {
		return nil, fmt.Errorf("token issuer requires a payload cipher")
	}
	if cfg.AccessTokenSecret == "" || cfg.RefreshTokenSecret == "" {
		return nil, fmt.Errorf("token signing secrets are required")
	}

	return &TokenIssuer{
		cipher:        cipher,
		accessSecret:  []byte(cfg.AccessTokenSecret),
		refreshSecret: []byte(cfg.RefreshTokenSecret),
		accessTTL:     cfg.AccessTokenTTL,
		refreshTTL:    cfg.RefreshTokenTTL,
		now:           cfg.clock(),
	}, nil
}

func (i *TokenIssuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Issue encrypts the payload once and signs it into an access and a refresh token.
func (i *TokenIssuer) Issue(payload Payload) (Tokens, error) {
	data, err := i.cipher.Encrypt(payload)
	if err != nil {
		return Tokens{}, fmt.Errorf("encrypt token payload: %w", err)
	}

	access, err := i.sign(data, tokenTypeAccess, i.accessSecret, i.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := i.sign(data, tokenTypeRefresh, i.refreshSecret, i.refreshTTL)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *TokenIssuer) IssueAccess(payload Payload) (string, error) {
	data, err := i.cipher.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt token payload: %w", err)
	}
	return i.sign(data, tokenTypeAccess, i.accessSecret, i.accessTTL)
}

func (i *TokenIssuer) VerifyAccess(raw string) TokenResult {
	return i.verify(raw, tokenTypeAccess, i.accessSecret)
}

func (i *TokenIssuer) VerifyRefresh(raw string) TokenResult {
	return i.verify(raw, tokenTypeRefresh, i.refreshSecret)
}

func (i *TokenIssuer) sign(data, tokenType string, secret []byte, ttl time.Duration) (string, error) {
	now := i.now().UTC()
	claims := tokenClaims{
		Data: data,
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return encoded, nil
}

// verify reports TokenExpired only when the signature checked out and the
// exp claim is the sole reason for rejection.
func (i *TokenIssuer) verify(raw, tokenType string, secret []byte) TokenResult {
	if raw == "" {
		return TokenResult{Status: TokenMalformed}
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenNotValidYet) && claims.Type == tokenType {
			return TokenResult{Status: TokenExpired}
		}
		return TokenResult{Status: TokenMalformed}
	}
	if claims.Type != tokenType {
		return TokenResult{Status: TokenMalformed}
	}

	payload, err := i.cipher.Decrypt(claims.Data)
	if err != nil {
		return TokenResult{Status: TokenMalformed}
	}

	return TokenResult{Status: TokenValid, Payload: payload}
}

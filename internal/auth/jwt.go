package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// TokenTypeAccess and TokenTypeRefresh discriminate the two token kinds.
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	keyBlacklist = "auth:blacklist:"
)

// Claims is the JWT payload for both access and refresh tokens.
type Claims struct {
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService signs, verifies, and revokes JWTs. Revocation blacklists the
// token id in Redis for the token's remaining lifetime.
type TokenService struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	rdb           redis.UniversalClient
	now           func() time.Time
}

// NewTokenService builds a token helper. rdb may be nil, which disables the
// revocation blacklist (useful in tests of pure signing).
func NewTokenService(secret string, accessExpiry, refreshExpiry time.Duration, rdb redis.UniversalClient) *TokenService {
	if accessExpiry <= 0 {
		accessExpiry = 24 * time.Hour
	}
	if refreshExpiry <= 0 {
		refreshExpiry = 7 * 24 * time.Hour
	}
	return &TokenService{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		rdb:           rdb,
		now:           time.Now,
	}
}

// WithNow injects a clock, for tests.
func (s *TokenService) WithNow(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// TokenPair bundles the two tokens issued at login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// GeneratePair issues an access and refresh token for the user and session.
func (s *TokenService) GeneratePair(u *User, sessionID string) (TokenPair, error) {
	access, err := s.generate(u, sessionID, TokenTypeAccess, s.accessExpiry)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.generate(u, sessionID, TokenTypeRefresh, s.refreshExpiry)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, nil
}

func (s *TokenService) generate(u *User, sessionID, tokenType string, expiry time.Duration) (string, error) {
	now := s.now()

	perms := PermissionsForRoles(u.Roles)
	permStrs := make([]string, len(perms))
	for i, p := range perms {
		permStrs[i] = string(p)
	}

	claims := Claims{
		Username:    u.Username,
		Roles:       u.Roles,
		Permissions: permStrs,
		SessionID:   sessionID,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode parses and validates a token of the expected type, rejecting bad
// signatures, expiry, type mismatches, and blacklisted ids.
func (s *TokenService) Decode(ctx context.Context, token, wantType string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if wantType != "" && claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}

	if s.rdb != nil && claims.ID != "" {
		n, err := s.rdb.Exists(ctx, keyBlacklist+claims.ID).Result()
		if err == nil && n > 0 {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// Revoke blacklists a token until its natural expiry. Already-invalid tokens
// are rejected.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	claims, err := s.Decode(ctx, token, "")
	if err != nil {
		return err
	}
	if s.rdb == nil || claims.ID == "" {
		return nil
	}

	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, keyBlacklist+claims.ID, "1", remaining).Err()
}

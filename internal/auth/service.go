package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seekapa/copilot/internal/audit"
)

const (
	keyUser    = "auth:user:"
	keyUserID  = "auth:user_id:"
	keyConsent = "auth:consent:"
)

// User is a stored account. PasswordHash never leaves the package.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// storedUser is the wire form including the hash.
type storedUser struct {
	User
	PasswordHash string `json:"password_hash"`
}

// Config tunes the auth service.
type Config struct {
	BcryptCost      int
	AccessExpiry    time.Duration
	RefreshExpiry   time.Duration
	SessionTTL      time.Duration
	MaxFailures     int
	FailureWindow   time.Duration
	LockoutDuration time.Duration
}

// Service wires users, tokens, sessions, and lockout together and emits
// audit events for every auth decision.
type Service struct {
	rdb      redis.UniversalClient
	tokens   *TokenService
	sessions *SessionStore
	lockout  *Lockout
	auditor  *audit.Service
	cost     int
	logger   *slog.Logger
}

// NewService builds the auth service.
func NewService(rdb redis.UniversalClient, secret string, cfg Config, auditor *audit.Service, logger *slog.Logger) *Service {
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = 12
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rdb:      rdb,
		tokens:   NewTokenService(secret, cfg.AccessExpiry, cfg.RefreshExpiry, rdb),
		sessions: NewSessionStore(rdb, cfg.SessionTTL),
		lockout:  NewLockout(rdb, cfg.MaxFailures, cfg.FailureWindow, cfg.LockoutDuration),
		auditor:  auditor,
		cost:     cfg.BcryptCost,
		logger:   logger.With("component", "auth"),
	}
}

// Tokens exposes the token service for middleware use.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Sessions exposes the session store.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// Register creates a user with the given roles. The password must pass
// policy.
func (s *Service) Register(ctx context.Context, username, email, password string, roles []string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username required")
	}
	if n, err := s.rdb.Exists(ctx, keyUser+username).Result(); err == nil && n > 0 {
		return nil, ErrUserExists
	}

	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		roles = []string{string(RoleViewer)}
	}

	u := &User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Roles:     roles,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveUser(ctx, u, hash); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) saveUser(ctx context.Context, u *User, hash string) error {
	su := storedUser{User: *u, PasswordHash: hash}
	data, err := json.Marshal(su)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyUser+u.Username, data, 0)
	pipe.Set(ctx, keyUserID+u.ID, u.Username, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// GetUser loads a user by username.
func (s *Service) GetUser(ctx context.Context, username string) (*User, error) {
	data, err := s.rdb.Get(ctx, keyUser+username).Bytes()
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	var su storedUser
	if err := json.Unmarshal(data, &su); err != nil {
		return nil, ErrInvalidCredentials
	}
	u := su.User
	u.PasswordHash = su.PasswordHash
	return &u, nil
}

// LoginResult is what a successful login returns.
type LoginResult struct {
	User    *User
	Session *Session
	Tokens  TokenPair
}

// Login authenticates a user. Failures bump the lockout counter and emit
// audit events; a lockout raises the severity to high.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	actor := &audit.Actor{Username: username, IP: ip, UserAgent: userAgent}

	if locked, _ := s.lockout.IsLocked(ctx, username); locked {
		s.auditor.Log(ctx, audit.Entry{
			Type: audit.EventLoginFailure, Action: "login",
			Severity: audit.SeverityMedium, Outcome: audit.OutcomeFailure,
			Actor: actor, Details: map[string]any{"reason": "locked"},
		})
		return nil, ErrLockedOut
	}

	u, err := s.GetUser(ctx, username)
	if err != nil || !u.Active || !VerifyPassword(u.PasswordHash, password) {
		lockedNow := s.lockout.RecordFailure(ctx, username)
		sev := audit.SeverityMedium
		details := map[string]any{"reason": "bad_credentials"}
		if lockedNow {
			sev = audit.SeverityHigh
			details["lockout"] = true
		}
		s.auditor.Log(ctx, audit.Entry{
			Type: audit.EventLoginFailure, Action: "login",
			Severity: sev, Outcome: audit.OutcomeFailure,
			Actor: actor, Details: details,
		})
		if lockedNow {
			return nil, ErrLockedOut
		}
		return nil, ErrInvalidCredentials
	}

	s.lockout.Clear(ctx, username)

	sess, err := s.sessions.Create(ctx, u.ID, u.Username, ip, userAgent)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	pair, err := s.tokens.GeneratePair(u, sess.ID)
	if err != nil {
		return nil, err
	}

	actor.UserID = u.ID
	actor.SessionID = sess.ID
	s.auditor.Log(ctx, audit.Entry{
		Type: audit.EventLoginSuccess, Action: "login", Actor: actor,
	})
	s.auditor.Log(ctx, audit.Entry{
		Type: audit.EventSessionCreated, Action: "session_created", Actor: actor,
	})

	return &LoginResult{User: u, Session: sess, Tokens: pair}, nil
}

// Refresh exchanges a valid refresh token for a new pair. The session must
// still exist.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Decode(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := s.sessions.Validate(ctx, claims.SessionID); err != nil {
		return TokenPair{}, ErrInvalidToken
	}

	u, err := s.GetUser(ctx, claims.Username)
	if err != nil || !u.Active {
		return TokenPair{}, ErrInvalidToken
	}
	// Old refresh token is single-use.
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		s.logger.Warn("refresh token revoke failed", "error", err)
	}
	return s.tokens.GeneratePair(u, claims.SessionID)
}

// Logout revokes the access token and terminates its session.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.Decode(ctx, accessToken, TokenTypeAccess)
	if err != nil {
		return err
	}
	if err := s.tokens.Revoke(ctx, accessToken); err != nil {
		return err
	}
	if claims.SessionID != "" {
		if err := s.sessions.Terminate(ctx, claims.SessionID); err != nil && err != ErrSessionNotFound {
			return err
		}
	}
	s.auditor.Log(ctx, audit.Entry{
		Type: audit.EventLogout, Action: "logout",
		Actor: &audit.Actor{UserID: claims.Subject, Username: claims.Username, SessionID: claims.SessionID},
	})
	return nil
}

// SetConsent records a GDPR consent decision.
func (s *Service) SetConsent(ctx context.Context, userID, purpose string, granted bool) error {
	field := purpose
	val := "denied"
	evType := audit.EventConsentWithdrawn
	if granted {
		val = "granted"
		evType = audit.EventConsentGiven
	}
	if err := s.rdb.HSet(ctx, keyConsent+userID, field, val).Err(); err != nil {
		return err
	}
	s.auditor.Log(ctx, audit.Entry{
		Type: evType, Action: "consent_" + val,
		Actor:   &audit.Actor{UserID: userID},
		Details: map[string]any{"purpose": purpose},
	})
	return nil
}

// ExportUserData gathers everything stored about a user for a GDPR access
// request.
func (s *Service) ExportUserData(ctx context.Context, userID string) (map[string]any, error) {
	username, err := s.rdb.Get(ctx, keyUserID+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("unknown user")
	}
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	consent, _ := s.rdb.HGetAll(ctx, keyConsent+userID).Result()
	sessionIDs, _ := s.rdb.SMembers(ctx, keyUserSessions+userID).Result()

	s.auditor.Log(ctx, audit.Entry{
		Type: audit.EventDataRequested, Action: "gdpr_export",
		Actor: &audit.Actor{UserID: userID, Username: username},
	})

	return map[string]any{
		"user":     u,
		"consent":  consent,
		"sessions": sessionIDs,
	}, nil
}

// DeleteUserData erases a user for a GDPR erasure request: account record,
// consent, and all sessions.
func (s *Service) DeleteUserData(ctx context.Context, userID string) error {
	username, err := s.rdb.Get(ctx, keyUserID+userID).Result()
	if err != nil {
		return fmt.Errorf("unknown user")
	}

	if _, err := s.sessions.TerminateAll(ctx, userID); err != nil {
		s.logger.Warn("session termination during erasure failed", "error", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, keyUser+username)
	pipe.Del(ctx, keyUserID+userID)
	pipe.Del(ctx, keyConsent+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.auditor.Log(ctx, audit.Entry{
		Type: audit.EventDataDeleted, Action: "gdpr_erasure",
		Actor: &audit.Actor{UserID: userID, Username: username},
	})
	return nil
}

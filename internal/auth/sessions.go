package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keySession      = "auth:session:"
	keyUserSessions = "auth:user_sessions:"
)

// Session is the server-side record behind a login.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionStore keeps sessions in Redis with a sliding TTL and a per-user
// index for bulk termination.
type SessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewSessionStore builds a session store.
func NewSessionStore(rdb redis.UniversalClient, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{rdb: rdb, ttl: ttl, now: time.Now}
}

// Create registers a new session for the user.
func (s *SessionStore) Create(ctx context.Context, userID, username, ip, userAgent string) (*Session, error) {
	now := s.now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Username:     username,
		IP:           ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keySession+sess.ID, data, s.ttl)
	pipe.SAdd(ctx, keyUserSessions+userID, sess.ID)
	pipe.Expire(ctx, keyUserSessions+userID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Validate loads the session, touches its last-activity stamp, and re-extends
// the TTL.
func (s *SessionStore) Validate(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.rdb.Get(ctx, keySession+sessionID).Bytes()
	if err != nil {
		return nil, ErrSessionNotFound
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrSessionNotFound
	}

	sess.LastActivity = s.now().UTC()
	updated, err := json.Marshal(&sess)
	if err == nil {
		s.rdb.Set(ctx, keySession+sessionID, updated, s.ttl)
	}
	return &sess, nil
}

// Terminate removes one session.
func (s *SessionStore) Terminate(ctx context.Context, sessionID string) error {
	data, err := s.rdb.Get(ctx, keySession+sessionID).Bytes()
	if err != nil {
		return ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err == nil {
		s.rdb.SRem(ctx, keyUserSessions+sess.UserID, sessionID)
	}
	return s.rdb.Del(ctx, keySession+sessionID).Err()
}

// TerminateAll removes every session the user has. Returns the count removed.
func (s *SessionStore) TerminateAll(ctx context.Context, userID string) (int, error) {
	ids, err := s.rdb.SMembers(ctx, keyUserSessions+userID).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := s.rdb.Del(ctx, keySession+id).Err(); err == nil {
			removed++
		}
	}
	s.rdb.Del(ctx, keyUserSessions+userID)
	return removed, nil
}

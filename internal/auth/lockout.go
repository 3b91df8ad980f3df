package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyFailed  = "auth:failed:"
	keyLockout = "auth:lockout:"
)

// Lockout tracks consecutive login failures per username and locks the
// account once the threshold is crossed within the window.
type Lockout struct {
	rdb         redis.UniversalClient
	maxFailures int
	window      time.Duration
	duration    time.Duration
}

// NewLockout builds a lockout tracker.
func NewLockout(rdb redis.UniversalClient, maxFailures int, window, duration time.Duration) *Lockout {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = 30 * time.Minute
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return &Lockout{rdb: rdb, maxFailures: maxFailures, window: window, duration: duration}
}

// IsLocked reports whether the account is currently locked and, if so, for
// how much longer.
func (l *Lockout) IsLocked(ctx context.Context, username string) (bool, time.Duration) {
	ttl, err := l.rdb.TTL(ctx, keyLockout+username).Result()
	if err != nil || ttl <= 0 {
		return false, 0
	}
	return true, ttl
}

// RecordFailure bumps the failure counter and returns true when the account
// just became locked.
func (l *Lockout) RecordFailure(ctx context.Context, username string) bool {
	key := keyFailed + username
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false
	}
	if n == 1 {
		l.rdb.Expire(ctx, key, l.window)
	}
	if int(n) >= l.maxFailures {
		l.rdb.Set(ctx, keyLockout+username, "1", l.duration)
		l.rdb.Del(ctx, key)
		return true
	}
	return false
}

// Clear resets the failure counter after a successful login.
func (l *Lockout) Clear(ctx context.Context, username string) {
	l.rdb.Del(ctx, keyFailed+username)
}

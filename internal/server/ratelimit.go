package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimits carries the per-identity quotas.
type RateLimits struct {
	PerMinute int
	PerHour   int
	Burst     int           // tokens in the short-window bucket
	BurstSpan time.Duration // bucket refill span
}

// Decision is the limiter's verdict plus the headers to report.
type Decision struct {
	Allowed    bool
	Window     string // which window rejected: minute, hour, burst
	RetryAfter time.Duration
	Minute     int // current minute-window count
	Hour       int
}

type clientCounters struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
	burst       *rate.Limiter
	lastSeen    time.Time
}

// RateLimiter enforces sliding minute/hour windows with a token-bucket
// burst guard, keyed by client identity (header if present, else peer
// address). Blocked IPs short-circuit to 403.
type RateLimiter struct {
	limits RateLimits
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientCounters
	blocked map[string]struct{}
}

// NewRateLimiter builds a limiter with the given quotas.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	if limits.PerMinute <= 0 {
		limits.PerMinute = 100
	}
	if limits.PerHour <= 0 {
		limits.PerHour = 1000
	}
	if limits.Burst <= 0 {
		limits.Burst = 10
	}
	if limits.BurstSpan <= 0 {
		limits.BurstSpan = 10 * time.Second
	}
	return &RateLimiter{
		limits:  limits,
		now:     time.Now,
		clients: make(map[string]*clientCounters),
		blocked: make(map[string]struct{}),
	}
}

// Block denies an IP outright.
func (l *RateLimiter) Block(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[ip] = struct{}{}
}

// Unblock removes an IP from the deny list.
func (l *RateLimiter) Unblock(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, ip)
}

// IsBlocked reports whether the IP is denied.
func (l *RateLimiter) IsBlocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blocked[ip]
	return ok
}

// Check counts one request against the identity's windows.
func (l *RateLimiter) Check(identity string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[identity]
	if !ok {
		c = &clientCounters{
			minuteStart: now,
			hourStart:   now,
			burst:       rate.NewLimiter(rate.Limit(float64(l.limits.Burst)/l.limits.BurstSpan.Seconds()), l.limits.Burst),
		}
		l.clients[identity] = c
	}
	c.lastSeen = now

	if now.Sub(c.minuteStart) >= time.Minute {
		c.minuteStart = now
		c.minuteCount = 0
	}
	if now.Sub(c.hourStart) >= time.Hour {
		c.hourStart = now
		c.hourCount = 0
	}

	switch {
	case c.minuteCount >= l.limits.PerMinute:
		return Decision{
			Window:     "minute",
			RetryAfter: time.Minute - now.Sub(c.minuteStart),
			Minute:     c.minuteCount,
			Hour:       c.hourCount,
		}
	case c.hourCount >= l.limits.PerHour:
		return Decision{
			Window:     "hour",
			RetryAfter: time.Hour - now.Sub(c.hourStart),
			Minute:     c.minuteCount,
			Hour:       c.hourCount,
		}
	case !c.burst.AllowN(now, 1):
		return Decision{
			Window:     "burst",
			RetryAfter: l.limits.BurstSpan,
			Minute:     c.minuteCount,
			Hour:       c.hourCount,
		}
	}

	c.minuteCount++
	c.hourCount++
	return Decision{Allowed: true, Minute: c.minuteCount, Hour: c.hourCount}
}

// Prune drops counters idle for over an hour. Called periodically.
func (l *RateLimiter) Prune() {
	cutoff := l.now().Add(-time.Hour)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}

// clientIdentity resolves the rate-limit key: explicit client header when
// present, else the peer IP.
func clientIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateHeaders(w http.ResponseWriter, limits RateLimits, d Decision) {
	w.Header().Set("X-RateLimit-Limit-Minute", strconv.Itoa(limits.PerMinute))
	w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(max(0, limits.PerMinute-d.Minute)))
	w.Header().Set("X-RateLimit-Limit-Hour", strconv.Itoa(limits.PerHour))
	w.Header().Set("X-RateLimit-Remaining-Hour", strconv.Itoa(max(0, limits.PerHour-d.Hour)))
}

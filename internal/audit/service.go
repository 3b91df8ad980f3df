package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyLastHash = "audit:last_hash"
	keyQueue    = "audit:queue"
	keyTimeline = "audit:timeline"
	keyEvent    = "audit:event:"
	keyUserIdx  = "audit:user:"
)

// Service is the audit log writer and query surface. All chain appends go
// through one mutex so the hash chain stays totally ordered.
type Service struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
	client *http.Client
	now    func() time.Time

	mu sync.Mutex // serializes chain head updates

	wg   sync.WaitGroup
	done chan struct{}
}

// Option customizes a Service.
type Option func(*Service)

// WithNow injects a clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHTTPClient replaces the sink HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// New builds an audit service. Call Start to launch the batch drainer.
func New(rdb redis.UniversalClient, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2555
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With("component", "audit"),
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background drainer that ships queued events to the
// external sink.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.drainLoop()
}

// Close stops the drainer after a final flush.
func (s *Service) Close() {
	close(s.done)
	s.wg.Wait()
}

// Log appends an event to the chain and returns its id. Redis failures fall
// back to the local file so the event is never silently lost.
func (s *Service) Log(ctx context.Context, e Entry) string {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		Type:      e.Type,
		Severity:  e.Severity,
		Actor:     e.Actor,
		Subject:   e.Subject,
		Action:    e.Action,
		Outcome:   e.Outcome,
		Details:   e.Details,
	}

	s.mu.Lock()
	prev, err := s.rdb.Get(ctx, keyLastHash).Result()
	if err != nil && err != redis.Nil {
		s.mu.Unlock()
		s.fileFallback(ev)
		return ev.ID
	}
	ev.PrevHash = prev
	ev.Hash = chainHash(ev, prev)

	if err := s.store(ctx, ev); err != nil {
		s.mu.Unlock()
		s.logger.Error("audit store failed, using file fallback", "error", err)
		s.fileFallback(ev)
		return ev.ID
	}
	if err := s.rdb.Set(ctx, keyLastHash, ev.Hash, 0).Err(); err != nil {
		s.logger.Error("audit chain head update failed", "error", err)
	}
	s.mu.Unlock()

	if s.cfg.SinkURL != "" {
		if ev.Severity == SeverityHigh || ev.Severity == SeverityCritical {
			// Critical events skip the queue.
			if err := s.ship(ctx, []Event{ev}); err != nil {
				s.enqueue(ctx, ev)
			}
		} else {
			s.enqueue(ctx, ev)
		}
	}
	return ev.ID
}

// chainHash computes the integrity hash linking an event to its predecessor.
func chainHash(ev Event, prev string) string {
	parts := []string{
		ev.ID,
		ev.Timestamp.Format(time.RFC3339Nano),
		string(ev.Type),
		ev.Action,
		string(ev.Outcome),
	}
	if ev.Actor != nil && ev.Actor.UserID != "" {
		parts = append(parts, ev.Actor.UserID)
	}
	if prev != "" {
		parts = append(parts, prev)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

func (s *Service) retention() time.Duration {
	return time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
}

func (s *Service) store(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyEvent+ev.ID, data, s.retention())
	score := float64(ev.Timestamp.UnixMilli())
	pipe.ZAdd(ctx, keyTimeline, redis.Z{Score: score, Member: ev.ID})
	if ev.Actor != nil && ev.Actor.UserID != "" {
		pipe.ZAdd(ctx, keyUserIdx+ev.Actor.UserID, redis.Z{Score: score, Member: ev.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Service) enqueue(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.RPush(ctx, keyQueue, data).Err(); err != nil {
		s.logger.Warn("audit enqueue failed", "error", err)
	}
}

func (s *Service) fileFallback(ev Event) {
	if s.cfg.FallbackPath == "" {
		return
	}
	f, err := os.OpenFile(s.cfg.FallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Error("audit fallback open failed", "error", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		s.logger.Error("audit fallback write failed", "error", err)
	}
}

// drainLoop ships queued events to the external sink in bounded batches.
func (s *Service) drainLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainOnce(context.Background())
		case <-s.done:
			s.drainOnce(context.Background())
			return
		}
	}
}

// drainOnce pops up to one batch off the queue and ships it. On sink failure
// the batch goes back on the queue.
func (s *Service) drainOnce(ctx context.Context) {
	if s.cfg.SinkURL == "" {
		return
	}

	raw, err := s.rdb.LPopCount(ctx, keyQueue, s.cfg.BatchSize).Result()
	if err != nil || len(raw) == 0 {
		return
	}

	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err == nil {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return
	}

	if err := s.ship(ctx, events); err != nil {
		s.logger.Warn("audit sink unavailable, re-enqueueing batch", "count", len(events), "error", err)
		for _, r := range raw {
			s.rdb.RPush(ctx, keyQueue, r)
		}
	}
}

func (s *Service) ship(ctx context.Context, events []Event) error {
	if s.cfg.SinkURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.SinkURL, "/")+"/batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.SinkKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.SinkKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return nil
}

// Query returns events matching the filter, newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	min, max := "-inf", "+inf"
	if !f.Start.IsZero() {
		min = fmt.Sprintf("%d", f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		max = fmt.Sprintf("%d", f.End.UnixMilli())
	}

	index := keyTimeline
	if f.UserID != "" {
		index = keyUserIdx + f.UserID
	}

	ids, err := s.rdb.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}

	var out []Event
	skipped := 0
	for _, id := range ids {
		if len(out) >= f.Limit {
			break
		}
		data, err := s.rdb.Get(ctx, keyEvent+id).Bytes()
		if err != nil {
			continue // expired from the hot store
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// VerifyChain checks that events form one unbroken chain segment starting at
// prevHash ("" for the genesis). Slice order does not matter; each event
// records the hash it was chained onto.
func VerifyChain(events []Event, prevHash string) bool {
	byPrev := make(map[string]Event, len(events))
	for _, ev := range events {
		if chainHash(ev, ev.PrevHash) != ev.Hash {
			return false
		}
		if _, dup := byPrev[ev.PrevHash]; dup {
			return false
		}
		byPrev[ev.PrevHash] = ev
	}

	prev := prevHash
	for range events {
		ev, ok := byPrev[prev]
		if !ok {
			return false
		}
		prev = ev.Hash
	}
	return true
}

// ComplianceReport summarizes a window for the given standard and verifies
// chain integrity over it.
func (s *Service) ComplianceReport(ctx context.Context, standard string, start, end time.Time) (Report, error) {
	standard = strings.ToUpper(standard)
	switch standard {
	case "SOC2", "ISO27001", "GDPR":
	default:
		return Report{}, fmt.Errorf("unknown compliance standard %q", standard)
	}

	events, err := s.Query(ctx, Filter{Start: start, End: end, Limit: 1000})
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		Standard:         standard,
		WindowStart:      start,
		WindowEnd:        end,
		GeneratedAt:      s.now().UTC(),
		TotalEvents:      len(events),
		EventsByType:     map[string]int{},
		EventsBySeverity: map[string]int{},
	}

	for _, ev := range events {
		rep.EventsByType[string(ev.Type)]++
		rep.EventsBySeverity[string(ev.Severity)]++
		if ev.Outcome != OutcomeSuccess {
			rep.FailureCount++
		}
		if ev.Type == EventSecurityAlert {
			rep.SecurityAlerts++
		}
	}

	rep.IntegrityVerified = verifyWindow(events)

	rep.Sections = map[string]string{}
	switch standard {
	case "GDPR":
		rep.Sections["data_subject_requests"] = fmt.Sprintf("%d access, %d erasure",
			rep.EventsByType[string(EventDataRequested)],
			rep.EventsByType[string(EventDataDeleted)])
		rep.Sections["consent_changes"] = fmt.Sprintf("%d given, %d withdrawn",
			rep.EventsByType[string(EventConsentGiven)],
			rep.EventsByType[string(EventConsentWithdrawn)])
	case "SOC2":
		rep.Sections["access_control"] = fmt.Sprintf("%d login failures",
			rep.EventsByType[string(EventLoginFailure)])
	case "ISO27001":
		rep.Sections["incidents"] = fmt.Sprintf("%d security alerts", rep.SecurityAlerts)
	}

	return rep, nil
}

// verifyWindow checks stored hashes and chain linkage over a query window.
// Every event must rehash correctly against its recorded predecessor, and
// every predecessor link must resolve inside the window, except in the
// window's oldest millisecond where retention expiry, the query bounds, or
// the result cap legitimately cut the chain.
func verifyWindow(events []Event) bool {
	if len(events) == 0 {
		return true
	}

	oldest := events[0].Timestamp
	hashes := make(map[string]struct{}, len(events))
	for _, ev := range events {
		hashes[ev.Hash] = struct{}{}
		if ev.Timestamp.Before(oldest) {
			oldest = ev.Timestamp
		}
	}

	edge := oldest.UnixMilli()
	for _, ev := range events {
		if chainHash(ev, ev.PrevHash) != ev.Hash {
			return false
		}
		if _, ok := hashes[ev.PrevHash]; ok {
			continue
		}
		if ev.Timestamp.UnixMilli() != edge {
			return false
		}
	}
	return true
}

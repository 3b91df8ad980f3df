// Package cache provides the Redis-backed response cache with transparent
// compression, group invalidation, and dependency tracking, plus a small
// in-process deduplication cache.
//
// The service never surfaces backend errors to callers: failed reads behave
// as misses and failed writes report false. A degraded Redis slows the
// gateway down, it does not take it down.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// compressedPrefix marks gzip-compressed values. The prefix is 11 bytes.
const compressedPrefix = "COMPRESSED:"

// Options configures the cache service.
type Options struct {
	DefaultTTL           time.Duration
	CompressionThreshold int
	Logger               *slog.Logger
}

// Service is the response cache.
type Service struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	threshold int
	logger    *slog.Logger

	mu     sync.Mutex
	groups map[string]map[string]struct{} // group -> member keys
	deps   map[string]map[string]struct{} // key -> dependent keys

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	opCount   atomic.Int64
	opNanos   atomic.Int64
}

// New builds a cache service over the given Redis client.
func New(rdb redis.UniversalClient, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		rdb:       rdb,
		ttl:       opts.DefaultTTL,
		threshold: opts.CompressionThreshold,
		logger:    logger.With("component", "cache"),
		groups:    make(map[string]map[string]struct{}),
		deps:      make(map[string]map[string]struct{}),
	}
}

// SetOptions carries per-entry write options.
type SetOptions struct {
	TTL       time.Duration
	Namespace string
	Groups    []string
	DependsOn []string
}

func fullKey(namespace, key string) string {
	if namespace == "" {
		namespace = "default"
	}
	return namespace + ":" + key
}

// Get returns the value stored under namespace:key, or ok=false on miss or
// backend failure.
func (s *Service) Get(ctx context.Context, key, namespace string) ([]byte, bool) {
	start := time.Now()
	defer s.observe(start)

	fk := fullKey(namespace, key)
	data, err := s.rdb.Get(ctx, fk).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("cache get failed", "key", key, "error", err)
		} else {
			// The entry expired in Redis; drop its index bookkeeping too.
			s.dropIndexed(fk)
		}
		s.misses.Add(1)
		return nil, false
	}

	out, err := s.decompress(data)
	if err != nil {
		s.logger.Warn("cache value corrupt", "key", key, "error", err)
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return out, true
}

// Set stores value under namespace:key. A zero TTL uses the service default;
// TTLs are always finite. Returns false when the write did not land.
func (s *Service) Set(ctx context.Context, key string, value []byte, opts SetOptions) bool {
	start := time.Now()
	defer s.observe(start)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	fk := fullKey(opts.Namespace, key)
	stored := s.compress(value)

	if err := s.rdb.Set(ctx, fk, stored, ttl).Err(); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}

	s.mu.Lock()
	for _, g := range opts.Groups {
		if s.groups[g] == nil {
			s.groups[g] = make(map[string]struct{})
		}
		s.groups[g][fk] = struct{}{}
	}
	for _, dep := range opts.DependsOn {
		dk := fullKey(opts.Namespace, dep)
		if s.deps[dk] == nil {
			s.deps[dk] = make(map[string]struct{})
		}
		s.deps[dk][fk] = struct{}{}
	}
	s.mu.Unlock()

	return true
}

// Delete removes namespace:key and everything that depends on it, one level
// transitively.
func (s *Service) Delete(ctx context.Context, key, namespace string) bool {
	fk := fullKey(namespace, key)
	return s.deleteKeys(ctx, []string{fk}) > 0
}

// InvalidateGroup removes every member of the group and their dependents.
// Returns the number of keys removed. Unknown groups remove nothing.
func (s *Service) InvalidateGroup(ctx context.Context, group string) int {
	s.mu.Lock()
	members := make([]string, 0, len(s.groups[group]))
	for k := range s.groups[group] {
		members = append(members, k)
	}
	delete(s.groups, group)
	s.mu.Unlock()

	if len(members) == 0 {
		return 0
	}
	return s.deleteKeys(ctx, members)
}

// dropIndexed removes a key that no longer exists in Redis from the group
// and dependency indexes, so TTL-expired entries do not accumulate there.
func (s *Service) dropIndexed(fk string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deps, fk)
	for k, dependents := range s.deps {
		delete(dependents, fk)
		if len(dependents) == 0 {
			delete(s.deps, k)
		}
	}
	for g, members := range s.groups {
		delete(members, fk)
		if len(members) == 0 {
			delete(s.groups, g)
		}
	}
}

// deleteKeys removes keys plus one level of dependents and cleans indexes.
func (s *Service) deleteKeys(ctx context.Context, keys []string) int {
	s.mu.Lock()
	expanded := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		expanded[k] = struct{}{}
		for dep := range s.deps[k] {
			expanded[dep] = struct{}{}
		}
		delete(s.deps, k)
	}
	for _, members := range s.groups {
		for k := range expanded {
			delete(members, k)
		}
	}
	s.mu.Unlock()

	all := make([]string, 0, len(expanded))
	for k := range expanded {
		all = append(all, k)
	}

	n, err := s.rdb.Del(ctx, all...).Result()
	if err != nil {
		s.logger.Warn("cache delete failed", "keys", len(all), "error", err)
		return 0
	}
	s.evictions.Add(n)
	return int(n)
}

// MGet fetches several keys from one namespace. Missing or failed keys are
// simply absent from the result.
func (s *Service) MGet(ctx context.Context, namespace string, keys ...string) map[string][]byte {
	start := time.Now()
	defer s.observe(start)

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = fullKey(namespace, k)
	}

	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		s.logger.Warn("cache mget failed", "error", err)
		s.misses.Add(int64(len(keys)))
		return nil
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.misses.Add(1)
			continue
		}
		data, err := s.decompress([]byte(str))
		if err != nil {
			s.misses.Add(1)
			continue
		}
		s.hits.Add(1)
		out[keys[i]] = data
	}
	return out
}

// MSet stores several keys in one namespace with a shared TTL.
func (s *Service) MSet(ctx context.Context, namespace string, values map[string][]byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = s.ttl
	}

	pipe := s.rdb.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, fullKey(namespace, k), s.compress(v), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("cache mset failed", "error", err)
		return false
	}
	return true
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	st := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: s.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	if ops := s.opCount.Load(); ops > 0 {
		st.AvgLatencyMs = float64(s.opNanos.Load()) / float64(ops) / 1e6
	}
	return st
}

func (s *Service) observe(start time.Time) {
	s.opCount.Add(1)
	s.opNanos.Add(time.Since(start).Nanoseconds())
}

func (s *Service) compress(value []byte) []byte {
	if len(value) <= s.threshold {
		return value
	}

	var buf bytes.Buffer
	buf.WriteString(compressedPrefix)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		return value
	}
	if err := zw.Close(); err != nil {
		return value
	}
	return buf.Bytes()
}

func (s *Service) decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressedPrefix)) {
		return data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data[len(compressedPrefix):]))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Fingerprint hashes a query together with its serialized context into a
// stable cache key.
func Fingerprint(query string, context []byte) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write(context)
	return hex.EncodeToString(h.Sum(nil))
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seekapa/copilot/internal/analyzer"
	"github.com/seekapa/copilot/internal/cache"
	"github.com/seekapa/copilot/internal/observability"
)

const (
	cacheNamespace = "llm"
	historyWindow  = 5
	recordCapacity = 1000
)

// Outcome is the terminal state of one model call.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeFallback Outcome = "fallback"
)

// Message is one chat turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a routed chat request.
type Request struct {
	Query   string
	History []Message
	Context map[string]any
	Stream  bool
}

// Result is a completed non-streaming call.
type Result struct {
	Reply   string
	Variant Variant
	Cached  bool
}

// RequestRecord is the immutable audit trail of one call, kept in a bounded
// ring buffer.
type RequestRecord struct {
	ID           string    `json:"id"`
	Variant      Variant   `json:"variant"`
	PromptTokens int       `json:"prompt_tokens"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	Outcome      Outcome   `json:"outcome"`
	ResponseHash string    `json:"response_hash,omitempty"`
}

// Config points the router at the model deployment endpoint.
type Config struct {
	Endpoint    string
	APIKey      string
	APIVersion  string
	Timeout     time.Duration
	CacheTTL    time.Duration
	DatasetName string
	Deployments map[string]string
	Temperature map[string]float64
}

type latencyStats struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	met   int64
}

// Router selects a variant per request, dispatches the call, and tracks
// latency and cost. Safe for concurrent use.
type Router struct {
	cfg      Config
	variants map[Variant]VariantConfig
	cache    *cache.Service
	metrics  *observability.Metrics
	logger   *slog.Logger
	client   *http.Client
	now      func() time.Time

	// Cost counters in milli-units so they stay integer and atomic.
	baselineMilli atomic.Int64
	actualMilli   atomic.Int64
	requests      atomic.Int64
	cacheHits     atomic.Int64
	fallbacks     atomic.Int64
	downgrades    atomic.Int64

	latencies map[Variant]*latencyStats

	recMu   sync.Mutex
	records []RequestRecord
	recNext int
}

// NewRouter builds the router. cacheSvc may be nil, which disables caching.
func NewRouter(cfg Config, cacheSvc *cache.Service, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.DatasetName == "" {
		cfg.DatasetName = "DS-Axia"
	}
	if logger == nil {
		logger = slog.Default()
	}

	variants := buildVariants(cfg.Deployments, cfg.Temperature)
	lat := make(map[Variant]*latencyStats, len(variants))
	for v := range variants {
		lat[v] = &latencyStats{}
	}

	return &Router{
		cfg:       cfg,
		variants:  variants,
		cache:     cacheSvc,
		metrics:   metrics,
		logger:    logger.With("component", "llm"),
		client:    &http.Client{Timeout: cfg.Timeout},
		now:       time.Now,
		latencies: lat,
		records:   make([]RequestRecord, 0, recordCapacity),
	}
}

// WithHTTPClient replaces the HTTP client, for tests.
func (r *Router) WithHTTPClient(c *http.Client) *Router {
	r.client = c
	return r
}

// Variants returns the fixed tier table.
func (r *Router) Variants() map[Variant]VariantConfig { return r.variants }

// route picks the variant for a request and counts downgrades.
func (r *Router) route(req Request) (VariantConfig, SelectOptions) {
	opts := optionsFromContext(req.Context)
	tokens := analyzer.CountTokens(req.Query)
	level, _ := analyzer.Classify(req.Query)
	indicators := len(analyzer.Analyze(req.Query).ComplexityIndicators)

	v, downgraded := SelectVariant(tokens, level, indicators, opts)
	if downgraded {
		r.downgrades.Add(1)
	}
	return r.variants[v], opts
}

func optionsFromContext(ctx map[string]any) SelectOptions {
	var opts SelectOptions
	if ctx == nil {
		return opts
	}
	if v, ok := ctx["preferred_model"].(string); ok {
		opts.Preferred = normalizeVariant(v)
	}
	opts.HighAccuracy, _ = ctx["high_accuracy"].(bool)
	opts.RealTime, _ = ctx["real_time"].(bool)
	return opts
}

// normalizeVariant accepts both tier names and deployment names.
func normalizeVariant(s string) Variant {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nano", "gpt-5-nano":
		return VariantNano
	case "mini", "gpt-5-mini":
		return VariantMini
	case "chat", "gpt-5-chat":
		return VariantChat
	case "full", "gpt-5":
		return VariantFull
	}
	return ""
}

func canonicalContext(ctx map[string]any) []byte {
	if len(ctx) == 0 {
		return nil
	}
	// encoding/json sorts map keys, giving a stable serialization.
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	return data
}

// Chat serves a non-streaming request. It never returns an error: upstream
// failures yield a deterministic fallback reply.
func (r *Router) Chat(ctx context.Context, req Request) Result {
	vc, opts := r.route(req)
	key := cache.Fingerprint(req.Query, canonicalContext(req.Context))

	if r.cache != nil {
		if data, ok := r.cache.Get(ctx, key, cacheNamespace); ok {
			r.accountCacheHit()
			r.observeCall(vc, OutcomeOK, 0, analyzer.CountTokens(req.Query), data, false)
			if r.metrics != nil {
				r.metrics.LLMRequestCounter.WithLabelValues(string(vc.Variant), "cached").Inc()
			}
			return Result{Reply: string(data), Variant: vc.Variant, Cached: true}
		}
	}

	messages := r.buildMessages(vc, opts, req)
	start := r.now()
	reply, err := r.complete(ctx, vc, messages)
	latency := r.now().Sub(start)
	promptTokens := analyzer.CountTokens(req.Query)

	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		r.logger.Warn("model call failed", "variant", vc.Variant, "outcome", outcome, "error", err)
		r.fallbacks.Add(1)
		r.account(vc)
		r.observeCall(vc, outcome, latency, promptTokens, nil, true)
		return Result{Reply: r.fallbackMessage(vc), Variant: vc.Variant}
	}

	r.account(vc)
	r.observeCall(vc, OutcomeOK, latency, promptTokens, []byte(reply), true)
	if r.cache != nil {
		r.cache.Set(ctx, key, []byte(reply), cache.SetOptions{
			TTL:       r.cfg.CacheTTL,
			Namespace: cacheNamespace,
		})
	}
	return Result{Reply: reply, Variant: vc.Variant}
}

// ChatStream serves a streaming request. Deltas arrive on the returned
// channel, which closes when the stream ends. Failures deliver the fallback
// message as a single delta.
func (r *Router) ChatStream(ctx context.Context, req Request) (<-chan string, Variant) {
	vc, opts := r.route(req)
	out := make(chan string, 16)

	go func() {
		defer close(out)

		messages := r.buildMessages(vc, opts, req)
		start := r.now()
		promptTokens := analyzer.CountTokens(req.Query)

		err := r.stream(ctx, vc, messages, out)
		latency := r.now().Sub(start)
		r.account(vc)

		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = OutcomeTimeout
			}
			r.logger.Warn("model stream failed", "variant", vc.Variant, "error", err)
			r.fallbacks.Add(1)
			r.observeCall(vc, outcome, latency, promptTokens, nil, true)
			select {
			case out <- r.fallbackMessage(vc):
			case <-ctx.Done():
			}
			return
		}
		r.observeCall(vc, OutcomeOK, latency, promptTokens, nil, true)
	}()

	return out, vc.Variant
}

func (r *Router) buildMessages(vc VariantConfig, opts SelectOptions, req Request) []Message {
	history := req.History
	if len(history) > historyWindow*2 {
		history = history[len(history)-historyWindow*2:]
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{
		Role:    "system",
		Content: BuildSystemPrompt(vc, r.cfg.DatasetName, opts, r.now()),
	})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: req.Query})
	return messages
}

func (r *Router) endpoint(vc VariantConfig) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(r.cfg.Endpoint, "/"), vc.Deployment, r.cfg.APIVersion)
}

func (r *Router) requestBody(vc VariantConfig, messages []Message, stream bool) ([]byte, error) {
	maxTokens := vc.MaxTokens
	if maxTokens > 4000 {
		maxTokens = 4000
	}
	return json.Marshal(map[string]any{
		"messages":              messages,
		"max_completion_tokens": maxTokens,
		"stream":                stream,
		"temperature":           vc.Temperature,
		"top_p":                 vc.TopP,
		"frequency_penalty":     vc.FrequencyPenalty,
		"presence_penalty":      vc.PresencePenalty,
	})
}

func (r *Router) newRequest(ctx context.Context, vc VariantConfig, messages []Message, stream bool) (*http.Request, error) {
	body, err := r.requestBody(vc, messages, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(vc), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", r.cfg.APIKey)
	return req, nil
}

// complete performs one non-streaming call.
func (r *Router) complete(ctx context.Context, vc VariantConfig, messages []Message) (string, error) {
	httpReq, err := r.newRequest(ctx, vc, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("model service returned %d", resp.StatusCode)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// stream reads server-sent events until the [DONE] sentinel, forwarding
// content deltas to out.
func (r *Router) stream(ctx context.Context, vc VariantConfig, messages []Message, out chan<- string) error {
	httpReq, err := r.newRequest(ctx, vc, messages, true)
	if err != nil {
		return err
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("model service returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			select {
			case out <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return scanner.Err()
}

func (r *Router) fallbackMessage(vc VariantConfig) string {
	return fmt.Sprintf("I encountered an issue with the %s model. "+
		"Please try again or rephrase your question. "+
		"I can still help you understand the %s dataset structure.",
		vc.Deployment, r.cfg.DatasetName)
}

// account books one served request against the cost counters.
func (r *Router) account(vc VariantConfig) {
	full := r.variants[VariantFull].CostWeight
	r.baselineMilli.Add(int64(full * 1000))
	r.actualMilli.Add(int64(vc.CostWeight * 1000))
	r.requests.Add(1)
	if r.metrics != nil {
		r.metrics.LLMCostUnits.WithLabelValues("baseline").Add(full)
		r.metrics.LLMCostUnits.WithLabelValues("actual").Add(vc.CostWeight)
	}
}

// accountCacheHit books a cache hit: full baseline, zero actual.
func (r *Router) accountCacheHit() {
	full := r.variants[VariantFull].CostWeight
	r.baselineMilli.Add(int64(full * 1000))
	r.requests.Add(1)
	r.cacheHits.Add(1)
	if r.metrics != nil {
		r.metrics.LLMCostUnits.WithLabelValues("baseline").Add(full)
	}
}

// observeCall records latency stats and appends a request record.
func (r *Router) observeCall(vc VariantConfig, outcome Outcome, latency time.Duration, promptTokens int, response []byte, timed bool) {
	now := r.now()

	if timed {
		st := r.latencies[vc.Variant]
		st.mu.Lock()
		st.count++
		st.sum += latency
		if latency <= vc.TargetLatency {
			st.met++
		}
		st.mu.Unlock()

		if r.metrics != nil {
			r.metrics.LLMRequestDuration.WithLabelValues(string(vc.Variant)).Observe(latency.Seconds())
			status := "success"
			if outcome != OutcomeOK {
				status = string(outcome)
			}
			r.metrics.LLMRequestCounter.WithLabelValues(string(vc.Variant), status).Inc()
		}
	}

	rec := RequestRecord{
		ID:           uuid.NewString(),
		Variant:      vc.Variant,
		PromptTokens: promptTokens,
		StartedAt:    now.Add(-latency),
		CompletedAt:  now,
		Outcome:      outcome,
	}
	if len(response) > 0 {
		sum := sha256.Sum256(response)
		rec.ResponseHash = hex.EncodeToString(sum[:8])
	}

	r.recMu.Lock()
	if len(r.records) < recordCapacity {
		r.records = append(r.records, rec)
	} else {
		r.records[r.recNext] = rec
		r.recNext = (r.recNext + 1) % recordCapacity
	}
	r.recMu.Unlock()
}

// Records returns a snapshot of the request ring buffer.
func (r *Router) Records() []RequestRecord {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	out := make([]RequestRecord, len(r.records))
	copy(out, r.records)
	return out
}

// VariantStats summarizes one tier's observed latency.
type VariantStats struct {
	Requests         int64   `json:"requests"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	TargetLatencyMs  int64   `json:"target_latency_ms"`
	TargetMetPercent float64 `json:"target_met_percent"`
}

// Report is the cost optimization summary.
type Report struct {
	TotalRequests  int64                   `json:"total_requests"`
	BaselineCost   float64                 `json:"baseline_cost"`
	ActualCost     float64                 `json:"actual_cost"`
	TotalSaved     float64                 `json:"total_saved"`
	SavingsPercent float64                 `json:"savings_percent"`
	CacheHits      int64                   `json:"cache_hits"`
	CacheHitRate   float64                 `json:"cache_hit_rate"`
	Fallbacks      int64                   `json:"fallbacks"`
	Downgrades     int64                   `json:"downgrades"`
	Variants       map[string]VariantStats `json:"variants"`
}

// Report returns the current cost and latency summary.
func (r *Router) Report() Report {
	baseline := float64(r.baselineMilli.Load()) / 1000
	actual := float64(r.actualMilli.Load()) / 1000
	total := r.requests.Load()

	rep := Report{
		TotalRequests: total,
		BaselineCost:  baseline,
		ActualCost:    actual,
		TotalSaved:    baseline - actual,
		CacheHits:     r.cacheHits.Load(),
		Fallbacks:     r.fallbacks.Load(),
		Downgrades:    r.downgrades.Load(),
		Variants:      map[string]VariantStats{},
	}
	if baseline > 0 {
		rep.SavingsPercent = (baseline - actual) / baseline * 100
	}
	if total > 0 {
		rep.CacheHitRate = float64(rep.CacheHits) / float64(total) * 100
	}

	for v, st := range r.latencies {
		st.mu.Lock()
		if st.count > 0 {
			rep.Variants[string(v)] = VariantStats{
				Requests:         st.count,
				AvgLatencyMs:     float64(st.sum.Milliseconds()) / float64(st.count),
				TargetLatencyMs:  r.variants[v].TargetLatency.Milliseconds(),
				TargetMetPercent: float64(st.met) / float64(st.count) * 100,
			}
		}
		st.mu.Unlock()
	}
	return rep
}

// ValidateAll probes every variant with a minimal request and reports
// per-tier health.
func (r *Router) ValidateAll(ctx context.Context) map[string]any {
	out := make(map[string]any, len(r.variants))
	for _, v := range tierOrder {
		vc := r.variants[v]
		start := r.now()
		_, err := r.complete(ctx, vc, []Message{{Role: "user", Content: "ping"}})
		latency := r.now().Sub(start)

		status := map[string]any{
			"deployment": vc.Deployment,
			"latency_ms": latency.Milliseconds(),
			"healthy":    err == nil,
		}
		if err != nil {
			status["error"] = err.Error()
		}
		out[string(v)] = status
	}
	return out
}

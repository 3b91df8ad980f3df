package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/seekapa/copilot/internal/backoff"
	"github.com/seekapa/copilot/internal/config"
	"github.com/seekapa/copilot/internal/observability"
)

// errAsyncTimeout marks a 202 dispatch whose callback never arrived.
var errAsyncTimeout = errors.New("callback wait ceiling exceeded")

type callbackResult struct {
	result map[string]any
	errMsg string
}

// Orchestrator owns workflow definitions and executions. Definitions allow
// concurrent reads; execution status transitions happen under each
// execution's own lock.
type Orchestrator struct {
	cfg      config.WorkflowConfig
	client   *http.Client
	logger   *slog.Logger
	metrics  *observability.Metrics
	verifier *Verifier
	retry    backoff.Policy
	tick     time.Duration
	now      func() time.Time

	mu            sync.Mutex
	definitions   map[string]*Definition
	schedules     map[string]cron.Schedule
	nextRun       map[string]time.Time
	executions    map[string]*execState
	order         []string
	subscriptions map[string][]string

	total     int64
	succeeded int64
	failed    int64
	durSum    time.Duration

	cbMu      sync.Mutex
	callbacks map[string]chan callbackResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts the orchestrator.
type Option func(*Orchestrator)

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithHTTPClient replaces the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithRetryPolicy overrides the retry delays, for tests.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithTick overrides the scheduler interval, for tests.
func WithTick(d time.Duration) Option {
	return func(o *Orchestrator) { o.tick = d }
}

// New builds the orchestrator with the predefined workflows registered.
func New(cfg config.WorkflowConfig, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 300 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = time.Minute
	}

	o := &Orchestrator{
		cfg:           cfg,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "workflow"),
		metrics:       metrics,
		verifier:      NewVerifier(cfg.WebhookSecret),
		retry:         backoff.Linear(cfg.RetryStep, cfg.RetryCeiling),
		tick:          time.Minute,
		now:           time.Now,
		definitions:   make(map[string]*Definition),
		schedules:     make(map[string]cron.Schedule),
		nextRun:       make(map[string]time.Time),
		executions:    make(map[string]*execState),
		subscriptions: defaultSubscriptions(),
		callbacks:     make(map[string]chan callbackResult),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.verifier.now = o.now

	for _, def := range predefinedDefinitions() {
		if err := o.register(def); err != nil {
			o.logger.Error("register predefined workflow", "workflow", def.Name, "error", err)
		}
	}
	return o
}

// Verifier exposes the callback verifier to the HTTP surface.
func (o *Orchestrator) Verifier() *Verifier { return o.verifier }

// CreateDefinition registers a new workflow. Scheduled definitions must
// carry a valid cron expression under config["schedule"].
func (o *Orchestrator) CreateDefinition(name string, kind Kind, trigger Trigger, cfgMap map[string]any) (*Definition, error) {
	def := &Definition{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Trigger:   trigger,
		Config:    cfgMap,
		Enabled:   true,
		CreatedAt: o.now(),
	}
	if v, ok := cfgMap["schedule"].(string); ok {
		def.Schedule = v
	}
	if v, ok := cfgMap["retry_on_failure"].(bool); ok {
		def.RetryOnFailure = v
	}
	def.MaxRetries = o.cfg.MaxRetries
	if v, ok := cfgMap["max_retries"].(int); ok && v > 0 {
		def.MaxRetries = v
	}

	if err := o.register(def); err != nil {
		return nil, err
	}
	o.logger.Info("workflow created", "workflow", name, "id", def.ID, "trigger", trigger)
	return def, nil
}

func (o *Orchestrator) register(def *Definition) error {
	var sched cron.Schedule
	if def.Trigger == TriggerScheduled {
		if def.Schedule == "" {
			return fmt.Errorf("scheduled workflow %q has no schedule expression", def.Name)
		}
		var err error
		sched, err = cron.ParseStandard(def.Schedule)
		if err != nil {
			return fmt.Errorf("parse schedule %q: %w", def.Schedule, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.definitions[def.ID] = def
	if sched != nil {
		o.schedules[def.ID] = sched
		o.nextRun[def.ID] = sched.Next(o.now())
	}
	return nil
}

// Definitions lists all registered workflows.
func (o *Orchestrator) Definitions() []Definition {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Definition, 0, len(o.definitions))
	for _, def := range o.definitions {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefinitionByName finds a workflow by its human name.
func (o *Orchestrator) DefinitionByName(name string) (*Definition, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, def := range o.definitions {
		if def.Name == name {
			return def, true
		}
	}
	return nil, false
}

// SetEnabled flips a definition on or off.
func (o *Orchestrator) SetEnabled(defID string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.definitions[defID]
	if !ok {
		return ErrDefinitionNotFound
	}
	def.Enabled = enabled
	return nil
}

// Execute runs a workflow synchronously, retrying per the definition. The
// returned execution is terminal.
func (o *Orchestrator) Execute(ctx context.Context, defID string, payload map[string]any) (Execution, error) {
	o.mu.Lock()
	def, ok := o.definitions[defID]
	if !ok {
		o.mu.Unlock()
		return Execution{}, ErrDefinitionNotFound
	}
	if !def.Enabled {
		o.mu.Unlock()
		return Execution{}, ErrDefinitionDisabled
	}

	exec := &execState{Execution: Execution{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Workflow:     def.Name,
		Status:       StatusPending,
		StartedAt:    o.now(),
		Payload:      payload,
	}}
	o.executions[exec.ID] = exec
	o.order = append(o.order, exec.ID)
	o.total++
	o.mu.Unlock()

	o.run(ctx, def, exec)
	return exec.snapshot(), nil
}

// Execution looks up a run by id.
func (o *Orchestrator) Execution(id string) (Execution, bool) {
	o.mu.Lock()
	exec, ok := o.executions[id]
	o.mu.Unlock()
	if !ok {
		return Execution{}, false
	}
	return exec.snapshot(), true
}

// History returns execution snapshots, newest first. A zero status matches
// everything.
func (o *Orchestrator) History(limit int, status Status) []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Execution, 0, limit)
	for i := len(o.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		exec := o.executions[o.order[i]]
		snap := exec.snapshot()
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, def *Definition, exec *execState) {
	start := o.now()

	for {
		exec.setStatus(StatusRunning)

		result, err := o.dispatch(ctx, def, exec)
		if err == nil {
			o.finish(exec, StatusCompleted, result, nil, start)
			return
		}
		if errors.Is(err, errAsyncTimeout) {
			o.finish(exec, StatusTimedOut, nil, err, start)
			return
		}
		if ctx.Err() != nil {
			o.finish(exec, StatusCancelled, nil, ctx.Err(), start)
			return
		}

		exec.mu.Lock()
		retries := exec.RetryCount
		exec.mu.Unlock()

		if def.RetryOnFailure && retries < def.MaxRetries {
			exec.mu.Lock()
			exec.RetryCount++
			retries = exec.RetryCount
			exec.Status = StatusRetrying
			exec.mu.Unlock()

			o.mu.Lock()
			def.RetryCount = retries
			o.mu.Unlock()

			o.logger.Warn("workflow failed, retrying",
				"workflow", def.Name, "execution", exec.ID,
				"attempt", retries, "max", def.MaxRetries, "error", err)

			if serr := backoff.Sleep(ctx, o.retry.Delay(retries)); serr != nil {
				o.finish(exec, StatusCancelled, nil, serr, start)
				return
			}
			continue
		}

		o.finish(exec, StatusFailed, nil, err, start)
		o.Notify(context.WithoutCancel(ctx), "workflow_failed", map[string]any{
			"execution_id": exec.ID,
			"workflow":     def.Name,
			"error":        err.Error(),
			"retry_count":  retries,
		})
		return
	}
}

func (o *Orchestrator) finish(exec *execState, status Status, result map[string]any, err error, start time.Time) {
	end := o.now()

	exec.mu.Lock()
	exec.Status = status
	exec.FinishedAt = end
	exec.Duration = end.Sub(start)
	exec.Result = result
	if err != nil {
		exec.Error = err.Error()
	}
	duration := exec.Duration
	exec.mu.Unlock()

	o.mu.Lock()
	switch status {
	case StatusCompleted:
		o.succeeded++
		o.durSum += duration
	default:
		o.failed++
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.WorkflowExecutions.WithLabelValues(exec.Workflow, string(status)).Inc()
		o.metrics.WorkflowDuration.WithLabelValues(exec.Workflow).Observe(duration.Seconds())
	}

	if status == StatusCompleted {
		o.logger.Info("workflow completed", "workflow", exec.Workflow, "execution", exec.ID, "duration", duration)
	} else {
		o.logger.Error("workflow finished abnormally", "workflow", exec.Workflow, "execution", exec.ID, "status", status, "error", exec.Error)
	}
}

// dispatch POSTs the execution to the workflow service and interprets the
// reply: 2xx completes, 202 waits on the callback channel, anything else
// fails.
func (o *Orchestrator) dispatch(ctx context.Context, def *Definition, exec *execState) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"execution_id": exec.ID,
		"workflow":     def.Name,
		"type":         def.Kind,
		"timestamp":    o.now().Format(time.RFC3339),
		"callback_url": strings.TrimRight(o.cfg.CallbackBaseURL, "/") + "/api/v1/workflows/callback",
		"config":       def.Config,
		"payload":      exec.Payload,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan callbackResult, 1)
	o.cbMu.Lock()
	o.callbacks[exec.ID] = ch
	o.cbMu.Unlock()
	defer func() {
		o.cbMu.Lock()
		delete(o.callbacks, exec.ID)
		o.cbMu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, o.verifier.Sign(body))
	req.Header.Set(HeaderTimestamp, o.now().Format(time.RFC3339))

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return o.awaitCallback(ctx, ch)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			result = map[string]any{"status": resp.StatusCode}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("workflow service returned %d", resp.StatusCode)
	}
}

func (o *Orchestrator) awaitCallback(ctx context.Context, ch <-chan callbackResult) (map[string]any, error) {
	timer := time.NewTimer(o.cfg.CallbackTimeout)
	defer timer.Stop()

	select {
	case cb := <-ch:
		if cb.errMsg != "" {
			return nil, errors.New(cb.errMsg)
		}
		return cb.result, nil
	case <-timer.C:
		return nil, errAsyncTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callbackPayload is the wire form of an asynchronous completion.
type callbackPayload struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// HandleCallback verifies and applies an asynchronous completion from the
// workflow service. Invalid signatures or stale timestamps discard the
// callback.
func (o *Orchestrator) HandleCallback(body []byte, signature, timestamp string) error {
	if err := o.verifier.VerifyRequest(body, signature, timestamp); err != nil {
		o.logger.Warn("callback rejected", "error", err)
		return err
	}

	var cb callbackPayload
	if err := json.Unmarshal(body, &cb); err != nil {
		return fmt.Errorf("decode callback: %w", err)
	}
	if cb.ExecutionID == "" {
		return fmt.Errorf("callback missing execution_id")
	}

	res := callbackResult{result: cb.Result}
	if cb.Status == "failed" || cb.Error != "" {
		res.errMsg = cb.Error
		if res.errMsg == "" {
			res.errMsg = "workflow service reported failure"
		}
	}

	o.cbMu.Lock()
	ch, waiting := o.callbacks[cb.ExecutionID]
	o.cbMu.Unlock()

	if waiting {
		// Mark before waking the waiter so the terminal snapshot sees it.
		o.markCallbackReceived(cb.ExecutionID)
		select {
		case ch <- res:
		default:
		}
		return nil
	}

	// Late callback after the wait ceiling: record it, do not resurrect the
	// execution.
	o.markCallbackReceived(cb.ExecutionID)
	o.logger.Info("late workflow callback", "execution", cb.ExecutionID, "status", cb.Status)
	return nil
}

func (o *Orchestrator) markCallbackReceived(execID string) {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	o.mu.Unlock()
	if !ok {
		return
	}
	exec.mu.Lock()
	exec.CallbackReceived = true
	exec.mu.Unlock()
}

// Subscribe adds a notification endpoint for a subscription key.
func (o *Orchestrator) Subscribe(key, endpoint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscriptions[key] = append(o.subscriptions[key], endpoint)
}

// Notify fans a signed notification out to every subscriber of key. Failures
// are logged, not returned; notifications are best effort.
func (o *Orchestrator) Notify(ctx context.Context, key string, payload map[string]any) {
	o.mu.Lock()
	endpoints := append([]string(nil), o.subscriptions[key]...)
	o.mu.Unlock()
	if len(endpoints) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{
		"event":     key,
		"timestamp": o.now().Format(time.RFC3339),
		"payload":   payload,
	})
	if err != nil {
		return
	}
	sig := o.verifier.Sign(body)
	ts := o.now().Format(time.RFC3339)

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				o.logger.Warn("notify request", "event", key, "endpoint", endpoint, "error", err)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(HeaderSignature, sig)
			req.Header.Set(HeaderTimestamp, ts)

			resp, err := o.client.Do(req)
			if err != nil {
				o.logger.Warn("notify failed", "event", key, "endpoint", endpoint, "error", err)
				return
			}
			resp.Body.Close()
		}(endpoint)
	}
	wg.Wait()
}

// TriggerEvent fans an event payload out to every definition subscribed to
// the key, one execution per subscriber. Used by the webhook surface for
// change/event triggers.
func (o *Orchestrator) TriggerEvent(ctx context.Context, key string, payload map[string]any) []Execution {
	o.mu.Lock()
	var due []*Definition
	for _, def := range o.definitions {
		if !def.Enabled {
			continue
		}
		if def.Trigger != TriggerChange && def.Trigger != TriggerEvent {
			continue
		}
		if keys, ok := def.Config["event_keys"].([]string); ok {
			for _, k := range keys {
				if k == key {
					due = append(due, def)
					break
				}
			}
		}
	}
	o.mu.Unlock()

	out := make([]Execution, 0, len(due))
	for _, def := range due {
		exec, err := o.Execute(ctx, def.ID, payload)
		if err != nil {
			o.logger.Error("event trigger", "workflow", def.Name, "error", err)
			continue
		}
		out = append(out, exec)
	}
	return out
}

// Start launches the scheduler loop. It evaluates every scheduled
// definition once per tick and enqueues due ones.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.runDue(ctx)
			}
		}
	}()
}

// Close stops the scheduler and waits for in-flight scheduled runs.
func (o *Orchestrator) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) runDue(ctx context.Context) {
	now := o.now()

	o.mu.Lock()
	var due []string
	for id, next := range o.nextRun {
		def := o.definitions[id]
		if def == nil || !def.Enabled {
			continue
		}
		if !next.After(now) {
			due = append(due, id)
			o.nextRun[id] = o.schedules[id].Next(now)
		}
	}
	o.mu.Unlock()

	for _, id := range due {
		o.wg.Add(1)
		go func(id string) {
			defer o.wg.Done()
			if _, err := o.Execute(ctx, id, nil); err != nil {
				o.logger.Error("scheduled execution", "definition", id, "error", err)
			}
		}(id)
	}
}

// Stats summarizes orchestrator health for the metrics endpoint.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := 0
	for _, exec := range o.executions {
		switch exec.currentStatus() {
		case StatusPending, StatusRunning, StatusRetrying:
			active++
		}
	}

	var successRate, avgDuration float64
	if o.total > 0 {
		successRate = float64(o.succeeded) / float64(o.total) * 100
	}
	if o.succeeded > 0 {
		avgDuration = o.durSum.Seconds() / float64(o.succeeded)
	}

	return map[string]any{
		"total_executions":         o.total,
		"successful_executions":    o.succeeded,
		"failed_executions":        o.failed,
		"success_rate":             successRate,
		"average_duration_seconds": avgDuration,
		"active_executions":        active,
		"definitions":              len(o.definitions),
		"scheduled_workflows":      len(o.schedules),
	}
}

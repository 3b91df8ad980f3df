package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seekapa/copilot/internal/backoff"
	"github.com/seekapa/copilot/internal/config"
)

const testWebhookSecret = "orchestrator-test-secret"

func newTestOrchestrator(t *testing.T, serviceURL string, opts ...Option) *Orchestrator {
	t.Helper()
	cfg := config.WorkflowConfig{
		ServiceURL:      serviceURL,
		CallbackBaseURL: "http://copilot.internal",
		CallbackTimeout: 2 * time.Second,
		WebhookSecret:   testWebhookSecret,
		MaxRetries:      3,
		RetryStep:       time.Minute,
	}
	opts = append([]Option{WithRetryPolicy(backoff.Policy{})}, opts...)
	return New(cfg, nil, nil, opts...)
}

func TestPredefinedDefinitionsRegistered(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")

	defs := o.Definitions()
	if len(defs) != 4 {
		t.Fatalf("definitions = %d, want 4", len(defs))
	}

	byName := map[string]Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}

	refresh := byName["dataset_refresh"]
	if refresh.Schedule != "0 6 * * *" || !refresh.RetryOnFailure {
		t.Errorf("dataset_refresh = %+v", refresh)
	}
	if byName["weekly_report"].Schedule != "0 8 * * 1" {
		t.Errorf("weekly_report schedule = %q", byName["weekly_report"].Schedule)
	}
	if byName["performance_alerts"].Trigger != TriggerChange {
		t.Errorf("performance_alerts trigger = %s", byName["performance_alerts"].Trigger)
	}
	if byName["data_analysis"].Trigger != TriggerEvent {
		t.Errorf("data_analysis trigger = %s", byName["data_analysis"].Trigger)
	}
}

func TestExecuteCompleted(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)

		v := NewVerifier(testWebhookSecret)
		if err := v.Verify(data, r.Header.Get(HeaderSignature)); err != nil {
			t.Errorf("outbound signature invalid: %v", err)
		}
		fmt.Fprint(w, `{"refreshed":true}`)
	}))
	defer backend.Close()

	o := newTestOrchestrator(t, backend.URL)
	def, _ := o.DefinitionByName("dataset_refresh")

	exec, err := o.Execute(context.Background(), def.ID, map[string]any{"dataset": "axia"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if exec.Result["refreshed"] != true {
		t.Errorf("result = %v", exec.Result)
	}
	if gotBody["execution_id"] != exec.ID {
		t.Errorf("dispatched execution_id = %v", gotBody["execution_id"])
	}
	if cb, _ := gotBody["callback_url"].(string); cb != "http://copilot.internal/api/v1/workflows/callback" {
		t.Errorf("callback_url = %q", cb)
	}

	stats := o.Stats()
	if stats["successful_executions"] != int64(1) {
		t.Errorf("stats = %v", stats)
	}
}

func TestExecutionLookupReturnsCopy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer backend.Close()

	o := newTestOrchestrator(t, backend.URL)
	def, _ := o.DefinitionByName("dataset_refresh")

	exec, err := o.Execute(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, ok := o.Execution(exec.ID)
	if !ok || got.ID != exec.ID {
		t.Fatalf("lookup = %+v, %v", got, ok)
	}

	got.Status = StatusCancelled
	if again, _ := o.Execution(exec.ID); again.Status != StatusCompleted {
		t.Errorf("stored execution mutated through a returned copy: %s", again.Status)
	}
}

func TestExecuteUnknownDefinition(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")
	if _, err := o.Execute(context.Background(), "missing", nil); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("err = %v, want ErrDefinitionNotFound", err)
	}
}

func TestExecuteDisabledDefinition(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")
	def, _ := o.DefinitionByName("dataset_refresh")

	if err := o.SetEnabled(def.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := o.Execute(context.Background(), def.ID, nil); !errors.Is(err, ErrDefinitionDisabled) {
		t.Errorf("err = %v, want ErrDefinitionDisabled", err)
	}
}

func TestExecuteRetriesThenFails(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	var notified atomic.Int64
	var notifyBody []byte
	var mu sync.Mutex
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notified.Add(1)
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		notifyBody = data
		mu.Unlock()
	}))
	defer sink.Close()

	o := newTestOrchestrator(t, backend.URL)
	o.Subscribe("workflow_failed", sink.URL)

	def, _ := o.DefinitionByName("dataset_refresh") // retry_on_failure, max 3
	exec, err := o.Execute(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if exec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if exec.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", exec.RetryCount)
	}
	// Initial attempt plus three retries.
	if calls.Load() != 4 {
		t.Errorf("service calls = %d, want 4", calls.Load())
	}
	if notified.Load() != 1 {
		t.Errorf("workflow_failed notifications = %d, want 1", notified.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	var note map[string]any
	json.Unmarshal(notifyBody, &note)
	if note["event"] != "workflow_failed" {
		t.Errorf("notification event = %v", note["event"])
	}
}

func TestExecuteNoRetryWithoutFlag(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	o := newTestOrchestrator(t, backend.URL)
	def, _ := o.DefinitionByName("weekly_report") // no retry_on_failure

	exec, _ := o.Execute(context.Background(), def.ID, nil)
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestAsyncCallbackCompletes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	o := newTestOrchestrator(t, backend.URL)
	def, _ := o.DefinitionByName("dataset_refresh")

	done := make(chan Execution, 1)
	go func() {
		exec, err := o.Execute(context.Background(), def.ID, nil)
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		done <- exec
	}()

	// Wait until the dispatch registered its callback channel.
	var execID string
	deadline := time.Now().Add(time.Second)
	for execID == "" {
		if time.Now().After(deadline) {
			t.Fatal("execution never registered a callback waiter")
		}
		o.cbMu.Lock()
		for id := range o.callbacks {
			execID = id
		}
		o.cbMu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	body, _ := json.Marshal(callbackPayload{
		ExecutionID: execID,
		Status:      "completed",
		Result:      map[string]any{"rows": float64(42)},
	})
	v := NewVerifier(testWebhookSecret)
	if err := o.HandleCallback(body, v.Sign(body), time.Now().Format(time.RFC3339)); err != nil {
		t.Fatalf("handle callback: %v", err)
	}

	exec := <-done
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if !exec.CallbackReceived {
		t.Error("callback marker not set")
	}
	if exec.Result["rows"] != float64(42) {
		t.Errorf("result = %v", exec.Result)
	}
}

func TestAsyncCallbackTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	o := newTestOrchestrator(t, backend.URL)
	o.cfg.CallbackTimeout = 50 * time.Millisecond
	def, _ := o.DefinitionByName("weekly_report")

	exec, err := o.Execute(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", exec.Status)
	}
}

func TestHandleCallbackRejectsBadSignature(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")
	body := []byte(`{"execution_id":"x","status":"completed"}`)

	err := o.HandleCallback(body, "bad", time.Now().Format(time.RFC3339))
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestHandleCallbackRejectsStaleTimestamp(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")
	body := []byte(`{"execution_id":"x","status":"completed"}`)
	sig := NewVerifier(testWebhookSecret).Sign(body)

	stale := time.Now().Add(-10 * time.Minute).Format(time.RFC3339)
	if err := o.HandleCallback(body, sig, stale); !errors.Is(err, ErrStaleTimestamp) {
		t.Errorf("err = %v, want ErrStaleTimestamp", err)
	}
}

func TestTriggerEventFanOut(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"handled":true}`)
	}))
	defer backend.Close()

	o := newTestOrchestrator(t, backend.URL)
	execs := o.TriggerEvent(context.Background(), "data_anomaly_detected", map[string]any{
		"anomaly_score": 0.95,
	})

	if len(execs) != 1 {
		t.Fatalf("triggered executions = %d, want 1 (performance_alerts)", len(execs))
	}
	if execs[0].Workflow != "performance_alerts" {
		t.Errorf("workflow = %s", execs[0].Workflow)
	}
	if execs[0].Status != StatusCompleted {
		t.Errorf("status = %s", execs[0].Status)
	}
}

func TestSchedulerRunsDueDefinition(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer backend.Close()

	var clockMu sync.Mutex
	current := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	o := newTestOrchestrator(t, backend.URL, WithNow(now))
	def, err := o.CreateDefinition("minute_sync", KindCustom, TriggerScheduled, map[string]any{
		"schedule": "* * * * *",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Not yet due.
	o.runDue(context.Background())
	o.wg.Wait()
	if calls.Load() != 0 {
		t.Fatalf("ran before due: %d", calls.Load())
	}

	clockMu.Lock()
	current = current.Add(2 * time.Minute)
	clockMu.Unlock()

	o.runDue(context.Background())
	o.wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	history := o.History(10, "")
	if len(history) != 1 || history[0].DefinitionID != def.ID {
		t.Errorf("history = %+v", history)
	}

	// The same tick never double-fires.
	o.runDue(context.Background())
	o.wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("double fire: calls = %d", calls.Load())
	}
}

func TestCreateDefinitionInvalidSchedule(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")
	_, err := o.CreateDefinition("bad", KindCustom, TriggerScheduled, map[string]any{
		"schedule": "not a cron",
	})
	if err == nil {
		t.Error("invalid cron accepted")
	}
}

func TestHistoryFilterAndOrder(t *testing.T) {
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer fail.Close()

	o := newTestOrchestrator(t, fail.URL)
	def, _ := o.DefinitionByName("weekly_report")

	for i := 0; i < 3; i++ {
		o.Execute(context.Background(), def.ID, map[string]any{"n": i})
	}

	all := o.History(2, "")
	if len(all) != 2 {
		t.Fatalf("limited history = %d", len(all))
	}
	if all[0].Payload["n"] != 2 {
		t.Errorf("newest first violated: %v", all[0].Payload)
	}

	if got := o.History(10, StatusCompleted); len(got) != 0 {
		t.Errorf("completed filter = %d, want 0", len(got))
	}
	if got := o.History(10, StatusFailed); len(got) != 3 {
		t.Errorf("failed filter = %d, want 3", len(got))
	}
}

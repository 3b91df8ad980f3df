package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/seekapa/copilot/internal/cache"
)

func completionBody(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q}}]}`, content)
}

func newTestRouter(t *testing.T, backend *httptest.Server, withCache bool) *Router {
	t.Helper()

	var svc *cache.Service
	if withCache {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		svc = cache.New(rdb, cache.Options{})
	}

	cfg := Config{
		Endpoint:    backend.URL,
		APIKey:      "test-key",
		APIVersion:  "2024-12-01-preview",
		Timeout:     5 * time.Second,
		DatasetName: "DS-Axia",
	}
	return NewRouter(cfg, svc, nil, nil)
}

func TestChatSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, completionBody("Revenue was $4.2M last quarter."))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	res := r.Chat(context.Background(), Request{Query: "What was revenue last quarter?"})

	if res.Reply != "Revenue was $4.2M last quarter." {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.Variant != VariantNano {
		t.Errorf("variant = %s, want nano for a short query", res.Variant)
	}
	if res.Cached {
		t.Error("first call reported as cached")
	}

	if !strings.Contains(gotPath, "/openai/deployments/gpt-5-nano/chat/completions") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api-key header = %q", gotKey)
	}
	if gotBody["stream"] != false {
		t.Errorf("stream = %v, want false", gotBody["stream"])
	}
	if got := gotBody["max_completion_tokens"].(float64); got != 1024 {
		t.Errorf("max_completion_tokens = %v, want 1024", got)
	}
	msgs := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want system + user", len(msgs))
	}
	system := msgs[0].(map[string]any)
	if system["role"] != "system" || !strings.Contains(system["content"].(string), "DS-Axia") {
		t.Errorf("system message wrong: %v", system)
	}
}

func TestChatMaxTokensCapped(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	r.Chat(context.Background(), Request{
		Query:   "deep dive",
		Context: map[string]any{"preferred_model": "full"},
	})

	if got := gotBody["max_completion_tokens"].(float64); got != 4000 {
		t.Errorf("max_completion_tokens = %v, want capped 4000", got)
	}
	if gotBody["top_p"].(float64) != 0.95 {
		t.Errorf("top_p = %v, want full tier 0.95", gotBody["top_p"])
	}
}

func TestChatCacheHit(t *testing.T) {
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, completionBody("cached answer"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, true)
	ctx := context.Background()
	req := Request{Query: "show top customers"}

	first := r.Chat(ctx, req)
	second := r.Chat(ctx, req)

	if calls != 1 {
		t.Fatalf("backend calls = %d, want 1", calls)
	}
	if first.Cached || !second.Cached {
		t.Errorf("cached flags = %v/%v, want false/true", first.Cached, second.Cached)
	}
	if second.Reply != first.Reply {
		t.Errorf("cached reply differs: %q vs %q", second.Reply, first.Reply)
	}

	rep := r.Report()
	if rep.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", rep.CacheHits)
	}
	// The hit costs nothing, so actual stays below baseline.
	if rep.ActualCost >= rep.BaselineCost {
		t.Errorf("actual %v should be below baseline %v", rep.ActualCost, rep.BaselineCost)
	}
}

func TestChatDifferentContextMissesCache(t *testing.T) {
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, completionBody("answer"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, true)
	ctx := context.Background()

	r.Chat(ctx, Request{Query: "sales by region"})
	r.Chat(ctx, Request{Query: "sales by region", Context: map[string]any{"high_accuracy": true}})

	if calls != 2 {
		t.Errorf("backend calls = %d, want 2 for distinct contexts", calls)
	}
}

func TestChatFallbackOnServerError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	res := r.Chat(context.Background(), Request{Query: "what is revenue"})

	if !strings.Contains(res.Reply, "I encountered an issue with the gpt-5-nano model") {
		t.Errorf("fallback reply = %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "DS-Axia dataset") {
		t.Errorf("fallback missing dataset name: %q", res.Reply)
	}

	rep := r.Report()
	if rep.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", rep.Fallbacks)
	}

	recs := r.Records()
	if len(recs) != 1 || recs[0].Outcome != OutcomeError {
		t.Errorf("records = %+v, want one error record", recs)
	}
}

func TestChatStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		if body["stream"] != true {
			t.Errorf("stream = %v, want true", body["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Reve", "nue ", "is up."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	out, variant := r.ChatStream(context.Background(), Request{Query: "how is revenue trending"})

	if variant != VariantNano {
		t.Errorf("variant = %s", variant)
	}

	var b strings.Builder
	for delta := range out {
		b.WriteString(delta)
	}
	if b.String() != "Revenue is up." {
		t.Errorf("assembled stream = %q", b.String())
	}
}

func TestChatStreamFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	out, _ := r.ChatStream(context.Background(), Request{Query: "hi"})

	var deltas []string
	for delta := range out {
		deltas = append(deltas, delta)
	}
	if len(deltas) != 1 || !strings.Contains(deltas[0], "I encountered an issue") {
		t.Errorf("deltas = %v, want single fallback message", deltas)
	}
}

func TestReportSavings(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	ctx := context.Background()

	// Short queries land on nano at cost weight 0.1 against a baseline of 1.0.
	for i := 0; i < 4; i++ {
		r.Chat(ctx, Request{Query: "what is revenue"})
	}

	rep := r.Report()
	if rep.TotalRequests != 4 {
		t.Errorf("total = %d", rep.TotalRequests)
	}
	if rep.BaselineCost != 4.0 {
		t.Errorf("baseline = %v, want 4.0", rep.BaselineCost)
	}
	if rep.ActualCost < 0.39 || rep.ActualCost > 0.41 {
		t.Errorf("actual = %v, want ~0.4", rep.ActualCost)
	}
	if rep.SavingsPercent < 89 || rep.SavingsPercent > 91 {
		t.Errorf("savings = %v%%, want ~90%%", rep.SavingsPercent)
	}

	nano, ok := rep.Variants["nano"]
	if !ok {
		t.Fatal("missing nano stats")
	}
	if nano.Requests != 4 {
		t.Errorf("nano requests = %d", nano.Requests)
	}
	if nano.TargetLatencyMs != 500 {
		t.Errorf("nano target = %dms", nano.TargetLatencyMs)
	}
}

func TestRouteDowngradeCounted(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	// A long, complex query that would route above nano, with real_time set.
	query := strings.Repeat("compare year over year growth correlation analysis across segments ", 120)
	res := r.Chat(context.Background(), Request{
		Query:   query,
		Context: map[string]any{"real_time": true},
	})

	if r.Report().Downgrades != 1 {
		t.Errorf("downgrades = %d, want 1", r.Report().Downgrades)
	}
	if res.Variant == VariantFull {
		t.Errorf("real_time request still landed on full")
	}
}

func TestValidateAll(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "gpt-5-chat") {
			http.Error(w, "deployment missing", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, completionBody("pong"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	status := r.ValidateAll(context.Background())

	if len(status) != 4 {
		t.Fatalf("status entries = %d", len(status))
	}
	nano := status["nano"].(map[string]any)
	if nano["healthy"] != true {
		t.Errorf("nano unhealthy: %v", nano)
	}
	chat := status["chat"].(map[string]any)
	if chat["healthy"] != false {
		t.Errorf("chat should be unhealthy: %v", chat)
	}
}

func TestRecordRingBounded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer backend.Close()

	r := newTestRouter(t, backend, false)
	r.records = make([]RequestRecord, 0, recordCapacity)
	for i := 0; i < recordCapacity+10; i++ {
		r.observeCall(r.variants[VariantNano], OutcomeOK, time.Millisecond, 5, nil, true)
	}
	if got := len(r.Records()); got != recordCapacity {
		t.Errorf("record count = %d, want %d", got, recordCapacity)
	}
}

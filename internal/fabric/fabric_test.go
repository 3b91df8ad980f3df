package fabric

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seekapa/copilot/internal/config"
)

type fakeConn struct {
	mu     sync.Mutex
	types  []int
	writes [][]byte
	closed bool
	readCh chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.types = append(f.types, messageType)
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.readCh
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// dataFrames decodes non-control writes into generic maps.
func (f *fakeConn) dataFrames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for i, data := range f.writes {
		if f.types[i] == websocket.CloseMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal(data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// frameIndex returns the write position of the first data frame with the
// given type, or -1.
func (f *fakeConn) frameIndex(frameType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, data := range f.writes {
		if f.types[i] == websocket.CloseMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal(data, &m) == nil && m["type"] == frameType {
			return i
		}
	}
	return -1
}

// closeIndex returns the write position of the first close control message,
// or -1.
func (f *fakeConn) closeIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, mt := range f.types {
		if mt == websocket.CloseMessage {
			return i
		}
	}
	return -1
}

func (f *fakeConn) closeCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, mt := range f.types {
		if mt == websocket.CloseMessage && len(f.writes[i]) >= 2 {
			return int(binary.BigEndian.Uint16(f.writes[i][:2])), true
		}
	}
	return 0, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig() config.FabricConfig {
	return config.FabricConfig{
		MaxConnections:       10,
		SendBuffer:           100,
		BatchSize:            50,
		BatchWindow:          20 * time.Millisecond,
		CompressionThreshold: 1024,
		HeartbeatInterval:    time.Hour, // keep heartbeats out of test traffic
		IdleTimeout:          30 * time.Minute,
		CleanupInterval:      time.Hour,
	}
}

func countType(frames []map[string]any, frameType string) int {
	n := 0
	for _, f := range frames {
		if f["type"] == frameType {
			n++
		}
	}
	return n
}

func TestAcceptSendsWelcomeUnbatched(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, err := m.Accept(conn, "", "default", false)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c.ID == "" {
		t.Error("no client id assigned")
	}

	waitFor(t, "welcome frame", func() bool { return countType(conn.dataFrames(), "connection") == 1 })
	frames := conn.dataFrames()
	if frames[0]["client_id"] != c.ID {
		t.Errorf("welcome client_id = %v", frames[0]["client_id"])
	}
	if m.ActiveCount() != 1 {
		t.Errorf("active = %d", m.ActiveCount())
	}
}

func TestAdmissionCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	m := NewManager(cfg, nil, nil)
	defer m.Close()

	a, _ := m.Accept(newFakeConn(), "a", "", false)
	m.Accept(newFakeConn(), "b", "", false)

	over := newFakeConn()
	if _, err := m.Accept(over, "c", "", false); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if code, ok := over.closeCode(); !ok || code != CloseCapacity {
		t.Errorf("close code = %d (%v), want 1013", code, ok)
	}

	// Releasing a permit admits the next connection.
	m.Disconnect(a, websocket.CloseNormalClosure, "")
	if _, err := m.Accept(newFakeConn(), "d", "", false); err != nil {
		t.Errorf("accept after release: %v", err)
	}
}

func TestBatchFlushAtSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	cfg.BatchWindow = 10 * time.Second
	m := NewManager(cfg, nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	for i := 0; i < 3; i++ {
		c.Send(Frame{Type: FrameResponse, Message: strings.Repeat("x", i+1)})
	}

	waitFor(t, "batch frame", func() bool { return countType(conn.dataFrames(), "batch") == 1 })
	for _, f := range conn.dataFrames() {
		if f["type"] == "batch" {
			if msgs := f["messages"].([]any); len(msgs) != 3 {
				t.Errorf("batch size = %d, want 3", len(msgs))
			}
		}
	}
}

func TestBatchFlushOnWindow(t *testing.T) {
	m := NewManager(testConfig(), nil, nil) // window 20ms, size 50
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	c.Send(Frame{Type: FrameResponse, Message: "one"})
	c.Send(Frame{Type: FrameResponse, Message: "two"})

	waitFor(t, "window flush", func() bool { return countType(conn.dataFrames(), "batch") == 1 })
}

func TestSingleFrameNotWrapped(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	c.Send(Frame{Type: FrameResponse, Message: "solo"})
	waitFor(t, "response frame", func() bool { return countType(conn.dataFrames(), "response") == 1 })

	if countType(conn.dataFrames(), "batch") != 0 {
		t.Error("single frame was wrapped in a batch")
	}
}

func TestDedupeDropsRepeatedFrames(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 4
	cfg.BatchWindow = 10 * time.Second
	m := NewManager(cfg, nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	dup := Frame{Type: FrameResponse, Message: "same"}
	c.Send(dup)
	c.Send(dup)
	c.Send(dup)
	c.Send(Frame{Type: FrameResponse, Message: "other"})

	// Four enqueued frames flush as one batch; duplicates collapse to two.
	waitFor(t, "deduped batch", func() bool { return countType(conn.dataFrames(), "batch") == 1 })
	for _, f := range conn.dataFrames() {
		if f["type"] == "batch" {
			if msgs := f["messages"].([]any); len(msgs) != 2 {
				t.Errorf("deduped batch size = %d, want 2", len(msgs))
			}
		}
	}

	// A later identical frame inside the dedupe TTL is dropped entirely.
	c.Send(dup)
	time.Sleep(50 * time.Millisecond)
	if got := countType(conn.dataFrames(), "batch"); got != 1 {
		t.Errorf("batches = %d, want still 1", got)
	}
}

func TestCompressionOverThreshold(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", true)

	big := strings.Repeat("revenue ", 300) // ~2400 bytes serialized
	c.Send(Frame{Type: FrameResponse, Message: big}.Bypass())

	waitFor(t, "binary frame", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, mt := range conn.types {
			if mt == websocket.BinaryMessage {
				return true
			}
		}
		return false
	})

	conn.mu.Lock()
	var compressed []byte
	for i, mt := range conn.types {
		if mt == websocket.BinaryMessage {
			compressed = conn.writes[i]
		}
	}
	conn.mu.Unlock()

	if !bytes.HasPrefix(compressed, []byte(compressedPrefix)) {
		t.Fatal("binary frame missing COMPRESSED: prefix")
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed[len(compressedPrefix):]))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	plain, _ := io.ReadAll(zr)

	var f map[string]any
	if err := json.Unmarshal(plain, &f); err != nil {
		t.Fatalf("decode inflated frame: %v", err)
	}
	if f["message"] != big {
		t.Error("round trip lost the payload")
	}
}

func TestNoCompressionWithoutPeerSupport(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	c.Send(Frame{Type: FrameResponse, Message: strings.Repeat("x", 3000)}.Bypass())
	waitFor(t, "response", func() bool { return countType(conn.dataFrames(), "response") == 1 })

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, mt := range conn.types {
		if mt == websocket.BinaryMessage {
			t.Fatal("compressed despite peer not supporting it")
		}
	}
}

func TestSendBackpressure(t *testing.T) {
	c := &Client{send: make(chan Frame, 1), done: make(chan struct{})}

	if err := c.Send(Frame{Type: FrameResponse}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(Frame{Type: FrameResponse}); !errors.Is(err, ErrBackpressure) {
		t.Errorf("err = %v, want ErrBackpressure", err)
	}

	close(c.done)
	if err := c.Send(Frame{Type: FrameResponse}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("err after close = %v, want ErrClientClosed", err)
	}
}

func TestBroadcastGroupFanOut(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	var inGroup, outside []*fakeConn
	for i := 0; i < 5; i++ {
		conn := newFakeConn()
		inGroup = append(inGroup, conn)
		m.Accept(conn, "", "x", false)
	}
	for i := 0; i < 3; i++ {
		conn := newFakeConn()
		outside = append(outside, conn)
		m.Accept(conn, "", "default", false)
	}

	n := m.Broadcast("x", Frame{Type: FrameDataResult, Message: "update"})
	if n != 5 {
		t.Fatalf("targets = %d, want 5", n)
	}

	for _, conn := range inGroup {
		conn := conn
		waitFor(t, "group member frame", func() bool {
			return countType(conn.dataFrames(), "data_result") == 1
		})
	}
	time.Sleep(50 * time.Millisecond)
	for _, conn := range outside {
		if countType(conn.dataFrames(), "data_result") != 0 {
			t.Error("non-member received broadcast")
		}
	}

	// Empty group broadcasts to everyone.
	if n := m.Broadcast("", Frame{Type: FrameTyping}.Bypass()); n != 8 {
		t.Errorf("all-clients targets = %d, want 8", n)
	}
}

func TestDisconnectIsIdempotentAndFinal(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	m.Disconnect(c, websocket.CloseNormalClosure, "bye")
	m.Disconnect(c, websocket.CloseNormalClosure, "bye")

	if m.ActiveCount() != 0 {
		t.Errorf("active = %d", m.ActiveCount())
	}
	if _, ok := m.Client("cl"); ok {
		t.Error("client still registered")
	}
	if err := c.Send(Frame{Type: FrameResponse}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("send after close err = %v", err)
	}
}

func TestIdleCleanup(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	m := NewManager(cfg, nil, nil)
	defer m.Close()

	idleConn := newFakeConn()
	idle, _ := m.Accept(idleConn, "idle", "", false)
	activeConn := newFakeConn()
	m.Accept(activeConn, "active", "", false)

	idle.lastActivity.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	m.cleanupIdle()

	if _, ok := m.Client("idle"); ok {
		t.Error("idle client survived cleanup")
	}
	if _, ok := m.Client("active"); !ok {
		t.Error("active client removed")
	}
	if countType(idleConn.dataFrames(), "disconnect") != 1 {
		t.Error("no final notice before idle disconnect")
	}
	notice, closeAt := idleConn.frameIndex("disconnect"), idleConn.closeIndex()
	if closeAt == -1 || notice == -1 || notice > closeAt {
		t.Errorf("notice written at %d, close at %d, want notice first", notice, closeAt)
	}
}

func TestDisconnectFlushesPendingFrames(t *testing.T) {
	cfg := testConfig()
	cfg.BatchWindow = 10 * time.Second // only the teardown drain can flush
	m := NewManager(cfg, nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)
	waitFor(t, "welcome frame", func() bool { return countType(conn.dataFrames(), "connection") == 1 })

	c.Send(Frame{Type: FrameResponse, Message: "pending"})
	c.Send(Frame{Type: FrameDisconnect, Message: "closing"}.Bypass())
	m.Disconnect(c, websocket.CloseNormalClosure, "bye")

	if countType(conn.dataFrames(), "response") != 1 {
		t.Error("pending batched frame dropped on disconnect")
	}
	if countType(conn.dataFrames(), "disconnect") != 1 {
		t.Error("final notice dropped on disconnect")
	}
	if notice, closeAt := conn.frameIndex("disconnect"), conn.closeIndex(); notice > closeAt {
		t.Errorf("notice written at %d, close at %d, want notice first", notice, closeAt)
	}
}

func TestHistoryWindow(t *testing.T) {
	c := &Client{}
	for i := 0; i < 8; i++ {
		c.AppendTurn("question", "answer")
	}

	h := c.History()
	if len(h) != historyTurns*2 {
		t.Errorf("history = %d messages, want %d", len(h), historyTurns*2)
	}
	if h[0].Role != "user" || h[len(h)-1].Role != "assistant" {
		t.Errorf("history order wrong: %v ... %v", h[0].Role, h[len(h)-1].Role)
	}
}

func TestRunDispatchesAndAnswersHeartbeat(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Close()

	conn := newFakeConn()
	c, _ := m.Accept(conn, "cl", "", false)

	var gotMu sync.Mutex
	var got []ClientMessage
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), func(_ context.Context, _ *Client, msg ClientMessage) {
			gotMu.Lock()
			got = append(got, msg)
			gotMu.Unlock()
		})
		close(done)
	}()

	conn.readCh <- []byte(`{"type":"heartbeat"}`)
	conn.readCh <- []byte(`{"type":"chat","message":"show revenue","stream":true}`)
	conn.readCh <- []byte(`not json`)

	waitFor(t, "heartbeat reply", func() bool { return countType(conn.dataFrames(), "heartbeat") >= 1 })
	waitFor(t, "error frame", func() bool { return countType(conn.dataFrames(), "error") == 1 })
	waitFor(t, "handler call", func() bool {
		gotMu.Lock()
		defer gotMu.Unlock()
		return len(got) == 1
	})

	gotMu.Lock()
	if got[0].Type != MessageChat || got[0].Message != "show revenue" || !got[0].Stream {
		t.Errorf("handler message = %+v", got[0])
	}
	gotMu.Unlock()

	close(conn.readCh)
	<-done
	if _, ok := m.Client("cl"); ok {
		t.Error("client not removed after read loop ended")
	}
}

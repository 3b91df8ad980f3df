package fabric

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seekapa/copilot/internal/cache"
	"github.com/seekapa/copilot/internal/llm"
)

// compressedPrefix marks gzip-compressed binary frames. The prefix is
// 11 bytes; peers strip it before inflating.
const compressedPrefix = "COMPRESSED:"

// historyTurns is how many exchanges feed back into prompts.
const historyTurns = 5

// historyCap bounds the stored history regardless of use.
const historyCap = 50

// Conn is the subset of *websocket.Conn the fabric uses. Tests substitute
// an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Client is one connected peer. All outbound traffic funnels through the
// send channel into a single writer goroutine, which owns batching,
// deduplication, and compression.
type Client struct {
	ID       string
	Group    string
	compress bool

	conn    Conn
	manager *Manager

	send       chan Frame
	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once

	lastActivity atomic.Int64 // unix nanos
	acceptedAt   time.Time

	dedupe *cache.DedupeCache

	writeMu sync.Mutex

	histMu  sync.Mutex
	history []llm.Message
}

// Touch records client activity for idle tracking.
func (c *Client) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent activity time.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// AppendTurn records one conversation exchange.
func (c *Client) AppendTurn(userMsg, reply string) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.history = append(c.history,
		llm.Message{Role: "user", Content: userMsg},
		llm.Message{Role: "assistant", Content: reply},
	)
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
	}
}

// History returns the recent turns used when building prompts.
func (c *Client) History() []llm.Message {
	c.histMu.Lock()
	defer c.histMu.Unlock()

	n := historyTurns * 2
	start := len(c.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]llm.Message, len(c.history)-start)
	copy(out, c.history[start:])
	return out
}

// Send enqueues a frame. It never blocks: a full buffer reports
// backpressure and the caller is expected to disconnect the client.
func (c *Client) Send(f Frame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrBackpressure
	}
}

// writeLoop is the single consumer of the send channel. A batch flushes at
// batchSize frames or batchWindow after its first frame, whichever comes
// first. Bypass frames go out immediately. On shutdown the loop drains
// queued frames before exiting, so a final notice enqueued just before
// Disconnect still reaches the peer.
func (c *Client) writeLoop(batchSize int, batchWindow time.Duration) {
	defer close(c.writerDone)

	var batch []Frame
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	flush := func() {
		stopTimer()
		if len(batch) > 0 {
			c.writeBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case f := <-c.send:
			if f.bypass {
				c.writePayload(mustMarshal(f))
				continue
			}
			batch = append(batch, f)
			if len(batch) == 1 {
				timer = time.NewTimer(batchWindow)
				timerC = timer.C
			}
			if len(batch) >= batchSize {
				flush()
			}
		case <-timerC:
			flush()
		case <-c.done:
			for {
				select {
				case f := <-c.send:
					if f.bypass {
						c.writePayload(mustMarshal(f))
						continue
					}
					batch = append(batch, f)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch deduplicates the flushed frames and sends what remains, as a
// single frame or wrapped in a batch envelope.
func (c *Client) writeBatch(batch []Frame) {
	encoded := make([]json.RawMessage, 0, len(batch))
	for _, f := range batch {
		data := mustMarshal(f)
		if c.dedupe.Check(cache.ContentKey(data)) {
			continue
		}
		encoded = append(encoded, data)
	}

	switch len(encoded) {
	case 0:
		return
	case 1:
		c.writePayload(encoded[0])
	default:
		payload, err := json.Marshal(batchEnvelope{Type: FrameBatch, Messages: encoded})
		if err != nil {
			return
		}
		c.writePayload(payload)
	}
}

// writePayload sends one wire message, compressing large payloads when the
// peer supports it.
func (c *Client) writePayload(payload []byte) {
	messageType := websocket.TextMessage
	if c.compress && len(payload) > c.manager.cfg.CompressionThreshold {
		if compressed, ok := compressPayload(payload); ok {
			payload = compressed
			messageType = websocket.BinaryMessage
		}
	}

	c.writeMu.Lock()
	err := c.conn.WriteMessage(messageType, payload)
	c.writeMu.Unlock()

	if err != nil {
		c.manager.logger.Debug("write failed", "client", c.ID, "error", err)
		// Disconnect waits on the writer, so it must not run on the
		// writer's own goroutine.
		go c.manager.Disconnect(c, CloseBackpressure, "write failure")
		return
	}
	if c.manager.metrics != nil {
		c.manager.metrics.FramesSent.WithLabelValues(frameLabel(payload)).Inc()
	}
}

// writeClose sends a close control message directly, outside the batcher.
func (c *Client) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// heartbeatLoop sends a bypass heartbeat frame at the configured interval.
func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Send(Frame{
				Type:      FrameHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}.Bypass())
		}
	}
}

// Run reads client messages until the connection drops or ctx is
// cancelled. Heartbeats are answered inline; everything else goes to the
// handler.
func (c *Client) Run(ctx context.Context, handler func(context.Context, *Client, ClientMessage)) {
	defer c.manager.Disconnect(c, websocket.CloseNormalClosure, "")

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.Touch()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(Frame{Type: FrameError, Message: "invalid message format"}.Bypass())
			continue
		}

		if msg.Type == MessageHeartbeat {
			c.Send(Frame{
				Type:      FrameHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}.Bypass())
			continue
		}

		handler(ctx, c, msg)
	}
}

func compressPayload(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	buf.WriteString(compressedPrefix)

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// frameLabel extracts the type tag for metrics without a full decode.
func frameLabel(payload []byte) string {
	if bytes.HasPrefix(payload, []byte(compressedPrefix)) {
		return "compressed"
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Type == "" {
		return "unknown"
	}
	return probe.Type
}

func mustMarshal(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error","message":"encode failure"}`)
	}
	return data
}

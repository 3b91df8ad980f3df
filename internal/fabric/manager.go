package fabric

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/seekapa/copilot/internal/cache"
	"github.com/seekapa/copilot/internal/config"
	"github.com/seekapa/copilot/internal/observability"
)

// dedupeTTL bounds how long an outbound frame hash suppresses duplicates.
const dedupeTTL = 5 * time.Minute

// dedupeEntries bounds the per-client dedupe cache.
const dedupeEntries = 1000

// Manager owns the connection table, group membership, and the admission
// pool. Connections over capacity are refused with close code 1013, never
// queued.
type Manager struct {
	cfg     config.FabricConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	sem     *semaphore.Weighted

	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the fabric.
func NewManager(cfg config.FabricConfig, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "fabric"),
		metrics: metrics,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
	}
}

// Accept admits a connection, registers it, joins it to group (default
// "default"), starts its writer and heartbeat, and sends the welcome frame
// unbatched. A full pool closes the connection with 1013.
func (m *Manager) Accept(conn Conn, clientID, group string, compress bool) (*Client, error) {
	if !m.sem.TryAcquire(1) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCapacity, "server at capacity, try again later"))
		conn.Close()
		if m.metrics != nil {
			m.metrics.RateLimited.WithLabelValues("connections").Inc()
		}
		return nil, ErrCapacity
	}

	if clientID == "" {
		clientID = uuid.NewString()
	}
	if group == "" {
		group = "default"
	}

	c := &Client{
		ID:         clientID,
		Group:      group,
		compress:   compress,
		conn:       conn,
		manager:    m,
		send:       make(chan Frame, m.cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		acceptedAt: time.Now(),
		dedupe:     cache.NewDedupeCache(cache.DedupeOptions{TTL: dedupeTTL, MaxSize: dedupeEntries}),
	}
	c.Touch()

	m.mu.Lock()
	m.clients[clientID] = c
	if m.groups[group] == nil {
		m.groups[group] = make(map[string]*Client)
	}
	m.groups[group][clientID] = c
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.writeLoop(m.cfg.BatchSize, m.cfg.BatchWindow)
	}()
	go func() {
		defer m.wg.Done()
		c.heartbeatLoop(m.cfg.HeartbeatInterval)
	}()

	c.Send(Frame{
		Type:      FrameConnection,
		ClientID:  clientID,
		Message:   "connected",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}.Bypass())

	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
	}
	m.logger.Info("client connected", "client", clientID, "group", group, "compress", compress)
	return c, nil
}

// Join adds a client to an extra routing group.
func (m *Manager) Join(c *Client, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[group] == nil {
		m.groups[group] = make(map[string]*Client)
	}
	m.groups[group][c.ID] = c
}

// Disconnect tears a client down: writer drain, close frame, connection
// close, removal from the table and every group, permit release. Idempotent.
func (m *Manager) Disconnect(c *Client, code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		// Bounded wait for the writer to drain queued frames, so the
		// close frame goes out last.
		if c.writerDone != nil {
			select {
			case <-c.writerDone:
			case <-time.After(time.Second):
			}
		}
		c.writeClose(code, reason)
		c.conn.Close()

		m.mu.Lock()
		delete(m.clients, c.ID)
		for group, members := range m.groups {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(m.groups, group)
			}
		}
		m.mu.Unlock()

		m.sem.Release(1)
		if m.metrics != nil {
			m.metrics.ActiveConnections.Dec()
		}
		m.logger.Info("client disconnected", "client", c.ID, "code", code, "reason", reason)
	})
}

// Client looks up a connection by id.
func (m *Manager) Client(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// ActiveCount returns the number of live connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Broadcast resolves the target set once (group members, or every client
// for an empty group), then runs one send per target in parallel. Clients
// whose buffers are full are disconnected. Returns the target count.
func (m *Manager) Broadcast(group string, f Frame) int {
	m.mu.RLock()
	var targets []*Client
	if group == "" {
		targets = make([]*Client, 0, len(m.clients))
		for _, c := range m.clients {
			targets = append(targets, c)
		}
	} else {
		targets = make([]*Client, 0, len(m.groups[group]))
		for _, c := range m.groups[group] {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}
	if m.metrics != nil {
		m.metrics.BroadcastFanout.Observe(float64(len(targets)))
	}

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*Client

	for _, c := range targets {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Send(f); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, c := range failed {
		m.Disconnect(c, CloseBackpressure, "send buffer full")
	}
	return len(targets)
}

// Start launches the idle cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Close disconnects everything and stops background loops.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		c.Send(Frame{Type: FrameDisconnect, Message: "server shutting down"}.Bypass())
		m.Disconnect(c, websocket.CloseGoingAway, "shutdown")
	}
	m.wg.Wait()
}

// cleanupIdle disconnects clients idle past the timeout, after a final
// notice frame.
func (m *Manager) cleanupIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []*Client
	for _, c := range m.clients {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range idle {
		c.Send(Frame{Type: FrameDisconnect, Message: "idle timeout"}.Bypass())
		m.Disconnect(c, websocket.CloseNormalClosure, "idle timeout")
	}
	if len(idle) > 0 {
		m.logger.Info("idle cleanup", "disconnected", len(idle))
	}
}

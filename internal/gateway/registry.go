package gateway

import (
	"bufio"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/NexaIT-Poland/RampForge/internal/auth"
)

// RegistryOptions sizes the per-connection send queue and bounds writes.
type RegistryOptions struct {
	SendBufferSize int
	WriteWait      time.Duration
}

// Registry is the concurrency-safe store of all live connections. It is
// explicitly constructed and injected; there is no ambient singleton.
//
// Structural mutations (connect, disconnect, subscription changes) are
// short critical sections. Broadcast iteration works on a copy-on-read
// snapshot, so fan-out never holds the registry lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	liveCount int64 // atomic; shared with the ResourceGuard

	opts   RegistryOptions
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// Summary is the per-connection introspection record.
type Summary struct {
	ID      string            `json:"id"`
	UserID  int64             `json:"user_id"`
	Email   string            `json:"email"`
	Role    string            `json:"role"`
	Filters map[string]string `json:"filters,omitempty"`
}

func NewRegistry(opts RegistryOptions, logger zerolog.Logger) *Registry {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		opts:   opts,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Connect creates an ACTIVE connection with an empty subscription,
// stores it, queues the connection_ack, and starts the writer goroutine
// that exclusively owns the transport's send side.
func (r *Registry) Connect(identity auth.Identity, conn net.Conn) *Connection {
	c := newConnection(identity, conn, r.opts.SendBufferSize)
	c.state.Store(int32(StateActive))

	// Queued before the connection is published to the map: the fresh
	// buffer guarantees room, and no broadcast can slip in ahead of the
	// ack. The client's first message is always connection_ack.
	c.send <- mustControlFrame("connection_ack", "")

	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	atomic.AddInt64(&r.liveCount, 1)
	metricActiveConnections.Inc()
	metricConnectionsTotal.Inc()

	r.wg.Add(1)
	go r.writePump(c)

	r.logger.Info().
		Str("connection_id", c.ID).
		Int64("user_id", identity.UserID).
		Str("email", identity.Email).
		Int("total_connections", total).
		Msg("Client connected")

	return c
}

// Disconnect transitions the connection to CLOSED, removes the registry
// entry, and releases the transport, all as one logical step. Idempotent:
// every trigger (graceful close, read/write error, failed delivery,
// shutdown) may call it; only the first has any effect.
func (r *Registry) Disconnect(c *Connection) {
	if c == nil {
		return
	}
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateClosed)) {
		return
	}

	r.mu.Lock()
	delete(r.conns, c.ID)
	total := len(r.conns)
	r.mu.Unlock()

	close(c.done)
	c.closeTransport()

	atomic.AddInt64(&r.liveCount, -1)
	metricActiveConnections.Dec()

	r.logger.Info().
		Str("connection_id", c.ID).
		Int64("user_id", c.Identity.UserID).
		Dur("connected_for", time.Since(c.ConnectedAt)).
		Int("total_connections", total).
		Msg("Client disconnected")
}

// CloseWithStatus writes a close frame with the given status before
// disconnecting. Used for policy rejections (1008) and internal errors
// (1011); the write is best effort. The frame goes out under the
// connection's write mutex so it lands between complete frames, never
// inside one the writer goroutine has in flight. A stalled writer holds
// the mutex at most until its write deadline expires.
func (r *Registry) CloseWithStatus(c *Connection, code ws.StatusCode, reason string) {
	if c == nil || c.State() == StateClosed {
		return
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
	body := ws.NewCloseFrameBody(code, reason)
	ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
	c.writeMu.Unlock()
	r.Disconnect(c)
}

// SetSubscription atomically replaces the connection's filter map.
func (r *Registry) SetSubscription(c *Connection, filters map[string]string) {
	c.setFilters(filters)
}

// ClearSubscription resets the connection to receive-all.
func (r *Registry) ClearSubscription(c *Connection) {
	c.clearFilters()
}

// Get looks up a live connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Snapshot returns a point-in-time copy of the live connection set.
// Broadcast iteration over the snapshot neither blocks nor is blocked
// by concurrent connects and disconnects.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// LiveCount exposes the atomic connection counter for admission control.
func (r *Registry) LiveCount() *int64 {
	return &r.liveCount
}

// Summaries returns per-connection introspection records, ordered by id.
func (r *Registry) Summaries() []Summary {
	snapshot := r.Snapshot()

	out := make([]Summary, 0, len(snapshot))
	for _, c := range snapshot {
		out = append(out, Summary{
			ID:      c.ID,
			UserID:  c.Identity.UserID,
			Email:   c.Identity.Email,
			Role:    c.Identity.Role,
			Filters: c.Filters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll force-disconnects every live connection. Shutdown path.
func (r *Registry) CloseAll(code ws.StatusCode, reason string) {
	for _, c := range r.Snapshot() {
		r.CloseWithStatus(c, code, reason)
	}
}

// Wait blocks until all writer goroutines have exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// writePump is the single writer for one connection's send side. It
// batches queued messages through a buffered writer to cut syscalls,
// and exits when the connection is disconnected or a write fails.
func (r *Registry) writePump(c *Connection) {
	defer r.wg.Done()
	defer c.closeTransport()

	writer := bufio.NewWriter(c.conn)

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			if err := r.writeBatch(c, writer, message); err != nil {
				r.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("Failed to write message")
				r.Disconnect(c)
				return
			}
		}
	}
}

// writeBatch writes one message plus whatever else is already queued
// into a single flush. The whole batch runs under the connection's
// write mutex so nothing else can write to the transport mid-frame.
func (r *Registry) writeBatch(c *Connection, writer *bufio.Writer, first []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))

	if err := wsutil.WriteServerMessage(writer, ws.OpText, first); err != nil {
		return err
	}
	metricMessagesSent.Inc()

	n := len(c.send)
	for i := 0; i < n; i++ {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.send); err != nil {
			return err
		}
		metricMessagesSent.Inc()
	}

	return writer.Flush()
}

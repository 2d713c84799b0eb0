package gateway

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NexaIT-Poland/RampForge/internal/auth"
)

// State is a connection's lifecycle phase. Transitions are one-way:
// Connecting → Active → Closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrConnectionClosed is returned when enqueueing on a connection
	// that has reached its terminal state.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrQueueFull is returned when a connection's outbound queue has no
	// room; the client is not draining fast enough.
	ErrQueueFull = errors.New("send queue full")
)

// maxSendStrikes is how many consecutive full-queue failures a
// connection survives before it is disconnected as too slow.
const maxSendStrikes = 3

// Connection is one authenticated, live channel between a client and
// the gateway. The registry owns the record and the transport's send
// side; the protocol handler goroutine owns the receive side.
type Connection struct {
	// ID is process-unique, assigned at connect time. Never derived from
	// a pointer or socket handle, so it is stable and safe to log.
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	conn net.Conn
	send chan []byte
	done chan struct{}

	// writeMu serializes every write to conn: the writer goroutine's
	// batches and the out-of-band close frames. Two unsynchronized
	// writers on one stream interleave at write boundaries and corrupt
	// the in-flight frame.
	writeMu sync.Mutex

	state      atomic.Int32
	strikes    atomic.Int32
	slowWarned atomic.Bool
	closeOnce  sync.Once

	filterMu sync.RWMutex
	filters  map[string]string
}

func newConnection(identity auth.Identity, conn net.Conn, sendBuffer int) *Connection {
	c := &Connection{
		ID:          newConnectionID(identity),
		Identity:    identity,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// newConnectionID keeps the user id in the identifier for log
// readability; the uuid suffix guarantees process-wide uniqueness.
func newConnectionID(identity auth.Identity) string {
	return "user_" + strconv.FormatInt(identity.UserID, 10) + "_" + uuid.NewString()
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Filters returns a copy of the connection's active filter map.
func (c *Connection) Filters() map[string]string {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()

	out := make(map[string]string, len(c.filters))
	for k, v := range c.filters {
		out[k] = v
	}
	return out
}

// matchesEvent evaluates the filter matcher against event attributes
// without copying the filter map. The lock is held only for the pure
// predicate, never across a send.
func (c *Connection) matchesEvent(attributes map[string]string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return Matches(c.filters, attributes)
}

func (c *Connection) setFilters(filters map[string]string) {
	copied := make(map[string]string, len(filters))
	for k, v := range filters {
		copied[k] = v
	}
	c.filterMu.Lock()
	c.filters = copied
	c.filterMu.Unlock()
}

func (c *Connection) clearFilters() {
	c.filterMu.Lock()
	c.filters = nil
	c.filterMu.Unlock()
}

// Enqueue queues a payload for the connection's writer. Non-blocking:
// the caller learns immediately whether the queue had room, so one slow
// consumer never stalls a broadcast.
func (c *Connection) Enqueue(payload []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Connection) resetStrikes() {
	c.strikes.Store(0)
}

func (c *Connection) addStrike() int32 {
	return c.strikes.Add(1)
}

func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

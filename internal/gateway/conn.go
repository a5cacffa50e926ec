package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateIdentified
	StateAnonymous
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateAnonymous:
		return "anonymous"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// socket is the subset of *websocket.Conn a Conn writes through.
type socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// frame is an encoded snapshot waiting to be written.
type frame struct {
	version uint64
	data    []byte
}

// deliveryFunc observes the outcome of each frame handed to a connection.
type deliveryFunc func(result string)

const (
	deliveryOK         = "ok"
	deliverySuperseded = "superseded"
	deliveryFailed     = "failed"
)

// Conn is one accepted socket. Outbound snapshots go through a single
// latest-wins slot drained by the connection's own writer goroutine, so a
// slow client only ever holds the newest snapshot.
type Conn struct {
	ID          string
	RemoteIP    string
	ConnectedAt time.Time

	sock  socket
	state atomic.Int32

	mu       sync.Mutex // serializes Connect/Disconnect; guards identity
	identity string

	pending atomic.Pointer[frame]
	written atomic.Uint64 // version+1 of the newest written frame, 0 before the first
	wake    chan struct{}

	onDelivery deliveryFunc
	closeOnce  sync.Once
}

// NewConn wraps an accepted socket with a fresh connection id.
func NewConn(sock socket, remoteIP string) *Conn {
	return &Conn{
		ID:          uuid.NewString(),
		RemoteIP:    remoteIP,
		ConnectedAt: time.Now(),
		sock:        sock,
		wake:        make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Identity returns the resolved identity, or "" for anonymous connections.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// transition moves the connection from one state to another. It fails if the
// connection is no longer in from.
func (c *Conn) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// markClosed moves the connection to Closed and returns the state it left.
func (c *Conn) markClosed() State {
	return State(c.state.Swap(int32(StateClosed)))
}

// LastVersion returns the version of the newest snapshot written to the
// socket, and false if nothing has been written yet.
func (c *Conn) LastVersion() (uint64, bool) {
	w := c.written.Load()
	if w == 0 {
		return 0, false
	}
	return w - 1, true
}

// stale reports whether a frame at version is not newer than what was written.
func (c *Conn) stale(version uint64) bool {
	return version+1 <= c.written.Load()
}

// Send queues f for the writer. A queued frame that has not been written yet
// is replaced when f is newer; frames older than what is queued or already
// written are dropped. Send never blocks.
func (c *Conn) Send(f *frame) {
	for {
		if c.stale(f.version) {
			c.delivered(deliverySuperseded)
			return
		}
		cur := c.pending.Load()
		if cur != nil && cur.version >= f.version {
			c.delivered(deliverySuperseded)
			return
		}
		if c.pending.CompareAndSwap(cur, f) {
			if cur != nil {
				c.delivered(deliverySuperseded)
			}
			break
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeLoop writes queued frames until ctx is cancelled. A failed write
// closes the socket, which ends the read loop and so the connection.
func (c *Conn) writeLoop(ctx context.Context, writeTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		f := c.pending.Swap(nil)
		if f == nil {
			continue
		}
		if c.stale(f.version) {
			c.delivered(deliverySuperseded)
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.sock.Write(writeCtx, websocket.MessageText, f.data)
		cancel()
		if err != nil {
			c.delivered(deliveryFailed)
			slog.Debug("snapshot write failed, closing connection", "conn_id", c.ID, "version", f.version, "error", err)
			c.closeNow()
			return
		}
		c.written.Store(f.version + 1)
		c.delivered(deliveryOK)
	}
}

func (c *Conn) delivered(result string) {
	if c.onDelivery != nil {
		c.onDelivery(result)
	}
}

// close sends a close frame once. Later calls are no-ops.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() { c.sock.Close(code, reason) })
}

func (c *Conn) closeNow() {
	c.closeOnce.Do(func() { c.sock.CloseNow() })
}

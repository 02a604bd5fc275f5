// Package connctx implements the per-socket connection context:
// identity, room membership, rate buckets, and liveness state. Each
// context runs a writer pump so the fan-out path never blocks on a slow
// socket directly, and so application frames and keep-alive pings never
// race on the same underlying socket write.
package connctx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/example/ciphertext-relay/internal/ratebucket"
)

// outboundFrame is one item in a connection's writer-pump queue.
type outboundFrame struct {
	msgType int
	data    []byte
}

// Context is the per-connection state owned exclusively by the goroutine
// running that connection's read loop; the Keep-Alive Driver and the Room
// Router touch only the fields documented as safe for concurrent access
// below (guarded by mu, or atomic).
type Context struct {
	ID      string
	IP      string
	Conn    *websocket.Conn
	Buckets *ratebucket.Pair

	mu           sync.Mutex
	roomID       string
	label        string
	lastPong     time.Time
	pingSentAt   time.Time
	awaitingPong bool

	queuedBytes int64
	sendCh      chan outboundFrame
	closeOnce   sync.Once
	closed      chan struct{}
}

// New creates a Context for a freshly admitted socket and starts its
// writer pump goroutine.
func New(id, ip string, conn *websocket.Conn, buckets *ratebucket.Pair, sendQueueDepth int) *Context {
	c := &Context{
		ID:       id,
		IP:       ip,
		Conn:     conn,
		Buckets:  buckets,
		lastPong: time.Now(),
		sendCh:   make(chan outboundFrame, sendQueueDepth),
		closed:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Context) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.sendCh:
			// Conn is nil only for connctx.ForTest's socket-less test double;
			// production connections always carry a real socket here.
			var err error
			if c.Conn != nil {
				err = c.Conn.WriteMessage(f.msgType, f.data)
			}
			if f.msgType == websocket.TextMessage {
				atomic.AddInt64(&c.queuedBytes, -int64(len(f.data)))
			}
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// Enqueue attempts to hand an application data frame to the writer pump
// without blocking. It returns false, leaving the connection's
// queued-byte count unchanged, if either the buffered-bytes threshold
// maxBufferedBytes would be exceeded or the send queue is full — both
// cases the Room Router treats as a slow consumer and closes the socket
// for.
func (c *Context) Enqueue(data []byte, maxBufferedBytes int64) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	n := int64(len(data))
	if atomic.AddInt64(&c.queuedBytes, n) > maxBufferedBytes {
		atomic.AddInt64(&c.queuedBytes, -n)
		return false
	}

	select {
	case c.sendCh <- outboundFrame{msgType: websocket.TextMessage, data: data}:
		return true
	default:
		atomic.AddInt64(&c.queuedBytes, -n)
		return false
	}
}

// SendPing enqueues a WebSocket ping control frame through the same
// writer pump as application data, so pings never race with a concurrent
// application write on the same socket. It does not count against the
// buffered-bytes backpressure threshold. It returns false if the send
// queue was full, in which case the caller should treat the connection as
// unresponsive.
func (c *Context) SendPing() bool {
	select {
	case c.sendCh <- outboundFrame{msgType: websocket.PingMessage, data: nil}:
		return true
	default:
		return false
	}
}

// QueuedBytes reports the connection's current outbound backlog.
func (c *Context) QueuedBytes() int64 {
	return atomic.LoadInt64(&c.queuedBytes)
}

// Close stops the writer pump and closes the underlying socket exactly
// once, regardless of how many callers (read loop, keep-alive sweep,
// router eviction) race to close it. The send channel is never closed;
// the pump exits via the closed signal and any frame a racing Enqueue
// managed to hand off is simply dropped.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

// CloseWithCode writes a WebSocket close control frame with the given
// status code and reason directly to the socket, then closes it. Used by
// the router's slow-consumer eviction and by graceful shutdown, where the
// writer pump is exactly what can no longer be trusted to drain.
func (c *Context) CloseWithCode(code int, reason string) {
	if c.Conn != nil {
		frame := websocket.FormatCloseMessage(code, reason)
		_ = c.Conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	}
	c.Close()
}

// Done returns a channel closed once this connection has been closed.
func (c *Context) Done() <-chan struct{} {
	return c.closed
}

// ForTest builds a Context with no backing socket, for use by other
// packages' unit tests that exercise registries keyed by connection id
// (e.g. the Room Router) without standing up a real WebSocket. Only tests
// call it; it exists solely as exported test scaffolding.
func ForTest(id string) *Context {
	return New(id, "test-ip", nil, nil, 8)
}

// Room returns the connection's current room id, or "" if unjoined.
func (c *Context) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// SetRoom updates the connection's current room id.
func (c *Context) SetRoom(rid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = rid
}

// Label returns the connection's display label.
func (c *Context) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// SetLabel sets the connection's display label, assigned server-side on
// join and left unchanged for the rest of that membership.
func (c *Context) SetLabel(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label = label
}

// MarkPingSent records that a ping was just dispatched and starts the
// awaiting-pong window, timed from dispatch.
func (c *Context) MarkPingSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingPong = true
	c.pingSentAt = time.Now()
}

// MarkPongReceived clears the awaiting-pong flag and records the time.
func (c *Context) MarkPongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingPong = false
	c.lastPong = time.Now()
}

// PongStatus reports whether a ping is still unanswered and, if so, when
// it was dispatched.
func (c *Context) PongStatus() (awaiting bool, pingSentAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingPong, c.pingSentAt
}

package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lockbase/lockbase/internal"
	"golang.org/x/time/rate"
)

const (
	// Max size in bytes of a client request frame. Larger frames are answered
	// with a 400 and otherwise ignored.
	MaxRequestSize = 400 * 1024
	// Max frame size on the forgot-password channel, which only ever carries
	// one small token frame. Anything bigger is a protocol violation.
	MaxForgotPasswordSize = 5 * 1024
	// Outbound frames queued per connection before it is considered too slow
	// to keep and is terminated.
	SendQueueSize = 64
	// Request budget per rate window. Pong frames are exempt.
	RequestsPerWindow = 25
	RateWindow        = 5 * time.Second
	// Fixed backoff hint in milliseconds sent alongside 429 responses.
	RetryDelayMS = 1000

	writeTimeout = 10 * time.Second
)

// ErrQueueFull means the client is not draining its socket fast enough.
// Callers must terminate the connection rather than drop the frame: a
// silently dropped transaction would leave the client's view of the log
// with a gap until it reconnects.
var ErrQueueFull = fmt.Errorf("connection send queue is full")

// Conn wraps a single client WebSocket. All outbound frames go through
// Enqueue and a single writer goroutine; gorilla sockets do not allow
// concurrent writers.
type Conn struct {
	ID       string
	UserID   string
	ClientID string
	AdminID  string
	AppID    string

	ws      *websocket.Conn
	limiter *rate.Limiter

	mu                sync.Mutex
	validated         bool
	alive             bool
	closed            bool
	started           bool
	validationMessage []byte
	openDBs           map[string]string // db ID -> name hash it was opened under

	sendCh  chan []byte
	done    chan struct{}
	onClose func(*Conn)
}

// NewConn wraps ws. The writer goroutine is not started until Start is
// called, so tests can drive a Conn without a live socket. onClose is
// invoked exactly once when the connection terminates, however that
// happens.
func NewConn(userID, clientID, adminID, appID string, ws *websocket.Conn, validationMessage []byte, onClose func(*Conn)) *Conn {
	return &Conn{
		ID:                uuid.NewString(),
		UserID:            userID,
		ClientID:          clientID,
		AdminID:           adminID,
		AppID:             appID,
		ws:                ws,
		limiter:           rate.NewLimiter(rate.Every(RateWindow/RequestsPerWindow), RequestsPerWindow),
		alive:             true,
		validationMessage: validationMessage,
		openDBs:           make(map[string]string),
		sendCh:            make(chan []byte, SendQueueSize),
		done:              make(chan struct{}),
		onClose:           onClose,
	}
}

// Start spawns the writer goroutine, which then owns closing the socket.
func (c *Conn) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.writeLoop()
}

func (c *Conn) writeLoop() {
	defer internal.ReportPanicsToSentry()
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			// flush frames queued before termination so the final response
			// of a graceful close makes it onto the wire
			for {
				select {
				case msg := <-c.sendCh:
					if !c.write(msg) {
						return
					}
				default:
					return
				}
			}
		case msg := <-c.sendCh:
			if !c.write(msg) {
				return
			}
		}
	}
}

func (c *Conn) write(msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		logger.Err(err).Str("conn", c.ID).Msg("write failed, terminating connection")
		c.Terminate()
		return false
	}
	return true
}

// Enqueue marshals v and hands it to the writer goroutine. Returns
// ErrQueueFull when the send queue is full.
func (c *Conn) Enqueue(v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.EnqueueRaw(msg)
}

// EnqueueRaw queues a pre-encoded frame. Oversized-frame diagnostics go
// through here because they are plain text, not JSON.
func (c *Conn) EnqueueRaw(msg []byte) error {
	select {
	case <-c.done:
		// the connection is already gone, nothing to deliver to
		return nil
	case c.sendCh <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Terminate closes the socket and marks the connection dead. A running
// writer drains already-queued frames first, then closes the socket itself,
// which unblocks the reader. Safe to call multiple times from any
// goroutine; only the first call does anything.
func (c *Conn) Terminate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()
	close(c.done)
	if !started && c.ws != nil {
		c.ws.Close()
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

// Closed reports whether Terminate has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkAlive records that the client has shown signs of life.
func (c *Conn) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
}

// SweepLiveness reports whether the client has been seen since the last
// sweep, and resets the flag ready for the next one.
func (c *Conn) SweepLiveness() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasAlive := c.alive
	c.alive = false
	return wasAlive
}

// RateAllow spends one token of the connection's request budget, reporting
// whether the request may proceed.
func (c *Conn) RateAllow() bool {
	return c.limiter.Allow()
}

// ValidationMessage returns the plaintext challenge issued to this
// connection.
func (c *Conn) ValidationMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validationMessage
}

// Validated reports whether the key-possession handshake has completed.
func (c *Conn) Validated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validated
}

// SetValidated marks the handshake as complete.
func (c *Conn) SetValidated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validated = true
}

// OpenDB records that the client has this database open on this connection.
func (c *Conn) OpenDB(dbID, nameHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openDBs[dbID] = nameHash
}

// HasDB reports whether this database is open on this connection.
func (c *Conn) HasDB(dbID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.openDBs[dbID]
	return ok
}

package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/wildcard"
)

// SendQueueSize is the outbound queue length of one connection.
const SendQueueSize = 256

// State is the lifecycle stage of a connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateWatcher
	StateController
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateWatcher:        "watcher",
	StateController:     "controller",
	StateClosed:         "closed",
}

func (s State) String() string { return stateNames[s] }

type frame struct {
	binary bool
	data   []byte
}

// Conn is one browser connection. Send, SendBinary and Close are safe from
// any goroutine; every other field is owned by the event loop.
type Conn struct {
	ws   *websocket.Conn
	send chan frame

	mu     sync.Mutex
	closed bool

	id       string
	state    State
	path     string
	auth     *model.AuthSession
	wildcard *wildcard.Matcher
	oshell   bool
	// watchOnly marks viewers of a local terminal shared by a super user.
	watchOnly bool
	// awaiting is the save_data command whose final argument arrives in the
	// next binary frame.
	awaiting protocol.Message
}

// NewConn wraps ws. ws may be nil in tests that only read the queue.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan frame, SendQueueSize),
	}
}

// ID returns the connection id; empty until the connection is registered.
func (c *Conn) ID() string { return c.id }

// Path returns the terminal path or wildcard pattern of the connection.
func (c *Conn) Path() string { return c.path }

// IsWildcard reports whether the connection subscribes to a pattern.
func (c *Conn) IsWildcard() bool { return c.wildcard != nil }

// State returns the lifecycle stage.
func (c *Conn) State() State { return c.state }

// User returns the authorized user name, if any.
func (c *Conn) User() string {
	if c.auth == nil {
		return ""
	}
	return c.auth.User
}

// Send queues a batch. A full queue closes this connection only.
func (c *Conn) Send(b protocol.Batch) {
	data, err := b.Encode()
	if err != nil {
		slog.Error("ws: failed to encode batch", "conn", c.id, "error", err)
		return
	}
	c.enqueue(frame{data: data})
}

// SendBinary queues a binary frame.
func (c *Conn) SendBinary(data []byte) {
	c.enqueue(frame{binary: true, data: data})
}

func (c *Conn) enqueue(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- f:
	default:
		slog.Warn("ws: send queue full, closing connection", "conn", c.id, "path", c.path)
		c.closeLocked()
	}
}

// Finish queues b as the last message and closes the connection.
func (c *Conn) Finish(b protocol.Batch) {
	c.Send(b)
	c.Close()
}

// Close closes the outbound queue. The write pump flushes what is queued,
// then sends a close frame.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true once Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) queue() <-chan frame {
	return c.send
}

package hostlink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

const (
	// ControlStream carries host-level frames.
	ControlStream = "control"

	termPrefix = "term:"

	// QueueDepth is the outbound frame queue of one stream.
	QueueDepth = 256

	writeWait = 10 * time.Second
)

// ErrLinkClosed is returned by Send on a closed link.
var ErrLinkClosed = errors.New("hostlink: link closed")

// ErrQueueFull is returned when a stream cannot keep up; the link is closed.
var ErrQueueFull = errors.New("hostlink: outbound queue full")

// FrameFunc receives every inbound frame. Session is set to the stream's
// session for term streams.
type FrameFunc func(f *Frame)

type stream struct {
	name string
	out  chan *Frame
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	conn net.Conn
}

func newStream(name string) *stream {
	return &stream{name: name, out: make(chan *Frame, QueueDepth), done: make(chan struct{})}
}

// attach sets the connection of s. It fails once s is closed.
func (s *stream) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conn = conn
	return true
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}

// Link is one multiplexed host connection.
type Link struct {
	host    string
	conn    net.Conn
	mux     *yamux.Session
	client  bool
	onFrame FrameFunc

	mu      sync.Mutex
	streams map[string]*stream

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	cfg.KeepAliveInterval = 30 * time.Second
	return cfg
}

// NewServerLink wraps an authenticated connection on the server side. The
// server is the yamux client: it opens the streams.
func NewServerLink(host string, conn net.Conn, onFrame FrameFunc) (*Link, error) {
	mux, err := yamux.Client(conn, muxConfig())
	if err != nil {
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	return newLink(host, conn, mux, true, onFrame), nil
}

// NewAgentLink wraps an authenticated connection on the agent side. Call
// Serve to accept the server's streams.
func NewAgentLink(host string, conn net.Conn, onFrame FrameFunc) (*Link, error) {
	mux, err := yamux.Server(conn, muxConfig())
	if err != nil {
		return nil, fmt.Errorf("yamux server init: %w", err)
	}
	return newLink(host, conn, mux, false, onFrame), nil
}

func newLink(host string, conn net.Conn, mux *yamux.Session, client bool, onFrame FrameFunc) *Link {
	return &Link{
		host:    host,
		conn:    conn,
		mux:     mux,
		client:  client,
		onFrame: onFrame,
		streams: make(map[string]*stream),
		closed:  make(chan struct{}),
	}
}

// Host returns the authenticated host name.
func (l *Link) Host() string { return l.host }

// OnClose installs a callback run once when the link closes.
func (l *Link) OnClose(fn func()) { l.onClose = fn }

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Close tears down every stream and the connection.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		for name, s := range l.streams {
			s.close()
			delete(l.streams, name)
		}
		l.mu.Unlock()
		l.mux.Close()
		l.conn.Close()
		close(l.closed)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return nil
}

func streamName(session string) string {
	if session == "" {
		return ControlStream
	}
	return termPrefix + session
}

// Send queues f on the stream of f.Session, opening it if needed. Send
// never blocks: a full queue closes the link.
func (l *Link) Send(f *Frame) error {
	s, err := l.streamFor(streamName(f.Session))
	if err != nil {
		return err
	}
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrLinkClosed
	default:
		slog.Warn("hostlink: queue full, closing link", "host", l.host, "stream", s.name)
		l.Close()
		return ErrQueueFull
	}
}

func (l *Link) streamFor(name string) (*stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return nil, ErrLinkClosed
	default:
	}
	if s, ok := l.streams[name]; ok {
		return s, nil
	}
	if l.client {
		// Frames queue while the stream opens; a stalled host never blocks
		// the sender.
		s := newStream(name)
		l.streams[name] = s
		go l.open(s)
		return s, nil
	}
	// The agent only writes on streams the server opened; anything else
	// travels on the control stream.
	if s, ok := l.streams[ControlStream]; ok && name != ControlStream {
		return s, nil
	}
	return nil, fmt.Errorf("hostlink: no stream %s", name)
}

// open opens the yamux stream of s and starts its pumps.
func (l *Link) open(s *stream) {
	conn, err := l.mux.OpenStream()
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err = conn.Write([]byte(s.name + "\n")); err != nil {
			conn.Close()
		}
	}
	if err != nil {
		if !l.mux.IsClosed() {
			slog.Warn("hostlink: open stream failed", "host", l.host, "stream", s.name, "error", err)
		}
		l.dropStream(s)
		if s.name == ControlStream {
			l.Close()
		}
		return
	}
	if !s.attach(conn) {
		conn.Close()
		return
	}
	go l.writePump(s)
	go l.readPump(s)
}

func (l *Link) startLocked(name string, conn net.Conn) *stream {
	s := newStream(name)
	s.attach(conn)
	l.streams[name] = s
	go l.writePump(s)
	go l.readPump(s)
	return s
}

// CloseSession drops the stream of one session.
func (l *Link) CloseSession(session string) {
	name := streamName(session)
	l.mu.Lock()
	s, ok := l.streams[name]
	delete(l.streams, name)
	l.mu.Unlock()
	if ok {
		s.close()
	}
}

func (l *Link) dropStream(s *stream) {
	l.mu.Lock()
	if cur, ok := l.streams[s.name]; ok && cur == s {
		delete(l.streams, s.name)
	}
	l.mu.Unlock()
	s.close()
}

func (l *Link) writePump(s *stream) {
	for {
		select {
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := WriteFrame(s.conn, f); err != nil {
				slog.Warn("hostlink: write failed", "host", l.host, "stream", s.name, "error", err)
				l.dropStream(s)
				if s.name == ControlStream {
					l.Close()
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

func (l *Link) readPump(s *stream) {
	defer func() {
		l.dropStream(s)
		if s.name == ControlStream || l.mux.IsClosed() {
			l.Close()
		}
	}()
	session := strings.TrimPrefix(s.name, termPrefix)
	if s.name == ControlStream {
		session = ""
	}
	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.mux.IsClosed() {
				slog.Debug("hostlink: read ended", "host", l.host, "stream", s.name, "error", err)
			}
			return
		}
		if f.Session == "" {
			f.Session = session
		}
		l.onFrame(f)
	}
}

// Serve accepts streams opened by the server until the link closes. Only
// agent links serve.
func (l *Link) Serve() error {
	defer l.Close()
	for {
		conn, err := l.mux.AcceptStream()
		if err != nil {
			if l.mux.IsClosed() {
				return ErrLinkClosed
			}
			return fmt.Errorf("accept stream: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		name, err := readStreamHeader(conn)
		if err != nil {
			slog.Warn("hostlink: bad stream header", "host", l.host, "error", err)
			conn.Close()
			continue
		}
		conn.SetReadDeadline(time.Time{})
		if name != ControlStream && !strings.HasPrefix(name, termPrefix) {
			slog.Warn("hostlink: unknown stream", "host", l.host, "stream", name)
			conn.Close()
			continue
		}
		l.mu.Lock()
		if old, ok := l.streams[name]; ok {
			old.close()
		}
		l.startLocked(name, conn)
		l.mu.Unlock()
	}
}

// readStreamHeader reads a newline-terminated stream name one byte at a
// time so nothing past the header is consumed.
func readStreamHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > 128 {
			return "", errors.New("stream header exceeds 128 bytes")
		}
	}
}

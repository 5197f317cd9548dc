package hostlink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/buffer"
	"github.com/remote-agent-terminal/termhub/internal/loop"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// ActionReady opens the control stream after a link is attached; the agent
// answers with term_params.
const ActionReady = "ready"

// Handler receives link events on the event loop.
type Handler interface {
	HostUp(host string)
	HostFrame(host string, f *Frame)
	HostDown(host string)
}

// Host is the server-side state of one connected host. It is owned by the
// event loop.
type Host struct {
	Name        string
	ConnectedAt time.Time
	Version     string

	link         *Link
	sessions     *buffer.FIFOMap[string, string]
	sessionCount int
	chat         map[string]bool
	params       map[string]string
	prefs        map[string]any
}

// NewHost creates host state without a link. Intended for testing.
func NewHost(name string) *Host { return newHost(name, nil) }

func newHost(name string, link *Link) *Host {
	return &Host{
		Name:        name,
		ConnectedAt: time.Now(),
		link:        link,
		sessions:    buffer.NewFIFOMap[string, string](0),
		chat:        make(map[string]bool),
		params:      make(map[string]string),
		prefs:       make(map[string]any),
	}
}

// Sessions returns the session names in creation order.
func (h *Host) Sessions() []string { return h.sessions.Keys() }

// HasSession reports whether name is in the roster.
func (h *Host) HasSession(name string) bool { return h.sessions.Has(name) }

// Parent returns the parent session of name.
func (h *Host) Parent(name string) string {
	p, _ := h.sessions.Get(name)
	return p
}

// AddSession records a session and its parent.
func (h *Host) AddSession(name, parent string) { h.sessions.Set(name, parent) }

// RemoveSession drops a session from the roster.
func (h *Host) RemoveSession(name string) {
	h.sessions.Delete(name)
	delete(h.chat, name)
}

// ResetSessions replaces the roster.
func (h *Host) ResetSessions(names []string) {
	h.sessions = buffer.NewFIFOMap[string, string](0)
	for _, n := range names {
		h.sessions.Set(n, "")
	}
}

// NextSessionName mints an unused tty<N> name.
func (h *Host) NextSessionName() string {
	for {
		h.sessionCount++
		name := fmt.Sprintf("tty%d", h.sessionCount)
		if !h.sessions.Has(name) {
			return name
		}
	}
}

// ChatEnabled reports whether chat is on for session name.
func (h *Host) ChatEnabled(name string) bool { return h.chat[name] }

// SetChat toggles chat for session name.
func (h *Host) SetChat(name string, on bool) {
	if on {
		h.chat[name] = true
	} else {
		delete(h.chat, name)
	}
}

// Param returns a host parameter such as host_email or host_secret.
func (h *Host) Param(name string) string { return h.params[name] }

// SetParam stores a host parameter.
func (h *Host) SetParam(name, value string) { h.params[name] = value }

// Prefs returns the cached terminal preferences.
func (h *Host) Prefs() map[string]any { return h.prefs }

// SetPrefs replaces the cached terminal preferences.
func (h *Host) SetPrefs(p map[string]any) {
	if p == nil {
		p = make(map[string]any)
	}
	h.prefs = p
}

// Manager accepts host links and routes frames to them.
type Manager struct {
	keys    KeyFunc
	poster  loop.Poster
	handler Handler
	tls     *tls.Config

	mu    sync.RWMutex
	hosts map[string]*Host
}

// NewManager creates a manager. Frames and link events are posted to poster.
func NewManager(keys KeyFunc, poster loop.Poster, tlsConfig *tls.Config) *Manager {
	return &Manager{
		keys:   keys,
		poster: poster,
		tls:    tlsConfig,
		hosts:  make(map[string]*Host),
	}
}

// SetHandler installs the receiver of link events.
func (m *Manager) SetHandler(h Handler) { m.handler = h }

// Listen accepts host links on addr until ctx is cancelled.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	var ln net.Listener
	var err error
	if m.tls != nil {
		ln, err = tls.Listen("tcp", addr, m.tls)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	slog.Info("hostlink: listening", "addr", ln.Addr().String(), "tls", m.tls != nil)
	return m.Serve(ctx, ln)
}

// Serve accepts host links on ln until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go m.handleConn(conn)
	}
}

func (m *Manager) handleConn(conn net.Conn) {
	host, err := AcceptHandshake(conn, m.keys)
	if err != nil {
		slog.Warn("hostlink: rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	if err := m.Attach(host, conn); err != nil {
		slog.Warn("hostlink: attach failed", "host", host, "error", err)
		conn.Close()
	}
}

// Attach wraps an authenticated connection and registers it for host,
// replacing any previous link of the same host.
func (m *Manager) Attach(host string, conn net.Conn) error {
	link, err := NewServerLink(host, conn, func(f *Frame) {
		m.poster.Post(func() { m.deliver(host, f) })
	})
	if err != nil {
		return err
	}
	link.OnClose(func() {
		m.poster.Post(func() { m.detach(host, link) })
	})
	m.poster.Post(func() { m.attach(host, link) })
	return nil
}

func (m *Manager) attach(host string, link *Link) {
	m.mu.Lock()
	old, ok := m.hosts[host]
	m.hosts[host] = newHost(host, link)
	m.mu.Unlock()
	if ok {
		slog.Info("hostlink: replacing link", "host", host)
		old.link.Close()
	}
	select {
	case <-link.Done():
		return
	default:
	}
	if err := link.Send(&Frame{Action: ActionReady}); err != nil {
		slog.Warn("hostlink: ready failed", "host", host, "error", err)
		return
	}
	slog.Info("hostlink: host connected", "host", host)
	if m.handler != nil {
		m.handler.HostUp(host)
	}
}

func (m *Manager) detach(host string, link *Link) {
	m.mu.Lock()
	h, ok := m.hosts[host]
	if ok && h.link == link {
		delete(m.hosts, host)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("hostlink: host disconnected", "host", host)
	if m.handler != nil {
		m.handler.HostDown(host)
	}
}

func (m *Manager) deliver(host string, f *Frame) {
	m.mu.RLock()
	_, ok := m.hosts[host]
	m.mu.RUnlock()
	if !ok || m.handler == nil {
		return
	}
	m.handler.HostFrame(host, f)
}

// Host returns the state of a connected host.
func (m *Manager) Host(name string) (*Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[name]
	return h, ok
}

// Connected reports whether host has a live link.
func (m *Manager) Connected(host string) bool {
	_, ok := m.Host(host)
	return ok
}

// Hosts returns the connected host names, sorted.
func (m *Manager) Hosts() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.hosts))
	for n := range m.hosts {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// HostParam returns a parameter reported by host, or "".
func (m *Manager) HostParam(host, name string) string {
	if h, ok := m.Host(host); ok {
		return h.Param(name)
	}
	return ""
}

// Count returns the number of connected hosts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hosts)
}

// SendToHost queues f on the link of host. It fails at once with
// ErrHostNotConnected when there is no live link.
func (m *Manager) SendToHost(host string, f *Frame) error {
	h, ok := m.Host(host)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrHostNotConnected, host)
	}
	if err := h.link.Send(f); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrHostNotConnected, host, err)
	}
	return nil
}

// Request sends a batch of commands for one session.
func (m *Manager) Request(host, session, user, connID string, msgs ...protocol.Message) error {
	list := make([]any, len(msgs))
	for i, msg := range msgs {
		list[i] = []any(msg)
	}
	return m.SendToHost(host, &Frame{Action: ActionRequest, Session: session, User: user, ConnID: connID, Messages: list})
}

// CloseSession drops the stream of a removed session.
func (m *Manager) CloseSession(host, session string) {
	if h, ok := m.Host(host); ok {
		h.link.CloseSession(session)
	}
}

// Disconnect closes the link of host. The agent reconnects on its own.
func (m *Manager) Disconnect(host string) bool {
	h, ok := m.Host(host)
	if ok {
		h.link.Close()
	}
	return ok
}

// Shutdown closes every link.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	links := make([]*Link, 0, len(m.hosts))
	for _, h := range m.hosts {
		links = append(links, h.link)
	}
	m.mu.RUnlock()
	for _, l := range links {
		l.Close()
	}
}

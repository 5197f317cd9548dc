// Package agent is the host side of the host link: it keeps a link to the
// server alive and runs the terminals the server asks for.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/session"
)

// MaxRetryInterval caps the reconnect delay.
const MaxRetryInterval = 30 * time.Second

// ErrShutdown is returned by Run after the server ordered a shutdown.
var ErrShutdown = errors.New("agent: shut down by server")

// Config locates the server and this host.
type Config struct {
	Server string
	Host   string
	// Key is the per-host link key.
	Key string
	TLS *tls.Config
	// Root is the directory served to file requests. Empty disables them.
	Root  string
	Email string
	// Prefs are reported to the server as term_prefs.
	Prefs map[string]any
}

// Agent serves one host.
type Agent struct {
	cfg      Config
	sessions *session.Manager

	mu       sync.Mutex
	link     *hostlink.Link
	email    string
	carry    map[string][]byte
	shutdown chan struct{}
	stopOnce sync.Once
}

// New creates an agent running terminals through sessions.
func New(cfg Config, sessions *session.Manager) *Agent {
	a := &Agent{
		cfg:      cfg,
		sessions: sessions,
		email:    cfg.Email,
		carry:    make(map[string][]byte),
		shutdown: make(chan struct{}),
	}
	sessions.SetHandlers(a.onOutput, a.onExit)
	return a
}

// Run dials the server and serves the link, reconnecting with exponential
// backoff until ctx is cancelled or the server orders a shutdown.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		link, err := hostlink.Dial(ctx, hostlink.DialConfig{
			Addr: a.cfg.Server,
			Host: a.cfg.Host,
			Key:  a.cfg.Key,
			TLS:  a.cfg.TLS,
		}, a.HandleFrame)
		if err == nil {
			b.Reset()
			slog.Info("agent: connected", "server", a.cfg.Server, "host", a.cfg.Host)
			err = a.Serve(link)
		}
		select {
		case <-a.shutdown:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d := b.Duration()
		slog.Warn("agent: link down, retrying", "error", err, "attempt", int(b.Attempt()), "retryIn", d)
		select {
		case <-time.After(d):
		case <-a.shutdown:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Serve runs an established link until it closes.
func (a *Agent) Serve(link *hostlink.Link) error {
	a.mu.Lock()
	a.link = link
	a.mu.Unlock()
	err := link.Serve()
	a.mu.Lock()
	if a.link == link {
		a.link = nil
	}
	a.mu.Unlock()
	return err
}

// Stop closes the link and every terminal.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.shutdown) })
	a.mu.Lock()
	link := a.link
	a.mu.Unlock()
	if link != nil {
		link.Close()
	}
	a.sessions.Close()
}

// Done is closed once the agent has been stopped.
func (a *Agent) Done() <-chan struct{} { return a.shutdown }

func (a *Agent) send(f *hostlink.Frame) {
	a.mu.Lock()
	link := a.link
	a.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.Send(f); err != nil {
		slog.Debug("agent: send failed", "action", f.Action, "session", f.Session, "error", err)
	}
}

func (a *Agent) respond(session, connID string, content []byte, msgs ...protocol.Message) {
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = []any(m)
	}
	a.send(&hostlink.Frame{Action: hostlink.ActionResponse, Session: session, ConnID: connID, Messages: list, Content: content})
}

func (a *Agent) termParams() {
	a.mu.Lock()
	email := a.email
	a.mu.Unlock()
	names := a.sessions.Names()
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	prefs := a.cfg.Prefs
	if prefs == nil {
		prefs = map[string]any{}
	}
	a.respond("", "", nil, protocol.New("term_params", map[string]any{
		"version":         model.Version,
		"min_version":     model.MinVersion,
		"normalized_host": a.cfg.Host,
		"host_params":     map[string]any{"host_email": email},
		"term_prefs":      prefs,
		"term_names":      list,
	}))
}

func (a *Agent) onOutput(name string, data []byte) {
	a.mu.Lock()
	text, rest := validPrefix(append(a.carry[name], data...))
	if len(rest) > 0 {
		a.carry[name] = rest
	} else {
		delete(a.carry, name)
	}
	a.mu.Unlock()
	if text == "" {
		return
	}
	a.respond(name, "", nil, protocol.New("output", text))
}

func (a *Agent) onExit(name string, exitCode int) {
	a.mu.Lock()
	delete(a.carry, name)
	a.mu.Unlock()
	a.send(&hostlink.Frame{Action: hostlink.ActionUpdate, Session: name})
}

// Package session keeps the table of terminal sessions a host agent runs.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/logger"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/pty"
)

// DefaultMaxSessions bounds the terminals of one agent.
const DefaultMaxSessions = 64

// Config holds configuration for the session manager.
type Config struct {
	Host  string
	Shell string
	// Dir is the starting directory of new shells.
	Dir string
	// RecordDir enables asciinema recording when set.
	RecordDir   string
	MaxSessions int
	Env         map[string]string
}

// OutputFunc receives terminal output of one session.
type OutputFunc func(name string, data []byte)

// ExitFunc is called after the shell of a session has exited.
type ExitFunc func(name string, exitCode int)

// Manager owns the sessions of one agent.
type Manager struct {
	ptyManager *pty.Manager
	cfg        Config

	onOutput OutputFunc
	onExit   ExitFunc

	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewManager creates a new session manager.
func NewManager(ptyManager *pty.Manager, cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Manager{
		ptyManager: ptyManager,
		cfg:        cfg,
		sessions:   make(map[string]*model.Session),
	}
}

// SetHandlers installs the output and exit callbacks. Call before Open.
func (m *Manager) SetHandlers(onOutput OutputFunc, onExit ExitFunc) {
	m.onOutput = onOutput
	m.onExit = onExit
}

// Open returns the running session name, starting a shell for it first if
// needed. created reports whether a shell was started.
func (m *Manager) Open(name, parent string, rows, cols uint16) (sess model.Session, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[name]; ok && s.Status == model.SessionStatusRunning {
		return *s, false, nil
	}
	if m.runningLocked() >= m.cfg.MaxSessions {
		return model.Session{}, false, fmt.Errorf("%w: %d terminals", model.ErrConcurrencyLimit, m.cfg.MaxSessions)
	}

	now := time.Now()
	s := &model.Session{
		Name:      name,
		Parent:    parent,
		Command:   m.cfg.Shell,
		Env:       m.cfg.Env,
		Dir:       m.cfg.Dir,
		Status:    model.SessionStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.cfg.RecordDir != "" {
		s.LogFilePath = logger.CastPath(m.cfg.RecordDir, m.cfg.Host, name, now)
	}

	p, err := m.ptyManager.Spawn(pty.SpawnOptions{
		Session:     s,
		InitialRows: rows,
		InitialCols: cols,
		OnOutput: func(data []byte) {
			if m.onOutput != nil {
				m.onOutput(name, data)
			}
		},
		OnExit: func(exitCode int, err error) {
			m.handleProcessExit(s, exitCode, err)
		},
	})
	if err != nil {
		return model.Session{}, false, fmt.Errorf("failed to spawn terminal %s: %w", name, err)
	}
	pid := p.PID()
	s.PID = &pid
	m.sessions[name] = s

	slog.Info("session: started", "name", name, "pid", pid)
	return *s, true, nil
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.Status == model.SessionStatusRunning {
			n++
		}
	}
	return n
}

func (m *Manager) handleProcessExit(s *model.Session, exitCode int, err error) {
	status := model.SessionStatusExited
	if err != nil {
		status = model.SessionStatusFailed
	}

	m.mu.Lock()
	s.Status = status
	s.ExitCode = &exitCode
	s.UpdatedAt = time.Now()
	if cur, ok := m.sessions[s.Name]; ok && cur == s {
		delete(m.sessions, s.Name)
	}
	m.mu.Unlock()

	slog.Info("session: exited", "name", s.Name, "exitCode", exitCode)
	if m.onExit != nil {
		m.onExit(s.Name, exitCode)
	}
}

// Get returns a copy of the named session.
func (m *Manager) Get(name string) (model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Names returns the running session names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// History returns the replay buffer of the named session.
func (m *Manager) History(name string) (string, bool) {
	p, ok := m.ptyManager.Get(name)
	if !ok {
		return "", false
	}
	return p.History(), true
}

// Write sends keystrokes to the named session.
func (m *Manager) Write(name string, data []byte) error {
	return m.ptyManager.Write(name, data)
}

// Resize changes the window size of the named session.
func (m *Manager) Resize(name string, rows, cols uint16) error {
	return m.ptyManager.Resize(name, rows, cols)
}

// Kill terminates the named session. The exit callback still fires.
func (m *Manager) Kill(name string) error {
	return m.ptyManager.Kill(name)
}

// Close kills every session.
func (m *Manager) Close() error {
	return m.ptyManager.Close()
}

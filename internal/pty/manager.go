package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/remote-agent-terminal/termhub/internal/buffer"
	"github.com/remote-agent-terminal/termhub/internal/logger"
	"github.com/remote-agent-terminal/termhub/internal/model"
)

const (
	// DefaultRingBufferSize is the history kept per terminal for replay.
	DefaultRingBufferSize = 64 * 1024

	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	DefaultRows = 24
	DefaultCols = 80
)

// ErrProcessClosed is returned for writes to a terminal that has exited.
var ErrProcessClosed = errors.New("process is closed")

// PTYProcess is a running shell with its history and optional recording.
type PTYProcess struct {
	Name       string
	Session    *model.Session
	Process    *Process
	RingBuffer *buffer.RingBuffer
	Recorder   *logger.Recorder

	onOutput func(data []byte)
	onExit   func(exitCode int, err error)

	mu       sync.RWMutex
	closed   bool
	closedCh chan struct{}
}

// Manager owns the pty processes of one agent, keyed by session name.
type Manager struct {
	processes map[string]*PTYProcess
	mu        sync.RWMutex

	// RingBufferSize is the size of the ring buffer for each process.
	RingBufferSize int
}

// NewManager creates a new PTY manager.
func NewManager(historySize int) *Manager {
	if historySize <= 0 {
		historySize = DefaultRingBufferSize
	}
	return &Manager{
		processes:      make(map[string]*PTYProcess),
		RingBufferSize: historySize,
	}
}

// SpawnOptions contains options for spawning a PTY process.
type SpawnOptions struct {
	Session *model.Session

	InitialRows uint16
	InitialCols uint16

	// OnOutput receives every chunk of terminal output.
	OnOutput func(data []byte)

	// OnExit is called once when the process exits.
	OnExit func(exitCode int, err error)
}

// Spawn starts the shell of opts.Session.
func (m *Manager) Spawn(opts SpawnOptions) (*PTYProcess, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if opts.Session.Command == "" {
		return nil, model.ErrCommandRequired
	}
	name := opts.Session.Name

	m.mu.RLock()
	_, exists := m.processes[name]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("terminal %s already running", name)
	}

	if opts.InitialRows == 0 {
		opts.InitialRows = DefaultRows
	}
	if opts.InitialCols == 0 {
		opts.InitialCols = DefaultCols
	}

	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for k, v := range opts.Session.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cmdParts := splitCommand(opts.Session.Command)
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("invalid command")
	}

	workdir, err := expandHome(opts.Session.Dir)
	if err != nil {
		return nil, err
	}

	var rec *logger.Recorder
	if opts.Session.LogFilePath != "" {
		rec, err = logger.Create(opts.Session.LogFilePath, name, int(opts.InitialCols), int(opts.InitialRows))
		if err != nil {
			return nil, fmt.Errorf("failed to create recorder: %w", err)
		}
	}

	process, err := Start(StartOptions{
		Command:     cmdParts[0],
		Args:        cmdParts[1:],
		Env:         env,
		Dir:         workdir,
		InitialRows: opts.InitialRows,
		InitialCols: opts.InitialCols,
	})
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &PTYProcess{
		Name:       name,
		Session:    opts.Session,
		Process:    process,
		RingBuffer: buffer.NewRingBuffer(m.RingBufferSize),
		Recorder:   rec,
		onOutput:   opts.OnOutput,
		onExit:     opts.OnExit,
		closedCh:   make(chan struct{}),
	}
	m.mu.Lock()
	m.processes[name] = p
	m.mu.Unlock()

	// waitLoop reaps the child only after readLoop has drained the pty.
	drained := make(chan struct{})
	go p.readLoop(drained)
	go p.waitLoop(m, drained)

	return p, nil
}

func expandHome(dir string) (string, error) {
	if dir == "" || dir[0] != '~' {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(dir) == 1 {
		return home, nil
	}
	if dir[1] == '/' {
		return home + dir[1:], nil
	}
	return dir, nil
}

// Get returns the process of the named terminal.
func (m *Manager) Get(name string) (*PTYProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[name]
	return p, ok
}

func (m *Manager) lookup(name string) (*PTYProcess, error) {
	p, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, name)
	}
	return p, nil
}

// Kill terminates the named terminal.
func (m *Manager) Kill(name string) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	return p.Close()
}

// Resize changes the window size of the named terminal.
func (m *Manager) Resize(name string, rows, cols uint16) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	return p.Resize(rows, cols)
}

// Write sends keystrokes to the named terminal.
func (m *Manager) Write(name string, data []byte) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	return p.Write(data)
}

// Remove forgets the named terminal.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	delete(m.processes, name)
	m.mu.Unlock()
}

// Names returns the running terminal names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.processes))
	for name := range m.processes {
		names = append(names, name)
	}
	return names
}

// Close kills every process.
func (m *Manager) Close() error {
	m.mu.Lock()
	processes := make([]*PTYProcess, 0, len(m.processes))
	for _, p := range m.processes {
		processes = append(processes, p)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range processes {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *PTYProcess) readLoop(drained chan<- struct{}) {
	defer close(drained)
	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := p.Process.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			p.RingBuffer.Write(data)
			if p.Recorder != nil {
				p.Recorder.WriteOutput(data)
			}
			if p.onOutput != nil {
				p.onOutput(data)
			}
		}
		if err != nil {
			// Linux reports EIO on the master once the child has exited.
			if err != io.EOF && !p.IsClosed() {
				slog.Debug("pty: read ended", "terminal", p.Name, "error", err)
			}
			return
		}
	}
}

func (p *PTYProcess) waitLoop(m *Manager, drained <-chan struct{}) {
	exitCode, err := p.Process.Wait()
	<-drained

	p.Close()
	m.Remove(p.Name)

	if p.onExit != nil {
		p.onExit(exitCode, err)
	}
}

// Write writes data to the PTY input.
func (p *PTYProcess) Write(data []byte) error {
	if p.IsClosed() {
		return ErrProcessClosed
	}
	if _, err := p.Process.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	if p.Recorder != nil {
		p.Recorder.WriteInput(data)
	}
	return nil
}

// Resize changes the PTY window size.
func (p *PTYProcess) Resize(rows, cols uint16) error {
	if p.IsClosed() {
		return ErrProcessClosed
	}
	if err := p.Process.Resize(rows, cols); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	if p.Recorder != nil {
		p.Recorder.WriteResize(int(cols), int(rows))
	}
	return nil
}

// Close kills the process and releases the pty and recorder.
func (p *PTYProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	var firstErr error
	if err := p.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		firstErr = err
	}
	if err := p.Process.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.Recorder != nil {
		if err := p.Recorder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsClosed returns true if the process has been closed.
func (p *PTYProcess) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// ClosedChan returns a channel that is closed when the process exits.
func (p *PTYProcess) ClosedChan() <-chan struct{} {
	return p.closedCh
}

// History returns the buffered output for replay to a reconnecting viewer.
func (p *PTYProcess) History() string {
	return p.RingBuffer.History()
}

// PID returns the process ID.
func (p *PTYProcess) PID() int {
	return p.Process.PID()
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}
	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if !inQuote {
				inQuote, quoteChar = true, r
			} else if r == quoteChar {
				inQuote, quoteChar = false, 0
			} else {
				current.WriteRune(r)
			}
		case (r == ' ' || r == '\t') && !inQuote:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return parts
}

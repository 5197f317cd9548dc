// Package pty runs shells on pseudo-terminals for the host agent.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	creackpty "github.com/creack/pty"
)

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	Command string
	Args    []string

	// Env is the environment for the process. If nil, the current process
	// environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string

	InitialRows uint16
	InitialCols uint16
}

// Process is a command running with a pty as its controlling terminal.
type Process struct {
	Cmd *exec.Cmd

	master *os.File
	pid    int
}

// Start starts a command on a new pty.
func Start(opts StartOptions) (*Process, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = opts.Dir

	var size *creackpty.Winsize
	if opts.InitialRows > 0 && opts.InitialCols > 0 {
		size = &creackpty.Winsize{Rows: opts.InitialRows, Cols: opts.InitialCols}
	}
	master, err := creackpty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on pty: %w", opts.Command, err)
	}
	return &Process{Cmd: cmd, master: master, pid: cmd.Process.Pid}, nil
}

// Read reads terminal output.
func (p *Process) Read(b []byte) (int, error) { return p.master.Read(b) }

// Write writes terminal input.
func (p *Process) Write(b []byte) (int, error) { return p.master.Write(b) }

// Resize changes the window size.
func (p *Process) Resize(rows, cols uint16) error {
	return creackpty.Setsize(p.master, &creackpty.Winsize{Rows: rows, Cols: cols})
}

// PID returns the process ID of the running process.
func (p *Process) PID() int {
	return p.pid
}

// Wait waits for the process to exit and returns the exit code.
// Returns -1 if the process was killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Kill terminates the process.
func (p *Process) Kill() error {
	if p.Cmd.Process != nil {
		return p.Cmd.Process.Kill()
	}
	return nil
}

// Close closes the pty master.
func (p *Process) Close() error {
	return p.master.Close()
}

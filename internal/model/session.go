package model

import "time"

// SessionStatus represents the status of a host-side terminal session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusExited  SessionStatus = "exited"
	SessionStatusFailed  SessionStatus = "failed"
)

// Session is a pty-backed shell owned by a host agent.
type Session struct {
	Name        string            `json:"name"`
	Parent      string            `json:"parent,omitempty"`
	Command     string            `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Dir         string            `json:"dir,omitempty"`
	Status      SessionStatus     `json:"status"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	PID         *int              `json:"pid,omitempty"`
	LogFilePath string            `json:"logFilePath,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Duration returns the running duration of the session.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// SessionSummary describes one server-side terminal path for the REST API.
type SessionSummary struct {
	Host       string `json:"host"`
	Name       string `json:"name"`
	Parent     string `json:"parent,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Watchers   int    `json:"watchers"`
	Controlled bool   `json:"controlled"`
	Locked     bool   `json:"locked"`
	Private    bool   `json:"private"`
	Tandem     bool   `json:"tandem"`
	Webcast    bool   `json:"webcast"`
	IdleMin    int    `json:"idleMin"`
}

package model

import "time"

// AuditKind names an audited event.
type AuditKind string

const (
	AuditAuthFailure AuditKind = "auth_failure"
	AuditOpen        AuditKind = "open"
	AuditClose       AuditKind = "close"
	AuditSteal       AuditKind = "steal"
	AuditKill        AuditKind = "kill"
	AuditHostUp      AuditKind = "host_up"
	AuditHostDown    AuditKind = "host_down"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	ID        string    `json:"id"`
	Kind      AuditKind `json:"kind"`
	Path      string    `json:"path,omitempty"`
	User      string    `json:"user,omitempty"`
	ConnID    string    `json:"connId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

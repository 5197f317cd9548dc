package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/model"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// AuditFilter narrows List. Zero fields match everything.
type AuditFilter struct {
	Kind  model.AuditKind
	Path  string
	User  string
	Since time.Time
	Limit int
}

// AuditRepository provides data access for audit events.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert stores one event.
func (r *AuditRepository) Insert(ctx context.Context, e *model.AuditEvent) error {
	query := `
		INSERT INTO audit_events (id, kind, path, user_name, conn_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		e.Path,
		e.User,
		e.ConnID,
		e.Detail,
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List returns matching events, newest first.
func (r *AuditRepository) List(ctx context.Context, f AuditFilter) ([]*model.AuditEvent, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Path != "" {
		where = append(where, "path = ?")
		args = append(args, f.Path)
	}
	if f.User != "" {
		where = append(where, "user_name = ?")
		args = append(args, f.User)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, kind, path, user_name, conn_id, detail, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*model.AuditEvent
	for rows.Next() {
		e := &model.AuditEvent{}
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Path, &e.User, &e.ConnID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Kind = model.AuditKind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than before and returns how many went.
func (r *AuditRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/repository"
)

// Killer tears down a terminal path. Call on the event loop.
type Killer interface {
	Kill(path, user string)
}

// AuditLister reads the audit trail.
type AuditLister interface {
	List(ctx context.Context, f repository.AuditFilter) ([]*model.AuditEvent, error)
}

// AdminHandler serves the REST admin API. Every route but /health needs a
// privileged session cookie.
type AdminHandler struct {
	loop   Caller
	auth   *auth.Controller
	reg    *registry.Registry
	hosts  HostDirectory
	killer Killer
	audit  AuditLister
}

// NewAdminHandler creates a new AdminHandler. audit may be nil.
func NewAdminHandler(loop Caller, ctrl *auth.Controller, reg *registry.Registry, hosts HostDirectory, killer Killer, audit AuditLister) *AdminHandler {
	return &AdminHandler{
		loop:   loop,
		auth:   ctrl,
		reg:    reg,
		hosts:  hosts,
		killer: killer,
		audit:  audit,
	}
}

// HostResponse represents a connected host in API responses.
type HostResponse struct {
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
	Email    string `json:"email,omitempty"`
}

// AuditResponse represents an audit event in API responses.
type AuditResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	User      string `json:"user,omitempty"`
	ConnID    string `json:"connId,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// RequirePrivileged rejects requests without a super user (or single-code)
// session cookie.
func (h *AdminHandler) RequirePrivileged() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := session(c, h.loop, h.auth)
		if err != nil {
			sendLoopError(c, err)
			return
		}
		if sess == nil {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		privileged := false
		if err := h.loop.Call(c.Request.Context(), func() { privileged = h.auth.IsPrivileged(sess) }); err != nil {
			sendLoopError(c, err)
			return
		}
		if !privileged {
			sendError(c, http.StatusForbidden, "FORBIDDEN", "Access denied")
			return
		}
		c.Set("user", sess.User)
		c.Next()
	}
}

// Health handles GET /health.
func (h *AdminHandler) Health(c *gin.Context) {
	hosts := 0
	if err := h.loop.Call(c.Request.Context(), func() { hosts = len(h.hosts.Hosts()) }); err != nil {
		sendLoopError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": model.Version,
		"hosts":   hosts,
	})
}

// ListHosts handles GET /api/hosts.
func (h *AdminHandler) ListHosts(c *gin.Context) {
	response := []HostResponse{}
	err := h.loop.Call(c.Request.Context(), func() {
		for _, name := range h.hosts.Hosts() {
			host, ok := h.hosts.Host(name)
			if !ok {
				continue
			}
			response = append(response, HostResponse{
				Name:     name,
				Sessions: len(host.Sessions()),
				Email:    host.Param("host_email"),
			})
		}
	})
	if err != nil {
		sendLoopError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

// ListSessions handles GET /api/hosts/:host/sessions.
func (h *AdminHandler) ListSessions(c *gin.Context) {
	name := c.Param("host")
	var response []model.SessionSummary
	found := false
	err := h.loop.Call(c.Request.Context(), func() {
		host, ok := h.hosts.Host(name)
		if !ok {
			return
		}
		found = true
		response = []model.SessionSummary{}
		for _, s := range host.Sessions() {
			summary := h.reg.Summary(model.JoinPath(name, s))
			summary.Parent = host.Parent(s)
			response = append(response, summary)
		}
	})
	if err != nil {
		sendLoopError(c, err)
		return
	}
	if !found {
		sendError(c, http.StatusNotFound, "HOST_NOT_FOUND", "Host "+name+" not connected")
		return
	}
	c.JSON(http.StatusOK, response)
}

// KillSession handles DELETE /api/sessions/:host/:session.
func (h *AdminHandler) KillSession(c *gin.Context) {
	path := model.JoinPath(c.Param("host"), c.Param("session"))
	user := c.GetString("user")
	found := false
	err := h.loop.Call(c.Request.Context(), func() {
		host, term, _ := model.SplitPath(path)
		_, open := h.reg.Params(path)
		if hs, ok := h.hosts.Host(host); ok && hs.HasSession(term) {
			open = true
		}
		if !open {
			return
		}
		found = true
		h.killer.Kill(path, user)
	})
	if err != nil {
		sendLoopError(c, err)
		return
	}
	if !found {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+path+" not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAudit handles GET /api/audit?kind=&path=&user=&since=&limit=.
func (h *AdminHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		sendError(c, http.StatusNotFound, "AUDIT_DISABLED", "Audit trail is not enabled")
		return
	}
	f := repository.AuditFilter{
		Kind: model.AuditKind(c.Query("kind")),
		Path: c.Query("path"),
		User: c.Query("user"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid limit: "+v)
			return
		}
		f.Limit = n
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid since: "+v)
			return
		}
		f.Since = t
	}

	events, err := h.audit.List(c.Request.Context(), f)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list audit events: "+err.Error())
		return
	}
	response := make([]AuditResponse, len(events))
	for i, e := range events {
		response[i] = AuditResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Path:      e.Path,
			User:      e.User,
			ConnID:    e.ConnID,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, response)
}

// RegisterRoutes registers /health on r and the admin routes under /api.
func (h *AdminHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	api := r.Group("/api", h.RequirePrivileged())
	{
		api.GET("/hosts", h.ListHosts)
		api.GET("/hosts/:host/sessions", h.ListSessions)
		api.DELETE("/sessions/:host/:session", h.KillSession)
		api.GET("/audit", h.ListAudit)
	}
}

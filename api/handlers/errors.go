// Package handlers provides the HTTP request handlers of the server.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// Caller runs a function on the event loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// HostDirectory is what the handlers need from the host link manager. All
// methods are called on the event loop.
type HostDirectory interface {
	Host(name string) (*hostlink.Host, bool)
	Hosts() []string
	HostParam(host, name string) string
	Request(host, session, user, connID string, msgs ...protocol.Message) error
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendLoopError reports that the event loop could not run a request.
func sendLoopError(c *gin.Context, err error) {
	sendError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Server is shutting down: "+err.Error())
}

// session returns a copy of the cookie state of the request, or nil.
func session(c *gin.Context, loop Caller, ctrl *auth.Controller) (*model.AuthSession, error) {
	stateID, _ := c.Cookie(auth.CookieName)
	if stateID == "" {
		stateID = c.Query("state_cookie")
	}
	var sess *model.AuthSession
	err := loop.Call(c.Request.Context(), func() {
		if s := ctrl.GetSession(stateID); s != nil {
			cp := *s
			sess = &cp
		}
	})
	return sess, err
}

// firstValues flattens form or query values to their first value.
func firstValues(v map[string][]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// promptError is an authentication failure with the prompt to show.
type promptError struct {
	prompt *auth.Prompt
}

func (e *promptError) Error() string { return e.prompt.Message }

func (e *promptError) Unwrap() error {
	return model.NewError(model.KindAuthFailure, "%s", e.prompt.Message)
}

// guard is the one top-level boundary of open and message handling: a panic
// is an internal error.
func (s *Server) guard(c *Conn, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ws: handler panicked", "conn", c.id, "path", c.path, "panic", r, "stack", string(debug.Stack()))
			s.fail(c, model.WrapError(model.KindInternal, fmt.Errorf("panic: %v", r), "internal error"))
		}
	}()
	fn()
}

// fail maps err to what the browser sees. Authentication and authorization
// failures end the connection after one message; protocol, routing and
// timeout failures are reported and the connection stays open; anything
// else closes it.
func (s *Server) fail(c *Conn, err error) {
	msg := model.UserMessage(err)
	switch model.KindOf(err) {
	case model.KindAuthFailure:
		p := &auth.Prompt{Message: msg}
		var pe *promptError
		if errors.As(err, &pe) {
			p = pe.prompt
		}
		s.record(model.AuditAuthFailure, c, c.path, p.Message)
		c.Finish(protocol.Single("authenticate", p))
		s.closed(c)
	case model.KindAuthorizationDenied:
		s.record(model.AuditAuthFailure, c, c.path, msg)
		c.Finish(protocol.Single("abort", msg))
		s.closed(c)
	case model.KindProtocol, model.KindRouting, model.KindTimeout:
		c.Send(protocol.Single("errmsg", msg))
	default:
		slog.Error("ws: internal error", "conn", c.id, "path", c.path, "user", logutil.SanitizeForLog(c.User()), "error", err)
		s.drop(c)
	}
}

// deny builds an authorization failure.
func deny(format string, args ...any) error {
	return model.NewError(model.KindAuthorizationDenied, format, args...)
}

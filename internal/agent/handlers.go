package agent

import (
	"log/slog"

	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// HandleFrame processes one frame from the server. It runs on the reading
// goroutine of the frame's stream.
func (a *Agent) HandleFrame(f *hostlink.Frame) {
	switch f.Action {
	case hostlink.ActionReady:
		a.termParams()
	case hostlink.ActionRequest:
		for _, item := range f.Messages {
			msg, ok := protocol.FromAny(item)
			if !ok {
				slog.Warn("agent: malformed request", "session", f.Session)
				continue
			}
			a.handle(f, msg)
		}
	default:
		slog.Warn("agent: unexpected frame", "action", f.Action)
	}
}

func (a *Agent) handle(f *hostlink.Frame, msg protocol.Message) {
	name := f.Session
	switch msg.Name() {
	case "reconnect":
		connID := msg.String(0)
		if connID == "" {
			connID = f.ConnID
		}
		a.reconnect(name, connID, msg.Map(1))
	case "keypress":
		if err := a.sessions.Write(name, []byte(msg.String(0))); err != nil {
			slog.Debug("agent: keypress dropped", "session", name, "error", err)
		}
	case "resize":
		rows, cols := msg.Int(0), msg.Int(1)
		if rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
			return
		}
		if err := a.sessions.Resize(name, uint16(rows), uint16(cols)); err != nil {
			slog.Debug("agent: resize failed", "session", name, "error", err)
		}
	case "kill_term":
		if err := a.sessions.Kill(name); err != nil {
			slog.Debug("agent: kill failed", "session", name, "error", err)
		}
	case "file_request":
		req := fileRequest{
			ID:         msg.Int(0),
			Method:     msg.String(1),
			Path:       msg.String(2),
			IfModSince: msg.String(3),
		}
		go a.serveFile(req)
	case "set_email":
		a.mu.Lock()
		a.email = msg.String(0)
		a.mu.Unlock()
		slog.Info("agent: email set", "email", logutil.SanitizeForLog(msg.String(0)))
	case "shutdown":
		slog.Warn("agent: shutdown requested", "reason", logutil.SanitizeForLog(msg.String(0)))
		go a.Stop()
	default:
		slog.Debug("agent: ignored command", "session", name, "command", msg.Name())
	}
}

// reconnect starts the terminal if needed and replays its history to the
// reconnecting connection only.
func (a *Agent) reconnect(name, connID string, settings map[string]any) {
	if name == "" {
		return
	}
	s := protocol.Args([]any{settings["rows"], settings["cols"]})
	parent, _ := settings["parent"].(string)
	rows, cols := s.Int(0), s.Int(1)
	if rows < 0 || rows > 0xffff || cols < 0 || cols > 0xffff {
		rows, cols = 0, 0
	}
	_, created, err := a.sessions.Open(name, parent, uint16(rows), uint16(cols))
	if err != nil {
		slog.Error("agent: failed to open terminal", "session", name, "error", err)
		a.respond(name, connID, nil, protocol.New("errmsg", err.Error()))
		return
	}
	if created {
		a.send(&hostlink.Frame{Action: hostlink.ActionUpdate, Session: name, Parent: parent, Add: true})
		return
	}
	if history, ok := a.sessions.History(name); ok && history != "" {
		a.respond(name, connID, nil, protocol.New("output", history))
	}
}

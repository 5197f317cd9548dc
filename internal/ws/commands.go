package ws

import (
	"log/slog"
	"strings"

	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/wildcard"
)

// message handles one inbound frame on the loop. Frames that arrive before
// the connection is registered are ignored.
func (s *Server) message(c *Conn, binary bool, data []byte) {
	if c.state != StateWatcher && c.state != StateController {
		return
	}
	s.guard(c, func() { s.handle(c, binary, data) })
}

func (s *Server) handle(c *Conn, binary bool, data []byte) {
	params, ok := s.reg.Params(c.path)
	if !ok {
		return
	}
	host, term, _ := model.SplitPath(c.path)
	user := c.User()
	rq := s.requester(c)
	owner := s.reg.IsCreator(rq, c.path)
	controller := c.wildcard != nil || s.reg.IsController(c.path, c.id)

	var h *hostlink.Host
	chatOnly := false
	if c.wildcard == nil {
		h, ok = s.hosts.Host(host)
		if !ok {
			s.fail(c, model.NewError(model.KindRouting, "ERROR: Remote host %s not connected", host))
			return
		}
		chatOnly = !controller && h.ChatEnabled(term)
	}

	localOrOsh := host == model.LocalHost || term == model.OShellName
	allowControlRequest := !params.ShareLocked && !params.SharePrivate && !s.reg.IsWebcast(c.path)
	if s.auth.Policy() >= model.AuthMulti && !rq.Super && localOrOsh {
		allowControlRequest = false
	}

	var batch protocol.Batch
	var reqs []protocol.Message
	var content []byte
	switch {
	case binary:
		if c.awaiting == nil {
			return
		}
		content = data
		reqs = []protocol.Message{c.awaiting}
		c.awaiting = nil
	case owner || controller || chatOnly || allowControlRequest:
		if c.awaiting != nil {
			slog.Error("ws: expected binary payload", "command", c.awaiting.Name(), "conn", c.id)
			c.awaiting = nil
		}
		b, err := protocol.DecodeBatch(data)
		if err != nil {
			s.fail(c, model.WrapError(model.KindProtocol, err, err.Error()))
			return
		}
		batch = restrict(b, controller, chatOnly)
	default:
		s.fail(c, model.NewError(model.KindProtocol, "ERROR: Remote path %s not under control", c.path))
		return
	}

	// The whole batch is parsed before any of it is applied.
	cmds := make([]protocol.Command, len(batch))
	for j, msg := range batch {
		cmd, err := protocol.ParseCommand(msg)
		if err != nil {
			s.fail(c, model.WrapError(model.KindProtocol, err, err.Error()))
			return
		}
		if sd, ok := cmd.(protocol.SaveData); ok && sd.AwaitBinary && j != len(batch)-1 {
			s.fail(c, model.NewError(model.KindProtocol, "save_data with binary content must be the last message"))
			return
		}
		cmds[j] = cmd
	}

	kill := false
	pass := func(msg protocol.Message) {
		if !kill {
			reqs = append(reqs, msg)
		}
	}
	for j, cmd := range cmds {
		switch cmd := cmd.(type) {
		case protocol.ServerLog:
			slog.Warn("ws: client log", "conn", c.id, "text", logutil.SanitizeForLog(cmd.Text))
		case protocol.ReconnectHost:
			if h != nil {
				s.hosts.Disconnect(host)
			}
			return
		case protocol.CheckUpdates:
			if c.wildcard == nil {
				s.checkUpdates(c)
			}
		case protocol.KillTerm:
			kill = true
		case protocol.Chat:
			if cmd.Path != "" && cmd.Path != c.path {
				s.relayChat(cmd, user)
				continue
			}
			switch strings.TrimSpace(cmd.Text) {
			case "alerttrue":
				params.AlertStatus = true
			case "alertfalse":
				params.AlertStatus = false
			}
			pass(cmd.Message())
		case protocol.UpdateParams:
			if err := s.updateParams(c, cmd); err != nil {
				s.fail(c, err)
				return
			}
		case protocol.SendMsg:
			s.sendMsg(c, cmd, controller)
		case protocol.SaveData:
			if cmd.AwaitBinary {
				c.awaiting = cmd.Message()
				continue
			}
			pass(cmd.Message())
		case protocol.OpenNotebook:
			pass(s.openNotebook(host, params, cmd))
		case protocol.SavePrefs:
			if h != nil && cmd.View != nil {
				prefs := h.Prefs()
				view, ok := prefs["view"].(map[string]any)
				if !ok {
					view = make(map[string]any)
					prefs["view"] = view
				}
				for k, v := range cmd.View {
					view[k] = v
				}
			}
			pass(cmd.Message())
		case protocol.Passthrough:
			pass(cmd.Message())
		default:
			slog.Warn("ws: unhandled command", "command", batch[j].Name())
		}
	}

	paths := []string{c.path}
	if c.wildcard != nil {
		s.router.ResetDitto(c.id)
		paths = s.router.MatchPaths(c.path, wildcard.Requester{User: user, StateID: rq.StateID, Super: rq.Super}, "")
	}
	for _, p := range paths {
		if len(reqs) > 0 {
			mh, mt, _ := model.SplitPath(p)
			if err := s.request(mh, mt, user, "", content, reqs...); err != nil {
				if c.wildcard == nil {
					s.fail(c, err)
					return
				}
				slog.Debug("ws: wildcard request skipped", "path", p, "error", err)
			}
		}
		if kill {
			s.record(model.AuditKill, c, p, "")
			s.Kill(p, user)
		}
	}
}

// restrict drops what a non-controller may not send: everything but chat on
// chat-enabled sessions, and everything but a control request elsewhere.
func restrict(b protocol.Batch, controller, chatOnly bool) protocol.Batch {
	if controller && !chatOnly {
		return b
	}
	var out protocol.Batch
	for _, msg := range b {
		switch {
		case chatOnly:
			if msg.Name() == "chat" {
				out = append(out, msg)
			}
		case msg.Name() == "update_params" && msg.String(0) == protocol.KeyShareControl:
			out = append(out, msg)
		}
	}
	return out
}

// updateParams applies a sharing toggle. Refusals are reported without
// closing the connection.
func (s *Server) updateParams(c *Conn, cmd protocol.UpdateParams) error {
	if c.wildcard != nil {
		return model.NewError(model.KindProtocol, "Cannot change setting for wildcard terminal: %s", cmd.Key)
	}
	path := c.path
	if cmd.Key == protocol.KeyShareControl {
		if !cmd.Value {
			s.reg.ReleaseControl(path, c.id)
			c.state = StateWatcher
			return nil
		}
		g := s.reg.AcquireControl(path, s.requester(c), registry.ModeTandem)
		if !g.Granted {
			return model.NewError(model.KindProtocol, "Failed to acquire control of terminal")
		}
		c.state = StateController
		if len(g.Revoked) > 0 {
			s.revoke(g.Revoked)
			s.record(model.AuditSteal, c, path, strings.Join(g.Revoked, ","))
		}
		return nil
	}

	eff, err := s.reg.ToggleShare(path, c.id, cmd.Key, cmd.Value)
	if err != nil {
		return model.WrapError(model.KindProtocol, err, model.UserMessage(err))
	}
	s.revoke(eff.Revoked)
	for _, id := range eff.Close {
		if wc, ok := s.hub.Get(id); ok {
			wc.Send(protocol.Single("body", "Closing watchers"))
			s.drop(wc)
		}
	}
	if eff.Notify {
		s.router.Broadcast(path, protocol.Single("update_menu", cmd.Key, cmd.Value), false, c.id)
	}
	return nil
}

// sendMsg delivers a point-to-point message as receive_msg. An empty target
// reaches every other watcher, and only controllers may use it.
func (s *Server) sendMsg(c *Conn, cmd protocol.SendMsg, controller bool) {
	if c.wildcard != nil {
		return
	}
	raw := cmd.Message()
	out := protocol.Batch{append(protocol.New("receive_msg", c.User()), raw[1:]...)}
	for _, id := range s.reg.Watchers(c.path) {
		if id == c.id {
			continue
		}
		wc, ok := s.hub.Get(id)
		if !ok {
			continue
		}
		if (cmd.To == "" && controller) || cmd.To == "*" || cmd.To == wc.User() {
			wc.Send(out)
		}
	}
}

// relayChat forwards chat to another terminal when the sender holds its
// widget token.
func (s *Server) relayChat(cmd protocol.Chat, user string) {
	tp, ok := s.reg.Params(cmd.Path)
	if !ok || cmd.Token == "" || tp.WidgetToken != cmd.Token {
		return
	}
	host, term, ok := model.SplitPath(cmd.Path)
	if !ok {
		return
	}
	if err := s.request(host, term, user, "", nil, cmd.Message()); err != nil {
		slog.Debug("ws: chat relay failed", "path", cmd.Path, "error", err)
	}
}

// openNotebook rewrites an open request for "/host/session" into one for
// that terminal's master notebook and records the master.
func (s *Server) openNotebook(host string, params *model.TerminalParams, cmd protocol.OpenNotebook) protocol.Message {
	src := cmd.Source
	if !strings.HasPrefix(src, "/") || strings.Count(src, "/") != 2 {
		return cmd.Message()
	}
	master := src[1:]
	tp, ok := s.reg.Params(master)
	if !ok || tp.Notebook.Content == "" {
		return cmd.Message()
	}
	lockOffset := 0
	if tp.Notebook.Form == "share" {
		lockOffset = tp.Notebook.ModOffset
	}
	if tp.Notebook.Hosts == nil {
		tp.Notebook.Hosts = make(map[string]int)
	}
	if off, seen := tp.Notebook.Hosts[host]; seen {
		lockOffset = max(lockOffset, off)
	} else {
		tp.Notebook.Hosts[host] = lockOffset
	}
	params.Notebook.Master = master

	msg := protocol.New("open_notebook", tp.Notebook.File, []any{}, map[string]any{
		"share":       "",
		"submit":      tp.Notebook.Submit,
		"master":      master,
		"lock_offset": lockOffset,
	}, tp.Notebook.Content)
	if raw := cmd.Message(); len(raw) > len(msg) {
		msg = append(msg, raw[len(msg):]...)
	}
	return msg
}

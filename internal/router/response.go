package router

import (
	"encoding/base64"
	"log/slog"
	pathpkg "path"
	"strings"

	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/proxy"
)

// RemoteResponse demultiplexes a batch of messages from session on host.
// connID, when set, directs the batch to one connection. content is the
// binary payload of a trailing file_response or raw_data message.
func (r *Router) RemoteResponse(host, session, connID string, raw []any, content []byte) {
	path := ""
	var params *model.TerminalParams
	if session != "" {
		path = model.JoinPath(host, session)
		params, _ = r.reg.Params(path)
	}
	isSuper := false
	if params != nil {
		r.reg.Touch(path)
		isSuper = r.auth.IsSuperOrSingle(params.Owner, params.CreatorAuthType)
	}

	var fwd, privileged []protocol.Message
	for j, item := range raw {
		msg, ok := protocol.FromAny(item)
		if !ok {
			slog.Warn("router: malformed host message", "host", host, "session", session)
			continue
		}
		last := j == len(raw)-1
		switch msg.Name() {
		case "term_params":
			r.termParams(host, msg.Map(0))
		case "file_response":
			r.fileResponse(msg, content, last)
		case "raw_data":
			if msg.HasArg(1) && msg.Arg(1) != nil {
				fwd = append(fwd, msg)
				continue
			}
			owners := ownersOnly(msg.Map(0))
			if owners {
				r.Forward(path, connID, nil, []protocol.Message{msg})
			} else {
				r.Forward(path, connID, append(fwd, msg), nil)
				fwd = nil
			}
			r.ForwardBinary(path, connID, content, owners)
		case "terminal":
			if params == nil {
				fwd = append(fwd, msg)
				continue
			}
			switch msg.String(0) {
			case "note_open", "note_close", "note_mod_offset":
				r.notebook(host, path, params, isSuper, msg)
				fwd = append(fwd, msg)
			case "note_submit":
				r.noteSubmit(path, params, msg.List(1))
			case "remote_alert":
				r.remoteAlert(params, msg.List(1))
			case "remote_command":
				r.remoteCommand(path, params, isSuper, msg.List(1))
			case "graphterm_output":
				if !r.adminCommand(host, session, path, params, isSuper, msg.List(1)) {
					fwd = append(fwd, msg)
				}
			case "graphterm_widget":
				args := protocol.Args(msg.List(1))
				if ownersOnly(args.Map(0)) {
					privileged = append(privileged, msg)
				} else {
					fwd = append(fwd, msg)
				}
			case "graphterm_chat":
				if h, ok := r.hosts.Host(host); ok {
					h.SetChat(session, msg.Bool(1))
				}
				fwd = append(fwd, msg)
			default:
				fwd = append(fwd, msg)
			}
		default:
			fwd = append(fwd, msg)
		}
	}
	if path != "" {
		r.Forward(path, connID, fwd, privileged)
	}
}

// ownersOnly reads headers.x_gterm_parameters.owners_only, or
// x_gterm_parameters.owners_only when headers is passed directly.
func ownersOnly(m map[string]any) bool {
	if h, ok := m["headers"].(map[string]any); ok {
		m = h
	}
	p, _ := m["x_gterm_parameters"].(map[string]any)
	v, _ := p["owners_only"].(bool)
	return v
}

func (r *Router) termParams(host string, p map[string]any) {
	version, _ := p["version"].(string)
	minVersion, _ := p["min_version"].(string)
	if err := model.CheckVersions(version, minVersion); err != nil {
		slog.Error("router: failed version compatibility check", "host", host, "error", err)
		r.hosts.Request(host, "", "", "", protocol.New("shutdown", err.Error()))
		return
	}
	h, ok := r.hosts.Host(host)
	if !ok {
		return
	}
	h.Version = version
	if hp, ok := p["host_params"].(map[string]any); ok {
		for k, v := range hp {
			if s, ok := v.(string); ok {
				h.SetParam(k, s)
			}
		}
	}
	prefs, _ := p["term_prefs"].(map[string]any)
	h.SetPrefs(prefs)
	var names []string
	if list, ok := p["term_names"].([]any); ok {
		for _, n := range list {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
	}
	h.ResetSessions(names)
}

func (r *Router) fileResponse(msg protocol.Message, content []byte, last bool) {
	if r.proxy == nil {
		return
	}
	opts := msg.Map(1)
	resp := proxy.Response{Status: 500}
	switch s := opts["status"].(type) {
	case []any:
		if len(s) > 0 {
			resp.Status = protocol.AsInt(s[0])
		}
	default:
		resp.Status = protocol.AsInt(s)
	}
	resp.LastModified, _ = opts["last_modified"].(string)
	resp.Etag, _ = opts["etag"].(string)
	resp.ContentType, _ = opts["content_type"].(string)
	if b64, ok := opts["content_b64"].(string); ok && b64 != "" {
		if data, err := base64.StdEncoding.DecodeString(b64); err == nil {
			resp.Content = data
		} else {
			resp.Content = []byte("Error in b64 decoding")
			resp.ContentType = "text/plain"
		}
	} else if last {
		resp.Content = content
	}
	id := msg.Int(0)
	if id <= 0 || !r.proxy.Complete(uint64(id), resp) {
		slog.Debug("router: dropped file response", "id", id)
	}
}

func (r *Router) notebook(host, path string, params *model.TerminalParams, isSuper bool, msg protocol.Message) {
	args := msg.List(1)
	nb := &params.Notebook
	switch msg.String(0) {
	case "note_mod_offset":
		a := protocol.Args(args)
		nb.ModOffset = a.Int(0)
		switch {
		case isSuper && nb.Name != "" && nb.Form == "share":
			shared := strings.Replace(nb.Name, "-share.", "-shared.", 1)
			paths := r.MatchPaths("*", r.ownerRequester(params), shared)
			r.SendRequests(path, paths, false, protocol.New("note_lock", a.Arg(0)))
		case nb.Master != "":
			if mp, ok := r.reg.Params(nb.Master); ok {
				if nb.ModOffset > mp.Notebook.Hosts[host] {
					mp.Notebook.Hosts[host] = nb.ModOffset
				}
			}
		}
	case "note_open":
		a := protocol.Args(args)
		note := a.Map(0)
		nb.ModOffset = protocol.AsInt(note["mod_offset"])
		nb.Name = stringOr(note["name"], "Untitled")
		nb.File = stringOr(note["file"], "Untitled")
		nb.Form = stringOr(note["form"], "")
		nb.Submit = stringOr(note["submit"], "")
		if isSuper && a.String(2) != "" {
			nb.Content = a.String(2)
		}
		nb.Hosts = map[string]int{}
		// Notebook content stays on the server.
		if len(args) > 2 {
			args[2] = ""
		}
	case "note_close":
		nb.Reset()
	}
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func (r *Router) noteSubmit(path string, params *model.TerminalParams, args []any) {
	a := protocol.Args(args)
	target := a.String(0)
	tp, ok := r.reg.Params(target)
	if !ok || tp.Notebook.Submit == "" {
		return
	}
	fpath := pathpkg.Join(tp.Notebook.Submit, params.Owner+"_"+pathpkg.Base(tp.Notebook.File))
	if err := r.Send(target, "", "", protocol.New("submit_notebook", path, fpath, a.Arg(1))); err != nil {
		slog.Warn("router: submit_notebook failed", "path", target, "error", err)
	}
}

func (r *Router) remoteAlert(params *model.TerminalParams, args []any) {
	if !r.auth.IsSuperOrSingle(params.Owner, params.CreatorAuthType) {
		return
	}
	a := protocol.Args(args)
	alert := protocol.Single("terminal", "alert", []any{a.String(1)})
	r.sendTo(r.reg.Controllers(a.String(0)), alert)
}

func (r *Router) remoteCommand(path string, params *model.TerminalParams, isSuper bool, args []any) {
	a := protocol.Args(args)
	req := r.ownerRequester(params)
	req.Super = isSuper
	paths := r.MatchPaths(a.String(1), req, "")
	r.SendRequests(path, paths, a.Bool(0), protocol.New("keypress", a.String(2)))
}

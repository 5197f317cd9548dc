// Package router joins host links to browser connections: it resolves the
// link of a terminal path for requests, and demultiplexes host responses to
// the watchers, wildcard subscribers and controllers of each path.
//
// Router methods run on the event loop.
package router

import (
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/proxy"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/wildcard"
)

// Viewer is a browser connection as the router sees it.
type Viewer interface {
	ID() string
	Path() string
	IsWildcard() bool
	Send(b protocol.Batch)
	SendBinary(data []byte)
}

// Viewers resolves connection ids to live connections.
type Viewers interface {
	Viewer(id string) (Viewer, bool)
}

// Hosts is the host link manager.
type Hosts interface {
	Host(name string) (*hostlink.Host, bool)
	Hosts() []string
	Request(host, session, user, connID string, msgs ...protocol.Message) error
	CloseSession(host, session string)
}

// Auth answers privilege questions about terminal owners.
type Auth interface {
	IsSuperOrSingle(user string, authType model.AuthType) bool
}

// Recorder receives audit events.
type Recorder interface {
	Record(e model.AuditEvent)
}

// Router routes between host links and browser connections.
type Router struct {
	reg      *registry.Registry
	hosts    Hosts
	viewers  Viewers
	auth     Auth
	proxy    *proxy.Tracker
	recorder Recorder

	// lastOutput is the ditto state of each wildcard viewer.
	lastOutput map[string]string
	now        func() time.Time
}

// New creates a router.
func New(reg *registry.Registry, hosts Hosts, viewers Viewers, auth Auth, tracker *proxy.Tracker) *Router {
	return &Router{
		reg:        reg,
		hosts:      hosts,
		viewers:    viewers,
		auth:       auth,
		proxy:      tracker,
		lastOutput: make(map[string]string),
		now:        time.Now,
	}
}

// SetRecorder installs the audit recorder.
func (r *Router) SetRecorder(rec Recorder) { r.recorder = rec }

// SetViewers installs the connection directory once it exists.
func (r *Router) SetViewers(v Viewers) { r.viewers = v }

func (r *Router) record(kind model.AuditKind, path, detail string) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(model.AuditEvent{Kind: kind, Path: path, Detail: detail, CreatedAt: r.now()})
}

// HostUp is called when a host link is attached.
func (r *Router) HostUp(host string) {
	r.record(model.AuditHostUp, host, "")
}

// HostDown tells the watchers of every path on host that the host is gone.
func (r *Router) HostDown(host string) {
	r.record(model.AuditHostDown, host, "")
	prefix := host + "/"
	msg := protocol.Single("errmsg", fmt.Sprintf("Host %s disconnected", host))
	for _, path := range r.reg.Paths() {
		if strings.HasPrefix(path, prefix) {
			r.sendTo(r.reg.Watchers(path), msg)
		}
	}
}

// HostFrame handles one inbound frame of host.
func (r *Router) HostFrame(host string, f *hostlink.Frame) {
	switch f.Action {
	case hostlink.ActionUpdate:
		r.TerminalUpdate(host, f.Session, f.Parent, f.Add)
	case hostlink.ActionResponse:
		r.RemoteResponse(host, f.Session, f.ConnID, f.Messages, f.Content)
	default:
		slog.Warn("router: unexpected frame", "host", host, "action", f.Action)
	}
}

// TerminalUpdate adds or removes a session from the roster of host.
func (r *Router) TerminalUpdate(host, session, parent string, add bool) {
	h, ok := r.hosts.Host(host)
	if !ok || session == "" {
		return
	}
	if add {
		h.AddSession(session, parent)
		return
	}
	h.RemoveSession(session)
	r.hosts.CloseSession(host, session)
}

// Send delivers a request for path to its host. Lookup failures surface as
// routing errors.
func (r *Router) Send(path, user, connID string, msgs ...protocol.Message) error {
	host, session, ok := model.SplitPath(path)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrInvalidPath, path)
	}
	return r.hosts.Request(host, session, user, connID, msgs...)
}

// SendRequests sends msgs to every path in paths, skipping self unless
// includeSelf is set. Failures are logged and skipped.
func (r *Router) SendRequests(self string, paths []string, includeSelf bool, msgs ...protocol.Message) {
	for _, p := range paths {
		if p == self && !includeSelf {
			continue
		}
		if err := r.Send(p, "", "", msgs...); err != nil {
			slog.Debug("router: request skipped", "path", p, "error", err)
		}
	}
}

// AllPaths returns every session path of every connected host.
func (r *Router) AllPaths() []string {
	var paths []string
	for _, host := range r.hosts.Hosts() {
		h, ok := r.hosts.Host(host)
		if !ok {
			continue
		}
		for _, name := range h.Sessions() {
			paths = append(paths, model.JoinPath(host, name))
		}
	}
	return paths
}

// MatchPaths returns the paths matching pattern that req may access. A
// literal pattern matches only itself.
func (r *Router) MatchPaths(pattern string, req wildcard.Requester, nbName string) []string {
	if !wildcard.IsWildcard(pattern) {
		return wildcard.MatchPath(pattern, req, r.reg.Lookup)
	}
	m, err := wildcard.Compile(pattern)
	if err != nil {
		return nil
	}
	return wildcard.MatchPaths(m, req, r.AllPaths(), r.reg.Lookup, nbName)
}

// ownerRequester builds the match requester of the terminal at path.
func (r *Router) ownerRequester(p *model.TerminalParams) wildcard.Requester {
	return wildcard.Requester{
		User:    p.Owner,
		StateID: p.CreatorStateID,
		Super:   r.auth.IsSuperOrSingle(p.Owner, p.CreatorAuthType),
	}
}

// ResetDitto clears the ditto state of a viewer; called whenever the viewer
// itself sends something.
func (r *Router) ResetDitto(connID string) { delete(r.lastOutput, connID) }

// Forget drops all router state of a closed viewer.
func (r *Router) Forget(connID string) { delete(r.lastOutput, connID) }

func (r *Router) sendTo(ids []string, b protocol.Batch) {
	for _, id := range ids {
		if v, ok := r.viewers.Viewer(id); ok {
			v.Send(b)
		}
	}
}

// Broadcast sends b to the watchers of path, or only its controllers,
// skipping except.
func (r *Router) Broadcast(path string, b protocol.Batch, controllersOnly bool, except string) {
	ids := r.reg.Watchers(path)
	if controllersOnly {
		ids = r.reg.Controllers(path)
	}
	for _, id := range ids {
		if id == except {
			continue
		}
		if v, ok := r.viewers.Viewer(id); ok {
			v.Send(b)
		}
	}
}

func (r *Router) targets(path, connID string) []string {
	if connID != "" {
		return []string{connID}
	}
	ids := r.reg.Watchers(path)
	return append(ids, r.reg.WildcardSubscribers(path)...)
}

var dittoKinds = map[string]bool{"output": true, "html_output": true, "log": true}

// Forward delivers host messages for path. Wildcard viewers get a merged
// stream of output messages with consecutive duplicates collapsed to a
// ditto marker. privileged messages go only to controllers of path.
func (r *Router) Forward(path, connID string, fwd []protocol.Message, privileged []protocol.Message) {
	if len(fwd) == 0 && len(privileged) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, id := range r.targets(path, connID) {
		if seen[id] {
			continue
		}
		seen[id] = true
		v, ok := r.viewers.Viewer(id)
		if !ok {
			continue
		}
		if v.IsWildcard() {
			if merged := r.merge(id, path, fwd); len(merged) > 0 {
				v.Send(merged)
			}
			continue
		}
		if len(fwd) > 0 {
			v.Send(protocol.Batch(fwd))
		}
		if len(privileged) > 0 && r.reg.IsController(path, id) {
			v.Send(protocol.Batch(privileged))
		}
	}
}

func (r *Router) merge(id, path string, fwd []protocol.Message) protocol.Batch {
	p := html.EscapeString(path)
	prefix := fmt.Sprintf(`<pre class="output wildpath"><a href="/%s" target="%s">%s</a>`, p, p, p)
	var out protocol.Batch
	for _, msg := range fwd {
		if !dittoKinds[msg.Name()] {
			continue
		}
		args := make([]string, 0, len(msg)-1)
		for _, a := range msg[1:] {
			args = append(args, fmt.Sprint(a))
		}
		output := msg.Name() + ": " + strings.Join(args, " ")
		if r.lastOutput[id] == output {
			out = append(out, protocol.New("output", prefix+" ditto</pre>"))
			continue
		}
		r.lastOutput[id] = output
		m := protocol.New(msg.Name(), prefix+"</pre>\n"+msg.String(0))
		if len(msg) > 2 {
			m = append(m, msg[2:]...)
		}
		out = append(out, m)
	}
	return out
}

// ForwardBinary sends content to the direct watchers of path. Wildcard
// viewers never receive binary frames.
func (r *Router) ForwardBinary(path, connID string, content []byte, privileged bool) {
	ids := r.reg.Watchers(path)
	if connID != "" {
		ids = []string{connID}
	}
	for _, id := range ids {
		v, ok := r.viewers.Viewer(id)
		if !ok || v.IsWildcard() {
			continue
		}
		if privileged && !r.reg.IsController(path, id) {
			continue
		}
		v.SendBinary(content)
	}
}

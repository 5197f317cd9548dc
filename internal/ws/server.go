package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/loop"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/router"
)

// Hosts is what the server needs from the host link manager.
type Hosts interface {
	Host(name string) (*hostlink.Host, bool)
	Hosts() []string
	SendToHost(host string, f *hostlink.Frame) error
	Disconnect(host string) bool
}

// Options configure a Server.
type Options struct {
	// MaxTerminals caps the sessions a non-super user may open per host
	// under policies stricter than single-code. Zero means no cap.
	MaxTerminals int
	// AllowShare opens every non-local host of a multi-user server to every
	// user.
	AllowShare  bool
	AllowEmbed  bool
	NoFormCheck bool
	// FeedURL is the announcements feed fetched by check_updates.
	FeedURL string
	// HostSettings are passed to the host with every reconnect.
	HostSettings map[string]any
}

// Deps are the collaborators of a Server. Everything except Loop and Pool
// is owned by the event loop.
type Deps struct {
	Loop     loop.Poster
	Pool     *loop.Pool
	Auth     *auth.Controller
	Registry *registry.Registry
	Router   *router.Router
	Hosts    Hosts
	Recorder router.Recorder
}

// Server accepts browser connections.
type Server struct {
	opts     Options
	loop     loop.Poster
	pool     *loop.Pool
	auth     *auth.Controller
	reg      *registry.Registry
	router   *router.Router
	hosts    Hosts
	recorder router.Recorder
	hub      *Hub
	feed     *feedClient
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a server and installs its directory in the router.
func NewServer(opts Options, deps Deps) *Server {
	s := &Server{
		opts:     opts,
		loop:     deps.Loop,
		pool:     deps.Pool,
		auth:     deps.Auth,
		reg:      deps.Registry,
		router:   deps.Router,
		hosts:    deps.Hosts,
		recorder: deps.Recorder,
		hub:      NewHub(),
		feed:     newFeedClient(opts.FeedURL),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     CheckOrigin,
	}
	if s.router != nil {
		s.router.SetViewers(s.hub)
	}
	return s
}

// Hub returns the connection directory. Use it on the event loop only.
func (s *Server) Hub() *Hub { return s.hub }

// CheckOrigin accepts a request whose Origin (or Sec-Websocket-Origin) host
// equals its Host header.
func CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Sec-Websocket-Origin")
	}
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Host, r.Host) {
		slog.Warn("ws: origin mismatch", "origin", logutil.SanitizeForLog(u.Host), "host", logutil.SanitizeForLog(r.Host))
		return false
	}
	return true
}

// openRequest is what the handshake carries, captured before the upgrade.
type openRequest struct {
	comps   []string
	query   map[string]string
	stateID string
}

// target is the host/session part of the requested path.
func (o openRequest) target() string {
	switch len(o.comps) {
	case 0:
		return ""
	case 1:
		return o.comps[0]
	}
	return o.comps[0] + "/" + o.comps[1]
}

func newOpenRequest(r *http.Request, path string) openRequest {
	path = strings.Trim(path, "/")
	var comps []string
	if path != "" {
		comps = strings.Split(strings.ToLower(path), "/")
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	stateID := ""
	if c, err := r.Cookie(auth.CookieName); err == nil {
		stateID = c.Value
	}
	return openRequest{comps: comps, query: query, stateID: stateID}
}

// ServeWS upgrades r for the terminal path (host/session[/action]) and
// starts the connection. An origin mismatch is answered with 404.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, path string) error {
	if !CheckOrigin(r) {
		http.Error(w, "Websocket origin mismatch", http.StatusNotFound)
		return nil
	}
	req := newOpenRequest(r, path)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := NewConn(ws)

	go s.writePump(c)
	s.loop.Post(func() {
		s.guard(c, func() { s.open(c, req) })
	})
	go s.readPump(c)
	return nil
}

// request sends msgs for session to host. content rides along as the binary
// payload of the last message.
func (s *Server) request(host, session, user, connID string, content []byte, msgs ...protocol.Message) error {
	list := make([]any, len(msgs))
	for i, msg := range msgs {
		list[i] = []any(msg)
	}
	return s.hosts.SendToHost(host, &hostlink.Frame{
		Action:   hostlink.ActionRequest,
		Session:  session,
		User:     user,
		ConnID:   connID,
		Messages: list,
		Content:  content,
	})
}

func (s *Server) record(kind model.AuditKind, c *Conn, path, detail string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(model.AuditEvent{
		Kind:      kind,
		Path:      path,
		User:      c.User(),
		ConnID:    c.id,
		Detail:    detail,
		CreatedAt: s.now(),
	})
}

// closed is the close handler. It runs on the loop and is idempotent:
// registry removal is unconditional.
func (s *Server) closed(c *Conn) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.id == "" {
		return
	}
	s.hub.Remove(c.id)
	s.router.Forget(c.id)
	m, ok := s.reg.Unregister(c.id)
	if !ok {
		return
	}
	if c.wildcard == nil {
		s.router.Broadcast(m.Path, protocol.Single("join", c.User(), false), false, c.id)
	}
	s.record(model.AuditClose, c, m.Path, "")
	slog.Info("ws: closed", "path", m.Path, "conn", c.id, "user", logutil.SanitizeForLog(c.User()))
}

// drop closes c and runs the close handler at once, so that the registry
// never lists a connection that is going away.
func (s *Server) drop(c *Conn) {
	c.Close()
	s.closed(c)
}

// Kill closes every connection on path with a notice and kills the session
// on its host. Path "*" kills every session on every host. Call on the loop.
func (s *Server) Kill(path, user string) {
	if path == "*" {
		for _, p := range s.reg.Paths() {
			s.closeWatchers(p, "CLOSED TERMINAL")
		}
		for _, host := range s.hosts.Hosts() {
			if err := s.request(host, "", user, "", nil, protocol.New("shutdown", "killed by "+user)); err != nil {
				slog.Debug("ws: shutdown skipped", "host", host, "error", err)
			}
		}
		return
	}
	s.closeWatchers(path, "CLOSED TERMINAL")
	host, term, ok := model.SplitPath(path)
	if !ok {
		return
	}
	if term == "*" {
		term = ""
	}
	if err := s.request(host, term, user, "", nil, protocol.New("kill_term")); err != nil {
		slog.Debug("ws: kill skipped", "path", path, "error", err)
	}
}

func (s *Server) closeWatchers(path, notice string) {
	for _, id := range s.reg.Watchers(path) {
		c, ok := s.hub.Get(id)
		if !ok {
			continue
		}
		c.Send(protocol.Single("body", notice+`<p><a href="/">Home</a>`))
		s.drop(c)
	}
}

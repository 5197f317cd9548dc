// Package registry holds the in-memory terminal registry: per-path sharing
// parameters, the watcher and controller sets, webcast paths and wildcard
// subscriptions.
//
// The registry is owned by the event loop and is not safe for concurrent
// use. Operations return the connection ids they affect instead of writing
// to connections; the caller delivers notices and closes sockets.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/termhub/internal/buffer"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/wildcard"
)

const (
	// MaxWebcasts bounds the webcast path list (FIFO eviction).
	MaxWebcasts = 500

	// MaxRecursion bounds how many watch slots one auth session may hold on a path.
	MaxRecursion = 10
)

// Policy is the part of the auth controller the registry consults.
type Policy interface {
	Policy() model.AuthType
	SameGroup(u1, u2 string) bool
}

// Options configure a Registry.
type Options struct {
	// AllowShare lets users of a multi-user server control each other's
	// public, unlocked terminals.
	AllowShare bool
}

// Requester describes the connection asking for a registry operation.
type Requester struct {
	ConnID   string
	User     string
	StateID  string
	AuthType model.AuthType
	// Super is true for super users and single-code sessions on a
	// single-code server.
	Super bool
	// WatchOnly marks identities that may never control: webcast viewers
	// and viewers of a local terminal shared by a super user.
	WatchOnly bool
}

// Member is a registered connection.
type Member struct {
	ConnID   string
	Path     string
	User     string
	StateID  string
	AuthType model.AuthType
	Wildcard *wildcard.Matcher
	// Access filters the output a wildcard member receives.
	Access wildcard.Requester
}

type subscription struct {
	matcher *wildcard.Matcher
	access  wildcard.Requester
}

// Registry is the terminal registry.
type Registry struct {
	policy    Policy
	opts      Options
	params    map[string]*model.TerminalParams
	control   map[string]*buffer.FIFOMap[string, struct{}]
	watchers  map[string]*buffer.FIFOMap[string, string]
	webcasts  *buffer.FIFOMap[string, time.Time]
	wildcards *buffer.FIFOMap[string, subscription]
	members   map[string]*Member
	users     map[string]map[string]struct{}
	counter   uint64
	now       func() time.Time
}

// New creates an empty registry.
func New(policy Policy, opts Options) *Registry {
	return &Registry{
		policy:    policy,
		opts:      opts,
		params:    make(map[string]*model.TerminalParams),
		control:   make(map[string]*buffer.FIFOMap[string, struct{}]),
		watchers:  make(map[string]*buffer.FIFOMap[string, string]),
		webcasts:  buffer.NewFIFOMap[string, time.Time](MaxWebcasts),
		wildcards: buffer.NewFIFOMap[string, subscription](0),
		members:   make(map[string]*Member),
		users:     make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// NextConnID mints a monotonic connection id.
func (r *Registry) NextConnID() string {
	r.counter++
	return fmt.Sprint(r.counter)
}

// ConnCount returns how many connection ids have been minted.
func (r *Registry) ConnCount() uint64 { return r.counter }

// Params returns the parameter record of path.
func (r *Registry) Params(path string) (*model.TerminalParams, bool) {
	p, ok := r.params[path]
	return p, ok
}

// Touch refreshes the last-activity time of path.
func (r *Registry) Touch(path string) {
	if p, ok := r.params[path]; ok {
		p.LastActive = r.now()
	}
}

// IsSingle reports whether req is a single-code session on a single-code server.
func (r *Registry) IsSingle(req Requester) bool {
	return req.AuthType == model.AuthSingle && r.policy.Policy() == model.AuthSingle
}

// IsCreator reports whether req owns path: its named owner, the anonymous
// session that created it, or any single-code session.
func (r *Registry) IsCreator(req Requester, path string) bool {
	if r.IsSingle(req) {
		return true
	}
	p, ok := r.params[path]
	if !ok {
		return false
	}
	if req.User != "" {
		return req.User == p.Owner
	}
	return req.StateID != "" && req.StateID == p.CreatorStateID
}

// GetOrCreate returns the record of path, creating it with policy defaults
// (locked and private above single-code) owned by owner. An existing private
// record is refused to anyone but its creator or a super user.
func (r *Registry) GetOrCreate(path string, req Requester, owner string) (*model.TerminalParams, bool, error) {
	if p, ok := r.params[path]; ok {
		if p.SharePrivate && !req.Super && !r.IsCreator(req, path) {
			return nil, false, model.NewError(model.KindAuthorizationDenied, "Invalid terminal path: %s", path)
		}
		return p, false, nil
	}
	strict := r.policy.Policy() > model.AuthSingle
	p := &model.TerminalParams{
		Owner:           owner,
		CreatorStateID:  req.StateID,
		CreatorAuthType: req.AuthType,
		ShareLocked:     strict,
		SharePrivate:    strict,
		WidgetToken:     strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		LastActive:      r.now(),
	}
	p.Notebook.Reset()
	r.params[path] = p
	return p, true, nil
}

// Register attaches a connection to its path as a watcher.
func (r *Registry) Register(m Member) error {
	if _, ok := r.members[m.ConnID]; ok {
		return fmt.Errorf("connection %s already registered", m.ConnID)
	}
	mm := m
	r.members[m.ConnID] = &mm
	r.watchSet(m.Path).Set(m.ConnID, m.StateID)
	if m.User != "" {
		if r.users[m.User] == nil {
			r.users[m.User] = make(map[string]struct{})
		}
		r.users[m.User][m.ConnID] = struct{}{}
	}
	if m.Wildcard != nil {
		r.wildcards.Set(m.ConnID, subscription{matcher: m.Wildcard, access: m.Access})
	}
	return nil
}

// Unregister detaches a connection. It is idempotent; the second result
// reports whether the connection was registered.
func (r *Registry) Unregister(connID string) (Member, bool) {
	m, ok := r.members[connID]
	if !ok {
		return Member{}, false
	}
	delete(r.members, connID)
	if cs, ok := r.control[m.Path]; ok {
		cs.Delete(connID)
	}
	if ws, ok := r.watchers[m.Path]; ok {
		ws.Delete(connID)
		if ws.Len() == 0 {
			delete(r.watchers, m.Path)
		}
	}
	if ids, ok := r.users[m.User]; ok {
		delete(ids, connID)
		if len(ids) == 0 {
			delete(r.users, m.User)
		}
	}
	r.wildcards.Delete(connID)
	return *m, true
}

// Member returns the registration of connID.
func (r *Registry) Member(connID string) (Member, bool) {
	m, ok := r.members[connID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// UserConnected reports whether user has any live connection.
func (r *Registry) UserConnected(user string) bool {
	return len(r.users[user]) > 0
}

func (r *Registry) watchSet(path string) *buffer.FIFOMap[string, string] {
	ws, ok := r.watchers[path]
	if !ok {
		ws = buffer.NewFIFOMap[string, string](0)
		r.watchers[path] = ws
	}
	return ws
}

func (r *Registry) controlSet(path string) *buffer.FIFOMap[string, struct{}] {
	cs, ok := r.control[path]
	if !ok {
		cs = buffer.NewFIFOMap[string, struct{}](0)
		r.control[path] = cs
	}
	return cs
}

// Watchers returns the connection ids attached to path in join order.
func (r *Registry) Watchers(path string) []string {
	if ws, ok := r.watchers[path]; ok {
		return ws.Keys()
	}
	return nil
}

// WatcherCount returns how many connections watch path.
func (r *Registry) WatcherCount(path string) int {
	if ws, ok := r.watchers[path]; ok {
		return ws.Len()
	}
	return 0
}

// StateWatchCount returns how many watch slots stateID holds on path.
func (r *Registry) StateWatchCount(path, stateID string) int {
	n := 0
	if ws, ok := r.watchers[path]; ok {
		ws.Range(func(_ string, s string) bool {
			if s == stateID {
				n++
			}
			return true
		})
	}
	return n
}

// Controllers returns the control set of path in grant order.
func (r *Registry) Controllers(path string) []string {
	if cs, ok := r.control[path]; ok {
		return cs.Keys()
	}
	return nil
}

// HasController reports whether path has any controller.
func (r *Registry) HasController(path string) bool {
	cs, ok := r.control[path]
	return ok && cs.Len() > 0
}

// IsController reports whether connID is in the control set of path.
func (r *Registry) IsController(path, connID string) bool {
	cs, ok := r.control[path]
	return ok && cs.Has(connID)
}

// Paths returns every path with a parameter record.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.params))
	for p := range r.params {
		paths = append(paths, p)
	}
	return paths
}

// IsWebcast reports whether path is currently webcast.
func (r *Registry) IsWebcast(path string) bool {
	return r.webcasts.Has(path)
}

// WildcardSubscribers returns the wildcard connections whose pattern
// matches path and that may access it.
func (r *Registry) WildcardSubscribers(path string) []string {
	t, ok := r.Lookup(path)
	if !ok {
		return nil
	}
	var ids []string
	r.wildcards.Range(func(id string, sub subscription) bool {
		if sub.matcher.Match(path) && sub.access.MayAccess(t) {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// CheckRecursion refuses a new watch slot once stateID already holds more
// than MaxRecursion on path.
func (r *Registry) CheckRecursion(path, stateID string) error {
	if r.StateWatchCount(path, stateID) > MaxRecursion {
		return model.ErrRecursion
	}
	return nil
}

// Lookup adapts the registry to wildcard.Lookup.
func (r *Registry) Lookup(path string) (wildcard.Terminal, bool) {
	p, ok := r.params[path]
	if !ok {
		return wildcard.Terminal{}, false
	}
	return wildcard.Terminal{
		Path:           path,
		Owner:          p.Owner,
		CreatorStateID: p.CreatorStateID,
		NotebookName:   p.Notebook.Name,
	}, true
}

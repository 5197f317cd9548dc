package registry

import (
	"github.com/remote-agent-terminal/termhub/internal/model"
)

// Mode is how a connection asks for control of a path.
type Mode int

const (
	// ModeDefault claims control of an uncontrolled path.
	ModeDefault Mode = iota
	// ModeWatch never takes control.
	ModeWatch
	// ModeSteal takes sole control, revoking the current controllers.
	ModeSteal
	// ModeTandem joins the control set when tandem sharing is on and takes
	// sole control otherwise.
	ModeTandem
)

// Grant is the outcome of a control request.
type Grant struct {
	Granted bool
	// Revoked holds the connections that lost control and should be told
	// share_control is now false.
	Revoked []string
}

// mayNeverControl covers identities that are watchers whatever they ask:
// watch-only sessions, and the failsafe that keeps multi-user servers from
// handing the local host or the server shell to anyone but a super user.
func (r *Registry) mayNeverControl(path string, req Requester) bool {
	if req.WatchOnly || req.AuthType == model.AuthWebcast {
		return true
	}
	if r.policy.Policy() < model.AuthMulti || req.Super {
		return false
	}
	host, term, _ := model.SplitPath(path)
	return host == model.LocalHost || term == model.OShellName
}

// MayShare reports whether req may take control of path away from its
// current controllers.
func (r *Registry) MayShare(path string, req Requester) bool {
	if r.mayNeverControl(path, req) {
		return false
	}
	if req.Super || r.IsCreator(req, path) {
		return true
	}
	p, ok := r.params[path]
	if !ok || p.ShareLocked || p.SharePrivate {
		return false
	}
	if r.policy.Policy() <= model.AuthSingle {
		return true
	}
	return r.opts.AllowShare || (req.User != "" && r.policy.SameGroup(req.User, p.Owner))
}

// mayClaim reports whether req may pick up control of an uncontrolled path.
func (r *Registry) mayClaim(path string, req Requester) bool {
	if r.mayNeverControl(path, req) {
		return false
	}
	if r.IsCreator(req, path) || r.policy.Policy() == model.AuthSingle {
		return true
	}
	p, ok := r.params[path]
	return ok && req.Super && req.StateID == p.CreatorStateID
}

// AcquireControl evaluates a control request for connection req.ConnID on
// path and applies the result to the control set.
func (r *Registry) AcquireControl(path string, req Requester, mode Mode) Grant {
	cs := r.controlSet(path)
	if cs.Has(req.ConnID) {
		return Grant{Granted: true}
	}
	switch mode {
	case ModeWatch:
		return Grant{}
	case ModeDefault:
		if cs.Len() > 0 || !r.mayClaim(path, req) {
			return Grant{}
		}
		cs.Set(req.ConnID, struct{}{})
		return Grant{Granted: true}
	}

	if !r.MayShare(path, req) {
		return Grant{}
	}
	if mode == ModeTandem {
		if p := r.params[path]; p != nil && p.ShareTandem {
			cs.Set(req.ConnID, struct{}{})
			return Grant{Granted: true}
		}
	}
	revoked := cs.Keys()
	delete(r.control, path)
	r.controlSet(path).Set(req.ConnID, struct{}{})
	return Grant{Granted: true, Revoked: revoked}
}

// ReleaseControl removes connID from the control set of path.
func (r *Registry) ReleaseControl(path, connID string) bool {
	cs, ok := r.control[path]
	if !ok {
		return false
	}
	return cs.Delete(connID)
}

// Reclaim clears the control set when the creator of path reopens it
// without a watch or steal option. It returns the revoked connections.
func (r *Registry) Reclaim(path string, req Requester) []string {
	cs, ok := r.control[path]
	if !ok || cs.Len() == 0 || r.StateWatchCount(path, req.StateID) == 0 || !r.IsCreator(req, path) {
		return nil
	}
	revoked := cs.Keys()
	delete(r.control, path)
	return revoked
}

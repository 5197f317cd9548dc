package registry

import (
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// Effects is what a share toggle asks the caller to deliver.
type Effects struct {
	// Notify is true when every other watcher should receive
	// update_menu <key> <value>.
	Notify bool
	// Revoked lost control and should receive share_control false.
	Revoked []string
	// Close must be closed with a "Closing watchers" notice.
	Close []string
}

// ToggleShare applies a share_* setting sent by connection connID on path.
func (r *Registry) ToggleShare(path, connID, key string, value bool) (Effects, error) {
	p, ok := r.params[path]
	if !ok {
		return Effects{}, model.NewError(model.KindRouting, "no terminal %s", path)
	}
	var eff Effects
	switch key {
	case protocol.KeyShareLocked:
		p.ShareLocked = value
		eff.Notify = true
	case protocol.KeyShareTandem:
		p.ShareTandem = value
		if !value {
			eff.Revoked = r.reduceControl(path, connID)
		}
		eff.Notify = true
	case protocol.KeySharePrivate:
		p.SharePrivate = value
		if value {
			r.webcasts.Delete(path)
			eff.Close = r.watchersExcept(path, connID, false)
		} else {
			eff.Notify = true
		}
	case protocol.KeyShareWebcast:
		if p.SharePrivate {
			return Effects{}, model.NewError(model.KindAuthorizationDenied, "cannot webcast private terminal %s", path)
		}
		r.webcasts.Delete(path)
		if value {
			if r.policy.Policy() > model.AuthSingle {
				return Effects{}, model.NewError(model.KindAuthorizationDenied, "webcasting is not permitted on this server")
			}
			r.webcasts.Set(path, r.now())
		} else {
			eff.Close = r.watchersExcept(path, connID, true)
		}
		eff.Notify = true
	default:
		return Effects{}, model.NewError(model.KindProtocol, "Invalid setting: %s", key)
	}
	return eff, nil
}

// reduceControl cuts the control set of path down to keep, or to its most
// recent member when keep is not a controller.
func (r *Registry) reduceControl(path, keep string) []string {
	cs, ok := r.control[path]
	if !ok || cs.Len() == 0 {
		return nil
	}
	ids := cs.Keys()
	if !cs.Has(keep) {
		keep = ids[len(ids)-1]
	}
	var revoked []string
	for _, id := range ids {
		if id != keep {
			cs.Delete(id)
			revoked = append(revoked, id)
		}
	}
	return revoked
}

// watchersExcept lists the watchers of path to close, sparing except and,
// when keepControllers is set, the control set. Closed controllers leave
// the control set immediately.
func (r *Registry) watchersExcept(path, except string, keepControllers bool) []string {
	var out []string
	for _, id := range r.Watchers(path) {
		if id == except {
			continue
		}
		if r.IsController(path, id) {
			if keepControllers {
				continue
			}
			r.ReleaseControl(path, id)
		}
		out = append(out, id)
	}
	return out
}

// Summary builds the listing entry for path.
func (r *Registry) Summary(path string) model.SessionSummary {
	host, name, _ := model.SplitPath(path)
	s := model.SessionSummary{Host: host, Name: name}
	if p, ok := r.params[path]; ok {
		s.Owner = p.Owner
		s.Locked = p.ShareLocked
		s.Private = p.SharePrivate
		s.Tandem = p.ShareTandem
		s.IdleMin = p.IdleMinutes(r.now())
	}
	s.Watchers = r.WatcherCount(path)
	s.Controlled = r.HasController(path)
	s.Webcast = r.IsWebcast(path)
	return s
}

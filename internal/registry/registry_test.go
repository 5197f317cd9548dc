package registry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/wildcard"
)

type fakePolicy struct {
	policy model.AuthType
	groups map[string]string
}

func (f fakePolicy) Policy() model.AuthType { return f.policy }

func (f fakePolicy) SameGroup(u1, u2 string) bool {
	g1, ok := f.groups[u1]
	return ok && g1 == f.groups[u2]
}

func newTestRegistry(policy model.AuthType) *Registry {
	return New(fakePolicy{policy: policy}, Options{})
}

// join opens path for req the way a websocket open does.
func join(t *testing.T, r *Registry, path string, req Requester, mode Mode) Grant {
	t.Helper()
	_, _, err := r.GetOrCreate(path, req, req.User)
	require.NoError(t, err)
	require.NoError(t, r.Register(Member{ConnID: req.ConnID, Path: path, User: req.User, StateID: req.StateID, AuthType: req.AuthType}))
	return r.AcquireControl(path, req, mode)
}

func TestGetOrCreate_Defaults(t *testing.T) {
	r := newTestRegistry(model.AuthMulti)
	p, created, err := r.GetOrCreate("host1/tty1", Requester{User: "alice", StateID: "s1", AuthType: model.AuthMulti}, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, p.ShareLocked)
	assert.True(t, p.SharePrivate)
	assert.False(t, p.ShareTandem)
	assert.Equal(t, "alice", p.Owner)
	assert.Len(t, p.WidgetToken, 16)

	_, created, err = r.GetOrCreate("host1/tty1", Requester{User: "alice", StateID: "s2", AuthType: model.AuthMulti}, "alice")
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = r.GetOrCreate("host1/tty1", Requester{User: "bob", StateID: "s3", AuthType: model.AuthMulti}, "bob")
	require.Error(t, err)
	assert.Equal(t, model.KindAuthorizationDenied, model.KindOf(err))

	_, _, err = r.GetOrCreate("host1/tty1", Requester{User: "root", StateID: "s4", Super: true}, "root")
	assert.NoError(t, err)
}

func TestGetOrCreate_OpenServerIsPublic(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	p, _, err := r.GetOrCreate("host1/tty1", Requester{StateID: "s1", AuthType: model.AuthNull}, "")
	require.NoError(t, err)
	assert.False(t, p.ShareLocked)
	assert.False(t, p.SharePrivate)
}

func TestAcquireControl_DefaultClaim(t *testing.T) {
	r := newTestRegistry(model.AuthName)
	owner := Requester{ConnID: "1", User: "alice", StateID: "s1", AuthType: model.AuthName}
	other := Requester{ConnID: "2", User: "bob", StateID: "s2", AuthType: model.AuthName}

	assert.True(t, join(t, r, "h/tty1", owner, ModeDefault).Granted)
	assert.False(t, join(t, r, "h/tty1", other, ModeDefault).Granted)
	assert.Equal(t, []string{"1"}, r.Controllers("h/tty1"))

	// A second tab of the owner finds the terminal already controlled.
	again := owner
	again.ConnID = "3"
	assert.False(t, join(t, r, "h/tty1", again, ModeDefault).Granted)
}

func TestAcquireControl_WatchNeverControls(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	req := Requester{ConnID: "1", StateID: "s1", AuthType: model.AuthNull}
	assert.False(t, join(t, r, "h/tty1", req, ModeWatch).Granted)
	assert.False(t, r.HasController("h/tty1"))
}

func TestAcquireControl_StealRevokes(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	a := Requester{ConnID: "1", StateID: "s1", AuthType: model.AuthNull}
	b := Requester{ConnID: "2", StateID: "s2", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", a, ModeDefault).Granted)

	g := join(t, r, "h/tty1", b, ModeSteal)
	assert.True(t, g.Granted)
	assert.Equal(t, []string{"1"}, g.Revoked)
	assert.Equal(t, []string{"2"}, r.Controllers("h/tty1"))

	// Locked terminals cannot be stolen by non-owners.
	_, err := r.ToggleShare("h/tty1", "2", protocol.KeyShareLocked, true)
	require.NoError(t, err)
	c := Requester{ConnID: "3", StateID: "s3", AuthType: model.AuthNull}
	assert.False(t, join(t, r, "h/tty1", c, ModeSteal).Granted)
}

func TestAcquireControl_Tandem(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	a := Requester{ConnID: "1", StateID: "s1", AuthType: model.AuthNull}
	b := Requester{ConnID: "2", StateID: "s2", AuthType: model.AuthNull}
	c := Requester{ConnID: "3", StateID: "s3", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", a, ModeDefault).Granted)
	_, err := r.ToggleShare("h/tty1", "1", protocol.KeyShareTandem, true)
	require.NoError(t, err)

	g := join(t, r, "h/tty1", b, ModeTandem)
	assert.True(t, g.Granted)
	assert.Empty(t, g.Revoked)
	require.True(t, join(t, r, "h/tty1", c, ModeTandem).Granted)
	assert.Equal(t, []string{"1", "2", "3"}, r.Controllers("h/tty1"))

	eff, err := r.ToggleShare("h/tty1", "2", protocol.KeyShareTandem, false)
	require.NoError(t, err)
	assert.True(t, eff.Notify)
	assert.ElementsMatch(t, []string{"1", "3"}, eff.Revoked)
	assert.Equal(t, []string{"2"}, r.Controllers("h/tty1"))
}

func TestAcquireControl_MultiUserNonOwnerWatches(t *testing.T) {
	r := New(fakePolicy{policy: model.AuthMulti, groups: map[string]string{"alice": "dev", "bob": "dev"}}, Options{})
	alice := Requester{ConnID: "1", User: "alice", StateID: "s1", AuthType: model.AuthMulti}
	require.True(t, join(t, r, "h/tty1", alice, ModeDefault).Granted)
	p, _ := r.Params("h/tty1")
	p.SharePrivate = false

	carol := Requester{ConnID: "2", User: "carol", StateID: "s2", AuthType: model.AuthMulti}
	assert.False(t, join(t, r, "h/tty1", carol, ModeDefault).Granted)
	assert.False(t, r.AcquireControl("h/tty1", carol, ModeSteal).Granted, "locked")

	p.ShareLocked = false
	assert.False(t, r.AcquireControl("h/tty1", carol, ModeSteal).Granted, "different group")

	bob := Requester{ConnID: "3", User: "bob", StateID: "s3", AuthType: model.AuthMulti}
	require.NoError(t, r.Register(Member{ConnID: "3", Path: "h/tty1", User: "bob", StateID: "s3"}))
	g := r.AcquireControl("h/tty1", bob, ModeSteal)
	assert.True(t, g.Granted)
	assert.Equal(t, []string{"1"}, g.Revoked)
}

func TestAcquireControl_Failsafe(t *testing.T) {
	r := newTestRegistry(model.AuthMulti)
	for _, path := range []string{"local/tty1", "h/osh"} {
		alice := Requester{ConnID: "a" + path, User: "alice", StateID: "s1", AuthType: model.AuthMulti}
		assert.False(t, join(t, r, path, alice, ModeDefault).Granted, path)
		assert.False(t, r.AcquireControl(path, alice, ModeSteal).Granted, path)
	}
	root := Requester{ConnID: "r", User: "root", StateID: "s2", AuthType: model.AuthMulti, Super: true}
	assert.True(t, join(t, r, "local/tty2", root, ModeSteal).Granted)
}

func TestAcquireControl_WebcastWatchOnly(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	req := Requester{ConnID: "1", AuthType: model.AuthWebcast}
	assert.False(t, join(t, r, "h/tty1", req, ModeSteal).Granted)
}

func TestToggleShare_Private(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	owner := Requester{ConnID: "1", StateID: "s1", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", owner, ModeDefault).Granted)
	_, err := r.ToggleShare("h/tty1", "1", protocol.KeyShareTandem, true)
	require.NoError(t, err)
	b := Requester{ConnID: "2", StateID: "s2", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", b, ModeTandem).Granted)
	c := Requester{ConnID: "3", StateID: "s3", AuthType: model.AuthNull}
	join(t, r, "h/tty1", c, ModeWatch)

	eff, err := r.ToggleShare("h/tty1", "1", protocol.KeySharePrivate, true)
	require.NoError(t, err)
	assert.False(t, eff.Notify)
	assert.ElementsMatch(t, []string{"2", "3"}, eff.Close)
	assert.Equal(t, []string{"1"}, r.Controllers("h/tty1"))

	d := Requester{ConnID: "4", StateID: "s4", AuthType: model.AuthNull}
	_, _, err = r.GetOrCreate("h/tty1", d, "")
	assert.Error(t, err)
}

func TestToggleShare_Webcast(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	owner := Requester{ConnID: "1", StateID: "s1", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", owner, ModeDefault).Granted)
	viewer := Requester{ConnID: "2", AuthType: model.AuthWebcast}
	join(t, r, "h/tty1", viewer, ModeWatch)

	_, err := r.ToggleShare("h/tty1", "1", protocol.KeyShareWebcast, true)
	require.NoError(t, err)
	assert.True(t, r.IsWebcast("h/tty1"))

	eff, err := r.ToggleShare("h/tty1", "1", protocol.KeyShareWebcast, false)
	require.NoError(t, err)
	assert.False(t, r.IsWebcast("h/tty1"))
	assert.Equal(t, []string{"2"}, eff.Close)

	_, err = r.ToggleShare("h/tty1", "1", "share_bogus", true)
	assert.Equal(t, model.KindProtocol, model.KindOf(err))
}

func TestToggleShare_WebcastBound(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	for i := 0; i <= MaxWebcasts; i++ {
		path := fmt.Sprintf("h/tty%d", i)
		req := Requester{ConnID: fmt.Sprint(i), StateID: "s", AuthType: model.AuthNull}
		_, _, err := r.GetOrCreate(path, req, "")
		require.NoError(t, err)
		_, err = r.ToggleShare(path, req.ConnID, protocol.KeyShareWebcast, true)
		require.NoError(t, err)
	}
	assert.False(t, r.IsWebcast("h/tty0"))
	assert.True(t, r.IsWebcast(fmt.Sprintf("h/tty%d", MaxWebcasts)))
}

func TestReclaim(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	owner := Requester{ConnID: "1", StateID: "s1", AuthType: model.AuthNull}
	join(t, r, "h/tty1", owner, ModeWatch)
	other := Requester{ConnID: "2", StateID: "s2", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", other, ModeSteal).Granted)

	assert.Nil(t, r.Reclaim("h/tty1", other), "not the creator")
	assert.Equal(t, []string{"2"}, r.Reclaim("h/tty1", owner))
	assert.False(t, r.HasController("h/tty1"))
}

func TestCheckRecursion(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	for i := 0; i <= MaxRecursion; i++ {
		require.NoError(t, r.CheckRecursion("h/tty1", "s1"))
		require.NoError(t, r.Register(Member{ConnID: fmt.Sprint(i), Path: "h/tty1", StateID: "s1"}))
	}
	assert.ErrorIs(t, r.CheckRecursion("h/tty1", "s1"), model.ErrRecursion)
	assert.NoError(t, r.CheckRecursion("h/tty1", "s2"))
}

func TestUnregister_Idempotent(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	req := Requester{ConnID: "1", User: "alice", StateID: "s1", AuthType: model.AuthNull}
	require.True(t, join(t, r, "h/tty1", req, ModeDefault).Granted)
	assert.True(t, r.UserConnected("alice"))

	m, ok := r.Unregister("1")
	assert.True(t, ok)
	assert.Equal(t, "h/tty1", m.Path)
	_, ok = r.Unregister("1")
	assert.False(t, ok)
	assert.False(t, r.HasController("h/tty1"))
	assert.Zero(t, r.WatcherCount("h/tty1"))
	assert.False(t, r.UserConnected("alice"))
}

func TestWildcardSubscribers(t *testing.T) {
	r := newTestRegistry(model.AuthNull)
	super := wildcard.Requester{Super: true}
	require.NoError(t, r.Register(Member{ConnID: "1", Path: "*/tty*", Wildcard: wildcard.MustCompile("*/tty*"), Access: super}))
	require.NoError(t, r.Register(Member{ConnID: "2", Path: "h?/osh", Wildcard: wildcard.MustCompile("h?/osh"), Access: super}))
	assert.Empty(t, r.WildcardSubscribers("h1/tty3"), "unknown paths have no subscribers")

	for _, p := range []string{"h1/tty3", "h1/osh"} {
		_, _, err := r.GetOrCreate(p, Requester{User: "alice", StateID: "sa"}, "alice")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"1"}, r.WildcardSubscribers("h1/tty3"))
	assert.Equal(t, []string{"2"}, r.WildcardSubscribers("h1/osh"))
	r.Unregister("1")
	assert.Empty(t, r.WildcardSubscribers("h1/tty3"))
}

func TestWildcardSubscribers_Ownership(t *testing.T) {
	r := newTestRegistry(model.AuthName)
	_, _, err := r.GetOrCreate("h1/tty1", Requester{User: "alice", StateID: "sa"}, "alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		access wildcard.Requester
		want   bool
	}{
		{"owner", wildcard.Requester{User: "alice"}, true},
		{"other user", wildcard.Requester{User: "bob", StateID: "sb"}, false},
		{"super user", wildcard.Requester{User: "root", Super: true}, true},
		{"anonymous creator", wildcard.Requester{StateID: "sa"}, true},
		{"anonymous stranger", wildcard.Requester{StateID: "sx"}, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprint(i + 1)
			require.NoError(t, r.Register(Member{ConnID: id, Path: "h1/*", Wildcard: wildcard.MustCompile("h1/*"), Access: tt.access}))
			defer r.Unregister(id)
			assert.Equal(t, tt.want, len(r.WildcardSubscribers("h1/tty1")) == 1)
		})
	}
}

// After any sequence of control requests and releases, a path without tandem
// sharing has at most one controller, and every controller is a registered
// watcher of the path.
func TestProperty_ControlSetConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	type op struct {
		Conn int
		Kind int
	}
	genOp := gopter.CombineGens(gen.IntRange(0, 4), gen.IntRange(0, 4)).Map(func(v []interface{}) op {
		return op{Conn: v[0].(int), Kind: v[1].(int)}
	})

	properties.Property("control set stays consistent", prop.ForAll(
		func(ops []op) bool {
			r := newTestRegistry(model.AuthNull)
			const path = "h/tty1"
			for _, o := range ops {
				id := fmt.Sprint(o.Conn)
				req := Requester{ConnID: id, StateID: "s" + id, AuthType: model.AuthNull}
				switch o.Kind {
				case 0:
					r.Unregister(id)
				case 1:
					r.ReleaseControl(path, id)
				default:
					if _, ok := r.Member(id); !ok {
						if _, _, err := r.GetOrCreate(path, req, ""); err != nil {
							return false
						}
						if err := r.Register(Member{ConnID: id, Path: path, StateID: req.StateID}); err != nil {
							return false
						}
					}
					r.AcquireControl(path, req, Mode(o.Kind-2))
				}
			}
			ctl := r.Controllers(path)
			if len(ctl) > 1 {
				return false
			}
			for _, id := range ctl {
				if m, ok := r.Member(id); !ok || m.Path != path {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}

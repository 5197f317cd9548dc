package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/loop"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/router"
)

const testCode = "secret"

// fakeHosts is a host directory whose links record what they are sent.
type fakeHosts struct {
	hosts map[string]*hostlink.Host

	mu     sync.Mutex
	frames []hostlink.Frame
}

func newFakeHosts(names ...string) *fakeHosts {
	f := &fakeHosts{hosts: make(map[string]*hostlink.Host)}
	for _, n := range names {
		f.hosts[n] = hostlink.NewHost(n)
	}
	return f
}

func (f *fakeHosts) Host(name string) (*hostlink.Host, bool) {
	h, ok := f.hosts[name]
	return h, ok
}

func (f *fakeHosts) Hosts() []string {
	names := make([]string, 0, len(f.hosts))
	for n := range f.hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *fakeHosts) SendToHost(host string, fr *hostlink.Frame) error {
	if _, ok := f.hosts[host]; !ok {
		return fmt.Errorf("%w: %s", model.ErrHostNotConnected, host)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, *fr)
	return nil
}

func (f *fakeHosts) Request(host, session, user, connID string, msgs ...protocol.Message) error {
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = []any(m)
	}
	return f.SendToHost(host, &hostlink.Frame{Action: hostlink.ActionRequest, Session: session, User: user, ConnID: connID, Messages: list})
}

func (f *fakeHosts) CloseSession(host, session string) {}

func (f *fakeHosts) Disconnect(host string) bool {
	_, ok := f.hosts[host]
	return ok
}

// sent lists "session:command" for every message sent to host.
func (f *fakeHosts) sent(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fr := range f.frames {
		for _, item := range fr.Messages {
			if msg, ok := protocol.FromAny(item); ok {
				out = append(out, fr.Session+":"+msg.Name())
			}
		}
	}
	return out
}

// payloads returns the binary content of every frame sent to host whose
// last message is command.
func (f *fakeHosts) payloads(host, command string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, fr := range f.frames {
		if len(fr.Messages) == 0 {
			continue
		}
		if msg, ok := protocol.FromAny(fr.Messages[len(fr.Messages)-1]); ok && msg.Name() == command {
			out = append(out, fr.Content)
		}
	}
	return out
}

func (f *fakeHosts) count(host, entry string) int {
	n := 0
	for _, s := range f.sent(host) {
		if s == entry {
			n++
		}
	}
	return n
}

type testServer struct {
	loop  *loop.Loop
	auth  *auth.Controller
	reg   *registry.Registry
	hosts *fakeHosts
	srv   *Server
	http  *httptest.Server
}

func setupTestServer(t *testing.T, policy model.AuthType) (*testServer, func()) {
	t.Helper()
	return setupTestServerWithOptions(t, policy, Options{})
}

func setupTestServerWithOptions(t *testing.T, policy model.AuthType, opts Options) (*testServer, func()) {
	t.Helper()
	l := loop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	pool := loop.NewPool(l, 2)
	ctrl, err := auth.New(auth.Options{Policy: policy, Code: testCode}, auth.Deps{Pool: pool})
	require.NoError(t, err)
	reg := registry.New(ctrl, registry.Options{})
	ctrl.SetNameInUse(reg.UserConnected)
	hosts := newFakeHosts("alice")
	rt := router.New(reg, hosts, nil, ctrl, nil)
	srv := NewServer(opts, Deps{Loop: l, Pool: pool, Auth: ctrl, Registry: reg, Router: rt, Hosts: hosts})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := srv.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/_websocket/")); err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}))

	cleanup := func() {
		ts.Close()
		cancel()
		<-l.Done()
	}
	return &testServer{loop: l, auth: ctrl, reg: reg, hosts: hosts, srv: srv, http: ts}, cleanup
}

func (ts *testServer) call(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.loop.Call(ctx, fn))
}

func (ts *testServer) dial(t *testing.T, path, query, stateID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/_websocket/" + path
	if query != "" {
		u += "?" + query
	}
	h := http.Header{}
	h.Set("Origin", ts.http.URL)
	if stateID != "" {
		h.Set("Cookie", auth.CookieName+"="+stateID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// login proves the single code and returns the issued state id.
func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	var cookie string
	ts.call(t, func() { cookie = ts.auth.NewConnectCookie() })
	conn := ts.dial(t, "alice/tty1", "cauth="+cookie+"&code="+auth.ComputeHMAC(testCode, cookie), "")
	b := readBatch(t, conn)
	require.Equal(t, "redirect", b[0].Name(), "got %v", b)
	stateID := b[0].String(1)
	require.NotEmpty(t, stateID)
	assert.Contains(t, b[0].String(0), "qauth="+model.Qauth(stateID))
	return stateID
}

// open logs in and opens path, returning the connection and its setup.
func (ts *testServer) open(t *testing.T, path string) (*websocket.Conn, map[string]any) {
	t.Helper()
	stateID := ts.login(t)
	conn := ts.dial(t, path, "qauth="+model.Qauth(stateID), stateID)
	b := readBatch(t, conn)
	require.Equal(t, "setup", b[0].Name(), "got %v", b)
	return conn, b[0].Map(0)
}

func readBatch(t *testing.T, conn *websocket.Conn) protocol.Batch {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	b, err := protocol.DecodeBatch(data)
	require.NoError(t, err)
	require.NotEmpty(t, b)
	return b
}

func send(t *testing.T, conn *websocket.Conn, msgs ...protocol.Message) {
	t.Helper()
	data, err := protocol.Batch(msgs).Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
}

func TestOpen_OwnerControlsWatcherJoins(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	owner, setup := ts.open(t, "alice/tty1")
	assert.Equal(t, true, setup["controller"])
	assert.Equal(t, "alice", setup["host"])
	assert.Equal(t, "tty1", setup["term"])
	assert.Equal(t, "1", setup["websocket_id"])
	require.Eventually(t, func() bool {
		return contains(ts.hosts.sent("alice"), "tty1:reconnect")
	}, 2*time.Second, 10*time.Millisecond)

	watcher, wsetup := ts.open(t, "alice/tty1/watch")
	assert.Equal(t, false, wsetup["controller"])
	assert.Len(t, wsetup["watchers"], 2)

	join := readBatch(t, owner)
	assert.Equal(t, protocol.New("join", "", true), join[0])

	watcher.Close()
	leave := readBatch(t, owner)
	assert.Equal(t, protocol.New("join", "", false), leave[0])

	ts.call(t, func() {
		assert.Equal(t, []string{"1"}, ts.reg.Watchers("alice/tty1"))
		assert.Equal(t, []string{"1"}, ts.reg.Controllers("alice/tty1"))
	})
}

func TestOpen_Rejections(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	t.Run("origin mismatch", func(t *testing.T) {
		u := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/_websocket/alice/tty1"
		h := http.Header{}
		h.Set("Origin", "http://elsewhere.example")
		_, resp, err := websocket.DefaultDialer.Dial(u, h)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing code", func(t *testing.T) {
		conn := ts.dial(t, "alice/tty1", "", "")
		b := readBatch(t, conn)
		require.Equal(t, "authenticate", b[0].Name())
		assert.Equal(t, "_", b[0].Map(0)["need_code"])
		assert.NotEmpty(t, b[0].Map(0)["cookie"])
		expectClosed(t, conn)
	})

	t.Run("unknown host", func(t *testing.T) {
		stateID := ts.login(t)
		conn := ts.dial(t, "bob/tty1", "qauth="+model.Qauth(stateID), stateID)
		b := readBatch(t, conn)
		assert.Equal(t, protocol.New("abort", "Invalid host"), b[0])
		expectClosed(t, conn)
	})

	t.Run("confirm path without proof", func(t *testing.T) {
		stateID := ts.login(t)
		conn := ts.dial(t, "alice/tty2", "", stateID)
		b := readBatch(t, conn)
		assert.Equal(t, protocol.New("confirm_path", stateID, "/alice/tty2"), b[0])
		expectClosed(t, conn)
	})
}

func TestOpen_Listings(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()
	ts.call(t, func() {
		h, _ := ts.hosts.Host("alice")
		h.AddSession("tty3", "")
	})

	stateID := ts.login(t)
	conn := ts.dial(t, "", "qauth="+model.Qauth(stateID), stateID)
	b := readBatch(t, conn)
	require.Equal(t, "host_list", b[0].Name())
	assert.Equal(t, stateID, b[0].String(0))
	assert.Equal(t, []any{"alice"}, b[0].List(4))

	conn = ts.dial(t, "alice", "qauth="+model.Qauth(stateID), stateID)
	b = readBatch(t, conn)
	require.Equal(t, "term_list", b[0].Name())
	assert.Equal(t, true, b[0].Map(0)["allow_new"])
	require.Len(t, b[0].List(1), 1)
	assert.Equal(t, "tty3", b[0].List(1)[0].([]any)[0])

	conn = ts.dial(t, "alice/new", "qauth="+model.Qauth(stateID), stateID)
	b = readBatch(t, conn)
	require.Equal(t, "redirect", b[0].Name())
	assert.True(t, strings.HasPrefix(b[0].String(0), "/alice/tty1/?"), "got %s", b[0].String(0))
}

func TestMessage_ControlHandOff(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	owner, _ := ts.open(t, "alice/tty1")
	watcher, _ := ts.open(t, "alice/tty1/watch")
	readBatch(t, owner) // join

	send(t, owner, protocol.New("keypress", "ls\n"))
	require.Eventually(t, func() bool {
		return contains(ts.hosts.sent("alice"), "tty1:keypress")
	}, 2*time.Second, 10*time.Millisecond)

	send(t, watcher, protocol.New("update_params", protocol.KeyShareControl, true))
	revoked := readBatch(t, owner)
	assert.Equal(t, protocol.New("update_menu", protocol.KeyShareControl, false), revoked[0])

	ts.call(t, func() {
		assert.Equal(t, []string{"2"}, ts.reg.Controllers("alice/tty1"))
	})
}

func TestMessage_SharePrivateClosesWatchers(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	owner, _ := ts.open(t, "alice/tty1")
	watcher, _ := ts.open(t, "alice/tty1/watch")
	readBatch(t, owner) // join

	send(t, owner, protocol.New("update_params", protocol.KeySharePrivate, true))
	b := readBatch(t, watcher)
	assert.Equal(t, protocol.New("body", "Closing watchers"), b[0])
	expectClosed(t, watcher)

	ts.call(t, func() {
		assert.Equal(t, []string{"1"}, ts.reg.Watchers("alice/tty1"))
		p, _ := ts.reg.Params("alice/tty1")
		assert.True(t, p.SharePrivate)
	})
}

func TestMessage_RoutingFailureKeepsConnection(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	owner, _ := ts.open(t, "alice/tty1")
	ts.call(t, func() { delete(ts.hosts.hosts, "alice") })

	send(t, owner, protocol.New("keypress", "x"))
	b := readBatch(t, owner)
	assert.Equal(t, protocol.New("errmsg", "ERROR: Remote host alice not connected"), b[0])

	send(t, owner, protocol.New("keypress", "y"))
	b = readBatch(t, owner)
	assert.Equal(t, "errmsg", b[0].Name())
}

func TestOpen_KillAction(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	owner, _ := ts.open(t, "alice/tty1")
	killer, _ := ts.openRaw(t, "alice/tty1/kill")

	b := readBatch(t, owner)
	assert.Equal(t, "body", b[0].Name())
	assert.Contains(t, b[0].String(0), "CLOSED TERMINAL")
	expectClosed(t, owner)
	expectClosed(t, killer)
	require.Eventually(t, func() bool {
		return contains(ts.hosts.sent("alice"), "tty1:kill_term")
	}, 2*time.Second, 10*time.Millisecond)
}

// openRaw logs in and opens path, returning the first reply whatever it is.
func (ts *testServer) openRaw(t *testing.T, path string) (*websocket.Conn, protocol.Batch) {
	t.Helper()
	stateID := ts.login(t)
	conn := ts.dial(t, path, "qauth="+model.Qauth(stateID), stateID)
	return conn, readBatch(t, conn)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestOpen_StealNotifiesPreviousControllerOnce(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()

	owner, _ := ts.open(t, "alice/tty1")
	thief, setup := ts.open(t, "alice/tty1/steal")
	assert.Equal(t, true, setup["controller"])

	revoked := readBatch(t, owner)
	assert.Equal(t, protocol.New("update_menu", protocol.KeyShareControl, false), revoked[0])
	join := readBatch(t, owner)
	assert.Equal(t, "join", join[0].Name())

	ts.call(t, func() {
		assert.Equal(t, []string{"2"}, ts.reg.Controllers("alice/tty1"))
		c, ok := ts.srv.Hub().Get("1")
		require.True(t, ok)
		assert.Equal(t, StateWatcher, c.state)
	})

	// The old holder's input is dropped; the new one's reaches the host.
	send(t, owner, protocol.New("keypress", "old"))
	send(t, thief, protocol.New("keypress", "new"))
	require.Eventually(t, func() bool {
		return ts.hosts.count("alice", "tty1:keypress") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return ts.hosts.count("alice", "tty1:keypress") > 1
	}, 100*time.Millisecond, 10*time.Millisecond)

	// No second revocation notice follows.
	owner.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := owner.ReadMessage()
	assert.Error(t, err)
}

func TestMessage_SaveDataAwaitsBinary(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()
	owner, _ := ts.open(t, "alice/tty1")

	send(t, owner, protocol.New("save_data", "notes.txt", nil))
	require.NoError(t, owner.WriteMessage(websocket.BinaryMessage, []byte("payload")))
	require.Eventually(t, func() bool {
		return len(ts.hosts.payloads("alice", "save_data")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("payload"), ts.hosts.payloads("alice", "save_data")[0])

	t.Run("text frame cancels the wait", func(t *testing.T) {
		send(t, owner, protocol.New("save_data", "other.txt", nil))
		send(t, owner, protocol.New("keypress", "x"))
		require.NoError(t, owner.WriteMessage(websocket.BinaryMessage, []byte("stray")))
		send(t, owner, protocol.New("keypress", "y"))

		require.Eventually(t, func() bool {
			return ts.hosts.count("alice", "tty1:keypress") == 2
		}, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, ts.hosts.payloads("alice", "save_data"), 1)
	})

	t.Run("must be last in batch", func(t *testing.T) {
		send(t, owner, protocol.New("save_data", "f", nil), protocol.New("keypress", "z"))
		b := readBatch(t, owner)
		assert.Equal(t, "errmsg", b[0].Name())
		assert.Equal(t, 2, ts.hosts.count("alice", "tty1:keypress"))
	})
}

func TestMessage_MalformedBatchAppliesNothing(t *testing.T) {
	ts, cleanup := setupTestServer(t, model.AuthSingle)
	defer cleanup()
	owner, _ := ts.open(t, "alice/tty1")

	send(t, owner, protocol.New("keypress", "a"), protocol.New("update_params"))
	b := readBatch(t, owner)
	assert.Equal(t, "errmsg", b[0].Name())
	assert.Zero(t, ts.hosts.count("alice", "tty1:keypress"), "earlier commands of a rejected batch must not run")

	send(t, owner, protocol.New("keypress", "b"))
	require.Eventually(t, func() bool {
		return ts.hosts.count("alice", "tty1:keypress") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessage_CheckUpdates(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>News</title>
<item><title>v1.4</title><description>Faster output</description></item></channel></rss>`)
	}))
	defer feed.Close()

	ts, cleanup := setupTestServerWithOptions(t, model.AuthSingle, Options{FeedURL: feed.URL})
	defer cleanup()
	owner, _ := ts.open(t, "alice/tty1")

	send(t, owner, protocol.New("check_updates"))
	b := readBatch(t, owner)
	require.Equal(t, "updates_response", b[0].Name(), "got %v", b)
	entries := b[0].List(0)
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]any{"title": "v1.4", "summary": "Faster output"}, entries[0])
}

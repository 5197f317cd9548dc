package agent

import (
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/loop"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/pty"
	"github.com/remote-agent-terminal/termhub/internal/session"
)

type frameHandler struct {
	frames chan *hostlink.Frame
}

func (h *frameHandler) HostUp(string)   {}
func (h *frameHandler) HostDown(string) {}
func (h *frameHandler) HostFrame(_ string, f *hostlink.Frame) {
	h.frames <- f
}

// next waits for the first frame matching ok.
func (h *frameHandler) next(t *testing.T, ok func(*hostlink.Frame) bool) *hostlink.Frame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-h.frames:
			if ok(f) {
				return f
			}
		case <-timeout:
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

func firstMessage(f *hostlink.Frame) protocol.Message {
	if len(f.Messages) == 0 {
		return nil
	}
	msg, _ := protocol.FromAny(f.Messages[0])
	return msg
}

func named(name string) func(*hostlink.Frame) bool {
	return func(f *hostlink.Frame) bool {
		return f.Action == hostlink.ActionResponse && firstMessage(f).Name() == name
	}
}

func setupTestAgent(t *testing.T, root string) (*hostlink.Manager, *frameHandler, func()) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	sessions := session.NewManager(pty.NewManager(4096), session.Config{Host: "alpha", Shell: "sh"})
	ag := New(Config{Host: "alpha", Root: root, Email: "ops@example.com"}, sessions)

	h := &frameHandler{frames: make(chan *hostlink.Frame, 256)}
	m := hostlink.NewManager(hostlink.SecretKeys("secret"), loop.Inline{}, nil)
	m.SetHandler(h)

	serverConn, agentConn := net.Pipe()
	link, err := hostlink.NewAgentLink("alpha", agentConn, ag.HandleFrame)
	require.NoError(t, err)
	go ag.Serve(link)
	require.NoError(t, m.Attach("alpha", serverConn))

	return m, h, func() {
		ag.Stop()
		m.Shutdown()
	}
}

func TestAgent_TerminalLifecycle(t *testing.T) {
	m, h, cleanup := setupTestAgent(t, "")
	defer cleanup()

	params := firstMessage(h.next(t, named("term_params"))).Map(0)
	assert.Equal(t, model.Version, params["version"])
	assert.Equal(t, "ops@example.com", params["host_params"].(map[string]any)["host_email"])

	require.NoError(t, m.Request("alpha", "tty1", "alice", "7",
		protocol.New("reconnect", "7", map[string]any{"rows": 24, "cols": 80})))
	added := h.next(t, func(f *hostlink.Frame) bool { return f.Action == hostlink.ActionUpdate })
	assert.Equal(t, "tty1", added.Session)
	assert.True(t, added.Add)

	require.NoError(t, m.Request("alpha", "tty1", "alice", "7", protocol.New("keypress", "echo agent-$((6*7))\n")))
	var out strings.Builder
	h.next(t, func(f *hostlink.Frame) bool {
		if named("output")(f) {
			out.WriteString(firstMessage(f).String(0))
		}
		return strings.Contains(out.String(), "agent-42")
	})

	require.NoError(t, m.Request("alpha", "tty1", "bob", "8", protocol.New("reconnect", "8", map[string]any{})))
	replay := h.next(t, func(f *hostlink.Frame) bool { return named("output")(f) && f.ConnID == "8" })
	assert.Contains(t, firstMessage(replay).String(0), "agent-42")

	require.NoError(t, m.Request("alpha", "tty1", "alice", "7", protocol.New("kill_term")))
	removed := h.next(t, func(f *hostlink.Frame) bool { return f.Action == hostlink.ActionUpdate && !f.Add })
	assert.Equal(t, "tty1", removed.Session)
}

func TestAgent_FileRequest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello file"), 0o644))

	m, h, cleanup := setupTestAgent(t, root)
	defer cleanup()
	h.next(t, named("term_params"))

	require.NoError(t, m.Request("alpha", "", "", "", protocol.New("file_request", 3, "GET", "/hello.txt", "")))
	f := h.next(t, named("file_response"))
	msg := firstMessage(f)
	assert.Equal(t, 3, msg.Int(0))
	status := msg.Map(1)["status"].([]any)
	assert.Equal(t, http.StatusOK, protocol.AsInt(status[0]))
	assert.Equal(t, "hello file", string(f.Content))
	assert.Contains(t, msg.Map(1)["content_type"], "text/plain")
}

func TestReadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.html"), []byte("<p>x</p>"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	a := &Agent{cfg: Config{Root: root}}

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	tests := []struct {
		name    string
		req     fileRequest
		status  int
		content string
	}{
		{"get", fileRequest{Method: "GET", Path: "/a.html"}, http.StatusOK, "<p>x</p>"},
		{"head", fileRequest{Method: "HEAD", Path: "/a.html"}, http.StatusOK, ""},
		{"not modified", fileRequest{Method: "GET", Path: "/a.html", IfModSince: future}, http.StatusNotModified, ""},
		{"missing", fileRequest{Method: "GET", Path: "/nope"}, http.StatusNotFound, ""},
		{"directory", fileRequest{Method: "GET", Path: "/dir"}, http.StatusForbidden, ""},
		{"escape", fileRequest{Method: "GET", Path: "/../../etc/passwd"}, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.readFile(tt.req)
			assert.Equal(t, tt.status, res.status)
			assert.Equal(t, tt.content, string(res.content))
		})
	}

	disabled := &Agent{}
	assert.Equal(t, http.StatusForbidden, disabled.readFile(fileRequest{Path: "/a.html"}).status)
}

func TestValidPrefix(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	tests := []struct {
		name string
		in   []byte
		text string
		rest []byte
	}{
		{"ascii", []byte("abc"), "abc", nil},
		{"whole rune", append([]byte("a"), euro...), "a€", nil},
		{"split rune", append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"invalid middle", []byte{'a', 0xff, 'b'}, "a\uFFFDb", nil},
		{"empty", nil, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, rest := validPrefix(tt.in)
			assert.Equal(t, tt.text, text)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

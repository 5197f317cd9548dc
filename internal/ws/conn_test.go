package ws

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

func TestConn_QueueOverflowClosesOnlyThatConn(t *testing.T) {
	slow := NewConn(nil)
	other := NewConn(nil)

	for i := 0; i < SendQueueSize; i++ {
		slow.Send(protocol.Single("output", i))
	}
	assert.False(t, slow.IsClosed())

	slow.Send(protocol.Single("output", "overflow"))
	assert.True(t, slow.IsClosed())

	other.Send(protocol.Single("output", "fine"))
	assert.False(t, other.IsClosed())

	// Sending after close is a no-op.
	slow.Send(protocol.Single("output", "late"))
	n := 0
	for range slow.queue() {
		n++
	}
	assert.Equal(t, SendQueueSize, n)
}

func TestConn_FinishFlushesThenCloses(t *testing.T) {
	c := NewConn(nil)
	c.Finish(protocol.Single("abort", "bye"))
	require.True(t, c.IsClosed())

	f, ok := <-c.queue()
	require.True(t, ok)
	assert.False(t, f.binary)
	b, err := protocol.DecodeBatch(f.data)
	require.NoError(t, err)
	assert.Equal(t, protocol.New("abort", "bye"), b[0])

	_, ok = <-c.queue()
	assert.False(t, ok)
}

func TestConn_SendBinary(t *testing.T) {
	c := NewConn(nil)
	c.SendBinary([]byte{1, 2, 3})
	f := <-c.queue()
	assert.True(t, f.binary)
	assert.Equal(t, []byte{1, 2, 3}, f.data)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "controller", StateController.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestRestrict(t *testing.T) {
	batch := protocol.Batch{
		protocol.New("keypress", "ls"),
		protocol.New("chat", "hi"),
		protocol.New("update_params", protocol.KeyShareControl, true),
		protocol.New("update_params", protocol.KeySharePrivate, true),
	}

	tests := []struct {
		name       string
		controller bool
		chatOnly   bool
		want       []string
	}{
		{"controller", true, false, []string{"keypress", "chat", "update_params", "update_params"}},
		{"watcher", false, false, []string{"update_params"}},
		{"chat only", false, true, []string{"chat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, msg := range restrict(batch, tt.controller, tt.chatOnly) {
				got = append(got, msg.Name())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFeed(t *testing.T) {
	t.Run("items", func(t *testing.T) {
		entries, err := parseFeed(strings.NewReader(`<?xml version="1.0"?>
<rss version="2.0"><channel><title>News</title>
<item><title>v1.2</title><description>Bug fixes</description></item>
<item><title>v1.3</title><description>Wildcards</description></item>
</channel></rss>`))
		require.NoError(t, err)
		assert.Equal(t, []FeedEntry{{"v1.2", "Bug fixes"}, {"v1.3", "Wildcards"}}, entries)
	})

	t.Run("atom", func(t *testing.T) {
		entries, err := parseFeed(strings.NewReader(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>News</title>
<entry><title>v2.0</title><summary>Notebooks</summary></entry>
</feed>`))
		require.NoError(t, err)
		assert.Equal(t, []FeedEntry{{"v2.0", "Notebooks"}}, entries)
	})

	t.Run("empty channel", func(t *testing.T) {
		entries, err := parseFeed(strings.NewReader(`<rss><channel></channel></rss>`))
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := parseFeed(strings.NewReader(`not a feed`))
		assert.Error(t, err)
	})
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		header string
		origin string
		want   bool
	}{
		{"same host", "example.com:8900", "Origin", "http://example.com:8900", true},
		{"case insensitive", "Example.com", "Origin", "https://example.COM", true},
		{"legacy header", "example.com", "Sec-Websocket-Origin", "http://example.com", true},
		{"other host", "example.com", "Origin", "http://evil.com", false},
		{"other port", "example.com:8900", "Origin", "http://example.com:9000", false},
		{"missing", "example.com", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/_websocket/alice/tty1", nil)
			r.Host = tt.host
			if tt.header != "" {
				r.Header.Set(tt.header, tt.origin)
			}
			assert.Equal(t, tt.want, CheckOrigin(r))
		})
	}
}

func TestHub(t *testing.T) {
	h := NewHub()
	a, b := NewConn(nil), NewConn(nil)
	a.id, b.id = "2", "10"
	h.Add(a)
	h.Add(b)

	got, ok := h.Get("2")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 2, h.Count())

	h.Remove("2")
	_, ok = h.Get("2")
	assert.False(t, ok)
	assert.Equal(t, []string{"10"}, h.IDs())
}

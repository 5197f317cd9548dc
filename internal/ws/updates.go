package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

const updatesTimeout = 10 * time.Second

// FeedEntry is one announcement.
type FeedEntry struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type feedClient struct {
	url    string
	client *http.Client
}

func newFeedClient(url string) *feedClient {
	if url == "" {
		return nil
	}
	return &feedClient{url: url, client: &http.Client{Timeout: updatesTimeout}}
}

// fetch downloads and parses the announcement feed (RSS or Atom). Parsers
// keep state, so each fetch gets its own.
func (f *feedClient) fetch(ctx context.Context) ([]FeedEntry, error) {
	p := gofeed.NewParser()
	p.Client = f.client
	feed, err := p.ParseURLWithContext(f.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	return entries(feed), nil
}

func parseFeed(r io.Reader) ([]FeedEntry, error) {
	feed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return entries(feed), nil
}

func entries(feed *gofeed.Feed) []FeedEntry {
	out := make([]FeedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		summary := item.Description
		if summary == "" {
			summary = item.Content
		}
		out = append(out, FeedEntry{Title: item.Title, Summary: summary})
	}
	return out
}

// checkUpdates fetches the announcements on the worker pool and answers
// with updates_response, or errmsg on failure or timeout.
func (s *Server) checkUpdates(c *Conn) {
	if s.feed == nil || s.pool == nil {
		return
	}
	feed := s.feed
	s.pool.Submit(updatesTimeout, func(ctx context.Context) (any, error) {
		return feed.fetch(ctx)
	}, func(v any, err error) {
		if c.state == StateClosed {
			return
		}
		if err != nil {
			c.Send(protocol.Single("errmsg", "ERROR in checking for updates: "+err.Error()))
			return
		}
		c.Send(protocol.Single("updates_response", v))
	})
}

// Package proxy tracks file and blob requests forwarded to host agents and
// computes the cache headers of their responses.
package proxy

import (
	"net/http"
	"sync"
	"time"
)

// RequestTimeout is how long a proxied request waits for its host.
const RequestTimeout = 15 * time.Second

// Response is a host's answer to a file request.
type Response struct {
	Status       int
	LastModified string
	Etag         string
	ContentType  string
	Content      []byte
}

// TimedOut is the synthetic response delivered when the host is too slow.
var TimedOut = Response{Status: http.StatusGatewayTimeout}

type pending struct {
	done  func(Response)
	timer *time.Timer
}

// Tracker holds pending requests keyed by a monotonic id. Each request is
// completed exactly once: by Complete or by its timer.
type Tracker struct {
	timeout time.Duration

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*pending
}

// NewTracker creates a tracker with the given per-request timeout.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	return &Tracker{timeout: timeout, pending: make(map[uint64]*pending)}
}

// Add registers a request and returns its id. done runs on the completing
// goroutine.
func (t *Tracker) Add(done func(Response)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	p := &pending{done: done}
	p.timer = time.AfterFunc(t.timeout, func() {
		if t.take(id) != nil {
			done(TimedOut)
		}
	})
	t.pending[id] = p
	return id
}

func (t *Tracker) take(id uint64) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return p
}

// Complete delivers r to request id. It returns false, doing nothing, when
// the request already timed out or never existed.
func (t *Tracker) Complete(id uint64, r Response) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.timer.Stop()
	p.done(r)
	return true
}

// Cancel forgets request id without completing it.
func (t *Tracker) Cancel(id uint64) {
	if p := t.take(id); p != nil {
		p.timer.Stop()
	}
}

// Pending returns the number of outstanding requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

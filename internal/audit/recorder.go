// Package audit records security-relevant events to the sqlite store
// without ever blocking the event loop.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/termhub/internal/model"
)

// QueueDepth bounds the events waiting to be written.
const QueueDepth = 1024

// Store persists audit events.
type Store interface {
	Insert(ctx context.Context, e *model.AuditEvent) error
}

// Recorder queues events and writes them from its own goroutine. When the
// queue is full the event is dropped.
type Recorder struct {
	store   Store
	queue   chan model.AuditEvent
	done    chan struct{}
	once    sync.Once
	dropped uint64
	mu      sync.Mutex
}

// NewRecorder creates a recorder writing to store. Call Run to start it.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store: store,
		queue: make(chan model.AuditEvent, QueueDepth),
		done:  make(chan struct{}),
	}
}

// Record queues e. It never blocks.
func (r *Recorder) Record(e model.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- e:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		slog.Warn("audit: queue full, dropping event", "kind", e.Kind, "path", e.Path, "dropped", n)
	}
}

// Dropped reports how many events were discarded.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run writes queued events until ctx is cancelled or Close is called, then
// drains whatever is still queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			r.drain()
			return
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Insert(ctx, &e); err != nil {
		slog.Error("audit: failed to store event", "kind", e.Kind, "error", err)
	}
}

// Close stops Run. Later Record calls are ignored.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.done) })
}

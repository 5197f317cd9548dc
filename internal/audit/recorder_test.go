package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termhub/internal/db"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/repository"
)

type memStore struct {
	mu     sync.Mutex
	events []model.AuditEvent
	block  chan struct{}
	err    error
}

func (m *memStore) Insert(ctx context.Context, e *model.AuditEvent) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return m.err
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestRecorder_WritesEvents(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(model.AuditEvent{Kind: model.AuditOpen, Path: "alpha/tty1"})
	rec.Record(model.AuditEvent{Kind: model.AuditClose, Path: "alpha/tty1"})

	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.NotEmpty(t, store.events[0].ID)
	assert.False(t, store.events[0].CreatedAt.IsZero())
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	rec := NewRecorder(store)
	go rec.Run(context.Background())
	defer rec.Close()

	start := time.Now()
	for i := 0; i < QueueDepth+10; i++ {
		rec.Record(model.AuditEvent{Kind: model.AuditOpen})
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, rec.Dropped(), uint64(9))
	close(store.block)
}

func TestRecorder_StoreErrorDoesNotStop(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	rec := NewRecorder(store)
	go rec.Run(context.Background())
	defer rec.Close()

	rec.Record(model.AuditEvent{Kind: model.AuditKill})
	rec.Record(model.AuditEvent{Kind: model.AuditKill})
	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestRecorder_Sqlite(t *testing.T) {
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	defer testDB.Close()
	repo := repository.NewAuditRepository(testDB)

	rec := NewRecorder(repo)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	rec.Record(model.AuditEvent{Kind: model.AuditSteal, Path: "alpha/tty1", User: "bob"})
	rec.Close()
	<-done
	cancel()

	events, err := repo.List(context.Background(), repository.AuditFilter{User: "bob"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditSteal, events[0].Kind)
}

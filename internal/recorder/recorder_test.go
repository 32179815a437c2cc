package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/jobqueue"
	"jobqueue/internal/storage"
	logx "jobqueue/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	recs []storage.OutcomeRecord
	err  error
}

func (m *memStore) AppendOutcome(ctx context.Context, r storage.OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) RecentOutcomes(ctx context.Context, limit int) ([]storage.OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.OutcomeRecord, 0, len(m.recs))
	for i := len(m.recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.recs[i])
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func TestRecorderJournalsSettledJobs(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := &memStore{}
	rec := New(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	q := jobqueue.New(jobqueue.Config{MaxConcurrency: 1, Timeout: 30 * time.Millisecond}, logx.Nop(), bus)
	wait := func(h *jobqueue.Handle) {
		t.Helper()
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		_, _ = h.Wait(wctx)
	}
	wait(q.Submit(jobqueue.Job{Name: "ok", Run: func(ctx context.Context) (any, error) { return 1, nil }}))
	wait(q.Submit(jobqueue.Job{Name: "bad", Run: func(ctx context.Context) (any, error) { return nil, errors.New("bad") }}))
	wait(q.Submit(jobqueue.Job{Name: "slow", Run: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))
	q.Dispose()
	wait(q.Schedule(func(ctx context.Context) (any, error) { return nil, nil }))

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}

	got, _ := st.RecentOutcomes(context.Background(), 10)
	if len(got) != 3 {
		t.Fatalf("records = %+v, want 3 (ok, bad, slow)", got)
	}
	want := []string{"timeout", "failed", "succeeded"}
	for i, w := range want {
		if got[i].Outcome != w {
			t.Fatalf("record[%d].Outcome = %s, want %s", i, got[i].Outcome, w)
		}
	}
	if got[0].Error == "" || got[0].Name != "slow" {
		t.Fatalf("timeout record = %+v, want name slow with error", got[0])
	}
	if s := rec.Stats(); s.Written != 3 || s.Failed != 0 {
		t.Fatalf("Stats = %+v, want 3 written", s)
	}
}

func TestRecorderFlushesOnStop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := &memStore{}
	rec := New(st, bus, logx.Nop())

	// Published before Run starts; the subscription already exists.
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: jobqueue.EventRejected, Data: jobqueue.JobEvent{ID: "x", Error: "jobqueue has been disposed"}})
	}
	bus.Publish(eventbus.Event{Type: jobqueue.EventDispatched, Data: jobqueue.JobEvent{ID: "ignored"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if n := st.len(); n != 5 {
		t.Fatalf("records after flush = %d, want 5", n)
	}
}

func TestRecorderCountsWriteErrors(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := &memStore{err: errors.New("disk full")}
	rec := New(st, bus, logx.Nop())

	bus.Publish(eventbus.Event{Type: jobqueue.EventFailed, Data: jobqueue.JobEvent{ID: "a"}})
	bus.Publish(eventbus.Event{Type: jobqueue.EventFailed, Data: jobqueue.JobEvent{ID: "b"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = rec.Run(ctx)

	if s := rec.Stats(); s.Failed != 2 || s.Written != 0 {
		t.Fatalf("Stats = %+v, want 2 failed", s)
	}
}

func TestRecorderWithFileStore(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	rec := New(st, bus, logx.Nop())
	bus.Publish(eventbus.Event{Type: jobqueue.EventSucceeded, Time: time.Now(), Data: jobqueue.JobEvent{
		ID: "job-1", Name: "demo", QueueTime: 5 * time.Millisecond, ExecutionTime: 20 * time.Millisecond,
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = rec.Run(ctx)

	got, err := st.RecentOutcomes(context.Background(), 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("RecentOutcomes = %v, %v", got, err)
	}
	if got[0].QueueMS != 5 || got[0].ExecMS != 20 || got[0].Outcome != "succeeded" {
		t.Fatalf("record = %+v, want 5ms/20ms succeeded", got[0])
	}
}

package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/jobqueue"
	logx "jobqueue/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   ScheduleKind
		every  time.Duration
		cron   string
		source string
	}{
		{in: "*/5 * * * *", kind: ScheduleCron, cron: "*/5 * * * *", source: "cron"},
		{in: "*/2 * * * * *", kind: ScheduleCron, cron: "*/2 * * * * *", source: "cron"},
		{in: "@hourly", kind: ScheduleCron, cron: "@hourly", source: "cron"},
		{in: "@every 1500ms", kind: ScheduleInterval, every: 1500 * time.Millisecond, source: "duration"},
		{in: "55m", kind: ScheduleInterval, every: 55 * time.Minute, source: "duration"},
		{in: "00:50", kind: ScheduleInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "02:30", kind: ScheduleInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "interval: 250ms", kind: ScheduleInterval, every: 250 * time.Millisecond, source: "duration"},
		{in: "every:1h", kind: ScheduleInterval, every: time.Hour, source: "duration"},
		{in: "cron: 0 3 * * *", kind: ScheduleCron, cron: "0 3 * * *", source: "cron"},
		{in: "daily:07:05", kind: ScheduleCron, cron: "5 7 * * *", source: "daily"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error = %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %+v, want kind=%v every=%v cron=%q source=%q",
					tt.in, got, tt.kind, tt.every, tt.cron, tt.source)
			}
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "  ", "soon", "-5m", "0s", "00:00", "01:75", "daily:25:00", "cron:", "* * *", "@fortnightly"} {
		in := in
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			if got, err := ParseSchedule(in); err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", in, got)
			}
		})
	}
}

func TestScheduleSpec(t *testing.T) {
	t.Parallel()
	s, _ := ParseSchedule("90s")
	if got := s.Spec(); got != "@every 1m30s" {
		t.Fatalf("Spec() = %q, want @every 1m30s", got)
	}
}

func TestIntervalScheduleSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, spread := newIntervalSchedule(time.Minute, now, "w")
	if spread < 0 || spread >= time.Minute {
		t.Fatalf("spread = %v, want [0, 1m)", spread)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + spread); !first.Equal(want) {
		t.Fatalf("first Next = %v, want %v", first, want)
	}
	if got := sched.Next(first); !got.Equal(first.Add(time.Minute)) {
		t.Fatalf("second Next = %v, want %v", got, first.Add(time.Minute))
	}

	_, long := newIntervalSchedule(time.Hour, now, "w")
	if long >= maxStartupSpread {
		t.Fatalf("spread = %v, want < %v", long, maxStartupSpread)
	}
}

func TestWorkloadJob(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	w := Workload{Name: "w", FailEvery: 3, Work: 5 * time.Millisecond}

	for n := uint64(1); n <= 6; n++ {
		v, err := w.job(n, stop)(context.Background())
		if n%3 == 0 {
			if err == nil {
				t.Fatalf("job %d error = nil, want synthetic failure", n)
			}
			continue
		}
		if err != nil || v != n {
			t.Fatalf("job %d = %v, %v; want %d, nil", n, v, err, n)
		}
	}

	hang := Workload{Name: "h", Hang: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := hang.job(1, stop)(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("hanging job error = %v, want deadline exceeded", err)
	}

	close(stop)
	if _, err := hang.job(2, stop)(context.Background()); !errors.Is(err, errStopped) {
		t.Fatalf("hanging job after stop = %v, want errStopped", err)
	}
}

func newQueue(t *testing.T, cfg jobqueue.Config) *jobqueue.Queue {
	t.Helper()
	q := jobqueue.New(cfg, logx.Nop(), eventbus.New())
	t.Cleanup(q.Dispose)
	return q
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func statsFor(s *Service, name string) WorkloadStats {
	for _, st := range s.Workloads() {
		if st.Name == name {
			return st
		}
	}
	return WorkloadStats{}
}

func TestServiceFiresIntervalWorkloads(t *testing.T) {
	t.Parallel()
	q := newQueue(t, jobqueue.Config{MaxConcurrency: 4, Timeout: 40 * time.Millisecond})
	s := New(q, logx.Nop())
	err := s.Apply("UTC", []Workload{
		{Name: "fast", Schedule: "@every 30ms", Batch: 2, FailEvery: 2},
		{Name: "stuck", Schedule: "30ms", Hang: true},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.Start(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		f, st := statsFor(s, "fast"), statsFor(s, "stuck")
		return f.Succeeded >= 2 && f.Failed >= 2 && st.TimedOut >= 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f := statsFor(s, "fast")
	if f.Submitted != 2*f.Fired {
		t.Fatalf("fast submitted %d for %d fires, want batch of 2", f.Submitted, f.Fired)
	}
	if f.Schedule != "@every 30ms" {
		t.Fatalf("fast schedule = %q", f.Schedule)
	}
}

type recordingSubmitter struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSubmitter) Submit(j jobqueue.Job) *jobqueue.Handle {
	r.mu.Lock()
	r.names = append(r.names, j.Name)
	r.mu.Unlock()
	q := jobqueue.New(jobqueue.Config{}, logx.Nop(), nil)
	defer q.Dispose()
	return q.Submit(j)
}

func TestServiceFireNamesJobs(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	s := New(sub, logx.Nop())
	if err := s.Apply("", []Workload{{Name: " batch ", Schedule: "1h", Batch: 3}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.mu.Lock()
	d := s.defs[0]
	s.mu.Unlock()
	s.fire(d)

	sub.mu.Lock()
	got := strings.Join(sub.names, ",")
	sub.mu.Unlock()
	if got != "batch#1,batch#2,batch#3" {
		t.Fatalf("submitted = %s, want batch#1..3", got)
	}
}

func TestServiceApply(t *testing.T) {
	t.Parallel()
	q := newQueue(t, jobqueue.Config{})
	s := New(q, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Apply("", []Workload{{Name: "a", Schedule: "1h"}, {Name: "b", Schedule: "*/5 * * * *"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.mu.Lock()
	s.defs[0].stats.fired.Add(7)
	s.mu.Unlock()

	if err := s.Apply("", []Workload{{Name: "a", Schedule: "2h"}, {Name: "c", Schedule: "nope"}}); err == nil {
		t.Fatalf("Apply with bad schedule error = nil")
	}
	if got := len(s.Workloads()); got != 2 {
		t.Fatalf("workloads after rejected Apply = %d, want 2", got)
	}

	if err := s.Apply("UTC", []Workload{{Name: "a", Schedule: "2h"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ws := s.Workloads()
	if len(ws) != 1 || ws[0].Name != "a" || ws[0].Schedule != "@every 2h0m0s" {
		t.Fatalf("Workloads = %+v, want only a every 2h", ws)
	}
	if ws[0].Fired != 7 {
		t.Fatalf("Fired = %d, want counters carried over", ws[0].Fired)
	}
	if ws[0].Next.IsZero() {
		t.Fatalf("Next is zero for a registered workload")
	}
	s.mu.Lock()
	entries := len(s.c.Entries())
	s.mu.Unlock()
	if entries != 1 {
		t.Fatalf("cron entries = %d, want 1", entries)
	}
}

func TestServiceApplyDuplicate(t *testing.T) {
	t.Parallel()
	s := New(&recordingSubmitter{}, logx.Nop())
	err := s.Apply("", []Workload{{Name: "a", Schedule: "1h"}, {Name: "a", Schedule: "2h"}, {Schedule: "1h"}})
	if err == nil || !strings.Contains(err.Error(), "duplicate") || !strings.Contains(err.Error(), "name required") {
		t.Fatalf("Apply error = %v, want duplicate and missing name", err)
	}
}

func TestServiceStopSkipsLateFires(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	s := New(sub, logx.Nop())
	_ = s.Apply("", []Workload{{Name: "a", Schedule: "1h"}})
	s.Start(context.Background())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.fire(s.defs[0])
	if len(sub.names) != 0 {
		t.Fatalf("fire after Stop submitted %v", sub.names)
	}
}

func TestServiceHaltsWhenStartContextDone(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	s := New(sub, logx.Nop())
	_ = s.Apply("", []Workload{{Name: "a", Schedule: "1h"}})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.stopMu.Lock()
		halted := s.stop == nil
		s.stopMu.Unlock()
		if halted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cron still running after Start context was canceled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.fire(s.defs[0])
	if len(sub.names) != 0 {
		t.Fatalf("fire after cancel submitted %v", sub.names)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after halt: %v", err)
	}
}

package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobqueue/internal/jobqueue"
	logx "jobqueue/pkg/logx"
)

// Submitter is the part of the queue the trigger feeds.
type Submitter interface {
	Submit(j jobqueue.Job) *jobqueue.Handle
}

// Service fires workloads on their schedules and submits their jobs.
type Service struct {
	log logx.Logger
	q   Submitter

	mu   sync.Mutex
	tz   string
	loc  *time.Location
	c    *cron.Cron
	defs []*workloadDef

	// stopMu guards stop and wg.Add; it is never held while waiting on cron.
	stopMu sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(q Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, q: q}
}

// Apply replaces the workload set. Nothing changes if any workload is
// invalid. Counters carry over for workloads that keep their name.
func (s *Service) Apply(tz string, workloads []Workload) error {
	next := make([]*workloadDef, 0, len(workloads))
	seen := map[string]bool{}
	var errs []error
	for _, w := range workloads {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			errs = append(errs, errors.New("workload name required"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("workload %q: duplicate name", name))
			continue
		}
		seen[name] = true
		sched, err := ParseSchedule(w.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("workload %q: %w", name, err))
			continue
		}
		w.Name = name
		next = append(next, &workloadDef{w: w, sched: sched})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := map[string]*counters{}
	for _, d := range s.defs {
		prev[d.name()] = d.stats
		if s.c != nil {
			s.c.Remove(d.entryID)
		}
	}
	for _, d := range next {
		if st, ok := prev[d.name()]; ok {
			d.stats = st
		} else {
			d.stats = &counters{}
		}
	}
	s.defs = next

	tzChanged := strings.TrimSpace(tz) != strings.TrimSpace(s.tz)
	s.tz = tz
	if s.c == nil {
		return nil
	}
	if tzChanged {
		s.restartLocked()
		return nil
	}
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.log.Info("workloads applied", logx.Int("workloads", len(s.defs)))
	return nil
}

// Start begins firing. It is a no-op when already running. Firing halts
// when ctx is done; Stop is still needed to wait for in-flight jobs.
func (s *Service) Start(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	var stop chan struct{}
	s.stopMu.Lock()
	if s.stop == nil {
		s.stop = make(chan struct{})
		stop = s.stop
	}
	s.stopMu.Unlock()

	s.mu.Lock()
	if s.c == nil {
		s.startLocked()
		s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("workloads", len(s.defs)))
	}
	s.mu.Unlock()

	// Watch only after the cron is up so an early cancel still stops it.
	if stop != nil {
		go s.haltOnDone(ctx, stop)
	}
}

func (s *Service) haltOnDone(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		s.halt(context.Background())
		s.log.Info("trigger halted", logx.Err(ctx.Err()))
	case <-stop:
	}
}

// halt stops the cron and releases hanging jobs without waiting for them.
func (s *Service) halt(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.stopMu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.stopMu.Unlock()
}

// Stop halts firing, releases hanging jobs and waits for in-flight
// observers until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.halt(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Workloads reports per-workload counters sorted by name.
func (s *Service) Workloads() []WorkloadStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkloadStats, 0, len(s.defs))
	for _, d := range s.defs {
		st := d.snapshot()
		if s.c != nil && d.entryID != 0 {
			st.Next = s.c.Entry(d.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.startLocked()
	s.log.Info("trigger restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) addLocked(d *workloadDef) {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.sched.Kind == ScheduleInterval {
		sched, spread := newIntervalSchedule(d.sched.Every, time.Now().In(s.loc), d.name())
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("workload registered",
			logx.String("workload", d.name()),
			logx.String("schedule", d.sched.Spec()),
			logx.Duration("startup_spread", spread),
		)
		return
	}
	id, err := s.c.AddJob(d.sched.Cron, job)
	if err != nil {
		s.log.Warn("workload not registered", logx.String("workload", d.name()), logx.Err(err))
		d.entryID = 0
		return
	}
	d.entryID = id
	s.log.Debug("workload registered",
		logx.String("workload", d.name()),
		logx.String("schedule", d.sched.Spec()),
		logx.Time("next", s.c.Entry(id).Next),
	)
}

// fire submits one batch for d.
func (s *Service) fire(d *workloadDef) {
	s.stopMu.Lock()
	stop := s.stop
	if stop == nil {
		s.stopMu.Unlock()
		return
	}
	batch := d.w.batch()
	s.wg.Add(batch)
	s.stopMu.Unlock()

	d.stats.fired.Add(1)
	for i := 0; i < batch; i++ {
		n := d.seq.Add(1)
		h := s.q.Submit(jobqueue.Job{
			Name: fmt.Sprintf("%s#%d", d.name(), n),
			Run:  d.w.job(n, stop),
		})
		d.stats.submitted.Add(1)
		go s.observe(d, h, stop)
	}
}

func (s *Service) observe(d *workloadDef, h *jobqueue.Handle, stop <-chan struct{}) {
	defer s.wg.Done()
	select {
	case <-h.Done():
	case <-stop:
		// Jobs still queued settle on dispose; nobody is left to count them.
		if !h.Settled() {
			return
		}
	}
	res, err := h.Wait(context.Background())
	d.settle(err)
	if err != nil {
		s.log.Debug("load job settled",
			logx.String("job", h.Name()),
			logx.Int64("queue_ms", res.QueueTimeMs()),
			logx.Err(err),
		)
		return
	}
	s.log.Trace("load job settled",
		logx.String("job", h.Name()),
		logx.Int64("queue_ms", res.QueueTimeMs()),
		logx.Int64("exec_ms", res.ExecutionTimeMs()),
	)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

package jobqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobqueue/internal/eventbus"
	logx "jobqueue/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Queue schedules jobs under a concurrency cap, a rate limit and a timeout.
// It is safe for concurrent use.
type Queue struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu       sync.Mutex
	cfg      Config
	backlog  *backlog
	active   int
	disposed bool
	limiter  limiter

	// Pending rate-limit wake-up. retryGen invalidates timers that lost a
	// race with Stop.
	retry    *time.Timer
	retryAt  time.Time
	retryGen uint64

	idle       chan struct{}
	idleClosed bool

	hist history
	seq  uint64

	enqueued   uint64
	dispatched uint64
	succeeded  uint64
	failed     uint64
	timedOut   uint64
	rejected   uint64

	lastThrottleWarnAt time.Time
}

type queuedJob struct {
	id         string
	name       string
	seq        uint64
	run        Func
	enqueuedAt time.Time
	handle     *Handle
}

// New creates a Queue. log and bus may be zero/nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		log:     log,
		bus:     bus,
		now:     time.Now,
		cfg:     cfg,
		backlog: newBacklog(0),
		idle:    make(chan struct{}),
	}
	close(q.idle)
	q.idleClosed = true
	q.hist.size = cfg.HistorySize
	q.limiter = newLimiter(cfg.RateAlgorithm, cfg.RateLimit, cfg.RateWindow, q.now())
	q.logLimiter(cfg)
	return q
}

// Submit admits j at the tail of the backlog and returns its Handle.
//
// After Dispose, or when j.Run is nil, the Handle is already settled with
// ErrDisposed or ErrNilFunc and nothing is queued.
func (q *Queue) Submit(j Job) *Handle {
	name := strings.TrimSpace(j.Name)
	id := uuid.NewString()
	if j.Run == nil {
		return failedHandle(id, name, ErrNilFunc)
	}

	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		q.log.Debug("job rejected: queue disposed", logx.String("job", name), logx.String("id", id))
		return failedHandle(id, name, ErrDisposed)
	}
	q.seq++
	qj := &queuedJob{
		id:         id,
		name:       name,
		seq:        q.seq,
		run:        j.Run,
		enqueuedAt: q.now(),
		handle:     newHandle(id, name),
	}
	q.backlog.Push(qj)
	q.enqueued++
	q.publishLocked(EventEnqueued, qj.enqueuedAt, qj.event(0, 0, nil))
	q.pumpLocked()
	q.updateIdleLocked()
	q.mu.Unlock()
	return qj.handle
}

// Schedule submits an unnamed job.
func (q *Queue) Schedule(fn Func) *Handle {
	return q.Submit(Job{Run: fn})
}

// ScheduleArgs binds args to fn now and submits the result.
func (q *Queue) ScheduleArgs(fn ArgsFunc, args ...any) *Handle {
	return q.Submit(Job{Run: fn.Bind(args...)})
}

// Do submits fn and waits for it. The returned value is typed; Result carries
// the timings. A ctx that ends first only stops the wait.
func Do[T any](ctx context.Context, q *Queue, name string, fn func(ctx context.Context) (T, error)) (T, Result, error) {
	var zero T
	if fn == nil {
		return zero, Result{}, ErrNilFunc
	}
	h := q.Submit(Job{Name: name, Run: func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	}})
	res, err := h.Wait(ctx)
	if err != nil {
		return zero, res, err
	}
	v, _ := res.Value.(T)
	return v, res, nil
}

// Dispose rejects every queued job with ErrDisposed and blocks future
// admission. Running jobs are left alone. Calling it again does nothing.
func (q *Queue) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.stopRetryLocked()

	now := q.now()
	pending := q.backlog.Drain()
	for _, j := range pending {
		res := Result{ID: j.id, Name: j.name, QueueTime: now.Sub(j.enqueuedAt)}
		j.handle.settle(res, ErrDisposed)
		q.rejected++
		q.hist.add(HistoryItem{ID: j.id, Name: j.name, EnqueuedAt: j.enqueuedAt, QueueTime: res.QueueTime, Outcome: OutcomeRejected, Error: ErrDisposed.Error()})
		q.publishLocked(EventRejected, now, j.event(res.QueueTime, 0, ErrDisposed))
	}
	active := q.active
	q.publishLocked(EventDisposed, now, nil)
	q.updateIdleLocked()
	q.mu.Unlock()

	q.log.Info("queue disposed", logx.Int("rejected", len(pending)), logx.Int("active", active))
}

// Drain waits until the backlog is empty and no job is running, or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Disposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}

// QueueSize returns the number of jobs waiting for dispatch.
func (q *Queue) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Len()
}

// ActiveCount returns the number of dispatched jobs that have not settled.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) ConcurrencyLimit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.MaxConcurrency
}

// RateLimit returns the dispatches allowed per window, or Unlimited.
func (q *Queue) RateLimit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.RateLimit
}

func (q *Queue) RateWindow() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.RateWindow
}

func (q *Queue) RateAlgorithm() RateAlgorithm {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.RateAlgorithm
}

// TimeoutLimit returns the per-job timeout; 0 means none.
func (q *Queue) TimeoutLimit() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.Timeout
}

// SetConcurrencyLimit changes the cap for future dispatches. Lowering it below
// ActiveCount is allowed; dispatch resumes once enough jobs settle.
func (q *Queue) SetConcurrencyLimit(n int) error {
	if n <= 0 {
		return ErrInvalidConcurrency
	}
	q.mu.Lock()
	q.cfg.MaxConcurrency = n
	q.pumpLocked()
	q.updateIdleLocked()
	q.mu.Unlock()
	return nil
}

// SetRateLimit changes the dispatches allowed per window. n <= 0 lifts the limit.
func (q *Queue) SetRateLimit(n int) {
	if n <= 0 {
		n = Unlimited
	}
	q.mu.Lock()
	q.cfg.RateLimit = n
	q.limiter.configure(n, q.cfg.RateWindow, q.now())
	q.pumpLocked()
	q.updateIdleLocked()
	q.mu.Unlock()
}

func (q *Queue) SetRateWindow(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidWindow
	}
	q.mu.Lock()
	q.cfg.RateWindow = d
	q.limiter.configure(q.cfg.RateLimit, d, q.now())
	q.pumpLocked()
	q.updateIdleLocked()
	q.mu.Unlock()
	return nil
}

// SetTimeoutLimit changes the timeout for jobs dispatched from now on.
// d <= 0 disables it. Running jobs keep the timeout they started with.
func (q *Queue) SetTimeoutLimit(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.mu.Lock()
	q.cfg.Timeout = d
	q.mu.Unlock()
}

// Apply replaces all limits at once. Zero fields take defaults, as in New.
// Switching RateAlgorithm starts the new limiter with a fresh window.
func (q *Queue) Apply(cfg Config) error {
	if cfg.RateWindow < 0 {
		return ErrInvalidWindow
	}
	if cfg.MaxConcurrency < 0 {
		return ErrInvalidConcurrency
	}
	cfg = cfg.withDefaults()

	q.mu.Lock()
	prev := q.cfg
	q.cfg = cfg
	q.hist.size = cfg.HistorySize
	if prev.RateAlgorithm != cfg.RateAlgorithm {
		q.limiter = newLimiter(cfg.RateAlgorithm, cfg.RateLimit, cfg.RateWindow, q.now())
	} else {
		q.limiter.configure(cfg.RateLimit, cfg.RateWindow, q.now())
	}
	q.pumpLocked()
	q.updateIdleLocked()
	q.mu.Unlock()

	if prev.RateAlgorithm != cfg.RateAlgorithm || prev.RateLimit != cfg.RateLimit {
		q.logLimiter(cfg)
	}
	return nil
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Disposed:         q.disposed,
		QueueSize:        q.backlog.Len(),
		Active:           q.active,
		ConcurrencyLimit: q.cfg.MaxConcurrency,
		RateLimit:        q.cfg.RateLimit,
		RateWindow:       q.cfg.RateWindow,
		RateAlgorithm:    q.cfg.RateAlgorithm,
		Timeout:          q.cfg.Timeout,
		ThrottledUntil:   q.retryAt,
		Enqueued:         q.enqueued,
		Dispatched:       q.dispatched,
		Succeeded:        q.succeeded,
		Failed:           q.failed,
		TimedOut:         q.timedOut,
		Rejected:         q.rejected,
		History:          q.hist.snapshot(),
	}
}

func (q *Queue) logLimiter(cfg Config) {
	if cfg.RateLimit <= 0 {
		q.log.Debug("rate limit disabled")
		return
	}
	if cfg.RateAlgorithm == RateInterval {
		q.log.Info("rate limiter uses interval spacing instead of fixed window",
			logx.Int("rate_limit", cfg.RateLimit),
			logx.Duration("window", cfg.RateWindow),
			logx.Duration("spacing", cfg.RateWindow/time.Duration(cfg.RateLimit)),
		)
		return
	}
	q.log.Debug("rate limiter uses fixed window", logx.Int("rate_limit", cfg.RateLimit), logx.Duration("window", cfg.RateWindow))
}

func (j *queuedJob) event(queueTime, execTime time.Duration, err error) JobEvent {
	ev := JobEvent{
		ID:            j.id,
		Name:          j.name,
		Seq:           j.seq,
		EnqueuedAt:    j.enqueuedAt,
		QueueTime:     queueTime,
		ExecutionTime: execTime,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// publishLocked keeps event order identical to state transitions. Publish
// never blocks, so holding the lock is fine.
func (q *Queue) publishLocked(typ string, at time.Time, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

package jobqueue

import (
	"context"
	"time"
)

const (
	DefaultMaxConcurrency = 1000
	DefaultRateWindow     = 60 * time.Second
	DefaultTimeout        = 12 * time.Second
	DefaultHistorySize    = 200

	// Unlimited disables rate limiting. Any RateLimit <= 0 is treated the same.
	Unlimited = -1
)

// RateAlgorithm selects how RateLimit is enforced within RateWindow.
type RateAlgorithm int

const (
	// RateFixedWindow allows up to RateLimit dispatches per fixed window, in bursts.
	RateFixedWindow RateAlgorithm = iota
	// RateInterval spaces dispatches evenly, one every RateWindow/RateLimit.
	RateInterval
)

func (a RateAlgorithm) String() string {
	switch a {
	case RateFixedWindow:
		return "window"
	case RateInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Config controls a Queue.
//
// Zero values are replaced by defaults in New. That includes Timeout: a zero
// Timeout means DefaultTimeout, not "no timeout". Set Timeout to NoTimeout for
// a queue whose jobs may run forever, or call SetTimeoutLimit(0) later.
type Config struct {
	// MaxConcurrency caps simultaneously running jobs.
	MaxConcurrency int

	// RateLimit is the maximum number of dispatches per RateWindow.
	// Unlimited (or any value <= 0) disables rate limiting.
	RateLimit     int
	RateWindow    time.Duration
	RateAlgorithm RateAlgorithm

	// Timeout bounds how long a dispatched job may run before it is failed.
	// Zero means DefaultTimeout; NoTimeout (or any negative value) disables it.
	Timeout time.Duration

	HistorySize int
}

// NoTimeout disables per-job timeouts when used as Config.Timeout.
const NoTimeout time.Duration = -1

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.RateLimit <= 0 {
		c.RateLimit = Unlimited
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RateAlgorithm != RateFixedWindow && c.RateAlgorithm != RateInterval {
		c.RateAlgorithm = RateFixedWindow
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Func is a unit of work with its arguments already bound.
//
// ctx is canceled when the job times out. Honoring it is optional: the queue
// frees the slot and fails the job either way.
type Func func(ctx context.Context) (any, error)

// ArgsFunc is work that takes its arguments at dispatch time.
type ArgsFunc func(ctx context.Context, args ...any) (any, error)

// Bind captures args and returns the equivalent Func.
func (fn ArgsFunc) Bind(args ...any) Func {
	if fn == nil {
		return nil
	}
	bound := append([]any(nil), args...)
	return func(ctx context.Context) (any, error) {
		return fn(ctx, bound...)
	}
}

// Job is what callers submit. Name is optional and only used for diagnostics.
type Job struct {
	Name string
	Run  Func
}

// Result is the success payload delivered through a Handle.
type Result struct {
	ID    string
	Name  string
	Value any

	// QueueTime is the time between admission and dispatch.
	QueueTime time.Duration
	// ExecutionTime is the time between dispatch and settlement.
	ExecutionTime time.Duration
}

func (r Result) QueueTimeMs() int64     { return r.QueueTime.Milliseconds() }
func (r Result) ExecutionTimeMs() int64 { return r.ExecutionTime.Milliseconds() }

// Outcome labels how a job settled.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRejected  Outcome = "rejected"
)

type HistoryItem struct {
	ID            string
	Name          string
	EnqueuedAt    time.Time
	QueueTime     time.Duration
	ExecutionTime time.Duration
	Outcome       Outcome
	Error         string
}

// Event types published on the bus.
const (
	EventEnqueued   = "job.enqueued"
	EventDispatched = "job.dispatched"
	EventSucceeded  = "job.succeeded"
	EventFailed     = "job.failed"
	EventTimeout    = "job.timeout"
	EventRejected   = "job.rejected"
	EventThrottled  = "queue.throttled"
	EventDisposed   = "queue.disposed"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Seq           uint64        `json:"seq"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	QueueTime     time.Duration `json:"queue_time"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}

// ThrottleEvent is the payload of queue.throttled.
type ThrottleEvent struct {
	Backlog int           `json:"backlog"`
	Wait    time.Duration `json:"wait"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Disposed bool

	QueueSize        int
	Active           int
	ConcurrencyLimit int
	RateLimit        int
	RateWindow       time.Duration
	RateAlgorithm    RateAlgorithm
	Timeout          time.Duration
	ThrottledUntil   time.Time

	Enqueued   uint64
	Dispatched uint64
	Succeeded  uint64
	Failed     uint64
	TimedOut   uint64
	Rejected   uint64

	History []HistoryItem
}

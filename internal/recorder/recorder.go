// Package recorder journals settled jobs from the event bus into storage.
package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/jobqueue"
	"jobqueue/internal/storage"
	logx "jobqueue/pkg/logx"
)

const (
	bufferSize        = 512
	writeTimeout      = 2 * time.Second
	flushTimeout      = 3 * time.Second
	warnThrottleEvery = 5 * time.Second
)

// Recorder subscribes on construction so no settlement published after New is
// missed, even before Run starts.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	written atomic.Uint64
	failed  atomic.Uint64

	lastWarnAt time.Time
}

type Stats struct {
	Written uint64
	Failed  uint64
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.SubscribeTypes(bufferSize,
		jobqueue.EventSucceeded,
		jobqueue.EventFailed,
		jobqueue.EventTimeout,
		jobqueue.EventRejected,
	)
	return &Recorder{store: store, log: log, events: events, unsub: unsub}
}

// Run writes events until ctx is done, then flushes what is already buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Failed: r.failed.Load()}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.record(ctx, ev)
			n++
		default:
			if n > 0 {
				r.log.Debug("recorder flushed", logx.Int("events", n))
			}
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	rec, ok := toRecord(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := r.store.AppendOutcome(wctx, rec)
	cancel()
	if err == nil {
		r.written.Add(1)
		return
	}
	r.failed.Add(1)
	now := time.Now()
	if r.lastWarnAt.IsZero() || now.Sub(r.lastWarnAt) >= warnThrottleEvery {
		r.lastWarnAt = now
		r.log.Warn("outcome write failed",
			logx.String("job", rec.Name),
			logx.String("id", rec.JobID),
			logx.Uint64("failed_total", r.failed.Load()),
			logx.Err(err),
		)
	}
}

func toRecord(ev eventbus.Event) (storage.OutcomeRecord, bool) {
	je, ok := ev.Data.(jobqueue.JobEvent)
	if !ok {
		return storage.OutcomeRecord{}, false
	}
	var outcome jobqueue.Outcome
	switch ev.Type {
	case jobqueue.EventSucceeded:
		outcome = jobqueue.OutcomeSucceeded
	case jobqueue.EventFailed:
		outcome = jobqueue.OutcomeFailed
	case jobqueue.EventTimeout:
		outcome = jobqueue.OutcomeTimeout
	case jobqueue.EventRejected:
		outcome = jobqueue.OutcomeRejected
	default:
		return storage.OutcomeRecord{}, false
	}
	return storage.OutcomeRecord{
		At:      ev.Time,
		JobID:   je.ID,
		Name:    je.Name,
		Outcome: string(outcome),
		QueueMS: je.QueueTime.Milliseconds(),
		ExecMS:  je.ExecutionTime.Milliseconds(),
		Error:   je.Error,
	}, true
}

package jobqueue

import (
	"context"
	"runtime/debug"
	"time"

	logx "jobqueue/pkg/logx"
)

type outcome struct {
	value    any
	err      error
	timedOut bool
}

// pumpLocked dispatches from the head of the backlog until a gate closes.
// The rate gate is consulted only after the concurrency gate has passed, so a
// job that cannot run does not consume a rate slot.
func (q *Queue) pumpLocked() {
	for !q.disposed && q.backlog.Len() > 0 && q.active < q.cfg.MaxConcurrency {
		now := q.now()
		if wait := q.limiter.reserve(now); wait > 0 {
			q.throttleLocked(now, wait)
			return
		}
		j, _ := q.backlog.Pop()
		q.active++
		q.dispatched++
		q.publishLocked(EventDispatched, now, j.event(now.Sub(j.enqueuedAt), 0, nil))
		go q.run(j, now, q.cfg.Timeout)
	}
}

// throttleLocked arms a single wake-up for when the rate gate reopens. An
// already armed timer is kept unless the new wait ends sooner.
func (q *Queue) throttleLocked(now time.Time, wait time.Duration) {
	at := now.Add(wait)
	if q.retry != nil && !q.retryAt.After(at) {
		return
	}
	q.stopRetryLocked()
	q.retryGen++
	gen := q.retryGen
	q.retryAt = at
	q.retry = time.AfterFunc(wait, func() { q.onRetry(gen) })

	backlog := q.backlog.Len()
	q.publishLocked(EventThrottled, now, ThrottleEvent{Backlog: backlog, Wait: wait})
	if q.lastThrottleWarnAt.IsZero() || now.Sub(q.lastThrottleWarnAt) >= warnThrottleEvery {
		q.lastThrottleWarnAt = now
		q.log.Warn("rate limit reached; dispatch paused",
			logx.Int("backlog", backlog),
			logx.Duration("wait", wait),
			logx.Int("rate_limit", q.cfg.RateLimit),
			logx.Duration("window", q.cfg.RateWindow),
		)
	}
}

func (q *Queue) stopRetryLocked() {
	if q.retry != nil {
		q.retry.Stop()
	}
	q.retry = nil
	q.retryAt = time.Time{}
}

func (q *Queue) onRetry(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.retryGen {
		return
	}
	q.retry = nil
	q.retryAt = time.Time{}
	q.pumpLocked()
	q.updateIdleLocked()
}

// run supervises one dispatched job. The work runs in its own goroutine so the
// timeout can win while the work is still busy; its late result is dropped.
func (q *Queue) run(j *queuedJob, dispatchedAt time.Time, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.log.Debug("job.started",
		logx.String("job", j.name),
		logx.String("id", j.id),
		logx.Duration("queue_time", dispatchedAt.Sub(j.enqueuedAt)),
	)

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
			done <- o
		}()
		o.value, o.err = j.run(ctx)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var o outcome
	select {
	case o = <-done:
	case <-expired:
		o = outcome{err: &TimeoutError{Limit: timeout}, timedOut: true}
	}
	q.finish(j, dispatchedAt, o)
}

// finish releases the slot and settles the handle in one step, then pumps.
func (q *Queue) finish(j *queuedJob, dispatchedAt time.Time, o outcome) {
	q.mu.Lock()
	now := q.now()
	res := Result{
		ID:            j.id,
		Name:          j.name,
		QueueTime:     dispatchedAt.Sub(j.enqueuedAt),
		ExecutionTime: now.Sub(dispatchedAt),
	}

	q.active--
	var (
		kind Outcome
		typ  string
	)
	switch {
	case o.timedOut:
		kind, typ = OutcomeTimeout, EventTimeout
		q.timedOut++
	case o.err != nil:
		kind, typ = OutcomeFailed, EventFailed
		q.failed++
	default:
		kind, typ = OutcomeSucceeded, EventSucceeded
		res.Value = o.value
		q.succeeded++
	}
	j.handle.settle(res, o.err)

	item := HistoryItem{
		ID:            j.id,
		Name:          j.name,
		EnqueuedAt:    j.enqueuedAt,
		QueueTime:     res.QueueTime,
		ExecutionTime: res.ExecutionTime,
		Outcome:       kind,
	}
	if o.err != nil {
		item.Error = o.err.Error()
	}
	q.hist.add(item)
	q.publishLocked(typ, now, j.event(res.QueueTime, res.ExecutionTime, o.err))

	q.pumpLocked()
	q.updateIdleLocked()
	q.mu.Unlock()

	q.logFinish(j, res, kind, o.err)
}

func (q *Queue) logFinish(j *queuedJob, res Result, kind Outcome, err error) {
	fields := []logx.Field{
		logx.String("job", j.name),
		logx.String("id", j.id),
		logx.Duration("queue_time", res.QueueTime),
		logx.Duration("execution_time", res.ExecutionTime),
	}
	switch kind {
	case OutcomeSucceeded:
		q.log.Debug("job.completed", fields...)
	case OutcomeTimeout:
		q.log.Warn("job.timeout", append(fields, logx.Err(err))...)
	default:
		if pe, ok := err.(*PanicError); ok {
			q.log.Error("job.panic", append(fields, logx.Any("panic", pe.Value), logx.Stack(pe.Stack))...)
			return
		}
		q.log.Warn("job.failed", append(fields, logx.Err(err))...)
	}
}

// updateIdleLocked keeps q.idle closed exactly while nothing is queued or running.
func (q *Queue) updateIdleLocked() {
	busy := q.active > 0 || q.backlog.Len() > 0
	switch {
	case busy && q.idleClosed:
		q.idle = make(chan struct{})
		q.idleClosed = false
	case !busy && !q.idleClosed:
		close(q.idle)
		q.idleClosed = true
	}
}

package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobqueue/internal/jobqueue"
)

var errStopped = errors.New("trigger stopped")

// Workload is one synthetic load source.
type Workload struct {
	Name     string
	Schedule string

	// Batch jobs are submitted per fire. 0 means 1.
	Batch int
	// Work is how long each job sleeps before returning.
	Work time.Duration
	// FailEvery makes every Nth job of this workload fail. 0 never fails.
	FailEvery int
	// Hang makes jobs block until their context is canceled (e.g. by the
	// queue timeout) or the trigger stops.
	Hang bool
}

func (w Workload) batch() int {
	if w.Batch <= 0 {
		return 1
	}
	return w.Batch
}

// job builds the work for the nth job of w.
func (w Workload) job(n uint64, stop <-chan struct{}) jobqueue.Func {
	return func(ctx context.Context) (any, error) {
		if w.Hang {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stop:
				return nil, errStopped
			}
		}
		if w.Work > 0 {
			t := time.NewTimer(w.Work)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stop:
				return nil, errStopped
			}
		}
		if w.FailEvery > 0 && n%uint64(w.FailEvery) == 0 {
			return nil, fmt.Errorf("%s: synthetic failure #%d", w.Name, n)
		}
		return n, nil
	}
}

// WorkloadStats counts what a workload produced and how its jobs settled.
type WorkloadStats struct {
	Name     string
	Schedule string
	Next     time.Time

	Fired     uint64
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	TimedOut  uint64
	Rejected  uint64
}

type counters struct {
	fired     atomic.Uint64
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	rejected  atomic.Uint64
}

type workloadDef struct {
	w       Workload
	sched   Schedule
	entryID cron.EntryID
	spread  time.Duration

	seq   atomic.Uint64
	stats *counters
}

func (d *workloadDef) name() string { return strings.TrimSpace(d.w.Name) }

func (d *workloadDef) settle(err error) {
	switch {
	case err == nil:
		d.stats.succeeded.Add(1)
	case jobqueue.IsTimeout(err):
		d.stats.timedOut.Add(1)
	case jobqueue.IsDisposed(err):
		d.stats.rejected.Add(1)
	default:
		d.stats.failed.Add(1)
	}
}

func (d *workloadDef) snapshot() WorkloadStats {
	return WorkloadStats{
		Name:      d.name(),
		Schedule:  d.sched.Spec(),
		Fired:     d.stats.fired.Load(),
		Submitted: d.stats.submitted.Load(),
		Succeeded: d.stats.succeeded.Load(),
		Failed:    d.stats.failed.Load(),
		TimedOut:  d.stats.timedOut.Load(),
		Rejected:  d.stats.rejected.Load(),
	}
}

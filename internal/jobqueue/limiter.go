package jobqueue

import (
	"time"

	"golang.org/x/time/rate"
)

// limiter decides whether a dispatch may happen now.
//
// reserve returns 0 and consumes one dispatch, or returns how long to wait
// before the next dispatch may happen and consumes nothing.
// Implementations are not goroutine-safe; Queue calls them under its mutex.
type limiter interface {
	reserve(now time.Time) time.Duration
	configure(limit int, window time.Duration, now time.Time)
}

func newLimiter(alg RateAlgorithm, limit int, window time.Duration, now time.Time) limiter {
	var l limiter
	switch alg {
	case RateInterval:
		l = &intervalLimiter{}
	default:
		l = &windowLimiter{}
	}
	l.configure(limit, window, now)
	return l
}

// windowLimiter counts dispatches in a fixed window that starts at the first
// dispatch attempt after the previous window expired.
type windowLimiter struct {
	limit  int
	window time.Duration

	start time.Time
	count int
}

func (l *windowLimiter) configure(limit int, window time.Duration, _ time.Time) {
	l.limit = limit
	l.window = window
}

func (l *windowLimiter) reserve(now time.Time) time.Duration {
	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	if l.limit > 0 && l.count >= l.limit {
		return l.start.Add(l.window).Sub(now)
	}
	l.count++
	return 0
}

// intervalLimiter enforces a minimum spacing of window/limit between
// dispatches using a token bucket with burst 1.
type intervalLimiter struct {
	lim *rate.Limiter
}

func (l *intervalLimiter) configure(limit int, window time.Duration, now time.Time) {
	if limit <= 0 {
		l.lim = nil
		return
	}
	every := rate.Every(window / time.Duration(limit))
	if l.lim == nil {
		l.lim = rate.NewLimiter(every, 1)
		return
	}
	l.lim.SetLimitAt(now, every)
}

func (l *intervalLimiter) reserve(now time.Time) time.Duration {
	if l.lim == nil {
		return 0
	}
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Millisecond
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

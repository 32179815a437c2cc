package trigger

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// intervalSchedule fires every period. The first fire is pushed back by a
// random spread so workloads registered together do not fire in lockstep.
type intervalSchedule struct {
	every time.Duration
	first time.Time
}

var _ cron.Schedule = (*intervalSchedule)(nil)

func (s *intervalSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return t.Add(s.every)
}

var spreadSeq atomic.Uint64

func newIntervalSchedule(every time.Duration, now time.Time, tag string) (*intervalSchedule, time.Duration) {
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return &intervalSchedule{every: every}, 0
	}
	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(tag))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax)))
	return &intervalSchedule{every: every, first: now.Add(every + jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

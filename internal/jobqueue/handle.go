package jobqueue

import (
	"context"
	"sync"
)

// Handle is the caller's view of a submitted job. It settles exactly once.
type Handle struct {
	id   string
	name string

	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

func newHandle(id, name string) *Handle {
	return &Handle{id: id, name: name, done: make(chan struct{})}
}

// failedHandle returns a Handle that is already settled with err.
func failedHandle(id, name string, err error) *Handle {
	h := newHandle(id, name)
	h.settle(Result{ID: id, Name: name}, err)
	return h
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

// Done is closed once the job has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job settles or ctx is done.
//
// A canceled ctx only stops waiting; the job itself keeps its place and
// still settles.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return Result{ID: h.id, Name: h.name}, ctx.Err()
	}
}

// Settled reports whether the outcome is known.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// settle records the outcome. Only the first call has any effect.
func (h *Handle) settle(res Result, err error) bool {
	settled := false
	h.once.Do(func() {
		h.res = res
		h.err = err
		close(h.done)
		settled = true
	})
	return settled
}

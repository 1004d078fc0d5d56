package scheduler

import (
	"context"
	"sync"
)

// Handle is the single-assignment, single-read bridge between a queued job
// and its submitter. The consumer goroutine resolves it exactly once; any
// number of callers may await it. Abandoning an await (context timeout or
// cancellation) does not cancel the underlying job.
type Handle struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolve(value any) {
	h.once.Do(func() {
		h.value = value
		close(h.done)
	})
}

func (h *Handle) reject(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Await blocks until the job resolves or ctx expires. A ctx error is local
// to this call: the job keeps running and the handle can be awaited again.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes completion for select loops.
func (h *Handle) Done() <-chan struct{} { return h.done }

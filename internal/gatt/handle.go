package gatt

import (
	"context"
	"sync"
)

// Handle is the completion handle of an enqueued operation.
type Handle struct {
	seq   uint64
	op    Operation
	queue *Queue

	done chan struct{}
	once sync.Once
	res  Result
	err  error
}

func newHandle(q *Queue, seq uint64, op Operation) *Handle {
	return &Handle{seq: seq, op: op, queue: q, done: make(chan struct{})}
}

// Resolved returns a handle that is already complete with err.
func Resolved(op Operation, err error) *Handle {
	h := &Handle{op: op, done: make(chan struct{})}
	h.complete(Result{}, err)
	return h
}

// Seq returns the operation's sequence number.
func (h *Handle) Seq() uint64 {
	return h.seq
}

// Op returns the operation.
func (h *Handle) Op() Operation {
	return h.op
}

// Done is closed when the operation completes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the operation completes or ctx ends. Giving up on ctx does
// not cancel the operation; use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Outcome returns the result without blocking; ok is false while pending.
func (h *Handle) Outcome() (res Result, err error, ok bool) {
	select {
	case <-h.done:
		return h.res, h.err, true
	default:
		return Result{}, nil, false
	}
}

// Cancel completes the operation with device.ErrCancelled.
//
// A queued operation is removed without reaching the adapter. An operation
// already handed to the adapter may still take effect on the remote device;
// its queue slot stays busy until the adapter acknowledges it or it times out.
// Cancel reports whether the handle was still pending.
func (h *Handle) Cancel() bool {
	if h.queue == nil {
		return false
	}
	return h.queue.cancel(h)
}

func (h *Handle) complete(res Result, err error) bool {
	completed := false
	h.once.Do(func() {
		h.res, h.err = res, err
		close(h.done)
		completed = true
	})
	return completed
}

package gatt

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
)

// DefaultTimeout bounds an operation when the queue is created without one.
const DefaultTimeout = 30 * time.Second

// Dispatcher hands an operation to the platform adapter. It must not block on
// the remote device: the outcome arrives later through Queue.Complete. An error
// return means the adapter refused the command outright.
type Dispatcher interface {
	Dispatch(seq uint64, op Operation) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(seq uint64, op Operation) error

func (f DispatcherFunc) Dispatch(seq uint64, op Operation) error {
	return f(seq, op)
}

type queueState int

const (
	queueClosed    queueState = iota // rejects new operations
	queueOpen                        // accepts and dispatches
	queueSuspended                   // rejects new operations, holds queued ones
)

// Queue is the FIFO of GATT operations for one connection.
type Queue struct {
	id      device.ID
	disp    Dispatcher
	seq     *Sequence
	timeout time.Duration
	logger  *logrus.Logger

	mu       sync.Mutex
	state    queueState
	pending  []*Handle
	inflight *Handle
	timer    *time.Timer
	pumping  bool
}

// NewQueue creates a closed queue for device id. Operations are rejected until
// Open is called. A nil seq gives the queue its own sequence.
func NewQueue(id device.ID, disp Dispatcher, seq *Sequence, timeout time.Duration, logger *logrus.Logger) *Queue {
	if seq == nil {
		seq = &Sequence{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{id: id, disp: disp, seq: seq, timeout: timeout, logger: logger}
}

// Open starts accepting and dispatching operations.
func (q *Queue) Open() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = queueOpen
	q.pumpLocked()
}

// Suspend stops accepting new operations and stops dispatching queued ones,
// which stay pending until Open or Drain.
func (q *Queue) Suspend() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == queueOpen {
		q.state = queueSuspended
	}
}

// Enqueue appends op and returns its completion handle. It fails with
// device.ErrNotReady unless the queue is open.
func (q *Queue) Enqueue(op Operation) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queueOpen {
		return nil, device.NewError(device.KindNotReady, "device %s is not accepting GATT operations", q.id)
	}

	h := newHandle(q, q.seq.Next(), op)
	q.pending = append(q.pending, h)
	q.logger.WithFields(logrus.Fields{
		"device_id": q.id,
		"seq":       h.seq,
		"op":        op.String(),
		"queued":    len(q.pending),
	}).Debug("GATT operation queued")

	q.pumpLocked()
	return h, nil
}

// Complete resolves the in-flight operation with sequence number seq and
// returns its handle. A completion that does not match the in-flight operation
// is discarded and nil is returned.
func (q *Queue) Complete(seq uint64, res Result, err error) *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.inflight
	if h == nil || h.seq != seq {
		q.logger.WithFields(logrus.Fields{
			"device_id": q.id,
			"seq":       seq,
		}).Warn("Discarding late or unknown GATT completion")
		return nil
	}

	q.finishLocked(h, res, err)
	q.pumpLocked()
	return h
}

// Drain completes every queued and in-flight operation with err and closes the
// queue. It returns the number of operations drained.
func (q *Queue) Drain(err error) int {
	q.mu.Lock()
	q.state = queueClosed
	victims := q.pending
	q.pending = nil
	if q.inflight != nil {
		victims = append([]*Handle{q.inflight}, victims...)
		q.stopTimerLocked()
		q.inflight = nil
	}
	q.mu.Unlock()

	n := 0
	for _, h := range victims {
		if h.complete(Result{}, err) {
			n++
		}
	}
	if len(victims) > 0 {
		q.logger.WithFields(logrus.Fields{
			"device_id": q.id,
			"count":     n,
			"error":     err,
		}).Info("Drained GATT queue")
	}
	return n
}

// Len returns the number of operations waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the sequence number of the dispatched operation, 0 when idle.
func (q *Queue) InFlight() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == nil {
		return 0
	}
	return q.inflight.seq
}

func (q *Queue) cancel(h *Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p == h {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.logger.WithFields(logrus.Fields{
				"device_id": q.id,
				"seq":       h.seq,
			}).Debug("Cancelled queued GATT operation")
			return h.complete(Result{}, device.ErrCancelled)
		}
	}

	if q.inflight == h {
		if !h.complete(Result{}, device.ErrCancelled) {
			return false
		}
		q.logger.WithFields(logrus.Fields{
			"device_id": q.id,
			"seq":       h.seq,
			"op":        h.op.String(),
		}).Warn("Cancelled in-flight GATT operation; it may already have reached the device")
		return true
	}
	return false
}

// pumpLocked dispatches queued operations until one awaits an acknowledgement.
// The dispatcher is called without q.mu held.
func (q *Queue) pumpLocked() {
	if q.pumping {
		return
	}
	q.pumping = true
	defer func() { q.pumping = false }()

	for q.state == queueOpen && q.inflight == nil && len(q.pending) > 0 {
		h := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight = h
		if h.op.AwaitsAck() {
			q.startTimerLocked(h)
		}

		q.logger.WithFields(logrus.Fields{
			"device_id": q.id,
			"seq":       h.seq,
			"op":        h.op.String(),
		}).Debug("Dispatching GATT operation")

		q.mu.Unlock()
		err := q.dispatch(h)
		q.mu.Lock()

		if q.inflight != h {
			// completed, timed out or drained while dispatching
			continue
		}
		if err != nil {
			q.finishLocked(h, Result{}, device.AdapterError(0, err))
			continue
		}
		if !h.op.AwaitsAck() {
			q.finishLocked(h, Result{}, nil)
		}
	}
}

func (q *Queue) dispatch(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return q.disp.Dispatch(h.seq, h.op)
}

func (q *Queue) finishLocked(h *Handle, res Result, err error) {
	if q.inflight == h {
		q.stopTimerLocked()
		q.inflight = nil
	}
	if !h.complete(res, err) {
		return
	}
	fields := logrus.Fields{
		"device_id": q.id,
		"seq":       h.seq,
		"op":        h.op.String(),
	}
	if err != nil {
		fields["error"] = err
		q.logger.WithFields(fields).Debug("GATT operation failed")
		return
	}
	q.logger.WithFields(fields).Debug("GATT operation completed")
}

func (q *Queue) startTimerLocked(h *Handle) {
	timeout := q.timeout
	if h.op.Timeout > 0 {
		timeout = h.op.Timeout
	}
	seq := h.seq
	q.timer = time.AfterFunc(timeout, func() { q.expire(seq, timeout) })
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) expire(seq uint64, after time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.inflight
	if h == nil || h.seq != seq {
		return
	}
	q.logger.WithFields(logrus.Fields{
		"device_id": q.id,
		"seq":       seq,
		"op":        h.op.String(),
		"timeout":   after,
	}).Warn("GATT operation timed out")
	q.finishLocked(h, Result{}, device.NewError(device.KindTimeout, "%s: no response within %s", h.op, after))
	q.pumpLocked()
}

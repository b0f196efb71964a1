package eventbus

// ringChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is discarded
// and ForceSend reports it. Callers serialize ForceSend against each other;
// receivers may run concurrently.
type ringChannel[T any] struct {
	ch chan T
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// ForceSend always succeeds immediately, discarding the oldest if needed.
// It returns true when an element was discarded.
func (rc *ringChannel[T]) ForceSend(v T) (dropped bool) {
	select {
	case rc.ch <- v:
		return false
	default:
	}
	select {
	case <-rc.ch:
		dropped = true
	default:
	}
	rc.ch <- v
	return dropped
}

// TryReceive attempts a non-blocking receive.
func (rc *ringChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v = <-rc.ch:
		return v, true
	default:
		return v, false
	}
}

// Len returns the number of buffered elements.
func (rc *ringChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *ringChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Package gatt serializes GATT operations on a single connection.
//
// Most BLE stacks reject overlapping ATT requests on one link, so a Queue keeps
// at most one operation in flight and dispatches the next only after the
// adapter acknowledges the current one, or its timeout fires. Acknowledgements
// are correlated by a session-wide monotonically increasing sequence number;
// an acknowledgement that arrives after its operation timed out is discarded.
package gatt

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/srg/blecore/internal/device"
)

// OpKind tags an Operation.
type OpKind string

const (
	OpRead      OpKind = "read"
	OpWrite     OpKind = "write"
	OpSetNotify OpKind = "set_notify"
	OpMTU       OpKind = "mtu"
)

// Operation is a single GATT command.
type Operation struct {
	Kind OpKind
	Char device.CharRef
	// Data is the payload of a write.
	Data []byte
	// WithResponse requests an acknowledged write. Writes without response
	// complete as soon as the adapter accepts them.
	WithResponse bool
	// Enable turns notifications on or off for OpSetNotify.
	Enable bool
	// MTU is the requested size for OpMTU.
	MTU int
	// Timeout overrides the queue timeout when positive.
	Timeout time.Duration
}

// Read builds a characteristic read.
func Read(ref device.CharRef) Operation {
	return Operation{Kind: OpRead, Char: ref}
}

// Write builds a characteristic write.
func Write(ref device.CharRef, data []byte, withResponse bool) Operation {
	return Operation{Kind: OpWrite, Char: ref, Data: append([]byte(nil), data...), WithResponse: withResponse}
}

// SetNotify builds a CCCD update enabling or disabling notifications.
func SetNotify(ref device.CharRef, enable bool) Operation {
	return Operation{Kind: OpSetNotify, Char: ref, Enable: enable}
}

// MTU builds an MTU exchange request.
func MTU(size int) Operation {
	return Operation{Kind: OpMTU, MTU: size}
}

// AwaitsAck reports whether the queue must wait for an adapter acknowledgement.
func (o Operation) AwaitsAck() bool {
	return o.Kind != OpWrite || o.WithResponse
}

func (o Operation) String() string {
	switch o.Kind {
	case OpWrite:
		if !o.WithResponse {
			return fmt.Sprintf("write-without-response %s (%d bytes)", o.Char, len(o.Data))
		}
		return fmt.Sprintf("write %s (%d bytes)", o.Char, len(o.Data))
	case OpSetNotify:
		if o.Enable {
			return fmt.Sprintf("subscribe %s", o.Char)
		}
		return fmt.Sprintf("unsubscribe %s", o.Char)
	case OpMTU:
		return fmt.Sprintf("mtu %d", o.MTU)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Char)
	}
}

// Result is the successful outcome of an operation.
type Result struct {
	// Value is the characteristic value for reads.
	Value []byte
	// MTU is the negotiated size for MTU exchanges.
	MTU int
}

// Sequence hands out operation sequence numbers. One Sequence is shared by every
// queue of a session so numbers never repeat across connections.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

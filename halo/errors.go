/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the error classification of the runtime.
*/
package halo

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies runtime errors.
type Kind uint8

// Error kinds. Everything but ResourceExhaustion goes through the fatal
// handler.
const (
	SetupError Kind = iota + 1
	ProtocolViolation
	ResourceExhaustion
	TransportTimeout
	TransportError
)

var kindName = map[Kind]string{
	SetupError:         "SetupError",
	ProtocolViolation:  "ProtocolViolation",
	ResourceExhaustion: "ResourceExhaustion",
	TransportTimeout:   "TransportTimeout",
	TransportError:     "TransportError",
}

func (k Kind) String() string {
	if n, ok := kindName[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is returned by every runtime operation that fails.
type Error struct {
	Kind Kind
	Op   string // operation that failed
	Dat  string // data array, if any
	Err  error
}

func (e *Error) Error() string {
	if e.Dat != "" {
		return fmt.Sprintf("halo: %s %s[%s]: %v", e.Kind, e.Op, e.Dat, e.Err)
	}
	return fmt.Sprintf("halo: %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conditions reported by the runtime
var (
	ErrInFlight       = errors.New("exchange issued while the previous one is in flight")
	ErrNotReady       = errors.New("data array has not been negotiated")
	ErrReleased       = errors.New("data array has been released")
	ErrIndexMismatch  = errors.New("notification for another data array")
	ErrNoDescriptor   = errors.New("no receive descriptor for source rank")
	ErrBadAck         = errors.New("unexpected acknowledgement value")
	ErrPartial        = errors.New("partial exchange not implemented")
	ErrBadOffsetFrame = errors.New("offset message is not 8 bytes")
	ErrNoDat          = errors.New("enabled argument without a data array")
)

// IsKind reports whether err is a runtime error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// transportKind maps a fabric failure to its kind
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return TransportTimeout
	}
	return TransportError
}

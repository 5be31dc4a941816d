// Package fault classifies the failures proxyfeed can run into.
//
// None of them are fatal. The kind only decides how a caller degrades:
// transient and malformed failures turn into "no data this time", probe
// failures turn into "unreachable", and delivery failures are logged and
// dropped.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure class.
type Kind int

const (
	// Unknown is returned by KindOf for errors that were not classified.
	Unknown Kind = iota
	// Transient covers file, redis and network I/O that may succeed later.
	Transient
	// Malformed covers persisted or fetched data that could not be decoded.
	Malformed
	// Probe covers a single failed liveness probe.
	Probe
	// Delivery covers a failed attempt to hand a batch to the distributor.
	Delivery
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Probe:
		return "probe"
	case Delivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as a failure of the given kind. An err that is already
// classified keeps its original kind.
func New(kind Kind, op string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NewTransient(op string, err error) error { return New(Transient, op, err) }
func NewMalformed(op string, err error) error { return New(Malformed, op, err) }
func NewProbe(op string, err error) error     { return New(Probe, op, err) }
func NewDelivery(op string, err error) error  { return New(Delivery, op, err) }

// KindOf returns the kind of err, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is a failure of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

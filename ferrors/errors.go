// Package ferrors defines the error kinds surfaced by compilation and
// assembly. Each typed error matches its sentinel with errors.Is and carries
// the form, entity or partition context that triggered it.
package ferrors

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedForm        = errors.New("unsupported form")
	ErrIncompatibleSpace      = errors.New("incompatible space")
	ErrPartitionInconsistency = errors.New("partition inconsistency")
	ErrCommunicationTimeout   = errors.New("communication timeout")
)

// UnsupportedFormError reports an operation with no kernel-generation rule
type UnsupportedFormError struct {
	Form   string // form or integral description
	Node   string // offending expression node
	Reason string
}

func (e *UnsupportedFormError) Error() string {
	msg := "unsupported form"
	if e.Form != "" {
		msg += " " + e.Form
	}
	if e.Node != "" {
		msg += fmt.Sprintf(" at %s", e.Node)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedFormError) Is(target error) bool { return target == ErrUnsupportedForm }

// IncompatibleSpaceError reports a form argument whose space does not match
// the target structure
type IncompatibleSpaceError struct {
	Form     string
	Argument int
	Want     string
	Got      string
}

func (e *IncompatibleSpaceError) Error() string {
	return fmt.Sprintf("incompatible space for argument %d of %s: target expects %s, form has %s",
		e.Argument, e.Form, e.Want, e.Got)
}

func (e *IncompatibleSpaceError) Is(target error) bool { return target == ErrIncompatibleSpace }

// PartitionInconsistencyError reports a DOF numbering disagreement between
// partitions. It is fatal.
type PartitionInconsistencyError struct {
	Rank   int
	Peer   int
	Entity string
	Reason string
}

func (e *PartitionInconsistencyError) Error() string {
	msg := fmt.Sprintf("partition inconsistency on rank %d", e.Rank)
	if e.Peer >= 0 {
		msg += fmt.Sprintf(" (peer %d)", e.Peer)
	}
	if e.Entity != "" {
		msg += " for " + e.Entity
	}
	return msg + ": " + e.Reason
}

func (e *PartitionInconsistencyError) Is(target error) bool {
	return target == ErrPartitionInconsistency
}

// CommunicationTimeoutError reports a message exchange that did not complete
type CommunicationTimeoutError struct {
	Rank int
	Peer int
	Tag  int
	Op   string
	Err  error
}

func (e *CommunicationTimeoutError) Error() string {
	return fmt.Sprintf("%s on rank %d waiting for peer %d (tag %d): %v", e.Op, e.Rank, e.Peer, e.Tag, e.Err)
}

func (e *CommunicationTimeoutError) Is(target error) bool {
	return target == ErrCommunicationTimeout
}

func (e *CommunicationTimeoutError) Unwrap() error { return e.Err }

// Unsupported is shorthand for building an UnsupportedFormError
func Unsupported(node, format string, args ...interface{}) error {
	return &UnsupportedFormError{Node: node, Reason: fmt.Sprintf(format, args...)}
}

// WithForm attaches a form description to an UnsupportedFormError, leaving
// other errors unchanged
func WithForm(err error, form string) error {
	var ue *UnsupportedFormError
	if errors.As(err, &ue) && ue.Form == "" {
		cp := *ue
		cp.Form = form
		return &cp
	}
	return err
}

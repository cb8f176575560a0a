// Package faults classifies errors as transient (worth retrying) or permanent.
//
// Storage and transport adapters mark the errors they know to be transient with
// Transient. Domain errors that must never be retried implement
// interface{ Permanent() bool }.
package faults

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// TransientError marks an error as safe to retry.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

type permanent interface{ Permanent() bool }

// IsPermanent reports whether any error in the chain declares itself permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// IsTransient reports whether err is known to be transient: explicitly marked,
// a network timeout, a dropped connection or an interrupted read.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

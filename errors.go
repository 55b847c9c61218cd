// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigml

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Kind classifies failures. Kinds are carried as causes of
// github.com/grailbio/base/errors values so that errors can be
// annotated and propagated with the usual tooling while retaining
// the classification needed to decide retries, job outcomes and
// exit codes.
type Kind int

const (
	// Unknown is an unclassified error.
	Unknown Kind = iota
	// Validation is a malformed descriptor, unknown kind or
	// out-of-range parameter.
	Validation
	// NotFound indicates a missing job, worker or key.
	NotFound
	// Transport is a failed send, receive or collective.
	Transport
	// Decode is a corrupt serialized payload.
	Decode
	// ShapeMismatch is an arithmetic or reduction over operands
	// of incompatible shapes.
	ShapeMismatch
	// Numerical indicates a non-finite value inside a kernel.
	Numerical
	// Storage is a failed read or write in the storage adapter.
	Storage
	// Timeout is a missed heartbeat or deadline.
	Timeout
	// Protocol is an unexpected state transition or a message
	// referring to an unknown job.
	Protocol
	// Canceled indicates that an operation was canceled.
	Canceled

	maxKind
)

var kindNames = [...]string{
	Unknown:       "unknown",
	Validation:    "validation",
	NotFound:      "not found",
	Transport:     "transport",
	Decode:        "decode",
	ShapeMismatch: "shape mismatch",
	Numerical:     "numerical instability",
	Storage:       "storage",
	Timeout:       "timeout",
	Protocol:      "protocol",
	Canceled:      "canceled",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if k < 0 || k >= maxKind {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error implements error so that a bare Kind may be used as a cause.
func (k Kind) Error() string { return k.String() }

func (k Kind) base() errors.Kind {
	switch k {
	case Validation, ShapeMismatch, Numerical, Protocol:
		return errors.Invalid
	case NotFound:
		return errors.NotExist
	case Transport:
		return errors.Net
	case Decode:
		return errors.Integrity
	case Storage:
		return errors.Unavailable
	case Timeout:
		return errors.Timeout
	case Canceled:
		return errors.Canceled
	}
	return errors.Other
}

// kindError attaches a Kind to an underlying cause.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return e.kind.String()
	}
	return e.err.Error()
}

// E constructs an error of the provided kind. The remaining
// arguments are interpreted as by errors.E: strings form the
// message, an error argument is the cause, and a severity may be
// given.
func E(kind Kind, args ...interface{}) error {
	var (
		cause error
		rest  = make([]interface{}, 0, len(args)+2)
	)
	rest = append(rest, kind.base())
	for _, arg := range args {
		if err, ok := arg.(error); ok {
			cause = err
			continue
		}
		rest = append(rest, arg)
	}
	rest = append(rest, &kindError{kind, cause})
	return errors.E(rest...)
}

// Classify returns the Kind of the provided error. Explicit kinds
// attached by E take precedence over kinds inferred from
// github.com/grailbio/base/errors kinds and context errors.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	base := errors.Other
	for err != nil {
		if k, ok := err.(Kind); ok {
			return k
		}
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		e, ok := err.(*errors.Error)
		if !ok {
			break
		}
		if base == errors.Other {
			base = e.Kind
		}
		err = e.Err
	}
	switch err {
	case context.Canceled:
		return Canceled
	case context.DeadlineExceeded:
		return Timeout
	}
	switch base {
	case errors.Invalid:
		return Validation
	case errors.NotExist:
		return NotFound
	case errors.Net:
		return Transport
	case errors.Integrity:
		return Decode
	case errors.Unavailable:
		return Storage
	case errors.Timeout:
		return Timeout
	case errors.Canceled:
		return Canceled
	}
	return Unknown
}

// Is tells whether err is of the provided kind.
func Is(kind Kind, err error) bool {
	return err != nil && Classify(err) == kind
}

// Retryable tells whether an operation that failed with err may
// be retried: transport, storage and timeout failures, as well as
// errors marked temporary.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case Transport, Storage, Timeout:
		return true
	}
	return errors.IsTemporary(err)
}

// ExitCode returns the command line exit code corresponding to err:
// 0 for nil, 2 for validation (and protocol) failures, 3 when the
// named object does not exist, 4 for transport failures, 5 for
// timeouts, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Classify(err) {
	case Validation, Protocol, ShapeMismatch:
		return 2
	case NotFound:
		return 3
	case Transport:
		return 4
	case Timeout:
		return 5
	}
	return 1
}

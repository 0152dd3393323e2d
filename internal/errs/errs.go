// Package errs defines the closed error taxonomy every engine component
// returns against, so callers can branch on Kind with errors.As instead of
// string-matching messages.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which row of the taxonomy an error belongs to.
type Kind string

const (
	KindConfig       Kind = "ConfigError"
	KindGraph        Kind = "GraphError"
	KindToken        Kind = "TokenError"
	KindHash         Kind = "HashError"
	KindCache        Kind = "CacheError"
	KindRemoteCache  Kind = "RemoteCacheError"
	KindProcess      Kind = "ProcessError"
	KindTaskFailure  Kind = "TaskFailure"
	KindTimeout      Kind = "Timeout"
	KindCancelled    Kind = "Cancelled"
)

// Policy describes how the pipeline should react when an error of a Kind
// surfaces.
type Policy int

const (
	// PolicyFailFast aborts startup/planning immediately.
	PolicyFailFast Policy = iota
	// PolicyFailTask fails only the task that produced the error.
	PolicyFailTask
	// PolicyLogAndProceed logs the error and treats the operation as a miss.
	PolicyLogAndProceed
)

func (k Kind) Policy() Policy {
	switch k {
	case KindConfig, KindGraph, KindToken:
		return PolicyFailFast
	case KindCache, KindRemoteCache:
		return PolicyLogAndProceed
	default:
		return PolicyFailTask
	}
}

// Error is the concrete error type carried through the engine. Use Wrap/New
// to build one and errors.As to recover it at a call site.
type Error struct {
	Kind Kind
	// Target names the project/task/action the error concerns, when known.
	Target string
	cause  error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error from a message, with a stack trace attached
// via pkg/errors for diagnostics.
func New(kind Kind, target, message string) *Error {
	return &Error{Kind: kind, Target: target, cause: errors.New(message)}
}

// Wrap tags an existing error with a Kind, preserving it as the cause so
// errors.Unwrap/errors.Is still reach the original.
func Wrap(kind Kind, target string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Target: target, cause: err}
}

// Wrapf is Wrap with a pkg/errors-formatted message prefixed onto the cause.
func Wrapf(kind Kind, target string, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Target: target, cause: errors.Wrapf(err, format, args...)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Package errors defines the closed set of failure kinds haven reports.
//
// Every failure that crosses a component boundary (repository adapter,
// cache store, resolver) is either one of these kinds or a plain wrapped
// error that callers treat as a backend failure. Kinds carry the artifact
// coordinates they concern so callers never need to parse messages.
//
//	err := errors.NotFound("jquery", "2.1.4")
//	if errors.IsNotFound(err) {
//	    // try the next repository
//	}
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a haven failure.
type Kind string

const (
	// KindDependencyNotFound means the (name, version) pair is absent from
	// the cache and from the repository being asked.
	KindDependencyNotFound Kind = "DependencyNotFound"
	// KindSnapshotDependency means a release package depends on a snapshot.
	KindSnapshotDependency Kind = "SnapshotDependencyException"
	// KindTransport covers bad status codes and network failures.
	KindTransport Kind = "TransportError"
	// KindBackend covers everything else a backend can fail with: malformed
	// listings, unreadable archives, filesystem errors.
	KindBackend Kind = "BackendError"
)

// Error is a haven failure with its kind and the artifact it concerns.
type Error struct {
	Kind    Kind
	Name    string
	Version string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NotFound reports that name at version could not be located.
func NotFound(name, version string) *Error {
	return &Error{
		Kind:    KindDependencyNotFound,
		Name:    name,
		Version: version,
		Message: fmt.Sprintf("Dependency not found: %s v.%s", name, version),
	}
}

// Snapshot reports a snapshot dependency declared by a release package.
func Snapshot(name, version string) *Error {
	return &Error{
		Kind:    KindSnapshotDependency,
		Name:    name,
		Version: version,
		Message: fmt.Sprintf("Snapshot dependency found: %s v.%s", name, version),
	}
}

// Transport wraps a network or status failure.
func Transport(cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Backend wraps any other repository or filesystem failure.
func Backend(cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    KindBackend,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err, or anything it wraps, is an *Error of kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound is shorthand for Is(err, KindDependencyNotFound).
func IsNotFound(err error) bool {
	return Is(err, KindDependencyNotFound)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

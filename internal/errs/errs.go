// Package errs provides the load generator's error taxonomy: a small set of
// kinds that every component classifies its failures into, instead of ad hoc
// sentinel errors scattered per package.
package errs

import "fmt"

// Kind is one of the error kinds from the core's failure model.
type Kind string

const (
	// KindValidation covers config/args that violate an invariant
	// (conflicting flags, missing URL). Fatal at startup.
	KindValidation Kind = "validation"

	// KindMetrics covers log I/O and histogram record/merge/encode failures.
	// Fatal for the run in progress.
	KindMetrics Kind = "metrics"

	// KindProtocol covers malformed/unexpected wire messages, a run id
	// mismatch, or a connection closed mid-handshake. Fails the owning
	// session only.
	KindProtocol Kind = "distributed.protocol"

	// KindTimeout covers missing hello/report/heartbeat within their
	// windows. Counted as a runtime error; the run proceeds on the rest.
	KindTimeout Kind = "distributed.timeout"

	// KindRemote covers an agent-reported error message.
	KindRemote Kind = "distributed.remote"

	// KindRuntime covers per-request transport failures and assertion
	// failures. Counted in the summary, never propagated.
	KindRuntime Kind = "runtime"

	// KindScript covers scenario-load failures. Fatal at startup.
	KindScript Kind = "script"
)

// Error is a kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and an operation label describing where it
// happened. Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type sentinel string

func (e sentinel) Error() string { return string(e) }

// Sentinel builds a lightweight comparable error, matching the pattern the
// rest of this repo's packages use for fixed error values.
func Sentinel(msg string) error { return sentinel(msg) }

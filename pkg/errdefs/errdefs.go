package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies control-plane failures so callers can map them to state
// transitions and HTTP status codes without string matching.
type Kind string

const (
	// KindRepo is a failed git operation; carries the subprocess stderr
	KindRepo Kind = "repo"

	// KindBuild is a failed image or plan build
	KindBuild Kind = "build"

	// KindRuntime is a container start or health-check failure
	KindRuntime Kind = "runtime"

	// KindProxy is a failed proxy config reload; the previous config stays live
	KindProxy Kind = "proxy"

	// KindConflict is a uniqueness violation (site name, active session per user+site)
	KindConflict Kind = "conflict"

	// KindAccess is a caller acting on a resource it does not own
	KindAccess Kind = "access"

	// KindTimeout is any bounded wait that exceeded its budget
	KindTimeout Kind = "timeout"

	// KindNotFound is a lookup miss
	KindNotFound Kind = "not_found"
)

// Error is a classified control-plane error. Op names the operation that
// failed ("gitws.MergeToMain", "supervisor.Create").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err carries no classification
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

package leafsync

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by its disposition, per the error-handling
// table: what aborts a session versus what aborts a single file.
type Kind int

const (
	// TransportError covers connect refusal and stream resets. The
	// session aborts; the work is resumable.
	TransportError Kind = iota + 1
	// TrustError covers a fingerprint mismatch or a missing pin without
	// --accept-first. The session aborts before any protocol I/O.
	TrustError
	// ProtocolError covers an oversize frame, an unknown tag, or a
	// version mismatch. The session aborts and is not retried
	// automatically.
	ProtocolError
	// IntegrityError covers a chunk-hash or final-root mismatch. Only
	// the one file aborts; other files in the session continue.
	IntegrityError
	// IoError covers disk-full or permission-denied conditions.
	IoError
	// TimeoutError covers handshake or idle timeouts. The session
	// aborts; partial work is resumable.
	TimeoutError
	// Busy covers a staging lockfile already held by another session.
	// The file is skipped with a warning.
	Busy
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case TransportError:
		return "TransportError"
	case TrustError:
		return "TrustError"
	case ProtocolError:
		return "ProtocolError"
	case IntegrityError:
		return "IntegrityError"
	case IoError:
		return "IoError"
	case TimeoutError:
		return "TimeoutError"
	case Busy:
		return "Busy"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindError pairs an error Kind with an underlying cause, so callers
// can dispatch on the kind with errors.As without parsing message
// strings, the way the teacher's store errors pair a sentinel with
// wrapped context.
type KindError struct {
	Kind  Kind
	cause error
}

// Error implements error.
func (e *KindError) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Unwrap lets errors.Is/errors.As see through to the cause.
func (e *KindError) Unwrap() error {
	return e.cause
}

// NewKindError wraps cause with kind, preserving it as the error
// chain's tail.
func NewKindError(kind Kind, cause error) *KindError {
	return &KindError{Kind: kind, cause: cause}
}

// KindErrorf builds a KindError from a format string, the way the
// teacher reaches for errors.Wrapf/errors.Errorf rather than building
// ad hoc string errors.
func KindErrorf(kind Kind, format string, args ...interface{}) *KindError {
	return &KindError{Kind: kind, cause: errors.Errorf(format, args...)}
}

// WrapKind wraps cause with additional context and a Kind, mirroring
// errors.Wrap's "add context, keep the chain" shape.
func WrapKind(kind Kind, cause error, msg string) *KindError {
	if cause == nil {
		return nil
	}
	return &KindError{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// WrapKindf is the formatted variant of WrapKind.
func WrapKindf(kind Kind, cause error, format string, args ...interface{}) *KindError {
	if cause == nil {
		return nil
	}
	return &KindError{Kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is
// a *KindError, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

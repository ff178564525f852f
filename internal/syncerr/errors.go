// Package syncerr defines the error taxonomy shared by every sync component.
//
// Errors are classified into a small set of kinds. Only Transient errors are
// ever retried automatically; everything else is surfaced to the caller as-is.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Kind classifies an error for retry and user-facing purposes.
type Kind int

const (
	Unknown Kind = iota
	Transient
	PermissionDenied
	Unauthenticated
	NotFound
	InvalidArgument
	AlreadyExists
	FailedPrecondition
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case PermissionDenied:
		return "permission_denied"
	case Unauthenticated:
		return "unauthenticated"
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case AlreadyExists:
		return "already_exists"
	case FailedPrecondition:
		return "failed_precondition"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind     Kind
	Op       string
	Err      error
	Attempts int // non-zero when a retry budget was exhausted
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, syncerr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// GRPCStatus lets classified errors travel through grpc/status unchanged.
func (e *Error) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(kindToCode(e.Kind), e.Error())
}

// Sentinels for errors.Is comparisons.
var (
	ErrTransient          = &Error{Kind: Transient}
	ErrPermissionDenied   = &Error{Kind: PermissionDenied}
	ErrUnauthenticated    = &Error{Kind: Unauthenticated}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrInvalidArgument    = &Error{Kind: InvalidArgument}
	ErrAlreadyExists      = &Error{Kind: AlreadyExists}
	ErrFailedPrecondition = &Error{Kind: FailedPrecondition}
)

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Exhausted marks a transient failure whose retry budget ran out.
func Exhausted(op string, err error, attempts int) *Error {
	return &Error{Kind: Transient, Op: op, Err: err, Attempts: attempts}
}

// IsExhausted reports whether err is a transient failure that already used
// its retry budget.
func IsExhausted(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Transient && e.Attempts > 0
}

// KindOf classifies an arbitrary error.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if s, ok := grpcstatus.FromError(err); ok && s.Code() != codes.Unknown {
		return codeToKind(s.Code())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may be retried automatically.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// UserMessage renders err for the interaction layer.
func UserMessage(err error) string {
	switch KindOf(err) {
	case Unauthenticated:
		return "Your session expired. Please sign in again."
	case PermissionDenied:
		return "You don't have access to this conversation."
	case NotFound:
		return "This conversation or message no longer exists."
	case InvalidArgument:
		return "The message could not be sent because it is malformed."
	case Transient:
		return "Connection problem. Tap to retry."
	default:
		return "Something went wrong. Tap to retry."
	}
}

func codeToKind(c codes.Code) Kind {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return Transient
	case codes.PermissionDenied:
		return PermissionDenied
	case codes.Unauthenticated:
		return Unauthenticated
	case codes.NotFound:
		return NotFound
	case codes.InvalidArgument, codes.OutOfRange:
		return InvalidArgument
	case codes.AlreadyExists:
		return AlreadyExists
	case codes.FailedPrecondition:
		return FailedPrecondition
	default:
		return Unknown
	}
}

func kindToCode(k Kind) codes.Code {
	switch k {
	case Transient:
		return codes.Unavailable
	case PermissionDenied:
		return codes.PermissionDenied
	case Unauthenticated:
		return codes.Unauthenticated
	case NotFound:
		return codes.NotFound
	case InvalidArgument:
		return codes.InvalidArgument
	case AlreadyExists:
		return codes.AlreadyExists
	case FailedPrecondition:
		return codes.FailedPrecondition
	default:
		return codes.Unknown
	}
}

package apperr

import "fmt"

// Kind classifies an error for transport mapping. Handlers translate kinds
// to HTTP status codes; the socket gateway translates them to error events.
type Kind string

const (
	KindUnknown           Kind = "UNKNOWN"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindForbidden         Kind = "FORBIDDEN"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindSecurityViolation Kind = "SECURITY_VIOLATION"
	KindInternal          Kind = "INTERNAL"
)

// Error is a tagged application error. Cause is never serialized.
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func InvalidArg(msg string) error { return New(KindInvalidArgument, msg) }

func NotFound(msg string) error { return New(KindNotFound, msg) }

func Conflict(msg string) error { return New(KindConflict, msg) }

func Forbidden(msg string) error { return New(KindForbidden, msg) }

func Unauthorized(msg string) error { return New(KindUnauthenticated, msg) }

func SecurityViolation(msg string) error { return New(KindSecurityViolation, msg) }

func Internal(msg string) error { return New(KindInternal, msg) }

// KindOf extracts the kind from any error in the chain, defaulting to
// KindInternal for untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	return KindInternal
}

// Is lets errors.Is match two tagged errors with the same kind and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping. The Request Front-End
// translates kinds to HTTP statuses; the socket layer reports them as error
// frames.
type Kind int

const (
	Unauthenticated Kind = iota
	PermissionDenied
	InvalidArgument
	FailedPrecondition
	AlreadyExists
	NotFound
	InsufficientFunds
	DailyLimitExceeded
	ResourceExhausted
	DeadlineExceeded
	Internal
	DegradedConsistency
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case NotFound:
		return "NOT_FOUND"
	case InsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case DailyLimitExceeded:
		return "DAILY_LIMIT_EXCEEDED"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case DegradedConsistency:
		return "DEGRADED_CONSISTENCY"
	default:
		return "INTERNAL"
	}
}

// Error pairs a user-facing message with an internal one. The user message
// is safe to send to a client; the wrapped error carries the full detail for
// logs.
type Error struct {
	Kind        Kind
	UserMessage string
	Err         error
	Details     []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.UserMessage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a user-facing message.
func New(kind Kind, userMessage string) *Error {
	return &Error{Kind: kind, UserMessage: userMessage}
}

// Wrap attaches a kind and user message to an underlying error.
func Wrap(kind Kind, userMessage string, err error) *Error {
	return &Error{Kind: kind, UserMessage: userMessage, Err: err}
}

// Newf creates an error with a formatted user-facing message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, UserMessage: fmt.Sprintf(format, args...)}
}

// WithDetails appends validation detail strings.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal for errors that
// were never classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Message returns the user-facing message for err, or a generic one for
// unclassified errors.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.UserMessage
	}
	return "Something went wrong. Please try again later."
}

// Retryable reports whether a mutating persistence call may be retried once
// for this error. Only transient kinds qualify.
func Retryable(err error) bool {
	return Is(err, DeadlineExceeded)
}

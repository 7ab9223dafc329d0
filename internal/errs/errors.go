package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	NotFound
	BuildFailed
	ProbeFailed
	UploadFailed
	InvalidJob
	ValidationFailed
	Config
	Network
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case BuildFailed:
		return "BuildFailed"
	case ProbeFailed:
		return "ProbeFailed"
	case UploadFailed:
		return "UploadFailed"
	case InvalidJob:
		return "InvalidJob"
	case ValidationFailed:
		return "ValidationFailed"
	case Config:
		return "Config"
	case Network:
		return "Network"
	default:
		return "Unknown"
	}
}

// Error carries a technical Message for logs and an optional UserMessage
// shown to whoever consumes the job stream.
type Error struct {
	Kind        Kind
	Message     string
	UserMessage string
	Context     map[string]any
	Cause       error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Context: make(map[string]any),
	}
}

func Wrap(err error, kind Kind, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func (e *Error) WithUserMessage(msg string) *Error {
	e.UserMessage = msg
	return e
}

// Public returns the message meant for the job consumer.
func (e *Error) Public() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// PublicMessage returns the user-facing text for any error.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Public()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Safe runs fn and converts a panic into an Unknown error.
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = New(Unknown, "runtime error: %v", r)
		}
	}()
	return fn()
}

package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide how to report them
type Kind string

const (
	KindMalformedInput Kind = "malformed_input"
	KindValidation     Kind = "validation"
	KindPersistence    Kind = "persistence"
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrMalformedInput = &Error{Kind: KindMalformedInput, Message: "malformed input"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrPersistence    = &Error{Kind: KindPersistence, Message: "persistence failure"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func MalformedInput(op string, err error) error {
	return &Error{Kind: KindMalformedInput, Op: op, Message: "malformed input", Err: err}
}

func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Message: "persistence failure", Err: err}
}

func NotFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", what, id)}
}

func Unauthorized(op, message string) error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: message}
}

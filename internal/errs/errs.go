// Package errs holds the error kinds shared by the store, feed and session layers.
package errs

import (
	"errors"
	"fmt"

	"market-chat/internal/models"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrAuthorization          = errors.New("not authorized")
	ErrTransient              = errors.New("transient store error")
	ErrReconciliationRequired = errors.New("reconciliation required")
	ErrSessionClosed          = errors.New("session closed")
	ErrConflict               = errors.New("conflict")
)

// Error carries a kind sentinel plus the operation that failed.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind error, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error around a cause. A nil cause yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a validation failure.
func Validation(op, msg string) error { return E(ErrValidation, op, msg) }

// Transient wraps err as a transient store failure.
func Transient(op string, err error) error { return Wrap(ErrTransient, op, err) }

// RetryableError is returned once an operation exhausted its automatic retry.
// It keeps the original arguments so the caller can issue the same call again.
type RetryableError struct {
	Op         string
	Key        models.ConversationKey
	Content    string
	MessageIDs []string
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s failed, retry: %v", e.Op, e.Err)
}

// Is makes every RetryableError match ErrTransient.
func (e *RetryableError) Is(target error) bool {
	return target == ErrTransient
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// UserMessage maps an error to the text shown to end users. Raw transport
// errors never leave this package.
func UserMessage(op string, err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return "invalid request"
	case errors.Is(err, ErrAuthorization):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrSessionClosed):
		return "session closed"
	case errors.Is(err, ErrConflict):
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return "conflict"
	}
	switch op {
	case "send":
		return "message failed to send, retry?"
	case "list", "open":
		return "could not load conversations, retry?"
	case "read":
		return "could not mark messages read, retry?"
	}
	return "something went wrong, retry?"
}

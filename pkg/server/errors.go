package server

import (
	"errors"
	"fmt"
)

var (
	// Recoverable command failures; the session continues after a warning
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrNotFound      = errors.New("not found")

	// ErrAuthentication is a fatal handshake rejection
	ErrAuthentication = errors.New("authentication failed")

	ErrRateLimited = errors.New("too many connection attempts")

	// ErrAcceptFailures ends the accept loop and is surfaced to the operator
	ErrAcceptFailures = errors.New("too many consecutive accept failures")

	// ErrFatal marks task errors the supervisor must not restart
	ErrFatal = errors.New("fatal task error")
)

// CommandError is a recoverable failure of a client command. Message is sent back
// to the client as a warning.
type CommandError struct {
	Kind    error
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Kind
}

func validationError(format string, args ...any) error {
	return &CommandError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func authorizationError(format string, args ...any) error {
	return &CommandError{Kind: ErrAuthorization, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) error {
	return &CommandError{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// RejectError is a fatal handshake failure. Reason is sent to the client in an error
// package before the connection is closed.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

func reject(err error, reason string) error {
	return &RejectError{Reason: reason, Err: err}
}

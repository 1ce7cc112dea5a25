// Package apperr defines the error kinds shared by the memory store, the sync
// client and the sync server.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the class of failure it represents.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindUnauthenticated Kind = "unauthenticated"
	KindConflict        Kind = "conflict"
	KindPersistence     Kind = "persistence"
	KindGateway         Kind = "gateway"
	KindNetwork         Kind = "network"
	KindNoData          Kind = "no_data"
	KindInternal        Kind = "internal"
)

// Error carries a Kind plus enough detail for a caller to show the user what
// happened. Status is the HTTP status reported by the server, zero when the
// request never got a response.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

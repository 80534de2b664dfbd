package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it without string matching.
type Kind string

const (
	KindValidation        Kind = "validation_failed"
	KindIllegalTransition Kind = "illegal_transition"
	KindNotFound          Kind = "not_found"
	KindProposalNotFound  Kind = "proposal_not_found"
	KindNotApproved       Kind = "not_approved"
	KindAlreadyContracted Kind = "already_contracted"
	KindTransient         Kind = "transient_failure"
	KindCircuitOpen       Kind = "circuit_open"
	KindUnexpected        Kind = "unexpected_failure"
)

// Error is the typed failure returned by services.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrAlreadyContracted) holds for any
// *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrProposalNotFound  = &Error{Kind: KindProposalNotFound}
	ErrNotApproved       = &Error{Kind: KindNotApproved}
	ErrAlreadyContracted = &Error{Kind: KindAlreadyContracted}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrCircuitOpen       = &Error{Kind: KindCircuitOpen}
	ErrUnexpected        = &Error{Kind: KindUnexpected}
)

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err, or KindUnexpected when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnexpected
}

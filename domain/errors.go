package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so transports can map them to their own codes.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindConflict       Kind = "conflict"
	KindAuthentication Kind = "authentication"
	KindServer         Kind = "server"
)

// Error is a classified domain failure carrying a short user facing message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorBody is the JSON shape every transport uses for failed requests.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "task not found"}
	ErrForbidden      = &Error{Kind: KindForbidden, Message: "not authorized"}
	ErrConflict       = &Error{Kind: KindConflict, Message: "conflict"}
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication required"}
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, KindServer for anything
// unclassified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindServer
}

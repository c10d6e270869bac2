// Package apperr is the error taxonomy shared by the dispatch core and its
// transports. Every error carries a Kind and a short reason fit for display.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindInternal     Kind = "internal"
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalid      = &Error{Kind: KindInvalid}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrTransient    = &Error{Kind: KindTransient}
)

func Invalid(reason string) error      { return &Error{Kind: KindInvalid, Reason: reason} }
func NotFound(reason string) error     { return &Error{Kind: KindNotFound, Reason: reason} }
func Conflict(reason string) error     { return &Error{Kind: KindConflict, Reason: reason} }
func Unauthorized(reason string) error { return &Error{Kind: KindUnauthorized, Reason: reason} }

func Transient(reason string, cause error) error {
	return &Error{Kind: KindTransient, Reason: reason, Err: cause}
}

// KindOf reports the taxonomy kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Reason returns the display reason of err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "internal error, please try again later"
}

// Classify leaves taxonomy errors untouched and wraps anything else as
// transient infrastructure failure.
func Classify(reason string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Transient(reason, err)
}

// Package simerr defines the typed failures reported by the simulation core.
//
// Every core operation either succeeds or returns an *Error whose Kind tells
// the caller what was rejected. A rejected command never mutates state, so
// callers can surface the kind and carry on.
package simerr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	KindCapacityExceeded   Kind = "CAPACITY_EXCEEDED"
	KindInsufficientPoints Kind = "INSUFFICIENT_POINTS"
	KindInvalidAmount      Kind = "INVALID_AMOUNT"
	KindNotConfigured      Kind = "NOT_CONFIGURED"
	KindInvalidCatalog     Kind = "INVALID_CATALOG"
	KindUnknownReference   Kind = "UNKNOWN_REFERENCE"
	KindUnsupported        Kind = "UNSUPPORTED"
	KindAlreadyInstalled   Kind = "ALREADY_INSTALLED"
	KindNotInstalled       Kind = "NOT_INSTALLED"
	KindLocked             Kind = "LOCKED"
	KindSessionOver        Kind = "SESSION_OVER"
	KindInvalidSnapshot    Kind = "INVALID_SNAPSHOT"
	KindNotOffered         Kind = "NOT_OFFERED"
)

var kinds = []Kind{
	KindCapacityExceeded,
	KindInsufficientPoints,
	KindInvalidAmount,
	KindNotConfigured,
	KindInvalidCatalog,
	KindUnknownReference,
	KindUnsupported,
	KindAlreadyInstalled,
	KindNotInstalled,
	KindLocked,
	KindSessionOver,
	KindInvalidSnapshot,
	KindNotOffered,
}

// Kinds lists every known kind.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// ParseKind resolves a kind by its code, case-sensitive.
func ParseKind(code string) (Kind, bool) {
	for _, k := range kinds {
		if string(k) == code {
			return k, true
		}
	}
	return "", false
}

// Sentinels for errors.Is comparisons.
var (
	ErrCapacityExceeded   = &Error{Kind: KindCapacityExceeded}
	ErrInsufficientPoints = &Error{Kind: KindInsufficientPoints}
	ErrInvalidAmount      = &Error{Kind: KindInvalidAmount}
	ErrNotConfigured      = &Error{Kind: KindNotConfigured}
	ErrInvalidCatalog     = &Error{Kind: KindInvalidCatalog}
	ErrUnknownReference   = &Error{Kind: KindUnknownReference}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrAlreadyInstalled   = &Error{Kind: KindAlreadyInstalled}
	ErrNotInstalled       = &Error{Kind: KindNotInstalled}
	ErrLocked             = &Error{Kind: KindLocked}
	ErrSessionOver        = &Error{Kind: KindSessionOver}
	ErrInvalidSnapshot    = &Error{Kind: KindInvalidSnapshot}
	ErrNotOffered         = &Error{Kind: KindNotOffered}
)

// Error is a rejected operation with the identifier that caused it.
type Error struct {
	Kind    Kind
	ID      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.ID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error of kind about id.
func New(kind Kind, id, format string, args ...any) *Error {
	return &Error{Kind: kind, ID: id, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new error of kind.
func Wrap(kind Kind, id string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, ID: id, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind carried by err, or "" when err is not a simerr.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

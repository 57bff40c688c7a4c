// Package apperror defines the error kinds surfaced by the analytics core and its adapters.
package apperror

import (
	"errors"
	"fmt"
)

// Kind identifies the category of error
type Kind string

const (
	// KindInvalidPricing means pricing was missing or not strictly positive.
	KindInvalidPricing Kind = "INVALID_PRICING"

	// KindInsufficientHistory means a forecast was requested with fewer than two points.
	KindInsufficientHistory Kind = "INSUFFICIENT_HISTORY"

	// KindEmptyCycleCatalog means no billing cycle is available. Callers treat it as an empty state.
	KindEmptyCycleCatalog Kind = "EMPTY_CYCLE_CATALOG"

	// KindUpstreamFetch wraps any failure of the external data store or edge function.
	KindUpstreamFetch Kind = "UPSTREAM_FETCH"

	// KindInput indicates a request validation error
	KindInput Kind = "INPUT_ERROR"

	// KindNotFound indicates a resource not found error
	KindNotFound Kind = "NOT_FOUND"
)

// Error represents a domain error with context
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Cause   error          `json:"-"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// InvalidPricing reports a missing or non-positive price per IPU.
func InvalidPricing(pricePerIPU float64) *Error {
	return Newf(KindInvalidPricing, "price per IPU must be greater than zero, got %v", pricePerIPU).
		WithContext("price_per_ipu", pricePerIPU)
}

// InsufficientHistory reports a forecast request over too short a history.
func InsufficientHistory(have, need int) *Error {
	return Newf(KindInsufficientHistory, "forecast needs at least %d historical cycles, got %d", need, have).
		WithContext("history_length", have)
}

func EmptyCycleCatalog() *Error {
	return New(KindEmptyCycleCatalog, "no billing cycles available")
}

// UpstreamFetch wraps a failure of an external collaborator. op names the failed call.
func UpstreamFetch(op string, cause error) *Error {
	return Wrap(KindUpstreamFetch, op, cause).WithContext("operation", op)
}

func Input(message string) *Error {
	return New(KindInput, message)
}

func Inputf(format string, args ...any) *Error {
	return Newf(KindInput, format, args...)
}

func NotFound(resourceType, identifier string) *Error {
	return Newf(KindNotFound, "%s not found: %s", resourceType, identifier)
}

// Package apperr defines the engine's error taxonomy. Every failure the
// core can surface carries a stable machine-readable code and the HTTP-ish
// status class the outer layer should map it to.
package apperr

import (
	"errors"
	"fmt"
)

// Stable error codes.
const (
	CodeInvalidInput            = "INVALID_INPUT"
	CodeInsufficientFunds       = "INSUFFICIENT_FUNDS"
	CodeInsufficientHoldings    = "INSUFFICIENT_HOLDINGS"
	CodeInsufficientAtExecution = "INSUFFICIENT_HOLDINGS_AT_EXECUTION"
	CodeQuoteUnavailable        = "QUOTE_UNAVAILABLE"
	CodeProviderUnavailable     = "PROVIDER_UNAVAILABLE"
	CodeInvalidRange            = "INVALID_RANGE"
)

// Error is a typed application error.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two Errors by code, so errors.Is works against the sentinel
// constructors below regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an application error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Invalid reports malformed or missing input.
func Invalid(message string) *Error {
	return New(422, CodeInvalidInput, message)
}

// InsufficientFunds reports a BRL balance too low at accept time.
func InsufficientFunds() *Error {
	return New(422, CodeInsufficientFunds, "insufficient BRL balance")
}

// InsufficientHoldings reports BTC holdings too low at accept time.
func InsufficientHoldings() *Error {
	return New(422, CodeInsufficientHoldings, "insufficient BTC holdings")
}

// InsufficientAtExecution reports that open lots could not cover a sell at
// execution time. Fatal for that order; the core never retries it.
func InsufficientAtExecution() *Error {
	return New(409, CodeInsufficientAtExecution, "insufficient holdings during processing")
}

// QuoteUnavailable reports a missing or degenerate (non-positive) price.
func QuoteUnavailable() *Error {
	return New(503, CodeQuoteUnavailable, "quote unavailable")
}

// ProviderUnavailable reports that the quote provider failed and no cached
// value could serve as fallback.
func ProviderUnavailable() *Error {
	return New(503, CodeProviderUnavailable, "quote provider is unavailable")
}

// InvalidRange reports a bad statement window.
func InvalidRange(message string) *Error {
	return New(422, CodeInvalidRange, message)
}

// CodeOf returns the code of err if it is an application error, "" otherwise.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 500
}

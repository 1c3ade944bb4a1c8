// Package errors provides structured error handling shared by chat services.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotFound covers missing listings, rooms, messages and participants.
	CodeNotFound Code = "NOT_FOUND"
	// CodeForbidden covers self-chat attempts, non-participant reads and
	// sends from inactive participants.
	CodeForbidden Code = "FORBIDDEN"
	// CodeValidation covers malformed or empty input.
	CodeValidation Code = "VALIDATION"
	// CodeInternal covers storage and transaction failures.
	CodeInternal Code = "INTERNAL"

	// Transport errors
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (c Code) Retryable() bool {
	return c == CodeInternal || c == CodeResourceExhausted
}

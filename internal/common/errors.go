// Package common defines shared constants and sentinel errors used across
// the expanse server layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrUpstreamFailure marks a failed call to the external account provider.
	// The local effect of the operation may still have completed.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrStorageFailure marks a failed call to the durable store.
	ErrStorageFailure = errors.New("storage failure")

	// Auth errors (invalid or malformed session token).
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidFilename is returned for export tokens that are not UUIDs.
	ErrInvalidFilename = errors.New("invalid filename")
)

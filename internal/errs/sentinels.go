// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed payload or a missing required field.
	ErrValidation = errors.New("validation")

	// ErrVersionConflict indicates a concurrent update lost a race on a unique key.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller lacks the right to act
	// (not a member, not an admin, self-target).
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates a temporary lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUndecryptable indicates ciphertext, IV, tag or key material could not be opened.
	ErrUndecryptable = errors.New("undecryptable")
)

// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a malformed or semantically invalid request.
// Validation failures are never retried.
var ErrValidation = errors.New("validation failed")

// ErrIdempotencyMismatch indicates an idempotency key was reused with a
// different request payload. This is a caller bug, not a transient fault.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with different payload")

// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation collides with existing state
// (e.g. starting a run while one is already active).
var ErrConflict = errors.New("conflict")

// ErrValidation indicates the input failed structural validation.
var ErrValidation = errors.New("validation failed")

// ErrAborted indicates execution was cancelled by an abort signal.
var ErrAborted = errors.New("aborted")

// ErrTimeout indicates an execution attempt exceeded its deadline.
var ErrTimeout = errors.New("timed out")

// ErrUnavailable indicates a required external collaborator cannot be reached.
var ErrUnavailable = errors.New("unavailable")

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Configuration errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrUnknownBackend = errors.New("unsupported backend")
	ErrUnknownFormat  = errors.New("unsupported output format")

	// Pipeline errors
	ErrAlreadyRan = errors.New("pipeline has already run")

	// Task and run errors
	ErrTaskNotFound = errors.New("task not found")
	ErrRunNotFound  = errors.New("run not found")

	// Stage errors
	ErrDecodeFailed     = errors.New("decode failed")
	ErrUnsupportedInput = errors.New("backend does not support this input")
	ErrNoPayload        = errors.New("item has neither encoded data nor decoded image")
	ErrShapeMismatch    = errors.New("images in batch differ in size")

	// Worker pool errors
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPanicked   = errors.New("task panicked")

	// Backend errors
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrModelPathRequired  = errors.New("model path is required for this backend")
)

// StageError scopes a failure to the items a stage was working on.
type StageError struct {
	Stage string
	UIDs  []string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Stage, strings.Join(e.UIDs, ","), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
)

// Kind is a compact, typed failure signal. Keep these stable: state.json,
// metrics and the retry policy depend on them.
type Kind string

const (
	KindInputNotFound     Kind = "INPUT_NOT_FOUND"
	KindInvalidSubtitle   Kind = "INVALID_SUBTITLE"
	KindModelMissing      Kind = "MODEL_MISSING"
	KindModelCorrupted    Kind = "MODEL_CORRUPTED"
	KindGPUProbeFailed    Kind = "GPU_PROBE_FAILED"
	KindWorkerSpawnFailed Kind = "WORKER_SPAWN_FAILED"
	KindWorkerExitNonzero Kind = "WORKER_EXIT_NONZERO"
	KindWorkerTimeout     Kind = "WORKER_TIMEOUT"
	KindWorkerOutput      Kind = "WORKER_OUTPUT_MALFORMED"
	KindLengthExceeded    Kind = "VALIDATION_LENGTH_EXCEEDED"
	KindScriptViolation   Kind = "VALIDATION_SCRIPT_VIOLATION"
	KindStateWriteFailed  Kind = "STATE_WRITE_FAILED"
	KindCancelled         Kind = "CANCELLED"
	KindResourceBusy      Kind = "RESOURCE_BUSY"
)

// Error is the structured error crossing component boundaries. Worker
// failures never unwind through the scheduler as panics or bare strings,
// only as *Error values recorded in stage status.
type Error struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Path    string   `json:"path,omitempty"` // offending path, if any
	Tail    []string `json:"tail,omitempty"` // last stderr lines, if any
	cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a structured error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps a cause with a structured error.
func WrapE(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithPath attaches the offending path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithTail attaches the captured stderr tail.
func (e *Error) WithTail(tail []string) *Error {
	e.Tail = tail
	return e
}

// KindOf extracts the Kind from an error chain, or "" when untagged.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// AsError extracts the structured error from a chain, or wraps an untagged
// error under the given fallback kind.
func AsError(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return WrapE(fallback, err, "%s", err.Error())
}

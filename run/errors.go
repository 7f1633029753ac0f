package run

import "errors"

var (
	// ErrInvalidInput rejects a run submission before any state is created.
	ErrInvalidInput = errors.New("run: input files are required")

	// ErrUnknownRun is returned by lookups against an unregistered run id.
	ErrUnknownRun = errors.New("run: unknown run id")

	// ErrStageDone rejects a second result write for the same stage key.
	ErrStageDone = errors.New("run: stage result already written")

	// ErrCancelled marks a run terminated early by explicit request.
	ErrCancelled = errors.New("run: cancelled")
)

// Package errdefs declares the error kinds surfaced by the conversation
// core. Callers match with errors.Is; lower layers wrap these with context
// via fmt.Errorf("...: %w", ...).
package errdefs

import "errors"

var (
	// ErrThreadNotFound reports a missing thread id.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound reports a missing message id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidParent reports a parent id that is absent or belongs to a
	// different thread.
	ErrInvalidParent = errors.New("invalid parent")
	// ErrConcurrentModification reports a write based on a stale view: a
	// branch-state write naming a child outside the addressed sibling group,
	// or a streaming delta for an already finished message. Under the
	// single-writer model this only arises from a caller bug.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrStorageFailure wraps I/O or constraint violations from the
	// persistence collaborator. Never retried here; callers surface it and
	// let the user retry the visible action.
	ErrStorageFailure = errors.New("storage failure")
)

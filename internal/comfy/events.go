package comfy

import (
	apperrors "comfyui-worker/internal/common/errors"
)

// EventKind classifies monitoring events.
type EventKind string

const (
	// EventQueued means the prompt is waiting in the server's queue.
	EventQueued EventKind = "queued"
	// EventExecuting means a specific node began executing.
	EventExecuting EventKind = "executing"
	// EventProgress carries a fractional completion update for the current node.
	EventProgress EventKind = "progress"
	// EventCompleted is terminal: the prompt finished and outputs exist.
	EventCompleted EventKind = "completed"
	// EventError is terminal: execution failed or monitoring gave up.
	EventError EventKind = "error"
)

// ExecutionEvent is one observation of a running prompt. The stream a
// Monitor produces contains exactly one terminal event and nothing after it.
type ExecutionEvent struct {
	Kind     EventKind
	NodeID   string
	Progress float64
	Err      *apperrors.WorkerError
}

// Terminal reports whether the event ends the stream.
func (e ExecutionEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventError
}

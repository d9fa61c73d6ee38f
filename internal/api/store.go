// Package api exposes the worker over HTTP: job submission (async and
// blocking), job status lookup, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"comfyui-worker/internal/outputs"
)

// Status is the lifecycle state of a submitted job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Job is the stored record of one submission.
type Job struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Output      *outputs.Payload `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ErrJobNotFound is returned by Store.Get for unknown or expired job ids.
var ErrJobNotFound = errors.New("job not found")

// Store persists job records. Finished jobs may expire after the configured
// result TTL.
type Store interface {
	Put(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

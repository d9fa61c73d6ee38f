// Package handler orchestrates one generation job end to end: input
// validation, resource headroom, template preparation, submission, execution
// monitoring, and output collection.
package handler

import (
	"comfyui-worker/internal/outputs"
)

// JobInput is the request payload for one generation job.
type JobInput struct {
	Prompt string `json:"prompt"`
	// Image is an optional input image as a data URI or bare base64 string.
	Image  string `json:"image,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Length int    `json:"length,omitempty"`
	// Workflow selects a template from the fixed catalog.
	Workflow string `json:"workflow,omitempty"`
	// ComfyOrgAPIKey is forwarded to the server for nodes that call
	// comfy.org hosted models.
	ComfyOrgAPIKey string `json:"comfy_org_api_key,omitempty"`
}

// Result is the job response: exactly one of Output or Error is set.
type Result struct {
	Output *outputs.Payload `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Failed reports whether the job produced an error response.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Dimension defaults applied when the job omits them.
const (
	DefaultWidth  = 480
	DefaultHeight = 640
	DefaultLength = 81
)

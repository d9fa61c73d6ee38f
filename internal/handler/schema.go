package handler

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	apperrors "comfyui-worker/internal/common/errors"
	"comfyui-worker/internal/workflow"
)

// inputSchema validates the job input shape. The workflow enum is built from
// the template catalog so the schema and the store can never disagree.
func inputSchema() map[string]interface{} {
	names := workflow.Names()
	enum := make([]interface{}, len(names))
	for i, n := range names {
		enum[i] = n
	}

	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": true,
		"required":             []interface{}{"prompt"},
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"image": map[string]interface{}{
				"type": "string",
			},
			"width": map[string]interface{}{
				"type":    "integer",
				"minimum": 64,
				"maximum": 4096,
			},
			"height": map[string]interface{}{
				"type":    "integer",
				"minimum": 64,
				"maximum": 4096,
			},
			"length": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
				"maximum": 481,
			},
			"workflow": map[string]interface{}{
				"type": "string",
				"enum": enum,
			},
			"comfy_org_api_key": map[string]interface{}{
				"type": "string",
			},
		},
	}
}

// validateInput checks the raw input document against the schema and reports
// every violation at once so callers fix their request in one round trip.
func validateInput(raw map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(inputSchema()),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if result.Valid() {
		return nil
	}

	fieldErrors := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		fieldErrors = append(fieldErrors, violation.String())
	}
	return apperrors.NewValidationError(fieldErrors)
}

// applyDefaults fills unset dimensions and the template selection.
func applyDefaults(input *JobInput) {
	if input.Width == 0 {
		input.Width = DefaultWidth
	}
	if input.Height == 0 {
		input.Height = DefaultHeight
	}
	if input.Length == 0 {
		input.Length = DefaultLength
	}
	if input.Workflow == "" {
		input.Workflow = workflow.DefaultTemplate
	}
}

// decodedImage is an input image ready for upload.
type decodedImage struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// decodeInputImage accepts a data URI or bare base64 string and verifies the
// bytes are a parseable image. The image is uploaded as-is; requested
// dimensions are applied by the workflow's latent nodes, not by resizing.
func decodeInputImage(value string) (*decodedImage, error) {
	payload := value
	if strings.HasPrefix(value, "data:") {
		_, after, found := strings.Cut(value, ";base64,")
		if !found {
			return nil, apperrors.NewValidationError([]string{"image: data URI is not base64 encoded"})
		}
		payload = after
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperrors.NewValidationError([]string{fmt.Sprintf("image: invalid base64: %v", err)})
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewValidationError([]string{fmt.Sprintf("image: not a decodable image: %v", err)})
	}

	return &decodedImage{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

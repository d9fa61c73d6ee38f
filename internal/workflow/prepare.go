package workflow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "comfyui-worker/internal/common/errors"
)

// Placeholder tokens recognized inside workflow templates. The three prompt
// tokens are aliases; templates use whichever reads best for their modality.
const (
	placeholderVideoPrompt    = "{{ VIDEO_PROMPT }}"
	placeholderPositivePrompt = "{{ POSITIVE_PROMPT }}"
	placeholderImagePrompt    = "{{ IMAGE_PROMPT }}"
	placeholderInputImage     = "{{ INPUT_IMAGE }}"
	placeholderImageWidth     = "{{ IMAGE_WIDTH }}"
	placeholderImageHeight    = "{{ IMAGE_HEIGHT }}"
)

// Substitutions carries the per-job values injected into a template.
type Substitutions struct {
	Prompt        string
	ImageFilename string
	Width         int
	Height        int
	Length        int
}

// Prepare specializes the document in place for one job: placeholder tokens
// are replaced with job values, latent dimensions are overridden where the
// graph supports it, and save nodes get a unique filename prefix so outputs
// from concurrent jobs never collide on the generation server.
//
// Returns MISSING_PLACEHOLDER when the template references an input image the
// job did not provide.
func (d Document) Prepare(subs Substitutions) error {
	if d.RequiresInputImage() && subs.ImageFilename == "" {
		return apperrors.NewMissingPlaceholderError(placeholderInputImage)
	}

	replacements := map[string]interface{}{
		placeholderVideoPrompt:    subs.Prompt,
		placeholderPositivePrompt: subs.Prompt,
		placeholderImagePrompt:    subs.Prompt,
		placeholderInputImage:     subs.ImageFilename,
		placeholderImageWidth:     subs.Width,
		placeholderImageHeight:    subs.Height,
	}
	for id, node := range d {
		d[id] = substitute(node, replacements)
	}

	d.overrideDimensions(subs)
	d.assignOutputPrefix()
	return nil
}

// overrideDimensions sets explicit width/height inputs on the latent node.
// WanImageToVideo also carries the frame count. Templates without either
// node keep their authored dimensions.
func (d Document) overrideDimensions(subs Substitutions) {
	if inputs, ok := d.findNodeInputs("WanImageToVideo"); ok {
		inputs["width"] = subs.Width
		inputs["height"] = subs.Height
		inputs["length"] = subs.Length
		return
	}
	if inputs, ok := d.findNodeInputs("EmptySD3LatentImage"); ok {
		inputs["width"] = subs.Width
		inputs["height"] = subs.Height
	}
}

// assignOutputPrefix stamps a fresh uuid prefix onto every save node.
func (d Document) assignOutputPrefix() {
	prefix := uuid.NewString()
	for _, node := range d {
		nodeMap, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		switch nodeMap["class_type"] {
		case "SaveImage", "SaveAnimatedWEBP", "SaveVideo", "SaveWEBM", "VHS_VideoCombine":
			if inputs, ok := nodeMap["inputs"].(map[string]interface{}); ok {
				inputs["filename_prefix"] = prefix
			}
		}
	}
}

func (d Document) findNodeInputs(classType string) (map[string]interface{}, bool) {
	for _, node := range d {
		nodeMap, ok := node.(map[string]interface{})
		if !ok || nodeMap["class_type"] != classType {
			continue
		}
		if inputs, ok := nodeMap["inputs"].(map[string]interface{}); ok {
			return inputs, true
		}
	}
	return nil, false
}

// substitute walks the value tree replacing placeholder strings. A string
// that is exactly a token is replaced with the typed value, so dimension
// tokens become numbers; tokens embedded inside longer strings are spliced
// in textually.
func substitute(value interface{}, replacements map[string]interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, item := range v {
			v[k] = substitute(item, replacements)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = substitute(item, replacements)
		}
		return v
	case string:
		if repl, ok := replacements[v]; ok {
			return repl
		}
		if strings.Contains(v, "{{ ") {
			for token, repl := range replacements {
				v = strings.ReplaceAll(v, token, fmt.Sprintf("%v", repl))
			}
		}
		return v
	default:
		return value
	}
}

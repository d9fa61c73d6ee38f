// Package workflow loads and specializes ComfyUI workflow templates. A
// template is an opaque node graph with embedded placeholder tokens; the
// store owns the fixed catalog of recognized template names and hands out a
// fresh copy per job so concurrent jobs never share a mutable document.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	apperrors "comfyui-worker/internal/common/errors"
)

// Document is a parsed workflow graph keyed by node id.
type Document map[string]interface{}

// DefaultTemplate is used when a job does not select a template.
const DefaultTemplate = "video_wan2_2_14B_i2v"

// catalog maps recognized template names to their files on disk.
var catalog = map[string]string{
	"video_wan2_2_14B_i2v":         "video_wan2_2_14B_i2v.json",
	"T2I_ChromaAnimaAIO":           "T2I_ChromaAnimaAIO.json",
	"qwen-image-fast-runpod":       "qwen-image-fast-runpod.json",
	"image_qwen_t2i":               "image_qwen_image_distill_official_comfyui.json",
	"crayon-drawing":               "crayon-drawing.json",
	"I2V-Wan-2.2-Lightning-runpod": "I2V-Wan-2.2-Lightning-runpod.json",
}

// Names returns the catalog's template names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store loads templates from a directory of catalog files.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns a deep copy of the named template. Parsing from disk on every
// call is what guarantees the copy; templates are small enough that caching
// would buy nothing.
func (s *Store) Load(name string) (Document, error) {
	file, ok := catalog[name]
	if !ok {
		return nil, apperrors.NewUnknownTemplateError(name)
	}

	path := filepath.Join(s.dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow template not found at %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON in workflow template %s: %w", file, err)
	}
	return doc, nil
}

// RequiresInputImage reports whether the document contains the input image
// placeholder anywhere in its node graph.
func (d Document) RequiresInputImage() bool {
	return containsToken(map[string]interface{}(d), placeholderInputImage)
}

// ExpectedAssetKinds returns which output asset kinds ("images", "videos")
// the document's save nodes will produce.
func (d Document) ExpectedAssetKinds() []string {
	kinds := map[string]bool{}
	for _, node := range d {
		nodeMap, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		switch nodeMap["class_type"] {
		case "SaveImage", "SaveAnimatedWEBP":
			kinds["images"] = true
		case "SaveVideo", "SaveWEBM", "VHS_VideoCombine":
			kinds["videos"] = true
		}
	}

	out := make([]string, 0, 2)
	for _, k := range []string{"images", "videos"} {
		if kinds[k] {
			out = append(out, k)
		}
	}
	return out
}

func containsToken(value interface{}, token string) bool {
	switch v := value.(type) {
	case map[string]interface{}:
		for _, item := range v {
			if containsToken(item, token) {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if containsToken(item, token) {
				return true
			}
		}
	case string:
		return v == token
	}
	return false
}

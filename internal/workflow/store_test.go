package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "comfyui-worker/internal/common/errors"
)

func writeTemplate(t *testing.T, dir, file string, doc map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), data, 0o644))
}

func i2vTemplate() map[string]interface{} {
	return map[string]interface{}{
		"3": map[string]interface{}{
			"class_type": "WanImageToVideo",
			"inputs": map[string]interface{}{
				"width":  832,
				"height": 480,
				"length": 33,
			},
		},
		"6": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]interface{}{
				"text": "{{ VIDEO_PROMPT }}",
			},
		},
		"10": map[string]interface{}{
			"class_type": "LoadImage",
			"inputs": map[string]interface{}{
				"image": "{{ INPUT_IMAGE }}",
			},
		},
		"20": map[string]interface{}{
			"class_type": "SaveVideo",
			"inputs": map[string]interface{}{
				"filename_prefix": "ComfyUI",
			},
		},
	}
}

func t2iTemplate() map[string]interface{} {
	return map[string]interface{}{
		"5": map[string]interface{}{
			"class_type": "EmptySD3LatentImage",
			"inputs": map[string]interface{}{
				"width":  "{{ IMAGE_WIDTH }}",
				"height": "{{ IMAGE_HEIGHT }}",
			},
		},
		"6": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]interface{}{
				"text": "{{ POSITIVE_PROMPT }}",
			},
		},
		"9": map[string]interface{}{
			"class_type": "SaveImage",
			"inputs": map[string]interface{}{
				"filename_prefix": "ComfyUI",
			},
		},
	}
}

func TestLoadUnknownTemplate(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Load("no-such-template")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnknownTemplate))
}

func TestLoadReturnsIndependentCopies(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "video_wan2_2_14B_i2v.json", i2vTemplate())
	store := NewStore(dir)

	first, err := store.Load("video_wan2_2_14B_i2v")
	require.NoError(t, err)
	require.NoError(t, first.Prepare(Substitutions{
		Prompt: "a cat", ImageFilename: "in.png", Width: 480, Height: 640, Length: 81,
	}))

	second, err := store.Load("video_wan2_2_14B_i2v")
	require.NoError(t, err)

	node := second["6"].(map[string]interface{})["inputs"].(map[string]interface{})
	assert.Equal(t, "{{ VIDEO_PROMPT }}", node["text"])
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Load("video_wan2_2_14B_i2v")

	assert.Error(t, err)
	assert.False(t, apperrors.IsCode(err, apperrors.ErrCodeUnknownTemplate))
}

func TestRequiresInputImage(t *testing.T) {
	assert.True(t, Document(i2vTemplate()).RequiresInputImage())
	assert.False(t, Document(t2iTemplate()).RequiresInputImage())
}

func TestExpectedAssetKinds(t *testing.T) {
	assert.Equal(t, []string{"videos"}, Document(i2vTemplate()).ExpectedAssetKinds())
	assert.Equal(t, []string{"images"}, Document(t2iTemplate()).ExpectedAssetKinds())
}

// TestShippedTemplatesPrepareCleanly runs every catalog template from the
// repository's workflows directory through a full substitution.
func TestShippedTemplatesPrepareCleanly(t *testing.T) {
	store := NewStore(filepath.Join("..", "..", "workflows"))

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			doc, err := store.Load(name)
			require.NoError(t, err)

			require.NoError(t, doc.Prepare(Substitutions{
				Prompt:        "a red fox in the snow",
				ImageFilename: "input.png",
				Width:         480,
				Height:        640,
				Length:        81,
			}))

			raw, err := json.Marshal(doc)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "{{ ")
			assert.NotEmpty(t, doc.ExpectedAssetKinds())
		})
	}
}

func TestNamesCoversCatalog(t *testing.T) {
	names := Names()
	assert.Len(t, names, 6)
	assert.Contains(t, names, DefaultTemplate)
	assert.IsIncreasing(t, names)
}

package comfy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfyui-worker/internal/common/config"
	apperrors "comfyui-worker/internal/common/errors"
	"comfyui-worker/internal/common/logger"
	"comfyui-worker/internal/workflow"
)

func testComfyConfig(baseURL string) config.ComfyConfig {
	return config.ComfyConfig{
		BaseURL:             baseURL,
		AvailableMaxRetries: 5,
		AvailableInterval:   time.Millisecond,
		RequestTimeout:      2 * time.Second,
		ExecutionTimeout:    2 * time.Second,
		ReconnectAttempts:   3,
		ReconnectDelay:      time.Millisecond,
		ReconnectMaxDelay:   5 * time.Millisecond,
		HistoryAttempts:     3,
		HistoryDelay:        time.Millisecond,
	}
}

func TestCheckServerRetriesUntilAvailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system_stats", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	require.NoError(t, client.CheckServer(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheckServerExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testComfyConfig(srv.URL)
	cfg.AvailableMaxRetries = 2
	client := NewClient(cfg, logger.NewTestLogger(t))

	err := client.CheckServer(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeServerUnavailable))
}

func TestUploadImageReturnsStoredName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload/image", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "true", r.FormValue("overwrite"))
		assert.Equal(t, "input", r.FormValue("type"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		file.Close()
		assert.Equal(t, "job-input.png", header.Filename)

		// The server may rename on collision; the response name wins.
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "job-input (1).png"})
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	name, err := client.UploadImage(context.Background(), "job-input.png", []byte{0x89, 'P', 'N', 'G'})

	require.NoError(t, err)
	assert.Equal(t, "job-input (1).png", name)
}

func TestUploadImageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	_, err := client.UploadImage(context.Background(), "in.png", []byte("data"))

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUploadFailed))
}

func TestSubmitReturnsPromptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prompt", r.URL.Path)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload, "prompt")
		assert.NotEmpty(t, payload["client_id"])
		extra := payload["extra_data"].(map[string]interface{})
		assert.Equal(t, "sk-test", extra["api_key_comfy_org"])

		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-123"})
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))
	doc := workflow.Document{"1": map[string]interface{}{"class_type": "KSampler"}}

	promptID, err := client.Submit(context.Background(), doc, "sk-test")

	require.NoError(t, err)
	assert.Equal(t, "p-123", promptID)
}

func TestSubmitRejectedCarriesServerDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid prompt", "node_errors": {"3": "bad input"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	_, err := client.Submit(context.Background(), workflow.Document{}, "")

	require.Error(t, err)
	we := apperrors.AsWorkerError(err)
	assert.Equal(t, apperrors.ErrCodeSubmissionRejected, we.Code)
	assert.Contains(t, we.Details, "node_errors")
}

func TestHistoryParsesOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/history/p-123", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"p-123": {
				"outputs": {
					"9": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}
				},
				"status": {"status_str": "success", "completed": true}
			}
		}`))
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	entry, err := client.History(context.Background(), "p-123")

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Status.Completed)
	require.Len(t, entry.Outputs["9"].Images, 1)
	assert.Equal(t, "out.png", entry.Outputs["9"].Images[0].Filename)
}

func TestHistoryAbsentPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	entry, err := client.History(context.Background(), "p-missing")

	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestHistoryRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"p-123": {"outputs": {}, "status": {"status_str": "success", "completed": true}}}`))
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	entry, err := client.History(context.Background(), "p-123")

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubmitIsNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	_, err := client.Submit(context.Background(), workflow.Document{}, "")

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestViewFetchesAssetBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/view", r.URL.Path)
		assert.Equal(t, "out.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "videos", r.URL.Query().Get("subfolder"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte("asset-bytes"))
	}))
	defer srv.Close()

	client := NewClient(testComfyConfig(srv.URL), logger.NewTestLogger(t))

	data, err := client.View(context.Background(), Asset{
		Filename: "out.png", Subfolder: "videos", Type: "output",
	})

	require.NoError(t, err)
	assert.Equal(t, []byte("asset-bytes"), data)
}

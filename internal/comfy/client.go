// Package comfy is the HTTP and websocket client for a local ComfyUI server.
// It covers the four server interactions a job needs: availability probing,
// input image upload, workflow submission, and output retrieval, plus the
// websocket execution monitor in monitor.go.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"comfyui-worker/internal/common/config"
	apperrors "comfyui-worker/internal/common/errors"
	"comfyui-worker/internal/common/httpx"
	"comfyui-worker/internal/common/logger"
	"comfyui-worker/internal/workflow"
)

// Client talks to one ComfyUI server. The client id is generated once and
// reused for every websocket session so the server routes execution messages
// for our prompts to us.
//
// Two HTTP clients: submission and upload POSTs are not idempotent and must
// never be replayed, while the read-only endpoints (history, view) tolerate
// the httpx retry budget. The availability probe stays single-shot because
// CheckServer owns its own retry loop.
type Client struct {
	baseURL   string
	clientID  string
	cfg       config.ComfyConfig
	http      *httpx.Client
	httpRetry *httpx.Client
	log       logger.Logger
}

func NewClient(cfg config.ComfyConfig, log logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		clientID:  uuid.NewString(),
		cfg:       cfg,
		http:      httpx.NewClient(cfg.RequestTimeout).WithRetries(0, 0),
		httpRetry: httpx.NewClient(cfg.RequestTimeout).WithRetries(2, 250*time.Millisecond),
		log:       log,
	}
}

// CheckServer probes /system_stats until the server answers or the retry
// budget runs out. ComfyUI can take a while to finish model loading after
// the container starts, hence the large default budget at a short interval.
func (c *Client) CheckServer(ctx context.Context) error {
	probeURL := c.baseURL + "/system_stats"

	for attempt := 1; attempt <= c.cfg.AvailableMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return apperrors.NewServerUnavailableError(err.Error())
		}

		resp, err := c.http.Do(req)
		if err == nil {
			code := resp.StatusCode
			resp.Body.Close()
			if code == http.StatusOK {
				c.log.Debug("comfyui server reachable", map[string]interface{}{
					"attempt": attempt,
				})
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return apperrors.NewServerUnavailableError(ctx.Err().Error())
		case <-time.After(c.cfg.AvailableInterval):
		}
	}

	return apperrors.NewServerUnavailableError(fmt.Sprintf(
		"no response from %s after %d attempts", probeURL, c.cfg.AvailableMaxRetries))
}

// UploadImage posts image bytes to /upload/image and returns the filename
// the server stored them under. The server may rename on collision, so the
// returned name is authoritative and must be what gets spliced into the
// workflow.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", apperrors.NewUploadError(err)
	}
	if _, err := part.Write(data); err != nil {
		return "", apperrors.NewUploadError(err)
	}
	_ = mw.WriteField("overwrite", "true")
	_ = mw.WriteField("type", "input")
	if err := mw.Close(); err != nil {
		return "", apperrors.NewUploadError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", apperrors.NewUploadError(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.NewUploadError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", apperrors.NewUploadError(fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var uploaded struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", apperrors.NewUploadError(err)
	}
	if uploaded.Name == "" {
		return "", apperrors.NewUploadError(fmt.Errorf("upload response missing stored name"))
	}

	c.log.Info("input image uploaded", map[string]interface{}{
		"filename": uploaded.Name,
	})
	return uploaded.Name, nil
}

// Submit queues a prepared workflow on /prompt and returns the prompt id.
// A 400 means the server rejected the graph; its validation detail is
// surfaced verbatim as SUBMISSION_REJECTED.
func (c *Client) Submit(ctx context.Context, doc workflow.Document, apiKey string) (string, error) {
	payload := map[string]interface{}{
		"prompt":    doc,
		"client_id": c.clientID,
	}
	if apiKey != "" {
		payload["extra_data"] = map[string]interface{}{
			"api_key_comfy_org": apiKey,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewInternalError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewInternalError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.NewServerUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		detail, _ := io.ReadAll(resp.Body)
		return "", apperrors.NewSubmissionRejectedError(string(detail))
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return "", apperrors.NewSubmissionRejectedError(
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(detail)))
	}

	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", apperrors.NewInternalError(err)
	}
	if queued.PromptID == "" {
		return "", apperrors.NewSubmissionRejectedError("response contained no prompt_id")
	}

	c.log.Info("workflow queued", map[string]interface{}{
		"prompt_id": queued.PromptID,
	})
	return queued.PromptID, nil
}

// Asset identifies one stored output file on the server.
type Asset struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the assets one node produced, grouped by kind.
type NodeOutput struct {
	Images []Asset `json:"images"`
	Videos []Asset `json:"videos"`
	Gifs   []Asset `json:"gifs"`
}

// HistoryEntry is the server's record of one finished (or failed) prompt.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// History fetches the execution record for a prompt. A nil entry with a nil
// error means the server has no record yet.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	resp, err := c.httpRetry.Do(req)
	if err != nil {
		return nil, apperrors.NewServerUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewServerUnavailableError(fmt.Sprintf("history status %d", resp.StatusCode))
	}

	var entries map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	entry, ok := entries[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// View downloads one stored asset via /view.
func (c *Client) View(ctx context.Context, asset Asset) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", asset.Filename)
	query.Set("subfolder", asset.Subfolder)
	query.Set("type", asset.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewFetchError(asset.Filename, err)
	}

	resp, err := c.httpRetry.Do(req)
	if err != nil {
		return nil, apperrors.NewFetchError(asset.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewFetchError(asset.Filename, fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewFetchError(asset.Filename, err)
	}
	return data, nil
}

// websocketURL derives the ws endpoint for this client's session.
func (c *Client) websocketURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws"
	parsed.RawQuery = "clientId=" + url.QueryEscape(c.clientID)
	return parsed.String(), nil
}

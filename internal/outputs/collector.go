// Package outputs waits for a finished prompt's assets to appear in the
// server's history, downloads them, and finalizes them for the job response:
// inline base64 by default, or object-storage URLs when a bucket endpoint is
// configured.
package outputs

import (
	"context"
	"encoding/base64"
	"time"

	"comfyui-worker/internal/comfy"
	"comfyui-worker/internal/common/config"
	apperrors "comfyui-worker/internal/common/errors"
	"comfyui-worker/internal/common/logger"
	"comfyui-worker/internal/common/metrics"
)

// historyViewer is the slice of the comfy client the collector needs.
type historyViewer interface {
	History(ctx context.Context, promptID string) (*comfy.HistoryEntry, error)
	View(ctx context.Context, asset comfy.Asset) ([]byte, error)
}

// Payload is the finalized output of one job: base64 strings or URLs,
// grouped by kind.
type Payload struct {
	Images []string `json:"images,omitempty"`
	Videos []string `json:"videos,omitempty"`
}

// Collector assembles the final Payload for a completed prompt.
type Collector struct {
	comfy    historyViewer
	uploader Uploader
	cfg      config.ComfyConfig
	log      logger.Logger
}

// NewCollector builds a collector. A nil uploader selects inline base64
// finalization.
func NewCollector(client historyViewer, uploader Uploader, cfg config.ComfyConfig, log logger.Logger) *Collector {
	return &Collector{comfy: client, uploader: uploader, cfg: cfg, log: log}
}

// Collect polls history until every expected asset kind has at least one
// durable (non-temp) file, then fetches and finalizes everything found.
// There is a short window after the terminal execution event in which the
// server has not flushed outputs to history yet, which is what the polling
// budget absorbs. Exhausting it yields ASSETS_NOT_READY.
func (c *Collector) Collect(ctx context.Context, promptID string, expectedKinds []string) (*Payload, error) {
	var assets map[string][]comfy.Asset

	for attempt := 1; attempt <= c.cfg.HistoryAttempts; attempt++ {
		entry, err := c.comfy.History(ctx, promptID)
		if err == nil && entry != nil {
			found := groupAssets(entry)
			if coversKinds(found, expectedKinds) {
				assets = found
				break
			}
		}

		if attempt == c.cfg.HistoryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.NewAssetsNotReadyError(promptID, attempt)
		case <-time.After(c.cfg.HistoryDelay):
		}
	}
	if assets == nil {
		return nil, apperrors.NewAssetsNotReadyError(promptID, c.cfg.HistoryAttempts)
	}

	payload := &Payload{}
	for _, kind := range []string{"images", "videos"} {
		for _, asset := range assets[kind] {
			data, err := c.comfy.View(ctx, asset)
			if err != nil {
				return nil, err
			}

			finalized, err := c.finalize(ctx, promptID, asset, data)
			if err != nil {
				return nil, err
			}

			if kind == "images" {
				payload.Images = append(payload.Images, finalized)
			} else {
				payload.Videos = append(payload.Videos, finalized)
			}
			metrics.AssetsCollected.WithLabelValues(kind).Inc()
		}
	}

	c.log.Info("output assets collected", map[string]interface{}{
		"prompt_id": promptID,
		"images":    len(payload.Images),
		"videos":    len(payload.Videos),
	})
	return payload, nil
}

func (c *Collector) finalize(ctx context.Context, promptID string, asset comfy.Asset, data []byte) (string, error) {
	if c.uploader == nil {
		return base64.StdEncoding.EncodeToString(data), nil
	}

	url, err := c.uploader.Upload(ctx, promptID+"/"+asset.Filename, data)
	if err != nil {
		return "", apperrors.NewFetchError(asset.Filename, err)
	}
	return url, nil
}

// groupAssets flattens a history entry's node outputs into kind buckets,
// dropping temp files such as previews.
func groupAssets(entry *comfy.HistoryEntry) map[string][]comfy.Asset {
	grouped := map[string][]comfy.Asset{}
	for _, node := range entry.Outputs {
		for _, img := range node.Images {
			if img.Type != "temp" && img.Filename != "" {
				grouped["images"] = append(grouped["images"], img)
			}
		}
		for _, vid := range append(node.Videos, node.Gifs...) {
			if vid.Type != "temp" && vid.Filename != "" {
				grouped["videos"] = append(grouped["videos"], vid)
			}
		}
	}
	return grouped
}

func coversKinds(found map[string][]comfy.Asset, expected []string) bool {
	if len(expected) == 0 {
		// Templates with no recognized save node accept whatever showed up.
		return len(found["images"])+len(found["videos"]) > 0
	}
	for _, kind := range expected {
		if len(found[kind]) == 0 {
			return false
		}
	}
	return true
}

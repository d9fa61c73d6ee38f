package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"comfyui-worker/internal/comfy"
	"comfyui-worker/internal/common/config"
	apperrors "comfyui-worker/internal/common/errors"
	"comfyui-worker/internal/common/logger"
	"comfyui-worker/internal/common/metrics"
	"comfyui-worker/internal/common/observability"
	"comfyui-worker/internal/outputs"
	"comfyui-worker/internal/telemetry"
	"comfyui-worker/internal/workflow"
)

// comfyClient is the slice of the comfy client the handler drives.
type comfyClient interface {
	CheckServer(ctx context.Context) error
	UploadImage(ctx context.Context, filename string, data []byte) (string, error)
	Submit(ctx context.Context, doc workflow.Document, apiKey string) (string, error)
	Monitor(ctx context.Context, promptID string) <-chan comfy.ExecutionEvent
}

type assetCollector interface {
	Collect(ctx context.Context, promptID string, expectedKinds []string) (*outputs.Payload, error)
}

type templateStore interface {
	Load(name string) (workflow.Document, error)
}

type resourceProbe interface {
	Memory() telemetry.MemoryInfo
	Disk(path string) (telemetry.DiskInfo, error)
}

// Handler runs generation jobs against one local ComfyUI server.
type Handler struct {
	cfg       *config.Config
	store     templateStore
	comfy     comfyClient
	collector assetCollector
	resources resourceProbe
	obs       *observability.Observability
	log       logger.Logger
}

func New(cfg *config.Config, store templateStore, client comfyClient,
	collector assetCollector, resources resourceProbe,
	obs *observability.Observability, log logger.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		comfy:     client,
		collector: collector,
		resources: resources,
		obs:       obs,
		log:       log,
	}
}

// Handle runs one job to completion and always returns a Result; no error
// and no panic escapes the job boundary.
func (h *Handler) Handle(ctx context.Context, jobID string, rawInput json.RawMessage) (result Result) {
	start := time.Now()
	log := h.log.WithFields(map[string]interface{}{"job_id": jobID})

	workflowName := "unknown"
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			result = h.fail(ctx, log, workflowName, start,
				apperrors.NewInternalError(fmt.Errorf("panic: %v", r)))
		}
	}()

	log.Info("job received", nil)

	if err := h.checkHeadroom(); err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}

	input, err := h.parseInput(rawInput)
	if err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}
	workflowName = input.Workflow

	doc, err := h.store.Load(input.Workflow)
	if err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}

	var img *decodedImage
	if input.Image != "" {
		img, err = decodeInputImage(input.Image)
		if err != nil {
			return h.fail(ctx, log, workflowName, start, err)
		}
		if img.Width != input.Width || img.Height != input.Height {
			log.Warn("input image dimensions differ from requested output", map[string]interface{}{
				"image_width":  img.Width,
				"image_height": img.Height,
				"width":        input.Width,
				"height":       input.Height,
			})
		}
	} else if doc.RequiresInputImage() {
		// Fail before any server traffic when the template cannot be
		// satisfied.
		return h.fail(ctx, log, workflowName, start,
			apperrors.NewMissingPlaceholderError("{{ INPUT_IMAGE }}"))
	}

	if err := h.comfy.CheckServer(ctx); err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}

	var uploadedName string
	if img != nil {
		filename := fmt.Sprintf("%s.%s", uuid.NewString(), img.Format)
		uploadedName, err = h.comfy.UploadImage(ctx, filename, img.Data)
		if err != nil {
			return h.fail(ctx, log, workflowName, start, err)
		}
	}

	if err := doc.Prepare(workflow.Substitutions{
		Prompt:        input.Prompt,
		ImageFilename: uploadedName,
		Width:         input.Width,
		Height:        input.Height,
		Length:        input.Length,
	}); err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}

	promptID, err := h.comfy.Submit(ctx, doc, input.ComfyOrgAPIKey)
	if err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}
	log = log.WithFields(map[string]interface{}{"prompt_id": promptID})

	if err := h.awaitExecution(ctx, log, promptID); err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}

	payload, err := h.collector.Collect(ctx, promptID, doc.ExpectedAssetKinds())
	if err != nil {
		return h.fail(ctx, log, workflowName, start, err)
	}

	duration := time.Since(start)
	metrics.JobsCompleted.WithLabelValues(workflowName).Inc()
	metrics.JobDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
	if h.obs != nil {
		h.obs.RecordJobProcessed(ctx, "completed")
		h.obs.RecordJobDuration(ctx, duration, "completed")
	}

	log.Info("job completed", map[string]interface{}{
		"duration": duration.String(),
		"images":   len(payload.Images),
		"videos":   len(payload.Videos),
	})
	return Result{Output: payload}
}

// awaitExecution drains monitor events, logging progress, until the terminal
// event. A closed stream with no terminal event means monitoring gave up.
func (h *Handler) awaitExecution(ctx context.Context, log logger.Logger, promptID string) error {
	for event := range h.comfy.Monitor(ctx, promptID) {
		switch event.Kind {
		case comfy.EventQueued:
			log.Info("workflow queued on server", nil)
		case comfy.EventExecuting:
			log.Debug("node executing", map[string]interface{}{"node": event.NodeID})
		case comfy.EventProgress:
			log.Debug("node progress", map[string]interface{}{
				"node":     event.NodeID,
				"progress": fmt.Sprintf("%.0f%%", event.Progress*100),
			})
		case comfy.EventCompleted:
			log.Info("workflow execution finished", nil)
			return nil
		case comfy.EventError:
			return event.Err
		}
	}
	return apperrors.NewExecutionTimeoutError(h.cfg.Comfy.ExecutionTimeout)
}

// checkHeadroom rejects jobs early when local memory or disk is below the
// configured floor. A probe that reports nothing does not block the job.
func (h *Handler) checkHeadroom() error {
	floors := h.cfg.Resources

	if floors.MinFreeMemoryBytes > 0 {
		mem := h.resources.Memory()
		if mem.AvailableBytes > 0 && mem.AvailableBytes < floors.MinFreeMemoryBytes {
			return apperrors.NewResourceExhaustedError(fmt.Sprintf(
				"free memory %d bytes below floor %d", mem.AvailableBytes, floors.MinFreeMemoryBytes))
		}
	}

	if floors.MinFreeDiskBytes > 0 {
		disk, err := h.resources.Disk(floors.DiskPath)
		if err == nil && disk.FreeBytes < floors.MinFreeDiskBytes {
			return apperrors.NewResourceExhaustedError(fmt.Sprintf(
				"free disk %d bytes below floor %d", disk.FreeBytes, floors.MinFreeDiskBytes))
		}
	}

	return nil
}

func (h *Handler) parseInput(rawInput json.RawMessage) (*JobInput, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(rawInput, &raw); err != nil {
		return nil, apperrors.NewValidationError([]string{"input: not a JSON object"})
	}
	if err := validateInput(raw); err != nil {
		return nil, err
	}

	var input JobInput
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return nil, apperrors.NewValidationError([]string{fmt.Sprintf("input: %v", err)})
	}
	applyDefaults(&input)
	return &input, nil
}

func (h *Handler) fail(ctx context.Context, log logger.Logger, workflowName string,
	start time.Time, err error) Result {

	we := apperrors.AsWorkerError(err)
	duration := time.Since(start)

	metrics.JobsFailed.WithLabelValues(workflowName, string(we.Code)).Inc()
	metrics.JobDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
	if h.obs != nil {
		h.obs.RecordJobProcessed(ctx, "failed")
		h.obs.RecordJobDuration(ctx, duration, "failed")
	}

	log.WithError(we).Error("job failed", map[string]interface{}{
		"error_code": string(we.Code),
		"category":   apperrors.GetErrorCategory(we.Code),
		"duration":   duration.String(),
	})
	return Result{Error: we.UserMessage()}
}

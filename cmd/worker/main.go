// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"comfyui-worker/internal/api"
	"comfyui-worker/internal/comfy"
	"comfyui-worker/internal/common/config"
	"comfyui-worker/internal/common/logger"
	"comfyui-worker/internal/common/observability"
	"comfyui-worker/internal/handler"
	"comfyui-worker/internal/outputs"
	"comfyui-worker/internal/telemetry"
	"comfyui-worker/internal/workflow"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting ComfyUI worker...",
		zap.String("comfy_url", cfg.Comfy.BaseURL),
		zap.String("listen", cfg.Server.ListenAddress),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	// --- Job store: redis when configured, otherwise in-memory ---
	var store api.Store
	if cfg.Redis.Address != "" {
		redisStore := api.NewRedisStore(cfg.Redis, cfg.Server.JobResultTTL)
		err = retryWithBackoff(func() error {
			return redisStore.Ping(context.Background())
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
		zapLog.Info("Redis job store connected successfully")
	} else {
		store = api.NewMemoryStore(cfg.Server.JobResultTTL)
		zapLog.Info("Using in-memory job store")
	}

	// --- Asset finalization: object storage when a bucket is configured ---
	var uploader outputs.Uploader
	if cfg.Storage.Offload() {
		s3Uploader, err := outputs.NewS3Uploader(context.Background(), cfg.Storage)
		if err != nil {
			zapLog.Fatal("object storage init failed", zap.Error(err))
		}
		uploader = s3Uploader
		zapLog.Info("Assets will be offloaded to object storage",
			zap.String("endpoint", cfg.Storage.BucketURL),
			zap.String("bucket", cfg.Storage.Bucket),
		)
	} else {
		zapLog.Info("Assets will be returned inline as base64")
	}

	comfyClient := comfy.NewClient(cfg.Comfy, log)
	collector := outputs.NewCollector(comfyClient, uploader, cfg.Comfy, log)
	templates := workflow.NewStore(cfg.Comfy.WorkflowDir)
	resources := telemetry.NewReader()

	jobHandler := handler.New(cfg, templates, comfyClient, collector, resources, obs, log)
	server := api.NewServer(jobHandler, store, log)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: server.Handler(),
	}

	go func() {
		zapLog.Info("API server listening", zap.String("addr", cfg.Server.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("API server failed", zap.Error(err))
		}
	}()

	// pprof registers itself on the default mux at import time; the debug
	// listener is what actually serves it.
	if cfg.Server.DebugAddress != "" {
		go func() {
			zapLog.Info("Debug server listening", zap.String("addr", cfg.Server.DebugAddress))
			if err := http.ListenAndServe(cfg.Server.DebugAddress, nil); err != nil {
				zapLog.Error("Debug server failed", zap.Error(err))
			}
		}()
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down API server", zap.Error(err))
	}

	zapLog.Info("Worker stopped gracefully")
}

package main

import (
	"context"
	"log"
	"os"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/api"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/comfy"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/config"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/job"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/media"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/monitor"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("comfy-worker: starting",
		"listen_addr", cfg.ListenAddr,
		"comfy_host", cfg.ComfyHost,
	)

	ctx := context.Background()
	engine := comfy.NewClient(cfg.ComfyHost, logger)

	var uploadStore storage.ObjectStore
	if cfg.StorageConfigured() {
		s, err := storage.NewS3(ctx, cfg.Upload)
		if err != nil {
			log.Fatalf("failed to configure upload bucket: %v", err)
		}
		uploadStore = s
		logger.Info("artifact uploads enabled", "bucket", s.Bucket())
	}

	var downloadStore storage.ObjectStore
	if cfg.DownloadBucket().Configured() {
		s, err := storage.NewS3(ctx, cfg.DownloadBucket())
		if err != nil {
			log.Fatalf("failed to configure download bucket: %v", err)
		}
		downloadStore = s
	}

	watchers := func() job.Watcher {
		return monitor.New(monitor.WSDialer{}, engine.Reachable, cfg.ReconnectAttempts, cfg.ReconnectDelay, logger)
	}

	controller := job.NewController(
		job.Options{
			AvailableRetries:  cfg.AvailableRetries,
			AvailableInterval: cfg.AvailableInterval,
			JobTimeout:        cfg.JobTimeout,
			RefreshWorker:     cfg.RefreshWorker,
		},
		engine,
		media.NewResolver(downloadStore, cfg.MaxInputBytes, logger),
		watchers,
		job.NewCollector(engine, logger),
		job.NewPublisher(uploadStore, cfg.PresignTTL, logger),
		logger,
	)

	srv := api.NewServer(cfg.ListenAddr, controller, engine.Reachable, cfg.MaxInputBytes, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

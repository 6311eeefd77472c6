package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cloudfetch/api"
	"cloudfetch/cmd"
	"cloudfetch/config"
	"cloudfetch/services"
	"cloudfetch/types"
	"cloudfetch/websocket"
)

func main() {
	var (
		magnet string
		file   string
		server bool
		port   int
	)

	flag.StringVar(&magnet, "magnet", "", "Magnet link to fetch and exit")
	flag.StringVar(&file, "file", "", "Torrent or NZB file to fetch and exit")
	flag.BoolVar(&server, "server", false, "Also serve the introspection API")
	flag.IntVar(&port, "port", 8080, "Port for the introspection API")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.DownloadLocation, 0o755); err != nil {
		logger.Fatal("cannot create download location", zap.String("dir", cfg.DownloadLocation), zap.Error(err))
	}
	if err := os.MkdirAll(cfg.WatchDir, 0o755); err != nil {
		logger.Fatal("cannot create watch directory", zap.String("dir", cfg.WatchDir), zap.Error(err))
	}

	client := api.NewClient(cfg.Endpoint, cfg.APIKey, cfg.HTTPTimeout, logger)
	capacity := services.NewCapacityEstimator(client, cfg.AssumedTotalBytes, cfg.MinReservedBytes, logger)
	showProgress := magnet != "" || file != ""
	materializer := services.NewMaterializer(cfg.DownloadLocation, showProgress, logger)

	hub := websocket.NewHub(logger)
	go hub.Run()

	queue := services.NewQueueManager(client, capacity, materializer, hub, cfg.MaxConcurrentDownloads, logger)
	queue.Start(cfg.PollInterval, cfg.MaintenanceInterval)
	defer queue.Cleanup()

	// One-shot mode: submit a single descriptor, wait for it, exit.
	if magnet != "" || file != "" {
		if err := runOnce(cfg, client, materializer, magnet, file, logger); err != nil {
			logger.Fatal("download failed", zap.Error(err))
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := services.NewWatcher(cfg.WatchDir, queue, logger)
	go watcher.Run(ctx, cfg.ScanInterval)
	logger.Info("watching for descriptors",
		zap.String("dir", cfg.WatchDir),
		zap.Int("maxConcurrent", cfg.MaxConcurrentDownloads))

	if server {
		go func() {
			if err := cmd.StartWebServer(port, cfg, queue, hub, logger); err != nil {
				logger.Fatal("web server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

// runOnce drives a single job to completion, bypassing the queue the way the
// watch daemon never does. Useful for scripting and smoke tests.
func runOnce(cfg config.Config, client api.Client, materializer services.Materializer, magnet, file string, logger *zap.Logger) error {
	path := file
	if magnet != "" {
		path = filepath.Join(cfg.WatchDir, fmt.Sprintf("cli-%d.magnet", time.Now().UnixNano()))
		if err := os.WriteFile(path, []byte(magnet+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing magnet descriptor: %w", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("descriptor file: %w", err)
	}
	kind, ok := types.KindForPath(path)
	if !ok {
		return fmt.Errorf("unsupported descriptor file %q", path)
	}

	descriptor := types.JobDescriptor{
		SourcePath:  path,
		Kind:        kind,
		Fingerprint: services.Fingerprint(path, info.Size(), info.ModTime()),
		Size:        info.Size(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := services.NewJob(descriptor, client, materializer, nil, logger, nil)
	if err := job.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job.Poll(ctx)
		case result := <-job.Done():
			if !result.Succeeded {
				return fmt.Errorf("job failed: %s", result.Error)
			}
			logger.Info("download complete", zap.String("file", path))
			return nil
		}
	}
}

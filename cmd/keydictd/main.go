package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keydict/internal/config"
	"keydict/internal/dictionary"
	"keydict/internal/logger"
	"keydict/internal/network"
	"keydict/internal/pool"
	"keydict/internal/storage"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	listen := flag.String("listen", "", "Address to listen on (overrides config)")
	dataPath := flag.String("data", "", "Data directory (overrides config)")
	workers := flag.Int("workers", 0, "Number of dictionary workers (overrides config)")
	logPath := flag.String("log", "keydictd.log", "Log file")
	quiet := flag.Bool("quiet", false, "Disable info logging (log only errors)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// 0. Logging Setup
	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	multiWriter := io.MultiWriter(os.Stdout, logFile)
	logger.Setup(multiWriter)

	switch {
	case *quiet:
		logger.SetLevel(logger.LevelError)
	case *debug:
		logger.SetLevel(logger.LevelDebug)
	default:
		logger.SetLevel(logger.LevelInfo)
	}

	logger.Info("----------------------------------------")
	logger.Info("keydict server initializing...")

	// 1. Config
	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Fatal("Failed to load config: %v", err)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: %v", err)
	}

	// 2. Storage
	engine, err := storage.Open(storage.Options{
		Dir:        cfg.DataPath,
		SyncCommit: cfg.SyncMode == config.SyncStrict,
		MinimalWAL: cfg.WALLevel == config.WALMinimal,
	})
	if err != nil {
		logger.Fatal("Failed to init storage: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	// 3. Worker pool
	storeOpts := dictionary.Options{
		ReadMode:    storage.SnapshotCommitted,
		BulkSkipWAL: cfg.WALLevel == config.WALMinimal,
	}
	if cfg.ReadMode == config.ReadDirty {
		storeOpts.ReadMode = storage.SnapshotDirty
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerPool, err := pool.Start(ctx, pool.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Engine:    engine,
		Store:     storeOpts,
	})
	if err != nil {
		logger.Fatal("Failed to start worker pool: %v", err)
	}
	readyCtx, cancelReady := context.WithTimeout(ctx, time.Minute)
	err = workerPool.WaitReady(readyCtx)
	cancelReady()
	if err != nil {
		workerPool.Shutdown()
		logger.Error("Worker pool did not become ready: %v", err)
		return
	}

	// 4. Server
	server := network.NewServer(cfg.Listen, workerPool.Client(), cfg.RequestTimeout)
	if err := server.Listen(); err != nil {
		workerPool.Shutdown()
		logger.Error("Failed to listen on %s: %v", cfg.Listen, err)
		return
	}
	go func() {
		if err := server.Serve(); err != nil {
			logger.Error("Server error: %v", err)
			stop()
		}
	}()

	go checkpointLoop(ctx, engine, cfg.CheckpointInterval)

	logger.Info("Server started on %s with %d workers. Press Ctrl+C to stop.", server.Addr(), cfg.Workers)
	select {
	case <-ctx.Done():
	case <-workerPool.Done():
		logger.Error("All workers exited")
	}

	logger.Info("Shutting down...")
	server.Close()
	if err := workerPool.Shutdown(); err != nil {
		logger.Error("Worker pool: %v", err)
	}
}

// checkpointLoop writes table images and truncates the WAL every interval.
func checkpointLoop(ctx context.Context, engine *storage.Engine, interval time.Duration) {
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Checkpoint(); err != nil {
				logger.Error("Checkpoint failed: %v", err)
			}
		}
	}
}

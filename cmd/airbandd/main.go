package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		workers     int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "airband.yaml", "Path to configuration file")
	flag.IntVar(&workers, "workers", 0, "Override transcription worker count (0 = use config)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if workers > 0 {
		cfg.Transcriber.NumWorkers = workers
		logger.Info("worker count overridden", slog.Int("workers", workers))
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinelsec/gatewarden/internal/config"
	"github.com/sentinelsec/gatewarden/internal/notifications"
	"github.com/sentinelsec/gatewarden/internal/queue"
)

// Standalone notification delivery worker. Runs the same delivery loop the
// API server embeds, for deployments that scale delivery separately.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to redis: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	sender := notifications.NewService(cfg.Notifications, logger)
	worker := queue.NewWorker(q, sender, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := worker.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start worker: %v\n", err)
		os.Exit(1)
	}

	<-sigChan
	logger.Info("shutting down")
	worker.Stop()
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quartzdb/internal/configuration"
	"quartzdb/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	cfg, err := configuration.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Init(cfg.Application.LogLevel)
	slog.Info("starting quartzdb node",
		"node_id", cfg.Replication.NodeID,
		"node_name", cfg.Replication.NodeName,
		"partitions", cfg.Replication.Partitions,
	)

	n, err := newNode(cfg)
	if err != nil {
		slog.Error("failed to build node", "error", err)
		os.Exit(1)
	}

	if err := n.start(); err != nil {
		slog.Error("failed to start node", "error", err)
		os.Exit(1)
	}

	slog.Info("node ready")
	<-ctx.Done()

	slog.Info("shutting down")
	n.stop()
	slog.Info("node stopped")
}

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	temporalworker "go.temporal.io/sdk/worker"

	"example.com/fulfillment/internal/app"
	"example.com/fulfillment/internal/config"
	"example.com/fulfillment/internal/fulfillment"
	"example.com/fulfillment/internal/logging"
	"example.com/fulfillment/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg := config.Load(".env", ".env.local")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	ctx := context.Background()
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	if cfg.TemporalHost == "" {
		logger.Error("temporal host required: set TEMPORAL_HOST or -temporal")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-worker", version)
	if err != nil {
		logger.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	for _, p := range cfg.Problems() {
		logger.Warn("configuration problem", "problem", p)
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal.client")),
	})
	if err != nil {
		logger.Error("connect temporal failed", "host", cfg.TemporalHost, "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w := fulfillment.RegisterWorker(c, fulfillment.NewActivities(a.Compiler, a.Labels, logger))
	logger.Info("fulfillment worker started", "task_queue", fulfillment.TaskQueue(), "namespace", cfg.TemporalNamespace)
	if err := w.Run(temporalworker.InterruptCh()); err != nil {
		logger.Error("worker stopped with error", "error", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
}

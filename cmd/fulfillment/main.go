package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"example.com/fulfillment/internal/api"
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

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
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

	var (
		orchestrator fulfillment.Orchestrator
		temporal     client.Client
	)
	if cfg.TemporalHost != "" {
		temporal, err = client.Dial(client.Options{
			HostPort:  cfg.TemporalHost,
			Namespace: cfg.TemporalNamespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal.client")),
		})
		if err != nil {
			logger.Error("connect temporal failed", "host", cfg.TemporalHost, "error", err)
			os.Exit(1)
		}
		orchestrator = fulfillment.NewTemporalOrchestrator(temporal, logger)
	} else {
		orchestrator = fulfillment.NewDirectOrchestrator(fulfillment.NewActivities(a.Compiler, a.Labels, logger))
	}

	serverLogger := logger.With("component", "fulfillment.http")
	server := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Quotes:       a.Quotes,
			Checkout:     a.Checkout,
			Webhooks:     a.Payments,
			Orders:       a.Orders,
			Labels:       a.Labels,
			Orchestrator: orchestrator,
			AdminKey:     cfg.AdminKey,
			QuoteTimeout: cfg.QuoteTimeout,
		}, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		serverLogger.Info("fulfillment API listening", "addr", cfg.Addr, "env", cfg.Env, "temporal", cfg.TemporalHost != "")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("fulfillment server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)

	if temporal != nil {
		temporal.Close()
	}
	if err := a.Close(); err != nil {
		logger.Error("close services failed", "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("fulfillment server stopped")
}

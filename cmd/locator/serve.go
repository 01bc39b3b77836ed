package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/client"
	"github.com/devrev/pairdb/locator/internal/handler"
	"github.com/devrev/pairdb/locator/internal/health"
	"github.com/devrev/pairdb/locator/internal/metrics"
	"github.com/devrev/pairdb/locator/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the locator HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	logger.Info("Starting locator",
		zap.String("topology_source", cfg.Topology.Source),
		zap.Strings("buckets", cfg.Topology.Buckets),
		zap.Int("port", cfg.Server.Port))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	topologyStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open topology store: %w", err)
	}
	defer topologyStore.Close()

	cache, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("failed to open snapshot cache: %w", err)
	}
	if cache != nil {
		defer cache.Close()
	}

	topologyService := service.NewTopologyService(topologyStore, cache, service.TopologyConfig{
		Buckets:         cfg.Topology.Buckets,
		RefreshInterval: cfg.Topology.RefreshInterval,
		RefreshRate:     cfg.Topology.RefreshRate,
		RefreshBurst:    cfg.Topology.RefreshBurst,
	}, m, logger)
	if err := topologyService.Start(ctx); err != nil {
		return fmt.Errorf("failed to load topology: %w", err)
	}
	defer topologyService.Stop()

	backoff := algorithm.NewRetryScheduler(
		cfg.Durability.BackoffFloor,
		cfg.Durability.BackoffCap,
		cfg.Durability.BackoffFactor,
	)

	kvClient := client.NewKVClient(client.KVClientConfig{
		RequestTimeout:  cfg.Transport.RequestTimeout,
		ObserveAttempts: cfg.Transport.ObserveAttempts,
		RetryBackoff:    backoff,
		KeepaliveTime:   cfg.Transport.KeepaliveTime,
	}, logger)
	defer kvClient.Close()

	locator := service.NewLocatorService(topologyService, backoff, cfg.Topology.MaxRouteRetries, m, logger)
	durability := service.NewDurabilityService(topologyService, kvClient, service.DurabilityConfig{
		DefaultTimeout:   cfg.Durability.DefaultTimeout,
		Backoff:          backoff,
		MaxReresolutions: cfg.Durability.MaxReresolutions,
		AsyncWorkers:     cfg.Durability.AsyncWorkers,
		AsyncQueueSize:   cfg.Durability.AsyncQueueSize,
		ResultTTL:        cfg.Durability.ResultTTL,
	}, m, logger)
	mutations := service.NewMutationService(locator, topologyService, kvClient, durability, cfg.Topology.MaxRouteRetries, m, logger)

	handlers := handler.NewHandlers(locator, mutations, durability, logger, cfg.Transport.RequestTimeout)
	healthCheck := health.NewHealthCheck(topologyService, durability.PoolStats, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.NewRouter(handlers, healthCheck, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	if err := durability.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Durability pool did not drain", zap.Error(err))
	}

	logger.Info("Locator stopped")
	return nil
}

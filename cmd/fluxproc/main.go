// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/absmach/fluxproc/cluster"
	"github.com/absmach/fluxproc/config"
	"github.com/absmach/fluxproc/engine"
	"github.com/absmach/fluxproc/observe"
	"github.com/absmach/fluxproc/storage"
	"github.com/absmach/fluxproc/storage/badger"
	"github.com/absmach/fluxproc/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting correlation runtime",
		"http_addr", cfg.Server.HTTPAddr,
		"partitions", cfg.Cluster.Partitions,
		"partition_count", cfg.Cluster.PartitionCount,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize transport
	loopback := cluster.NewLoopback(logger)
	var httpSender *cluster.HTTPSender
	if len(cfg.Cluster.Peers) > 0 {
		httpSender = cluster.NewHTTPSender(cluster.HTTPSenderConfig{
			Peers:            cfg.Cluster.Peers,
			Timeout:          cfg.Cluster.Transport.Timeout,
			RateLimit:        cfg.Cluster.Transport.RateLimit,
			RateBurst:        cfg.Cluster.Transport.RateBurst,
			FailureThreshold: cfg.Cluster.Transport.FailureThreshold,
			ResetTimeout:     cfg.Cluster.Transport.ResetTimeout,
		}, logger)
		slog.Info("Peer transport enabled", "node_id", httpSender.NodeID(), "peers", len(cfg.Cluster.Peers))
	}
	router := cluster.NewRouter(loopback, httpSender)

	// Initialize metrics
	var metrics *observe.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			Endpoint:       cfg.Server.MetricsAddr,
			ServiceName:    cfg.Server.ServiceName,
			ServiceVersion: cfg.Server.ServiceVersion,
			InstanceID:     fmt.Sprintf("%s-%d", cfg.Server.ServiceName, os.Getpid()),
		})
		if err != nil {
			slog.Error("Failed to initialize metrics provider", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())

		metrics, err = observe.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
		slog.Info("Metrics enabled", "otlp_endpoint", cfg.Server.MetricsAddr)
	}

	receiver := cluster.NewHandler(logger)
	api := cluster.NewClientAPI(cfg.Cluster.PartitionCount, router, logger)

	// One engine per hosted partition, each with its own store.
	var engines []*engine.Engine
	for _, partition := range cfg.Cluster.Partitions {
		var store storage.Store
		switch cfg.Storage.Type {
		case "memory":
			store = memory.New()
		case "badger":
			badgerStore, err := badger.New(badger.Config{
				Dir: filepath.Join(cfg.Storage.BadgerDir, fmt.Sprintf("partition-%d", partition)),
			})
			if err != nil {
				slog.Error("Failed to initialize BadgerDB storage",
					"partition", partition, "error", err)
				os.Exit(1)
			}
			store = badgerStore
		default:
			slog.Error("Unknown storage type", "type", cfg.Storage.Type)
			os.Exit(1)
		}
		defer store.Close()

		opts := []engine.Option{engine.WithLogger(logger)}
		if metrics != nil {
			opts = append(opts, engine.WithMetrics(metrics))
		}
		e := engine.New(engine.Config{
			PartitionID:    partition,
			PartitionCount: cfg.Cluster.PartitionCount,
			RetryTimeout:   cfg.Engine.RetryTimeout,
			RetryInterval:  cfg.Engine.RetryInterval,
			SweepInterval:  cfg.Engine.SweepInterval,
			SweepBatch:     cfg.Engine.SweepBatch,
		}, store, engine.NewMemoryLog(), router, opts...)

		loopback.Register(e)
		receiver.Register(e)
		api.Register(e)
		engines = append(engines, e)
	}

	loopback.Start()
	defer loopback.Stop()
	for _, e := range engines {
		e.Start(ctx)
		defer e.Stop()
	}

	// HTTP server: peer commands, client publish, health.
	mux := http.NewServeMux()
	mux.Handle(cluster.CommandsPath, receiver)
	mux.Handle(cluster.PublishPath, api)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	slog.Info("Correlation runtime started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}

	slog.Info("Correlation runtime stopped")
}

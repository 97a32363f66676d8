package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/analysis"
	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/controlplane"
	"github.com/miradorstack/mirador-remediator/internal/dedup"
	"github.com/miradorstack/mirador-remediator/internal/engine"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/monitor"
	"github.com/miradorstack/mirador-remediator/internal/notify"
	"github.com/miradorstack/mirador-remediator/internal/remediation"
	"github.com/miradorstack/mirador-remediator/internal/services"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/stream"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// newServeCmd creates the "remediator serve" subcommand.
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring and remediation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-remediator", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	b, err := openBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	storeOpts := store.Options{DedupWindow: cfg.Engine.DedupWindow, ContextLimit: cfg.Engine.ContextLimit}
	st, err := openStore(ctx, cfg.Store, storeOpts, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	claims := openCache(ctx, cfg.Cache, logger)
	defer claims.Close()

	filter := &stream.SelfFilter{ServiceID: cfg.Stream.SelfServiceID, Signatures: cfg.Stream.SelfSignatures}

	var analyzer engine.Analyzer
	if cfg.Analysis.Endpoint != "" {
		analyzer = analysis.NewClient(cfg.Analysis.Endpoint, cfg.Analysis.APIKey, cfg.Analysis.Model, cfg.Analysis.Timeout)
	} else {
		logger.Warn("analysis endpoint not configured, classification uses the fallback only")
	}

	eng := engine.New(engine.Options{
		WindowSize:          cfg.Engine.WindowSize,
		FlushInterval:       cfg.Engine.FlushInterval,
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
		ClassifyTimeout:     cfg.Engine.ClassifyTimeout,
		Filter:              filter,
	}, b, dedup.NewDeduplicator(st, claims, cfg.Cache.ClaimTTL, logger), engine.NewClassifier(analyzer, logger), st, logger)

	cp := controlplane.NewClient(cfg.ControlPlane.Endpoint, cfg.ControlPlane.Token, cfg.ControlPlane.Timeout)

	notifier := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		notifier = append(notifier, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger))
	}

	coordinator := remediation.NewCoordinator(remediation.Options{
		AutoRemediate:       cfg.Remediation.AutoRemediate,
		DispatchTimeout:     cfg.Remediation.DispatchTimeout,
		DefaultEnvironments: cfg.Remediation.DefaultEnvironments,
		FallbackMemoryMB:    cfg.Remediation.FallbackMemoryMB,
		FallbackReplicas:    cfg.Remediation.FallbackReplicas,
	}, st, cp, b, notifier, logger)

	var deployments monitor.DeploymentSource
	if cfg.ControlPlane.Endpoint != "" {
		deployments = cp
	}
	manager := monitor.NewManager(monitor.Options{
		Endpoint:       cfg.Stream.Endpoint,
		Token:          cfg.Stream.Token,
		Filter:         filter,
		Backoff:        stream.Backoff{Base: cfg.Stream.BackoffBase, Max: cfg.Stream.BackoffMax},
		DialTimeout:    cfg.Stream.DialTimeout,
		DefaultFilter:  cfg.Stream.DefaultFilter,
		HealthInterval: cfg.Monitoring.HealthInterval,
		PollInterval:   cfg.Monitoring.PollInterval,
		ProbeTimeout:   cfg.Monitoring.ProbeTimeout,
		AutoSubscribe:  cfg.Monitoring.AutoSubscribe,
		AutoRemediate:  cfg.Remediation.AutoRemediate,
	}, b, st, deployments, nil, logger)

	server, err := api.NewServer(cfg.Server, services.NewOperationsService(logger, manager, coordinator))
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" exited", slog.Any("error", err))
				stop()
			}
		}()
	}
	run("engine", eng.Run)
	run("coordinator", coordinator.Run)
	run("monitor", manager.Run)

	if path := cfg.Monitoring.TargetsFile; path != "" {
		targets, err := monitor.LoadTargets(path)
		if err != nil {
			logger.Warn("targets file unreadable", slog.String("path", path), slog.Any("error", err))
		} else {
			started := manager.Init(ctx, targets)
			logger.Info("monitoring initialised", slog.Int("started", started), slog.Int("targets", len(targets)))
		}
		if cfg.Monitoring.WatchTargets {
			run("targets watcher", func(ctx context.Context) error { return manager.WatchTargets(ctx, path) })
		}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	manager.StopAll()
	wg.Wait()
	coordinator.Wait()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	logger.Info("mirador-remediator stopped")
	return nil
}

func openBus(cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	if cfg.Driver != "nats" {
		return bus.NewLocalBus(cfg.BufferSize), nil
	}
	nb, err := bus.ConnectNATS(cfg.NATSURL, cfg.SubjectPrefix, cfg.BufferSize, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats bus: %w", err)
	}
	logger.Info("nats bus connected", slog.String("url", cfg.NATSURL))
	return nb, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, opts store.Options, logger *slog.Logger) (store.Store, error) {
	if cfg.Driver != "postgres" {
		return store.NewMemoryStore(opts), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DSN, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return pg, nil
}

// openCache returns the claim cache. An unreachable Valkey degrades to the
// process-local provider.
func openCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	return provider
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-flow/pkg/broadcast"
	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/ingest"
	"github.com/polisai/polis-flow/pkg/server"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive gateway records and publish transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.setupLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cfg, logger)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	tokens := classify.NewTokenCounter()
	registry, err := buildRegistry(ctx, cfg, opts.baseDir(), tokens, logger)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(broadcast.Options{
		RecentSize:    cfg.Broadcast.RecentSize,
		BodyCacheSize: cfg.Broadcast.BodyCacheSize,
		ProgressRate:  cfg.Broadcast.ProgressRate,
		ProgressBurst: cfg.Broadcast.ProgressBurst,
		Metrics:       metrics,
		Logger:        logger,
	})
	defer hub.Close()

	if cfg.NATS.Enabled {
		sink, err := broadcast.ConnectNATS(broadcast.NATSOptions{
			URL:       cfg.NATS.URL,
			Subject:   cfg.NATS.Subject,
			QueueSize: cfg.NATS.QueueSize,
			Progress:  cfg.NATS.Progress,
			Logger:    logger,
		})
		if err != nil {
			// The viewer stream does not depend on NATS.
			logger.Error("nats sink disabled", "error", err)
		} else {
			hub.Add(sink, false)
		}
	}

	eng, err := engine.New(engine.Options{
		Registry:      registry,
		Publisher:     hub,
		Clock:         clockwork.NewRealClock(),
		GracePeriod:   cfg.Engine.GracePeriod,
		SafetyTimeout: cfg.Engine.SafetyTimeout,
		DedupLimit:    cfg.Engine.DedupLimit,
		AsyncCapacity: cfg.Engine.AsyncCapacity,
		QueueSize:     cfg.Engine.QueueSize,
		Metrics:       metrics,
		Redactor:      telemetry.NewRedactor(cfg.Telemetry.Redactions),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	listener := ingest.NewListener(eng, ingest.Options{
		Addr:        cfg.Ingest.Address,
		MaxLineSize: cfg.Ingest.MaxLineSize,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err := listener.Listen(); err != nil {
		var be *ingest.BindError
		if errors.As(err, &be) {
			logger.Error("cannot bind ingestion port", "detail", be.DetailedMessage())
		}
		return err
	}

	srv, err := server.New(server.Options{
		Addr:    cfg.Server.Address,
		Hub:     hub,
		Stats:   eng,
		Metrics: metrics,
		WebSocket: broadcast.WSOptions{
			QueueSize:      cfg.Server.QueueSize,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		StaticDir: cfg.Server.StaticDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	// The engine outlives the listeners so records already accepted are
	// flushed with reason shutdown.
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(engineCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Serve(gctx) })
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, cfg, config.WatcherOptions{
			Logger:   logger,
			OnReload: metrics.RecordConfigReload,
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			g.Go(func() error {
				applyReloads(gctx, eng, watcher.Subscribe(), opts.baseDir(), tokens, logger)
				return nil
			})
		}
	}

	logger.Info("polis-flow started",
		"version", version,
		"ingest_address", listener.Addr().String(),
		"server_address", ln.Addr().String(),
	)

	err = g.Wait()
	stopEngine()
	if engineErr := <-engineDone; engineErr != nil && err == nil {
		err = engineErr
	}
	logger.Info("polis-flow stopped")
	return err
}

// applyReloads hands every valid configuration revision to the engine.
func applyReloads(ctx context.Context, eng *engine.Engine, updates <-chan *config.Config, baseDir string, tokens *classify.TokenCounter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			settings, err := settingsFor(ctx, cfg, baseDir, tokens, logger)
			if err != nil {
				logger.Error("reloaded configuration rejected", "error", err)
				continue
			}
			if err := eng.Reconfigure(ctx, settings); err != nil {
				logger.Warn("engine reconfiguration failed", "error", err)
				continue
			}
			logger.Info("engine reconfigured",
				"routes", len(settings.Registry.Routes()),
				"grace_period", settings.GracePeriod,
				"safety_timeout", settings.SafetyTimeout,
			)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/engine"
	"github.com/polisai/polis-aggregator/pkg/gateway"
	"github.com/polisai/polis-aggregator/pkg/logging"
	"github.com/polisai/polis-aggregator/pkg/script"
	"github.com/polisai/polis-aggregator/pkg/sources"
	"github.com/polisai/polis-aggregator/pkg/storage"
	"github.com/polisai/polis-aggregator/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data and admin listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	return cmd
}

// runtimeDeps are the long-lived components built from the process config.
type runtimeDeps struct {
	registry *engine.Registry
	builtins *sources.Builtins
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtimeDeps, error) {
	scripts, err := script.NewEngine(script.Options{
		Timeout:   cfg.Script.Timeout,
		CacheSize: cfg.Script.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create script engine: %w", err)
	}

	srcs := engine.NewSourceRegistry()
	builtins := sources.RegisterDefaults(srcs, sources.Options{
		Scripts:        scripts,
		SQLMaxOpen:     cfg.Sources.SQLMaxOpen,
		SQLMaxLifetime: cfg.Sources.SQLMaxLifetime,
		Logger:         logger,
	})

	compiler, err := engine.NewCompiler(engine.CompilerConfig{
		Sources:     srcs,
		Scripts:     scripts,
		RoutePrefix: cfg.Server.RoutePrefix,
		Logger:      logger,
	})
	if err != nil {
		_ = builtins.Close()
		return nil, err
	}
	registry, err := engine.NewRegistry(engine.RegistryConfig{Compiler: compiler, Logger: logger})
	if err != nil {
		_ = builtins.Close()
		return nil, err
	}
	return &runtimeDeps{registry: registry, builtins: builtins}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.Setup(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info("starting polis-aggregator",
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
	)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	deps, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.builtins.Close()

	syncCfg := config.SyncerConfig{
		Target:         deps.registry,
		ResyncInterval: cfg.Documents.ResyncInterval,
		Logger:         logger,
	}

	var store storage.ConfigStore
	if cfg.Documents.Store.Driver != "" {
		store, err = storage.Open(ctx, storage.Options{
			Driver: cfg.Documents.Store.Driver,
			DSN:    cfg.Documents.Store.DSN,
			Table:  cfg.Documents.Store.Table,
		})
		if err != nil {
			return fmt.Errorf("open config store: %w", err)
		}
		defer store.Close()
		syncCfg.Store = store
	}
	if cfg.Documents.Dir != "" {
		dir, err := config.NewDirectoryProvider(cfg.Documents.Dir, logger)
		if err != nil {
			return err
		}
		syncCfg.Dir = dir
	}

	var publisher config.ChangePublisher
	bus, err := config.OpenChangeBus(cfg.Documents, logger)
	if err != nil {
		return fmt.Errorf("open change feed: %w", err)
	}
	if bus != nil {
		defer bus.Close()
		syncCfg.Feed = bus.Feed
		publisher = bus.Publisher
		logger.Info("change feed enabled", "driver", bus.Driver, "subject", cfg.Documents.NATS.Subject)
	}

	syncer, err := config.NewSyncer(syncCfg)
	if err != nil {
		return err
	}

	data, err := gateway.NewHandler(gateway.HandlerConfig{Registry: deps.registry, Logger: logger})
	if err != nil {
		return err
	}
	admin, err := gateway.NewAdminRouter(gateway.AdminConfig{
		Registry:  deps.registry,
		Store:     store,
		Publisher: publisher,
		Reloader:  syncer,
		Breakers:  deps.builtins.Breakers,
		Metrics:   telemetry.NewPrometheusRegistry(deps.registry),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.Server.TLS.ServerTLS()
	if err != nil {
		return err
	}

	dataServer := &http.Server{
		Addr:              cfg.Server.DataAddress,
		Handler:           data.HTTPHandler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           admin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error { return listen(gctx, dataServer, logger) })
	g.Go(func() error { return listen(gctx, adminServer, logger) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(dataServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("polis-aggregator stopped")
	return nil
}

func listen(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", srv.Addr, err)
	}
	logger.Info("server listening", "addr", listener.Addr().String(), "tls", srv.TLSConfig != nil)

	if srv.TLSConfig != nil {
		err = srv.ServeTLS(listener, "", "")
	} else {
		err = srv.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

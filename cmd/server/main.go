package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-sync/pkg/auth"
	"github.com/astromechza/automerge-sync/pkg/config"
	"github.com/astromechza/automerge-sync/pkg/docstore"
	"github.com/astromechza/automerge-sync/pkg/httpapi"
	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/persistence/boltstore"
	"github.com/astromechza/automerge-sync/pkg/persistence/pgstore"
	"github.com/astromechza/automerge-sync/pkg/persistence/sqlitestore"
	"github.com/astromechza/automerge-sync/pkg/relay"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := openAdapter(ctx, cfg.Persistence)
	if err != nil {
		return err
	}
	slog.Info("opened persistence", "driver", cfg.Persistence.Driver)
	store := docstore.New(docstore.Options{
		Adapter:          adapter,
		NewReplica:       replica.NewAutomergeReplica,
		SnapshotOnRemove: cfg.Persistence.SnapshotOnRemove,
		Logger:           logger,
	})

	registryOpts := hub.Options{Store: store, SetupTimeout: cfg.SetupTimeout, Logger: logger}
	if cfg.Relay.RedisAddr != "" {
		r, err := relay.Dial(ctx, cfg.Relay.RedisAddr, logger)
		if err != nil {
			_ = store.Close(ctx)
			return err
		}
		defer r.Close()
		registryOpts.Relay = r
		slog.Info("relaying through redis", "addr", cfg.Relay.RedisAddr, "node", r.NodeID())
	}
	registry := hub.NewRegistry(registryOpts)

	var verifier auth.Verifier = auth.AllowAll{}
	if !cfg.Auth.Disabled {
		if verifier, err = auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL); err != nil {
			return err
		}
	} else {
		slog.Warn("authentication is disabled")
	}
	gateway := hub.NewGateway(registry, hub.GatewayOptions{
		Verifier: verifier,
		Transport: hub.TransportOptions{
			SendBuffer:     cfg.Transport.SendBuffer,
			WriteTimeout:   cfg.Transport.WriteTimeout,
			PingInterval:   cfg.Transport.PingInterval,
			MaxMessageSize: cfg.Transport.MaxMessageSize,
		},
		CheckOrigin: httpapi.OriginChecker(cfg.AllowedOrigins),
		Logger:      logger,
	})
	router := httpapi.NewRouter(httpapi.Options{
		Registry:  registry,
		Gateway:   gateway,
		PublicURL: cfg.PublicURL,
		Debug:     cfg.Debug,
		Logger:    logger,
	})
	httpServer := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// hijacked websockets are not tracked by the http server, so the registry closes them
		err := httpServer.Shutdown(shutdownCtx)
		if rerr := registry.Shutdown(shutdownCtx); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to flush rooms: %w", rerr))
		}
		if serr := store.Close(shutdownCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close store: %w", serr))
		}
		return err
	})
	return eg.Wait()
}

func openAdapter(ctx context.Context, cfg config.PersistenceConfig) (persistence.Adapter, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return persistence.NewMemory(), nil
	case config.DriverSQLite:
		return sqlitestore.Open(cfg.DSN)
	case config.DriverBolt:
		return boltstore.Open(cfg.DSN)
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
}

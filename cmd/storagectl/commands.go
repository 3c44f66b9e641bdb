package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/leasestore/cmd/flags"
	"github.com/ruteri/leasestore/common"
	"github.com/ruteri/leasestore/httpserver"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/ruteri/leasestore/monitor"
	"github.com/ruteri/leasestore/storage"
	"github.com/urfave/cli/v2"
)

// withBackend builds the configured backend, runs fn and closes the factory.
func withBackend(cCtx *cli.Context, fn func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error, opts ...storage.FactoryOption) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	factory := storage.NewStorageBackendFactory(logger, opts...)
	defer func() {
		if err := factory.Close(); err != nil {
			logger.Warn("Failed to close storage factory", "err", err)
		}
	}()

	ctx := cCtx.Context
	backend, err := factory.Get(ctx, *cfg)
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}
	return fn(ctx, logger, backend)
}

func keyArg(cCtx *cli.Context, name string) (string, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("usage: %s %s %s", cCtx.App.Name, cCtx.Command.Name, name)
	}
	return cCtx.Args().First(), nil
}

// maybeLocked runs fn under the --lock resource when one is given.
func maybeLocked(ctx context.Context, cCtx *cli.Context, backend interfaces.StorageBackend, fn func(ctx context.Context) error) error {
	resource := cCtx.String(flagLock.Name)
	if resource == "" {
		return fn(ctx)
	}
	return storage.WithLock(ctx, backend, resource, cCtx.Duration(flagTimeout.Name), func(ctx context.Context, _ *interfaces.Lease) error {
		return fn(ctx)
	})
}

func getAction(cCtx *cli.Context) error {
	key, err := keyArg(cCtx, "KEY")
	if err != nil {
		return err
	}
	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		data, err := backend.Read(ctx, key)
		if err != nil {
			return err
		}
		if out := cCtx.String(flagOut.Name); out != "" {
			return os.WriteFile(out, data, 0o644)
		}
		_, err = cCtx.App.Writer.Write(data)
		return err
	})
}

func putAction(cCtx *cli.Context) error {
	key, err := keyArg(cCtx, "KEY")
	if err != nil {
		return err
	}

	var data []byte
	if file := cCtx.String(flagFile.Name); file != "" {
		data, err = os.ReadFile(file)
	} else {
		data, err = io.ReadAll(cCtx.App.Reader)
	}
	if err != nil {
		return fmt.Errorf("failed to read value: %w", err)
	}

	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		return maybeLocked(ctx, cCtx, backend, func(ctx context.Context) error {
			return backend.Write(ctx, key, data, cCtx.String(flagContentType.Name))
		})
	})
}

func existsAction(cCtx *cli.Context) error {
	key, err := keyArg(cCtx, "KEY")
	if err != nil {
		return err
	}
	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		ok, err := backend.Exists(ctx, key)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cCtx.App.Writer, ok)
		return err
	})
}

func rmAction(cCtx *cli.Context) error {
	key, err := keyArg(cCtx, "KEY")
	if err != nil {
		return err
	}
	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		return maybeLocked(ctx, cCtx, backend, func(ctx context.Context) error {
			return backend.Delete(ctx, key)
		})
	})
}

func lsAction(cCtx *cli.Context) error {
	if cCtx.NArg() > 1 {
		return fmt.Errorf("usage: %s ls [PREFIX]", cCtx.App.Name)
	}
	prefix := cCtx.Args().First()
	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		keys, err := backend.ListKeys(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := fmt.Fprintln(cCtx.App.Writer, key); err != nil {
				return err
			}
		}
		return nil
	})
}

type leaseInfo struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	Strategy  string    `json:"strategy"`
	ExpiresAt time.Time `json:"expires_at"`
}

func lockAction(cCtx *cli.Context) error {
	resource, err := keyArg(cCtx, "RESOURCE")
	if err != nil {
		return err
	}
	hold := cCtx.Duration(flagHold.Name)

	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		return storage.WithLock(ctx, backend, resource, cCtx.Duration(flagTimeout.Name), func(ctx context.Context, lease *interfaces.Lease) error {
			if err := json.NewEncoder(cCtx.App.Writer).Encode(leaseInfo{
				Resource:  lease.Resource,
				Owner:     lease.Owner,
				Strategy:  lease.Strategy().Name(),
				ExpiresAt: lease.ExpiresAt,
			}); err != nil {
				return err
			}
			return holdLease(ctx, log, lease, hold)
		})
	})
}

// holdLease keeps lease alive for hold, renewing at half the lease period.
// An interrupt ends the hold early without error.
func holdLease(ctx context.Context, log *slog.Logger, lease *interfaces.Lease, hold time.Duration) error {
	if hold <= 0 {
		return nil
	}
	deadline := time.NewTimer(hold)
	defer deadline.Stop()

	interval := lease.Lease / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Interrupted, releasing lock", slog.String("resource", lease.Resource))
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				return fmt.Errorf("failed to renew %q: %w", lease.Resource, err)
			}
			log.Debug("Renewed lock", slog.String("resource", lease.Resource), slog.Time("expires_at", lease.ExpiresAt))
		}
	}
}

func serveAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	shutdownTracing, err := common.SetupTracing(cCtx.Context, cCtx.String(flags.LogServiceFlag.Name), common.Version, cCtx.String(flags.OTLPEndpointFlag.Name))
	if err != nil {
		logger.Error("Failed to set up tracing", "err", err)
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Failed to flush traces", "err", err)
		}
	}()

	var mon *monitor.Monitor
	var opts []storage.FactoryOption
	if cCtx.Bool(flagMonitor.Name) {
		mon, err = monitor.New(logger, monitor.Options{})
		if err != nil {
			logger.Error("Failed to create monitor", "err", err)
			return err
		}
		opts = append(opts, storage.WithObserver(mon))
	}

	return withBackend(cCtx, func(ctx context.Context, log *slog.Logger, backend interfaces.StorageBackend) error {
		var gatherer prometheus.Gatherer
		if mon != nil {
			gatherer = mon.Registry()
		}
		cfg := flags.ConfigureServer(cCtx, logger, gatherer)

		handler := httpserver.NewHandler(backend, mon, monitor.DefaultThresholds(), logger)
		server, err := httpserver.New(cfg, handler)
		if err != nil {
			logger.Error("Failed to create server", "err", err)
			return err
		}

		logger.Info("Starting storage server",
			slog.String("listen_addr", cfg.ListenAddr),
			slog.String("backend", backend.LocationURI()))
		server.RunInBackground()

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info("Shutting down storage server")
		server.Shutdown()
		return nil
	}, opts...)
}

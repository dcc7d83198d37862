// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lsst-dm/embargo-butler/config"
	"github.com/lsst-dm/embargo-butler/internal/healthcheck"
	"github.com/lsst-dm/embargo-butler/internal/store"
)

var errStopped = errors.New("service stopped")

// serviceFunc is the main loop of a service. It runs until ctx is
// cancelled or the store fails.
type serviceFunc func(ctx context.Context, cfg *config.Config, client *redis.Client) error

// runService loads configuration, connects to the store, and runs fn next
// to the health check server until a signal arrives or either fails.
func runService(servicename string, fn serviceFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	doneCtx, doneFx, err := setupTelemetry(servicename, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()

	client, err := store.Open(doneCtx, cfg.Redis)
	if err != nil {
		return err
	}

	health := healthcheck.NewServer(cfg.Health, healthcheck.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))

	g, ctx := errgroup.WithContext(doneCtx)
	g.Go(func() error {
		return health.Start(ctx)
	})
	g.Go(func() error {
		// Blocking moves may wait forever; closing the client releases them.
		<-ctx.Done()
		return client.Close()
	})
	g.Go(func() error {
		health.SetStatus(healthcheck.StatusHealthy)
		health.SetReady(true)
		err := fn(ctx, cfg, client)
		health.SetReady(false)
		if err != nil && ctx.Err() == nil {
			health.SetStatus(healthcheck.StatusUnhealthy)
			return fmt.Errorf("%s: %w", servicename, err)
		}
		return errStopped
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		slog.Error("Service failed", slog.Any("error", err))
		return err
	}
	slog.Info("Service stopped")
	return nil
}

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
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lsst-dm/embargo-butler/config"
	"github.com/lsst-dm/embargo-butler/internal/awsclient"
	"github.com/lsst-dm/embargo-butler/internal/engine"
	"github.com/lsst-dm/embargo-butler/internal/headers"
	"github.com/lsst-dm/embargo-butler/internal/idgen"
	"github.com/lsst-dm/embargo-butler/internal/registration"
	"github.com/lsst-dm/embargo-butler/internal/webhook"
	"github.com/lsst-dm/embargo-butler/internal/worker"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ingest",
		Short: "lease items from a destination queue and hand them to the engine",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("ingest", runIngest)
		},
	})
}

func runIngest(ctx context.Context, cfg *config.Config, client *redis.Client) error {
	if cfg.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}

	wcfg := cfg.Worker
	name, err := idgen.WorkerName(wcfg.Name)
	if err != nil {
		return err
	}
	wcfg.Name = name
	ll := slog.Default().With(slog.String("worker", name))

	opts := []worker.Option{worker.WithLogger(ll)}

	if cfg.Headers.Enabled {
		mgr, err := awsclient.NewManager(ctx, awsclient.WithSessionName("embargo-ingest"))
		if err != nil {
			return err
		}
		opts = append(opts, worker.WithHeaderReader(headers.NewS3Reader(mgr.S3(cfg.Headers.AWS))))
	}

	if cfg.Webhook.URL != "" {
		opts = append(opts, worker.WithNotifier(webhook.New(cfg.Webhook.URL, cfg.Webhook.Timeout)))
	}

	if len(cfg.Registration.Brokers) > 0 {
		reg := registration.NewKafkaRegistrar(cfg.Registration)
		defer func() {
			if err := reg.Close(); err != nil {
				ll.Warn("Failed to close registrar", slog.Any("error", err))
			}
		}()
		opts = append(opts, worker.WithRegistrar(reg))
	}

	w, err := worker.New(client, engine.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Timeout), wcfg, opts...)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

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
	"regexp"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lsst-dm/embargo-butler/config"
	"github.com/lsst-dm/embargo-butler/internal/awsclient"
	"github.com/lsst-dm/embargo-butler/internal/intake"
	"github.com/lsst-dm/embargo-butler/internal/notify"
	"github.com/lsst-dm/embargo-butler/internal/stats"
)

func init() {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "route object-store notifications onto destination queues",
	}
	rootCmd.AddCommand(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "http",
		Short: "receive S3 event notifications over HTTP",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("enqueue-http", withRouter(func(ctx context.Context, cfg *config.Config, router *intake.Router) error {
				parser, err := newParser(cfg)
				if err != nil {
					return err
				}
				svc := notify.NewHTTPService(parser, router, slog.Default())
				return svc.Run(ctx, cfg.Enqueue.ListenAddr)
			}))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "poll",
		Short: "drain the holding area filled by an external receiver",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("enqueue-poll", withRouter(func(ctx context.Context, cfg *config.Config, router *intake.Router) error {
				if cfg.Enqueue.HoldingKey == "" {
					return fmt.Errorf("enqueue.holding_key is required")
				}
				return notify.NewHoldingPoller(router, cfg.Enqueue.HoldingKey, cfg.Enqueue.PollInterval, slog.Default()).Run(ctx)
			}))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sqs",
		Short: "consume S3 event notifications from SQS",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("enqueue-sqs", withRouter(func(ctx context.Context, cfg *config.Config, router *intake.Router) error {
				if cfg.SQS.QueueURL == "" {
					return fmt.Errorf("sqs.queue_url is required")
				}
				parser, err := newParser(cfg)
				if err != nil {
					return err
				}
				mgr, err := awsclient.NewManager(ctx, awsclient.WithSessionName("embargo-enqueue-sqs"))
				if err != nil {
					return err
				}
				client := mgr.SQS(cfg.SQS.AWS)
				return notify.NewSQSService(client, cfg.SQS.QueueURL, parser, router, slog.Default()).Run(ctx)
			}))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "gcp",
		Short: "consume Cloud Storage notifications from Pub/Sub",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("enqueue-gcp", withRouter(func(ctx context.Context, cfg *config.Config, router *intake.Router) error {
				parser, err := newParser(cfg)
				if err != nil {
					return err
				}
				svc, err := notify.NewGCPPubSubService(ctx, cfg.GCP.ProjectID, cfg.GCP.SubscriptionID,
					cfg.GCP.CredentialsFile, parser, router, slog.Default())
				if err != nil {
					return err
				}
				return svc.Run(ctx)
			}))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "azure",
		Short: "consume blob notifications from an Azure storage queue",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("enqueue-azure", withRouter(func(ctx context.Context, cfg *config.Config, router *intake.Router) error {
				parser, err := newParser(cfg)
				if err != nil {
					return err
				}
				client, err := notify.NewAzureQueueClient(cfg.Azure.StorageAccount, cfg.Azure.QueueName)
				if err != nil {
					return err
				}
				return notify.NewAzureQueueService(client, parser, router, slog.Default()).Run(ctx)
			}))
		},
	})
}

func newParser(cfg *config.Config) (*notify.Parser, error) {
	if err := cfg.Enqueue.RequireSecret(); err != nil {
		return nil, err
	}
	return notify.NewParser(cfg.Enqueue.Secret, cfg.Enqueue.Profile, slog.Default()), nil
}

// withRouter builds the intake router shared by every notification source.
func withRouter(run func(ctx context.Context, cfg *config.Config, router *intake.Router) error) serviceFunc {
	return func(ctx context.Context, cfg *config.Config, client *redis.Client) error {
		filter, err := regexp.Compile(cfg.Enqueue.DatasetRegexp)
		if err != nil {
			return fmt.Errorf("compiling dataset pattern: %w", err)
		}

		dedup := intake.NewDeduplicator(cfg.Enqueue.DedupTTL)
		defer dedup.Stop()

		reporter := intake.NewReporter(cfg.Enqueue.ReportInterval, slog.Default())
		reporter.Start(ctx)
		defer reporter.Stop()

		router := intake.NewRouter(client,
			intake.WithFilter(filter),
			intake.WithGroupLifetime(cfg.Retention.Groups),
			intake.WithRecorder(stats.NewAggregator(client, stats.WithFileRetention(cfg.Retention.Files))),
			intake.WithDeduplicator(dedup),
			intake.WithReporter(reporter),
		)
		return run(ctx, cfg, router)
	}
}

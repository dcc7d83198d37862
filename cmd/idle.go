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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lsst-dm/embargo-butler/config"
	"github.com/lsst-dm/embargo-butler/internal/reclaim"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "idle",
		Short: "return items held by idle workers to their destination queues",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("idle", func(ctx context.Context, cfg *config.Config, client *redis.Client) error {
				r, err := reclaim.New(client, cfg.Idle)
				if err != nil {
					return err
				}
				return r.Run(ctx)
			})
		},
	})
}

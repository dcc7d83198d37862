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
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsst-dm/embargo-butler/config"
	"github.com/lsst-dm/embargo-butler/internal/presence"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "presence",
		Short: "answer whether a detector image of a group has been processed",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("presence", runPresence)
		},
	})
}

func runPresence(ctx context.Context, cfg *config.Config, client *redis.Client) error {
	mux := http.NewServeMux()
	presence.NewHandler(client, cfg.Presence.DeleteSeen, slog.Default()).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Presence.Addr,
		Handler:           otelhttp.NewHandler(mux, "presence"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Serving presence queries", slog.String("addr", cfg.Presence.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("presence server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes how to reach the shared Redis server.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	PingAttempts int           `mapstructure:"ping_attempts"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		PingAttempts: 5,
	}
}

// Open connects to Redis and verifies the connection. A store that
// cannot be reached is fatal for every service, so callers should exit
// on error.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		// Blocking moves wait forever; let context cancellation interrupt them.
		ContextTimeoutEnabled: true,
	})

	attempts := max(cfg.PingAttempts, 1)
	var err error
	for i := range attempts {
		if err = client.Ping(ctx).Err(); err == nil {
			slog.Info("Connected to store", slog.String("addr", cfg.Addr))
			return client, nil
		}
		slog.Warn("Store ping failed", slog.String("addr", cfg.Addr), slog.Int("attempt", i+1), slog.Any("error", err))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("connecting to store at %s: %w", cfg.Addr, err)
}

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

// Package heartbeat runs a callback on a fixed interval for as long as a
// unit of work is in progress.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Func is called on every beat.
type Func func(ctx context.Context) error

type Heartbeater struct {
	beat     Func
	ll       *slog.Logger
	interval time.Duration
}

func New(beat Func, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeater{
		beat:     beat,
		ll:       logger.With(slog.String("component", "heartbeater")),
		interval: interval,
	}
}

// Start beats once immediately and then every interval until the
// returned stop function is called or ctx is done. stop waits for an
// in-flight beat to finish, so no beat happens after it returns.
func (h *Heartbeater) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (h *Heartbeater) run(ctx context.Context) {
	h.send(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx)
		}
	}
}

func (h *Heartbeater) send(ctx context.Context) {
	if err := h.beat(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.ll.Error("Heartbeat failed (continuing)", slog.Any("error", err))
	}
}

// Touch returns a Func that refreshes the last-access time of the given
// keys, keeping them from being seen as idle.
func Touch(client redis.UniversalClient, keys ...string) Func {
	return func(ctx context.Context) error {
		if err := client.Touch(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("touching %v: %w", keys, err)
		}
		return nil
	}
}

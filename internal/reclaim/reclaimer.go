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

// Package reclaim returns the leased items of idle workers to their
// destination queues.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lsst-dm/embargo-butler/internal/keys"
)

var (
	itemsReclaimed metric.Int64Counter
	listsReclaimed metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/lsst-dm/embargo-butler/internal/reclaim")

	var err error
	itemsReclaimed, err = meter.Int64Counter(
		"embargo_reclaim_items_total",
		metric.WithDescription("Number of leased items returned to a destination queue"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsReclaimed counter: %w", err))
	}

	listsReclaimed, err = meter.Int64Counter(
		"embargo_reclaim_lists_total",
		metric.WithDescription("Number of idle lease lists emptied"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create listsReclaimed counter: %w", err))
	}
}

// Position selects where reclaimed items re-enter the queue.
type Position string

const (
	// PositionTail appends reclaimed items behind everything already
	// queued, so fresher items may be processed first.
	PositionTail Position = "tail"

	// PositionHead puts reclaimed items at the front of the queue,
	// ahead of everything already waiting.
	PositionHead Position = "head"
)

func ParsePosition(s string) (Position, error) {
	switch p := Position(s); p {
	case PositionTail, PositionHead:
		return p, nil
	case "":
		return PositionTail, nil
	}
	return "", fmt.Errorf("unknown reclaim position %q (want %q or %q)", s, PositionTail, PositionHead)
}

type Config struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
	Position  Position      `mapstructure:"position"`
	ScanCount int64         `mapstructure:"scan_count"`
}

func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		Threshold: 10 * time.Second,
		Position:  PositionTail,
		ScanCount: 100,
	}
}

// IdleFunc reports how long a key has gone without being accessed.
type IdleFunc func(ctx context.Context, key string) (time.Duration, error)

type Reclaimer struct {
	client redis.UniversalClient
	cfg    Config
	idle   IdleFunc
	ll     *slog.Logger
}

type Option func(*Reclaimer)

// WithIdleFunc replaces the server's OBJECT IDLETIME as the idle source.
func WithIdleFunc(fn IdleFunc) Option {
	return func(r *Reclaimer) {
		r.idle = fn
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(r *Reclaimer) {
		r.ll = ll
	}
}

func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Reclaimer, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = def.ScanCount
	}
	pos, err := ParsePosition(string(cfg.Position))
	if err != nil {
		return nil, err
	}
	cfg.Position = pos

	r := &Reclaimer{
		client: client,
		cfg:    cfg,
		ll:     slog.Default(),
	}
	r.idle = func(ctx context.Context, key string) (time.Duration, error) {
		return r.client.ObjectIdleTime(ctx, key).Result()
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ll = r.ll.With(slog.String("component", "reclaim"))
	return r, nil
}

// Run sweeps every interval until ctx is done. Only store errors are
// returned.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.ll.Info("Reclaiming idle lease lists",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("threshold", r.cfg.Threshold),
		slog.String("position", string(r.cfg.Position)))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Sweep empties every lease list idle for longer than the threshold back
// into its destination queue and returns the number of items moved.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	r.ll.Debug("Checking for idle lease lists")

	var leases []string
	iter := r.client.Scan(ctx, 0, keys.WorkerPattern, r.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		leases = append(leases, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning lease lists: %w", err)
	}

	total := 0
	for _, lease := range leases {
		idle, err := r.idle(ctx, lease)
		if errors.Is(err, redis.Nil) {
			// Emptied since the scan.
			continue
		}
		if err != nil {
			return total, fmt.Errorf("reading idle time of %s: %w", lease, err)
		}
		if idle <= r.cfg.Threshold {
			continue
		}

		bucket, ok := keys.WorkerBucket(lease)
		if !ok {
			r.ll.Warn("Skipping unrecognized lease key", slog.String("key", lease))
			continue
		}
		r.ll.Info("Restoring idle lease list", slog.String("key", lease), slog.Duration("idle", idle))
		n, err := r.restore(ctx, lease, keys.Queue(bucket))
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 {
			listsReclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
			itemsReclaimed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("bucket", bucket)))
		}
	}
	return total, nil
}

// restore moves items one at a time until the lease list is empty. Each
// move is atomic, so a worker that wakes up concurrently can only lose
// items to the queue, never see them duplicated.
func (r *Reclaimer) restore(ctx context.Context, lease, queue string) (int, error) {
	src, dst := "RIGHT", "LEFT"
	if r.cfg.Position == PositionHead {
		src, dst = "LEFT", "RIGHT"
	}
	moved := 0
	for {
		err := r.client.LMove(ctx, lease, queue, src, dst).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("restoring %s to %s: %w", lease, queue, err)
		}
		moved++
	}
}

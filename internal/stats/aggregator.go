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

package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
	"github.com/lsst-dm/embargo-butler/internal/store"
)

// DefaultFileRetention bounds how long per-file status records live.
const DefaultFileRetention = 7 * 24 * time.Hour

// Aggregator maintains the per-destination received counters and the
// monotonic maximum sequence number per (bucket, instrument, day).
type Aggregator struct {
	client        redis.UniversalClient
	fileRetention time.Duration
	retry         store.RetryPolicy
	now           func() time.Time
	ll            *slog.Logger
}

type Option func(*Aggregator)

func WithFileRetention(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.fileRetention = d
		}
	}
}

// WithRetryPolicy overrides the unbounded compare-and-swap retry policy.
func WithRetryPolicy(p store.RetryPolicy) Option {
	return func(a *Aggregator) {
		a.retry = p
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(a *Aggregator) {
		a.ll = ll
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func NewAggregator(client redis.UniversalClient, opts ...Option) *Aggregator {
	a := &Aggregator{
		client:        client,
		fileRetention: DefaultFileRetention,
		retry:         store.RetryForever,
		now:           time.Now,
		ll:            slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ll = a.ll.With(slog.String("component", "stats"))
	return a
}

// Record counts the descriptors as received and raises the maximum
// sequence number for every scheduled item. Lost races on the maximum
// are retried internally; only store errors are returned.
func (a *Aggregator) Record(ctx context.Context, descriptors []pathinfo.Descriptor) error {
	if len(descriptors) == 0 {
		return nil
	}

	recvTime := FormatTime(a.now())
	maxSeq := make(map[string]int64)

	_, err := a.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range descriptors {
			pipe.HIncrBy(ctx, keys.Received(d.Bucket()), d.ObsDay(), 1)
			pipe.HIncrBy(ctx, keys.ReceivedInstrument(d.Bucket(), d.Instrument()), d.ObsDay(), 1)
			fileKey := keys.File(d.Path())
			pipe.HSet(ctx, fileKey, keys.FieldRecvTime, recvTime)
			pipe.Expire(ctx, fileKey, a.fileRetention)

			item, ok := d.(*pathinfo.ScheduledItem)
			if !ok {
				continue
			}
			seq, err := item.Sequence()
			if err != nil {
				a.ll.Warn("Skipping non-numeric sequence number", slog.String("path", d.Path()))
				continue
			}
			k := keys.MaxSeq(d.Bucket(), d.Instrument(), d.ObsDay())
			if cur, seen := maxSeq[k]; !seen || seq > cur {
				maxSeq[k] = seq
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording received counters: %w", err)
	}

	for k, seq := range maxSeq {
		v, err := store.MaxInt(ctx, a.client, k, seq, a.retry)
		if err != nil {
			return fmt.Errorf("raising maximum sequence number: %w", err)
		}
		a.ll.Debug("Maximum sequence number", slog.String("key", k), slog.Int64("value", v))
	}
	return nil
}

// FormatTime renders a timestamp as fractional Unix seconds, the format
// used by every time field of a file status record.
func FormatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

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
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var casRetries metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/lsst-dm/embargo-butler/internal/store")

	var err error
	casRetries, err = meter.Int64Counter(
		"embargo_store_cas_retries_total",
		metric.WithDescription("Number of compare-and-swap attempts retried after a concurrent modification"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create casRetries counter: %w", err))
	}
}

// ErrConflict is returned when a RetryPolicy gives up after concurrent
// modifications of a watched key.
var ErrConflict = errors.New("concurrent modification")

// RetryPolicy decides whether a compare-and-swap that lost a race on
// its attempt'th try should be attempted again.
type RetryPolicy func(attempt int) bool

// RetryForever never gives up. Contention windows are a single round
// trip, so no backoff is applied.
func RetryForever(int) bool { return true }

// RetryAtMost allows n attempts in total.
func RetryAtMost(n int) RetryPolicy {
	return func(attempt int) bool { return attempt < n }
}

// UpdateFunc computes the new value from the current one. exists is
// false when the key is not set.
type UpdateFunc func(current int64, exists bool) int64

// UpdateInt performs an optimistic read-compute-write of an integer key
// using WATCH/MULTI/EXEC. The write is skipped when the value would not
// change. Lost races are retried as long as policy allows.
func UpdateInt(ctx context.Context, c redis.UniversalClient, key string, fn UpdateFunc, policy RetryPolicy) (int64, error) {
	if policy == nil {
		policy = RetryForever
	}

	var result int64
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int64()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
			current = 0
		} else if err != nil {
			return err
		}

		next := fn(current, exists)
		if exists && next == current {
			result = current
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 1; ; attempt++ {
		err := c.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return 0, fmt.Errorf("updating %s: %w", key, err)
		}
		if !policy(attempt) {
			return 0, fmt.Errorf("updating %s after %d attempts: %w", key, attempt, ErrConflict)
		}
		casRetries.Add(ctx, 1)
	}
}

// MaxInt raises key to candidate if candidate is larger, so the stored
// value never decreases.
func MaxInt(ctx context.Context, c redis.UniversalClient, key string, candidate int64, policy RetryPolicy) (int64, error) {
	return UpdateInt(ctx, c, key, func(current int64, exists bool) int64 {
		if !exists {
			return candidate
		}
		return max(current, candidate)
	}, policy)
}

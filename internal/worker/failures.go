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

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
	"github.com/lsst-dm/embargo-butler/internal/stats"
)

// DefaultMaxFailures is the number of transient failures after which an
// item is abandoned.
const DefaultMaxFailures = 3

// Tracker records processing failures in the file status records and the
// per-day failure counters.
type Tracker struct {
	client        redis.UniversalClient
	maxFailures   int64
	fileRetention time.Duration
}

func NewTracker(client redis.UniversalClient, maxFailures int, fileRetention time.Duration) *Tracker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if fileRetention <= 0 {
		fileRetention = stats.DefaultFileRetention
	}
	return &Tracker{
		client:        client,
		maxFailures:   int64(maxFailures),
		fileRetention: fileRetention,
	}
}

// RecordFailure counts a transient failure of d and stores cause as the
// last error. It returns the item's failure count including this one.
func (t *Tracker) RecordFailure(ctx context.Context, d pathinfo.Descriptor, cause string) (int64, error) {
	fileKey := keys.File(d.Path())
	var count *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, keys.Failed(d.Bucket(), d.Instrument()), d.ObsDay(), 1)
		pipe.HSet(ctx, fileKey, keys.FieldIngestFailExc, cause)
		count = pipe.HIncrBy(ctx, fileKey, keys.FieldIngestFailures, 1)
		pipe.Expire(ctx, fileKey, t.fileRetention)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recording failure of %s: %w", d.Path(), err)
	}
	return count.Val(), nil
}

// RecordPermanent counts an unrecoverable failure of d. Permanent failures
// are never retried, so no failure count is kept.
func (t *Tracker) RecordPermanent(ctx context.Context, d pathinfo.Descriptor, cause string) error {
	fileKey := keys.File(d.Path())
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, keys.Failed(d.Bucket(), d.Instrument()), d.ObsDay(), 1)
		pipe.HSet(ctx, fileKey, keys.FieldMetadataExc, cause)
		pipe.Expire(ctx, fileKey, t.fileRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording permanent failure of %s: %w", d.Path(), err)
	}
	return nil
}

// ShouldAbandon reports whether an item with count failures is given up.
func (t *Tracker) ShouldAbandon(count int64) bool {
	return count >= t.maxFailures
}

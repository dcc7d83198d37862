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

package intake

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultReportInterval is how often a Reporter logs accumulated activity.
const DefaultReportInterval = 20 * time.Second

// Reporter accumulates per-destination routing activity and periodically
// logs a summary.
type Reporter struct {
	mu       sync.Mutex
	stats    map[string]*bucketStats
	interval time.Duration
	ll       *slog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

type bucketStats struct {
	queued  int64
	waiting int64
	dropped int64
}

func NewReporter(interval time.Duration, ll *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if ll == nil {
		ll = slog.Default()
	}
	return &Reporter{
		stats:    make(map[string]*bucketStats),
		interval: interval,
		ll:       ll,
		done:     make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is done or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.report()
				return
			case <-r.done:
				r.report()
				return
			case <-ticker.C:
				r.report()
			}
		}
	}()
}

// Stop stops the reporter and logs the final summary.
func (r *Reporter) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Reporter) entry(bucket string) *bucketStats {
	s := r.stats[bucket]
	if s == nil {
		s = &bucketStats{}
		r.stats[bucket] = s
	}
	return s
}

func (r *Reporter) RecordQueued(bucket string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(bucket).queued += int64(n)
}

func (r *Reporter) RecordWaiting(bucket string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(bucket).waiting += int64(n)
}

// RecordDropped counts identifiers rejected before routing. Identifiers
// that cannot be parsed have no bucket and are reported under "unknown".
func (r *Reporter) RecordDropped(bucket string, n int) {
	if bucket == "" {
		bucket = "unknown"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(bucket).dropped += int64(n)
}

func (r *Reporter) report() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var totalQueued, totalWaiting, totalDropped int64
	buckets := make([]string, 0, len(r.stats))
	for bucket, s := range r.stats {
		if s.queued == 0 && s.waiting == 0 && s.dropped == 0 {
			continue
		}
		totalQueued += s.queued
		totalWaiting += s.waiting
		totalDropped += s.dropped
		buckets = append(buckets, bucket)
	}
	if len(buckets) == 0 {
		return
	}
	sort.Strings(buckets)

	attrs := []any{
		slog.Int64("total_queued", totalQueued),
		slog.Int64("total_waiting", totalWaiting),
		slog.Int64("total_dropped", totalDropped),
	}
	for _, bucket := range buckets {
		s := r.stats[bucket]
		attrs = append(attrs, slog.Group(bucket,
			slog.Int64("queued", s.queued),
			slog.Int64("waiting", s.waiting),
			slog.Int64("dropped", s.dropped),
		))
	}
	r.ll.Info("Intake routing stats", attrs...)

	r.stats = make(map[string]*bucketStats)
}

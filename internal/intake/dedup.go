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
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultDedupTTL is how long an identifier is remembered by a Deduplicator.
const DefaultDedupTTL = 30 * time.Second

// Deduplicator suppresses identifiers delivered more than once within a
// short window, as happens when a notification source redelivers. It is
// best effort and local to one process; the queues tolerate duplicates.
type Deduplicator struct {
	cache *ttlcache.Cache[uint64, struct{}]
}

func NewDeduplicator(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[uint64, struct{}](),
	)
	go cache.Start()
	return &Deduplicator{cache: cache}
}

// Seen reports whether the identifier was recorded within the window.
func (d *Deduplicator) Seen(identifier string) bool {
	return d.cache.Has(xxhash.Sum64String(identifier))
}

// Record remembers identifiers that have been routed. Callers record only
// after the routing write commits, so a failed write is redelivered
// rather than suppressed.
func (d *Deduplicator) Record(identifiers ...string) {
	for _, id := range identifiers {
		d.cache.Set(xxhash.Sum64String(id), struct{}{}, ttlcache.DefaultTTL)
	}
}

// Stop releases the expiration goroutine.
func (d *Deduplicator) Stop() {
	d.cache.Stop()
}

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

// Package intake routes newly observed item identifiers onto
// per-destination queues, holding secondaries until their primary has
// been processed.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
)

var (
	itemsRouted  metric.Int64Counter
	itemsDropped metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/lsst-dm/embargo-butler/internal/intake")

	var err error
	itemsRouted, err = meter.Int64Counter(
		"embargo_intake_items_routed_total",
		metric.WithDescription("Number of identifiers routed to a destination queue or wait set"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsRouted counter: %w", err))
	}

	itemsDropped, err = meter.Int64Counter(
		"embargo_intake_items_dropped_total",
		metric.WithDescription("Number of identifiers rejected before routing"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsDropped counter: %w", err))
	}
}

const (
	// DefaultDatasetPattern selects which identifiers are routed at all.
	DefaultDatasetPattern = `fits$`

	// DefaultGroupLifetime bounds how long secondaries wait for a primary.
	DefaultGroupLifetime = 24 * time.Hour
)

// routeSecondary pushes a secondary onto its destination queue when the
// primary of its exposure has already been processed, and onto the
// exposure's wait set otherwise. Running the check and the push as one
// script means a primary finishing concurrently cannot strand it.
//
// KEYS: seen marker, destination queue, wait set
// ARGV: identifier, wait set lifetime in seconds
var routeSecondary = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('EXPIRE', KEYS[3], ARGV[2])
return 0
`)

// Recorder receives the descriptors of every routed batch.
type Recorder interface {
	Record(ctx context.Context, descriptors []pathinfo.Descriptor) error
}

// Router is safe for concurrent use, and any number of routers may share
// one store.
type Router struct {
	client        redis.UniversalClient
	filter        *regexp.Regexp
	groupLifetime time.Duration
	recorder      Recorder
	dedup         *Deduplicator
	reporter      *Reporter
	tracer        trace.Tracer
	ll            *slog.Logger
}

type Option func(*Router)

// WithFilter replaces the dataset pattern. Identifiers that do not match
// are dropped without being counted.
func WithFilter(re *regexp.Regexp) Option {
	return func(r *Router) {
		if re != nil {
			r.filter = re
		}
	}
}

func WithGroupLifetime(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.groupLifetime = d
		}
	}
}

// WithRecorder sets the statistics sink used by Accept and DrainHolding.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) {
		r.recorder = rec
	}
}

func WithDeduplicator(d *Deduplicator) Option {
	return func(r *Router) {
		r.dedup = d
	}
}

func WithReporter(rep *Reporter) Option {
	return func(r *Router) {
		r.reporter = rep
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(r *Router) {
		r.ll = ll
	}
}

func NewRouter(client redis.UniversalClient, opts ...Option) *Router {
	r := &Router{
		client:        client,
		filter:        regexp.MustCompile(DefaultDatasetPattern),
		groupLifetime: DefaultGroupLifetime,
		tracer:        otel.Tracer("github.com/lsst-dm/embargo-butler/internal/intake"),
		ll:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ll = r.ll.With(slog.String("component", "intake"))
	return r
}

// Accept routes the identifiers and records statistics for every routed
// descriptor.
func (r *Router) Accept(ctx context.Context, identifiers []string) ([]pathinfo.Descriptor, error) {
	descriptors, err := r.Enqueue(ctx, identifiers)
	if err != nil {
		return nil, err
	}
	if err := r.record(ctx, descriptors); err != nil {
		return descriptors, err
	}
	return descriptors, nil
}

// Enqueue parses and filters the identifiers and pushes the accepted ones
// onto their destination queues or wait sets in a single transaction. It
// returns the descriptors of the routed identifiers. Only store errors are
// returned; unparseable identifiers are logged and dropped.
func (r *Router) Enqueue(ctx context.Context, identifiers []string) ([]pathinfo.Descriptor, error) {
	ctx, span := r.tracer.Start(ctx, "intake.Enqueue",
		trace.WithAttributes(attribute.Int("identifiers", len(identifiers))))
	defer span.End()

	descriptors := r.accepted(ctx, identifiers, r.dedup)
	if len(descriptors) == 0 {
		return nil, nil
	}

	var results []*redis.Cmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		results = r.queue(ctx, pipe, descriptors)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("routing %d identifiers: %w", len(descriptors), err)
	}
	if r.dedup != nil {
		for _, d := range descriptors {
			r.dedup.Record(d.Path())
		}
	}
	r.tally(ctx, descriptors, results)
	return descriptors, nil
}

// DrainHolding routes every identifier stored as a field of the holding
// hash and removes those fields in the same transaction. Concurrent
// drainers of the same hash conflict and retry, so no field is routed
// twice.
func (r *Router) DrainHolding(ctx context.Context, holdingKey string) ([]pathinfo.Descriptor, error) {
	var descriptors []pathinfo.Descriptor
	var results []*redis.Cmd

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HKeys(ctx, holdingKey).Result()
		if err != nil {
			return err
		}
		descriptors, results = nil, nil
		if len(fields) == 0 {
			return nil
		}
		// Fields leave the hash only when routed, so no dedup is needed.
		descriptors = r.accepted(ctx, fields, nil)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			results = r.queue(ctx, pipe, descriptors)
			pipe.HDel(ctx, holdingKey, fields...)
			return nil
		})
		return err
	}

	for {
		err := r.client.Watch(ctx, txf, holdingKey)
		if err == nil {
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("draining holding area %s: %w", holdingKey, err)
	}

	if len(descriptors) == 0 {
		return nil, nil
	}
	r.tally(ctx, descriptors, results)
	if err := r.record(ctx, descriptors); err != nil {
		return descriptors, err
	}
	return descriptors, nil
}

// accepted returns the descriptors of identifiers that pass the dataset
// pattern, parse, and are not repeated within the batch or recently routed
// according to dedup. Nothing is recorded in dedup here.
func (r *Router) accepted(ctx context.Context, identifiers []string, dedup *Deduplicator) []pathinfo.Descriptor {
	descriptors := make([]pathinfo.Descriptor, 0, len(identifiers))
	batch := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		if !r.filter.MatchString(id) {
			continue
		}
		d, err := pathinfo.ParseWithLogger(id, r.ll)
		if err != nil {
			r.ll.Warn("Dropping malformed identifier", slog.String("identifier", id), slog.Any("error", err))
			r.dropped(ctx, "", "malformed")
			continue
		}
		if _, dup := batch[d.Path()]; dup || (dedup != nil && dedup.Seen(d.Path())) {
			r.ll.Debug("Dropping duplicate identifier", slog.String("identifier", id))
			r.dropped(ctx, d.Bucket(), "duplicate")
			continue
		}
		batch[d.Path()] = struct{}{}
		descriptors = append(descriptors, d)
	}
	return descriptors
}

// queue adds the routing commands for descriptors to pipe. The returned
// slice holds the script result for each secondary and nil otherwise.
func (r *Router) queue(ctx context.Context, pipe redis.Pipeliner, descriptors []pathinfo.Descriptor) []*redis.Cmd {
	results := make([]*redis.Cmd, len(descriptors))
	lifetime := strconv.FormatInt(int64(r.groupLifetime/time.Second), 10)
	for i, d := range descriptors {
		item, ok := d.(*pathinfo.ScheduledItem)
		if ok && item.NeedsPrimary() {
			results[i] = routeSecondary.Eval(ctx, pipe,
				[]string{keys.Seen(item.ExposureID), keys.Queue(d.Bucket()), keys.Wait(item.ExposureID)},
				d.Path(), lifetime)
			continue
		}
		pipe.LPush(ctx, keys.Queue(d.Bucket()), d.Path())
	}
	return results
}

func (r *Router) tally(ctx context.Context, descriptors []pathinfo.Descriptor, results []*redis.Cmd) {
	for i, d := range descriptors {
		destination := "queue"
		if cmd := results[i]; cmd != nil {
			if v, err := cmd.Int64(); err == nil && v == 0 {
				destination = "wait"
			}
		}
		if destination == "wait" {
			item := d.(*pathinfo.ScheduledItem)
			r.ll.Info("Waiting for primary", slog.String("exposure", item.ExposureID), slog.String("path", d.Path()))
			if r.reporter != nil {
				r.reporter.RecordWaiting(d.Bucket(), 1)
			}
		} else {
			r.ll.Info("Enqueued", slog.String("path", d.Path()), slog.String("bucket", d.Bucket()))
			if r.reporter != nil {
				r.reporter.RecordQueued(d.Bucket(), 1)
			}
		}
		itemsRouted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bucket", d.Bucket()),
			attribute.String("destination", destination),
		))
	}
}

func (r *Router) dropped(ctx context.Context, bucket, reason string) {
	if r.reporter != nil {
		r.reporter.RecordDropped(bucket, 1)
	}
	itemsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *Router) record(ctx context.Context, descriptors []pathinfo.Descriptor) error {
	if r.recorder == nil || len(descriptors) == 0 {
		return nil
	}
	if err := r.recorder.Record(ctx, descriptors); err != nil {
		return fmt.Errorf("recording statistics: %w", err)
	}
	return nil
}

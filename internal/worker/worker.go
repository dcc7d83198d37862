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

// Package worker leases items from a destination queue into a private
// lease list, hands them to the processing engine and settles each item
// according to the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsst-dm/embargo-butler/internal/engine"
	"github.com/lsst-dm/embargo-butler/internal/headers"
	"github.com/lsst-dm/embargo-butler/internal/heartbeat"
	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/internal/logctx"
	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
	"github.com/lsst-dm/embargo-butler/internal/stats"
)

var (
	itemsLeased    metric.Int64Counter
	itemsIngested  metric.Int64Counter
	itemsFailed    metric.Int64Counter
	itemsAbandoned metric.Int64Counter
	batchDuration  metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/lsst-dm/embargo-butler/internal/worker")

	var err error
	itemsLeased, err = meter.Int64Counter(
		"embargo_worker_items_leased_total",
		metric.WithDescription("Number of items moved from a destination queue into a lease list"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsLeased counter: %w", err))
	}

	itemsIngested, err = meter.Int64Counter(
		"embargo_worker_items_ingested_total",
		metric.WithDescription("Number of items processed successfully"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsIngested counter: %w", err))
	}

	itemsFailed, err = meter.Int64Counter(
		"embargo_worker_items_failed_total",
		metric.WithDescription("Number of item processing failures"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsFailed counter: %w", err))
	}

	itemsAbandoned, err = meter.Int64Counter(
		"embargo_worker_items_abandoned_total",
		metric.WithDescription("Number of items removed from a lease list without succeeding"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create itemsAbandoned counter: %w", err))
	}

	batchDuration, err = meter.Float64Histogram(
		"embargo_worker_batch_duration_seconds",
		metric.WithDescription("Time spent in the processing engine per batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create batchDuration histogram: %w", err))
	}
}

// Config controls one worker.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Name   string `mapstructure:"name"`

	// MaxIngests is the batch ceiling for greedy leasing.
	MaxIngests  int `mapstructure:"max_ingests"`
	MaxFailures int `mapstructure:"max_failures"`

	// BlockTimeout bounds the blocking lease; zero waits forever.
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	FileRetention     time.Duration `mapstructure:"file_retention"`
	GroupLifetime     time.Duration `mapstructure:"group_lifetime"`
}

func DefaultConfig() Config {
	return Config{
		MaxIngests:        10,
		MaxFailures:       DefaultMaxFailures,
		RetryDelay:        time.Second,
		HeartbeatInterval: 3 * time.Second,
		FileRetention:     stats.DefaultFileRetention,
		GroupLifetime:     24 * time.Hour,
	}
}

// Notifier announces a successfully processed item.
type Notifier interface {
	Notify(ctx context.Context, d pathinfo.Descriptor) error
}

// Registrar records successfully processed items downstream.
type Registrar interface {
	Register(ctx context.Context, descriptors []pathinfo.Descriptor) error
}

type Worker struct {
	client    redis.UniversalClient
	engine    engine.Engine
	cfg       Config
	queueKey  string
	leaseKey  string
	failures  *Tracker
	headers   headers.Reader
	notifier  Notifier
	registrar Registrar
	now       func() time.Time
	tracer    trace.Tracer
	ll        *slog.Logger
}

type Option func(*Worker)

// WithHeaderReader enables group completion records.
func WithHeaderReader(r headers.Reader) Option {
	return func(w *Worker) {
		w.headers = r
	}
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) {
		w.notifier = n
	}
}

func WithRegistrar(r Registrar) Option {
	return func(w *Worker) {
		w.registrar = r
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(w *Worker) {
		w.ll = ll
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

func New(client redis.UniversalClient, eng engine.Engine, cfg Config, opts ...Option) (*Worker, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("worker bucket is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("worker name is required")
	}
	def := DefaultConfig()
	if cfg.MaxIngests <= 0 {
		cfg.MaxIngests = def.MaxIngests
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.FileRetention <= 0 {
		cfg.FileRetention = def.FileRetention
	}
	if cfg.GroupLifetime <= 0 {
		cfg.GroupLifetime = def.GroupLifetime
	}

	w := &Worker{
		client:   client,
		engine:   eng,
		cfg:      cfg,
		queueKey: keys.Queue(cfg.Bucket),
		leaseKey: keys.Worker(cfg.Bucket, cfg.Name),
		failures: NewTracker(client, cfg.MaxFailures, cfg.FileRetention),
		now:      time.Now,
		tracer:   otel.Tracer("github.com/lsst-dm/embargo-butler/internal/worker"),
		ll:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ll = w.ll.With(slog.String("component", "worker"), slog.String("lease", w.leaseKey))
	return w, nil
}

// LeaseKey is the key of this worker's lease list.
func (w *Worker) LeaseKey() string {
	return w.leaseKey
}

// Run processes items until ctx is done. Items left on the lease list by
// an earlier run under the same name are processed first. Only store
// errors are returned.
func (w *Worker) Run(ctx context.Context) error {
	w.ll.Info("Waiting on queue", slog.String("queue", w.queueKey))
	for {
		if ctx.Err() != nil {
			return nil
		}
		retry, err := w.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !retry {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.RetryDelay):
		}
	}
}

// step leases work if none is held and processes the lease list once.
// It reports whether items were kept for retry.
func (w *Worker) step(ctx context.Context) (bool, error) {
	held, err := w.client.LLen(ctx, w.leaseKey).Result()
	if err != nil {
		return false, fmt.Errorf("reading lease list: %w", err)
	}
	if held == 0 {
		leased, err := w.lease(ctx)
		if err != nil || !leased {
			return false, err
		}
	}
	if err := w.topUp(ctx); err != nil {
		return false, err
	}
	return w.process(ctx)
}

// lease blocks until an item can be moved from the queue to the lease
// list. It returns false if the block timeout expired.
func (w *Worker) lease(ctx context.Context) (bool, error) {
	err := w.client.BLMove(ctx, w.queueKey, w.leaseKey, "RIGHT", "LEFT", w.cfg.BlockTimeout).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leasing from %s: %w", w.queueKey, err)
	}
	itemsLeased.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", w.cfg.Bucket)))
	return true, nil
}

// topUp moves ready items without blocking until the lease list holds
// MaxIngests items or the queue is empty.
func (w *Worker) topUp(ctx context.Context) error {
	n, err := w.client.LLen(ctx, w.leaseKey).Result()
	if err != nil {
		return fmt.Errorf("reading lease list: %w", err)
	}
	moved := 0
	for ; n < int64(w.cfg.MaxIngests); n++ {
		err := w.client.LMove(ctx, w.queueKey, w.leaseKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("leasing from %s: %w", w.queueKey, err)
		}
		moved++
	}
	if moved > 0 {
		itemsLeased.Add(ctx, int64(moved), metric.WithAttributes(attribute.String("bucket", w.cfg.Bucket)))
	}
	return nil
}

// process hands every item on the lease list to the engine and settles
// each one. It reports whether any item was kept for a later retry.
func (w *Worker) process(ctx context.Context) (bool, error) {
	items, err := w.client.LRange(ctx, w.leaseKey, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("reading lease list: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}

	ctx, span := w.tracer.Start(ctx, "worker.batch", trace.WithAttributes(
		attribute.String("bucket", w.cfg.Bucket),
		attribute.Int("items", len(items)),
	))
	defer span.End()
	ll := w.ll.With(slog.String("batch", span.SpanContext().TraceID().String()))
	ctx = logctx.WithLogger(ctx, ll)

	var errs *multierror.Error
	descriptors := make(map[string]pathinfo.Descriptor, len(items))
	batch := make([]string, 0, len(items))
	for _, item := range items {
		if _, dup := descriptors[item]; dup {
			continue
		}
		d, err := pathinfo.ParseWithLogger(item, ll)
		if err != nil {
			ll.Error("Removing unparseable item", slog.String("item", item), slog.Any("error", err))
			if err := w.client.LRem(ctx, w.leaseKey, 0, item).Err(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("removing %s: %w", item, err))
			}
			itemsAbandoned.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			continue
		}
		descriptors[item] = d
		batch = append(batch, item)
	}
	if len(batch) == 0 {
		return false, errs.ErrorOrNil()
	}

	if w.headers != nil {
		w.recordGroups(ctx, batch, descriptors)
	}

	ll.Info("Ingesting", slog.Int("items", len(batch)))
	result := w.ingest(ctx, batch)

	var succeeded []pathinfo.Descriptor
	for _, item := range result.Succeeded {
		d, ok := descriptors[item]
		if !ok {
			ll.Warn("Engine reported an item that was not submitted", slog.String("item", item))
			continue
		}
		if err := w.onSuccess(ctx, d); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		succeeded = append(succeeded, d)
	}

	retry := false
	for _, f := range result.Transient {
		d, ok := descriptors[f.Item]
		if !ok {
			continue
		}
		kept, err := w.onTransient(ctx, d, f.Error)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		retry = retry || kept
	}

	for _, f := range result.Permanent {
		d, ok := descriptors[f.Item]
		if !ok {
			continue
		}
		if err := w.onPermanent(ctx, d, f.Error); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if w.registrar != nil && len(succeeded) > 0 {
		if err := w.registrar.Register(ctx, succeeded); err != nil {
			ll.Error("Registration failed", slog.Int("items", len(succeeded)), slog.Any("error", err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settling batch")
		return retry, err
	}
	return retry, nil
}

// ingest calls the engine with the lease list kept alive. If the batch
// call fails, each item is retried on its own. Items the engine does not
// report are classified as transient failures.
func (w *Worker) ingest(ctx context.Context, batch []string) engine.BatchResult {
	ll := logctx.FromContext(ctx)
	stop := heartbeat.New(heartbeat.Touch(w.client, w.leaseKey), w.cfg.HeartbeatInterval, ll).Start(ctx)
	defer stop()

	start := time.Now()
	defer func() {
		batchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("bucket", w.cfg.Bucket)))
	}()

	result, err := w.engine.Ingest(ctx, batch)
	if err != nil {
		ll.Error("Batch ingest failed, retrying one by one", slog.Int("items", len(batch)), slog.Any("error", err))
		result = engine.BatchResult{}
		for _, item := range batch {
			single, err := w.engine.Ingest(ctx, []string{item})
			if err != nil {
				ll.Error("Ingest failed", slog.String("item", item), slog.Any("error", err))
				result.Transient = append(result.Transient, engine.Failure{Item: item, Error: err.Error()})
				continue
			}
			result.Merge(single)
		}
	}

	for _, item := range batch {
		if !result.Reported(item) {
			result.Transient = append(result.Transient, engine.Failure{Item: item, Error: "not reported by engine"})
		}
	}
	return result
}

func (w *Worker) onSuccess(ctx context.Context, d pathinfo.Descriptor) error {
	ll := logctx.FromContext(ctx)
	fileKey := keys.File(d.Path())
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, w.leaseKey, 0, d.Path())
		pipe.HSet(ctx, fileKey, keys.FieldIngestTime, stats.FormatTime(w.now()))
		pipe.Expire(ctx, fileKey, w.cfg.FileRetention)
		pipe.HIncrBy(ctx, keys.Ingested(d.Bucket(), d.Instrument()), d.ObsDay(), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording success of %s: %w", d.Path(), err)
	}
	ll.Info("Ingested", slog.String("path", d.Path()))
	itemsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", d.Bucket()),
		attribute.String("instrument", d.Instrument()),
	))

	if item, ok := d.(*pathinfo.ScheduledItem); ok && item.IsPrimary() {
		if err := w.releaseWaiting(ctx, item); err != nil {
			return err
		}
	}

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, d); err != nil {
			ll.Warn("Webhook failed", slog.String("path", d.Path()), slog.Any("error", err))
		}
	}
	return nil
}

// releaseWaiting marks the exposure's primary as seen and moves every
// secondary waiting on it into this worker's lease list. Secondaries
// arriving after the marker is set are routed straight to the queue.
func (w *Worker) releaseWaiting(ctx context.Context, item *pathinfo.ScheduledItem) error {
	if err := w.client.Set(ctx, keys.Seen(item.ExposureID), "1", w.cfg.FileRetention).Err(); err != nil {
		return fmt.Errorf("marking %s seen: %w", item.ExposureID, err)
	}
	waitKey := keys.Wait(item.ExposureID)
	moved := 0
	for {
		err := w.client.LMove(ctx, waitKey, w.leaseKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("releasing secondaries of %s: %w", item.ExposureID, err)
		}
		moved++
	}
	if moved > 0 {
		logctx.FromContext(ctx).Info("Released waiting items",
			slog.String("exposure", item.ExposureID), slog.Int("items", moved))
	}
	return nil
}

// onTransient records the failure and reports whether the item stays on
// the lease list for another attempt.
func (w *Worker) onTransient(ctx context.Context, d pathinfo.Descriptor, cause string) (bool, error) {
	ll := logctx.FromContext(ctx)
	itemsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "transient")))

	count, err := w.failures.RecordFailure(ctx, d, cause)
	if err != nil {
		return false, err
	}
	if !w.failures.ShouldAbandon(count) {
		ll.Warn("Ingest failed, will retry", slog.String("path", d.Path()),
			slog.Int64("failures", count), slog.String("error", cause))
		return true, nil
	}

	if err := w.client.LRem(ctx, w.leaseKey, 0, d.Path()).Err(); err != nil {
		return false, fmt.Errorf("abandoning %s: %w", d.Path(), err)
	}
	ll.Error("Ingest failed, giving up", slog.String("path", d.Path()),
		slog.Int64("failures", count), slog.String("error", cause))
	itemsAbandoned.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "max_failures")))
	return false, nil
}

func (w *Worker) onPermanent(ctx context.Context, d pathinfo.Descriptor, cause string) error {
	itemsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "permanent")))
	if err := w.failures.RecordPermanent(ctx, d, cause); err != nil {
		return err
	}
	if err := w.client.LRem(ctx, w.leaseKey, 0, d.Path()).Err(); err != nil {
		return fmt.Errorf("abandoning %s: %w", d.Path(), err)
	}
	logctx.FromContext(ctx).Error("Unrecoverable metadata failure", slog.String("path", d.Path()), slog.String("error", cause))
	itemsAbandoned.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "permanent")))
	return nil
}

// recordGroups stores a group completion record for every scheduled item
// whose header names a group. Header problems are logged and skipped.
func (w *Worker) recordGroups(ctx context.Context, batch []string, descriptors map[string]pathinfo.Descriptor) {
	ll := logctx.FromContext(ctx)
	_, err := w.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range batch {
			if _, ok := descriptors[item].(*pathinfo.ScheduledItem); !ok {
				continue
			}
			h, err := w.headers.Read(ctx, item)
			if err != nil {
				ll.Warn("Error reading header", slog.String("path", item), slog.Any("error", err))
				continue
			}
			slot, ok, err := h.Slot()
			if err != nil {
				ll.Warn("Error reading snap and detector", slog.String("path", item), slog.Any("error", err))
				continue
			}
			if !ok {
				continue
			}
			pipe.Set(ctx, keys.Group(slot.Instrument, slot.GroupID, slot.Snap, slot.Detector), "s3://"+item, w.cfg.GroupLifetime)
		}
		return nil
	})
	if err != nil {
		ll.Error("Error recording group records", slog.Any("error", err))
	}
}

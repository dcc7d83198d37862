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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/embargo-butler/internal/engine"
	"github.com/lsst-dm/embargo-butler/internal/headers"
	"github.com/lsst-dm/embargo-butler/internal/intake"
	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
	"github.com/lsst-dm/embargo-butler/internal/stats"
	"github.com/lsst-dm/embargo-butler/testhelpers"
)

const (
	primaryID   = "bucketA/inst/20240101/INST_C_20240101_000123/INST_C_20240101_000123_R01_S02.fits"
	secondaryID = "bucketA/inst/20240101/INST_C_20240101_000123/INST_C_20240101_000123_guider.fits"
	exposureID  = "INST_C_20240101_000123"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(items []string) (engine.BatchResult, error)
}

func (f *fakeEngine) Ingest(_ context.Context, items []string) (engine.BatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), items...))
	f.mu.Unlock()
	if f.fn == nil {
		return engine.BatchResult{Succeeded: items}, nil
	}
	return f.fn(items)
}

func (f *fakeEngine) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c...)
	}
	return out
}

func transientAll(items []string) (engine.BatchResult, error) {
	var r engine.BatchResult
	for _, item := range items {
		r.Transient = append(r.Transient, engine.Failure{Item: item, Error: "butler busy"})
	}
	return r, nil
}

func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Bucket = "bucketA"
	cfg.Name = name
	cfg.BlockTimeout = time.Second
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func newTestWorker(t *testing.T, client redis.UniversalClient, eng engine.Engine, opts ...Option) *Worker {
	t.Helper()
	w, err := New(client, eng, testConfig("w1"), opts...)
	require.NoError(t, err)
	return w
}

func lease(t *testing.T, client redis.UniversalClient, w *Worker) []string {
	t.Helper()
	items, err := client.LRange(context.Background(), w.LeaseKey(), 0, -1).Result()
	require.NoError(t, err)
	return items
}

func queueLen(t *testing.T, client redis.UniversalClient) int64 {
	t.Helper()
	n, err := client.LLen(context.Background(), keys.Queue("bucketA")).Result()
	require.NoError(t, err)
	return n
}

func TestNewValidatesConfig(t *testing.T) {
	_, client := testhelpers.SetupTestRedis(t)
	_, err := New(client, &fakeEngine{}, Config{Name: "w"})
	assert.Error(t, err)
	_, err = New(client, &fakeEngine{}, Config{Bucket: "b"})
	assert.Error(t, err)

	w, err := New(client, &fakeEngine{}, Config{Bucket: "rubin:embargo", Name: "w"})
	require.NoError(t, err)
	assert.Equal(t, "WORKER:rubin:embargo:w", w.LeaseKey())
	assert.Equal(t, 10, w.cfg.MaxIngests)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	router := intake.NewRouter(client, intake.WithRecorder(stats.NewAggregator(client)))

	_, err := router.Accept(ctx, []string{primaryID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), queueLen(t, client))

	eng := &fakeEngine{}
	w := newTestWorker(t, client, eng)
	retry, err := w.step(ctx)
	require.NoError(t, err)
	assert.False(t, retry)

	assert.Equal(t, []string{primaryID}, eng.processed())
	assert.Empty(t, lease(t, client, w))
	assert.Zero(t, queueLen(t, client))

	ingestTime, err := client.HGet(ctx, keys.File(primaryID), keys.FieldIngestTime).Float64()
	require.NoError(t, err)
	assert.Positive(t, ingestTime)

	n, err := client.HGet(ctx, keys.Ingested("bucketA", "inst"), "20240101").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seq, err := client.Get(ctx, keys.MaxSeq("bucketA", "inst", "20240101")).Int64()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seq, int64(123))
}

func TestTransientFailuresAbandonAtThreshold(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), primaryID).Err())

	w := newTestWorker(t, client, &fakeEngine{fn: transientAll})

	for attempt := 1; attempt <= 2; attempt++ {
		retry, err := w.step(ctx)
		require.NoError(t, err)
		assert.True(t, retry, "attempt %d", attempt)
		assert.Equal(t, []string{primaryID}, lease(t, client, w), "attempt %d", attempt)

		count, err := client.HGet(ctx, keys.File(primaryID), keys.FieldIngestFailures).Int()
		require.NoError(t, err)
		assert.Equal(t, attempt, count)
	}

	retry, err := w.step(ctx)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Empty(t, lease(t, client, w))

	count, err := client.HGet(ctx, keys.File(primaryID), keys.FieldIngestFailures).Int()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	exc, err := client.HGet(ctx, keys.File(primaryID), keys.FieldIngestFailExc).Result()
	require.NoError(t, err)
	assert.Equal(t, "butler busy", exc)

	failed, err := client.HGet(ctx, keys.Failed("bucketA", "inst"), "20240101").Int()
	require.NoError(t, err)
	assert.Equal(t, 3, failed)
}

func TestPermanentFailureRemovesImmediately(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), primaryID).Err())

	w := newTestWorker(t, client, &fakeEngine{fn: func(items []string) (engine.BatchResult, error) {
		return engine.BatchResult{Permanent: []engine.Failure{{Item: items[0], Error: "no translator"}}}, nil
	}})

	retry, err := w.step(ctx)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Empty(t, lease(t, client, w))

	exc, err := client.HGet(ctx, keys.File(primaryID), keys.FieldMetadataExc).Result()
	require.NoError(t, err)
	assert.Equal(t, "no translator", exc)

	_, err = client.HGet(ctx, keys.File(primaryID), keys.FieldIngestFailures).Result()
	assert.ErrorIs(t, err, redis.Nil)

	failed, err := client.HGet(ctx, keys.Failed("bucketA", "inst"), "20240101").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestGroupingWait(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	router := intake.NewRouter(client)

	_, err := router.Enqueue(ctx, []string{secondaryID})
	require.NoError(t, err)
	assert.Zero(t, queueLen(t, client))

	_, err = router.Enqueue(ctx, []string{primaryID})
	require.NoError(t, err)

	eng := &fakeEngine{}
	w := newTestWorker(t, client, eng)

	_, err = w.step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{primaryID}, eng.processed())
	assert.Equal(t, []string{secondaryID}, lease(t, client, w))

	exists, err := client.Exists(ctx, keys.Wait(exposureID), keys.Queue("bucketA")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	_, err = w.step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{primaryID, secondaryID}, eng.processed())
	assert.Empty(t, lease(t, client, w))

	// Later secondaries go straight to the queue.
	late := "bucketA/inst/20240101/INST_C_20240101_000123/INST_C_20240101_000123_R00_SG0_guider.fits"
	_, err = router.Enqueue(ctx, []string{late})
	require.NoError(t, err)
	assert.Equal(t, int64(1), queueLen(t, client))
}

func TestBatchErrorFallsBackToSingleItems(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	good := primaryID
	bad := "bucketA/inst/20240101/INST_C_20240101_000124/INST_C_20240101_000124_R01_S02.fits"
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), good, bad).Err())

	eng := &fakeEngine{fn: func(items []string) (engine.BatchResult, error) {
		if len(items) > 1 {
			return engine.BatchResult{}, errors.New("batch rejected")
		}
		if items[0] == bad {
			return engine.BatchResult{}, errors.New("corrupt file")
		}
		return engine.BatchResult{Succeeded: items}, nil
	}}
	w := newTestWorker(t, client, eng)

	retry, err := w.step(ctx)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Len(t, eng.calls, 3)
	assert.Equal(t, []string{bad}, lease(t, client, w))

	exc, err := client.HGet(ctx, keys.File(bad), keys.FieldIngestFailExc).Result()
	require.NoError(t, err)
	assert.Equal(t, "corrupt file", exc)
}

func TestUnreportedItemIsTransient(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), primaryID).Err())

	w := newTestWorker(t, client, &fakeEngine{fn: func([]string) (engine.BatchResult, error) {
		return engine.BatchResult{}, nil
	}})
	retry, err := w.step(ctx)
	require.NoError(t, err)
	assert.True(t, retry)

	count, err := client.HGet(ctx, keys.File(primaryID), keys.FieldIngestFailures).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMalformedLeasedItemRemoved(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	eng := &fakeEngine{}
	w := newTestWorker(t, client, eng)
	require.NoError(t, client.LPush(ctx, w.LeaseKey(), "bucketA/garbage.fits").Err())

	_, err := w.step(ctx)
	require.NoError(t, err)
	assert.Empty(t, lease(t, client, w))
	assert.Empty(t, eng.calls)
}

func TestGreedyLeaseRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	for i := range 15 {
		id := fmt.Sprintf("bucketA/inst/20240101/INST_C_20240101_%06d/INST_C_20240101_%06d_R01_S02.fits", i, i)
		require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), id).Err())
	}

	eng := &fakeEngine{}
	w := newTestWorker(t, client, eng)
	_, err := w.step(ctx)
	require.NoError(t, err)

	require.Len(t, eng.calls, 1)
	assert.Len(t, eng.calls[0], 10)
	assert.Equal(t, int64(5), queueLen(t, client))
}

func TestLeftoverLeaseProcessedFirst(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	eng := &fakeEngine{}
	w := newTestWorker(t, client, eng)
	require.NoError(t, client.LPush(ctx, w.LeaseKey(), primaryID).Err())

	_, err := w.step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{primaryID}, eng.processed())
}

type fakeHeaders map[string]headers.Header

func (f fakeHeaders) Read(_ context.Context, path string) (headers.Header, error) {
	h, ok := f[path]
	if !ok {
		return nil, errors.New("no sidecar")
	}
	return h, nil
}

func TestRecordsGroupCompletion(t *testing.T) {
	ctx := context.Background()
	mr, client := testhelpers.SetupTestRedis(t)
	other := "bucketA/inst/20240101/INST_C_20240101_000124/INST_C_20240101_000124_R01_S02.fits"
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), primaryID, other).Err())

	hdrs := fakeHeaders{primaryID: {
		"INSTRUME": "lsstcam", "GROUPID": "g1", "CURINDEX": float64(1), "RAFTBAY": "R01", "CCDSLOT": "S02",
	}}
	w := newTestWorker(t, client, &fakeEngine{}, WithHeaderReader(hdrs))
	_, err := w.step(ctx)
	require.NoError(t, err)

	key := keys.Group("LSSTCam", "g1", 0, "R01_S02")
	uri, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "s3://"+primaryID, uri)
	assert.Equal(t, 24*time.Hour, mr.TTL(key))
}

type fakeNotifier struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, d pathinfo.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, d.Path())
	return f.err
}

type fakeRegistrar struct {
	batches [][]pathinfo.Descriptor
}

func (f *fakeRegistrar) Register(_ context.Context, ds []pathinfo.Descriptor) error {
	f.batches = append(f.batches, ds)
	return errors.New("catalog unavailable")
}

func TestSideEffectFailuresDoNotAffectQueueState(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), primaryID).Err())

	n := &fakeNotifier{err: errors.New("timeout")}
	reg := &fakeRegistrar{}
	w := newTestWorker(t, client, &fakeEngine{}, WithNotifier(n), WithRegistrar(reg))

	retry, err := w.step(ctx)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Empty(t, lease(t, client, w))
	assert.Equal(t, []string{primaryID}, n.paths)
	require.Len(t, reg.batches, 1)
	assert.Equal(t, primaryID, reg.batches[0][0].Path())
}

func TestRunStopsOnCancel(t *testing.T) {
	_, client := testhelpers.SetupTestRedis(t)
	w := newTestWorker(t, client, &fakeEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunReturnsStoreErrors(t *testing.T) {
	mr, client := testhelpers.SetupTestRedis(t)
	w := newTestWorker(t, client, &fakeEngine{})
	mr.Close()

	err := w.Run(context.Background())
	assert.Error(t, err)
}

func TestAtMostOneOwner(t *testing.T) {
	_, client := testhelpers.SetupTestRedis(t)
	const total = 40
	ids := make([]string, total)
	for i := range ids {
		ids[i] = "bucketA/inst/20240101/INST_C_20240101_" + fmt.Sprintf("%06d", i) +
			"/INST_C_20240101_" + fmt.Sprintf("%06d", i) + "_R01_S02.fits"
	}

	eng := &fakeEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := range 3 {
		w, err := New(client, eng, testConfig("w"+strconv.Itoa(i)))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Run(ctx))
		}()
	}

	router := intake.NewRouter(client)
	for _, id := range ids {
		_, err := router.Enqueue(context.Background(), []string{id})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return len(eng.processed()) >= total
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	wg.Wait()

	assert.ElementsMatch(t, ids, eng.processed(), "each item processed exactly once")
	assert.Zero(t, queueLen(t, client))
}

func TestLeaseKeptAliveDuringIngest(t *testing.T) {
	ctx := context.Background()
	mr, client := testhelpers.SetupTestRedis(t)
	require.NoError(t, client.LPush(ctx, keys.Queue("bucketA"), primaryID).Err())

	cfg := testConfig("w1")
	cfg.HeartbeatInterval = 10 * time.Millisecond
	var touched bool
	w, err := New(client, &fakeEngine{fn: func(items []string) (engine.BatchResult, error) {
		// Commands seen by the server while the engine is busy.
		before := mr.CommandCount()
		time.Sleep(50 * time.Millisecond)
		touched = mr.CommandCount() > before
		return engine.BatchResult{Succeeded: items}, nil
	}}, cfg)
	require.NoError(t, err)

	_, err = w.step(ctx)
	require.NoError(t, err)
	assert.True(t, touched)
}

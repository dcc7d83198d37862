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

package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/embargo-butler/testhelpers"
)

func TestHeartbeaterBeatsUntilStopped(t *testing.T) {
	var calls atomic.Int64
	h := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, 20*time.Millisecond, nil)

	stop := h.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()

	after := calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no beats after stop returns")
}

func TestHeartbeaterBeatsImmediately(t *testing.T) {
	var calls atomic.Int64
	h := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, time.Hour, nil)

	stop := h.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	stop()
}

func TestHeartbeaterContinuesAfterError(t *testing.T) {
	var calls atomic.Int64
	h := New(func(context.Context) error {
		calls.Add(1)
		return errors.New("store unavailable")
	}, 10*time.Millisecond, nil)

	stop := h.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestHeartbeaterParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(func(context.Context) error { return nil }, 10*time.Millisecond, nil)
	stop := h.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after parent cancellation")
	}
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	_, client := testhelpers.SetupTestRedis(t)
	require.NoError(t, client.RPush(ctx, "WORKER:b:w", "x").Err())

	require.NoError(t, Touch(client, "WORKER:b:w")(ctx))
}

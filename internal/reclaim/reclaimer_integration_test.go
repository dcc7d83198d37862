//go:build integration

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

package reclaim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/testhelpers"
)

func TestSweepUsesServerIdleTime(t *testing.T) {
	ctx := context.Background()
	client := testhelpers.SetupRealRedis(t)

	stale := keys.Worker("bucketA", "gone")
	live := keys.Worker("bucketA", "alive")
	require.NoError(t, client.LPush(ctx, stale, "a", "b").Err())
	require.NoError(t, client.LPush(ctx, live, "c").Err())

	r, err := New(client, Config{Threshold: time.Second})
	require.NoError(t, err)

	// OBJECT IDLETIME has one second resolution.
	time.Sleep(3 * time.Second)
	require.NoError(t, client.Touch(ctx, live).Err())

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queued, err := client.LRange(ctx, keys.Queue("bucketA"), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, queued)

	left, err := client.LLen(ctx, live).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

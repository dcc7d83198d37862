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

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/embargo-butler/internal/intake"
	"github.com/lsst-dm/embargo-butler/internal/keys"
	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
	"github.com/lsst-dm/embargo-butler/testhelpers"
)

func TestHoldingPollerDrains(t *testing.T) {
	_, client := testhelpers.SetupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const holding = "HOLDING"
	id := "bucketA/" + testKey
	require.NoError(t, client.HSet(ctx, holding, id, "1").Err())

	p := NewHoldingPoller(intake.NewRouter(client), holding, 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := client.LLen(ctx, keys.Queue("bucketA")).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, err := client.HLen(ctx, holding).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	cancel()
	assert.NoError(t, <-done)
}

type failingDrainer struct{}

func (failingDrainer) DrainHolding(context.Context, string) ([]pathinfo.Descriptor, error) {
	return nil, errors.New("store unavailable")
}

func TestHoldingPollerStoreError(t *testing.T) {
	p := NewHoldingPoller(failingDrainer{}, "HOLDING", 0, nil)
	assert.Error(t, p.Run(context.Background()))
}

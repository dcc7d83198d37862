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

package idgen

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerNameConfigured(t *testing.T) {
	name, err := WorkerName("ingest-0")
	require.NoError(t, err)
	assert.Equal(t, "ingest-0", name)
}

func TestWorkerNameStripsColons(t *testing.T) {
	name, err := WorkerName("host:1")
	require.NoError(t, err)
	assert.Equal(t, "host_1", name)
}

func TestWorkerNameFallsBackToHostname(t *testing.T) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		t.Skip("no host name available")
	}
	name, err := WorkerName("")
	require.NoError(t, err)
	assert.Equal(t, strings.ReplaceAll(host, ":", "_"), name)
}

func TestNextIDIncreases(t *testing.T) {
	a, err := NextID()
	if err != nil {
		t.Skipf("sonyflake unavailable without a private address: %v", err)
	}
	b, err := NextID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

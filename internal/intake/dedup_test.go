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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicatorSeenAfterRecord(t *testing.T) {
	d := NewDeduplicator(time.Minute)
	t.Cleanup(d.Stop)

	assert.False(t, d.Seen("bucketA/a.fits"))
	assert.False(t, d.Seen("bucketA/a.fits"), "checking must not record")

	d.Record("bucketA/a.fits")
	assert.True(t, d.Seen("bucketA/a.fits"))
	assert.False(t, d.Seen("bucketA/b.fits"))
}

func TestDeduplicatorExpires(t *testing.T) {
	d := NewDeduplicator(20 * time.Millisecond)
	t.Cleanup(d.Stop)

	d.Record("bucketA/a.fits")
	assert.True(t, d.Seen("bucketA/a.fits"))
	assert.Eventually(t, func() bool {
		return !d.Seen("bucketA/a.fits")
	}, time.Second, 10*time.Millisecond)
}

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
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReporterLogsAndResets(t *testing.T) {
	var buf bytes.Buffer
	ll := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewReporter(time.Hour, ll)

	r.RecordQueued("bucketA", 3)
	r.RecordWaiting("bucketA", 1)
	r.RecordDropped("", 2)
	r.report()

	out := buf.String()
	assert.Contains(t, out, "Intake routing stats")
	assert.Contains(t, out, "total_queued=3")
	assert.Contains(t, out, "total_dropped=2")
	assert.Contains(t, out, "bucketA.waiting=1")
	assert.Contains(t, out, "unknown.dropped=2")

	buf.Reset()
	r.report()
	assert.Empty(t, buf.String())
}

func TestReporterFinalReportOnStop(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(time.Hour, slog.New(slog.NewTextHandler(&buf, nil)))
	r.Start(context.Background())
	r.RecordQueued("bucketB", 1)
	r.Stop()

	assert.Contains(t, buf.String(), "bucketB.queued=1")
}

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

package registration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func parse(t *testing.T, ids ...string) []pathinfo.Descriptor {
	t.Helper()
	out := make([]pathinfo.Descriptor, 0, len(ids))
	for _, id := range ids {
		d, err := pathinfo.Parse(id)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestRegisterGroupsByDataset(t *testing.T) {
	w := &fakeWriter{}
	r := NewKafkaRegistrarWithWriter(w, Config{Scope: "raw", RSE: "SLAC_BUTLER", DTNURL: "davs://dtn.example.org"})
	r.now = func() time.Time { return time.Unix(0, 0) }

	err := r.Register(context.Background(), parse(t,
		"bucketA/LSSTCam/20240101/MC_O_20240101_000123/MC_O_20240101_000123_R01_S02.fits",
		"bucketA/LSSTCam/20240101/MC_O_20240101_000199/MC_O_20240101_000199_R01_S02.fits",
		"bucketA/LSSTCam/20240101/MC_O_20240101_000200/MC_O_20240101_000200_R01_S02.fits",
		"rubinobs-lfa-cp/MTCamera/photodiode/2024/01/01/pd.ecsv",
	))
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "Dataset/LSSTCam/20240101/0001", string(w.msgs[0].Key))
	assert.Equal(t, "Dataset/LSSTCam/20240101/0002", string(w.msgs[1].Key))

	var req Request
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &req))
	assert.Equal(t, "raw", req.Scope)
	assert.Equal(t, "SLAC_BUTLER", req.RSE)
	require.Len(t, req.Files, 2)
	assert.Equal(t, "LSSTCam/20240101/MC_O_20240101_000123/MC_O_20240101_000123_R01_S02.fits", req.Files[0].Name)
	assert.Equal(t, "davs://dtn.example.org/bucketA/"+req.Files[0].Name, req.Files[0].PFN)
	assert.NotEmpty(t, req.ID)
}

func TestRegisterNothingToDo(t *testing.T) {
	w := &fakeWriter{err: errors.New("unreachable")}
	r := NewKafkaRegistrarWithWriter(w, Config{})
	require.NoError(t, r.Register(context.Background(), parse(t, "rubinobs-lfa-cp/MTCamera/photodiode/2024/01/01/pd.ecsv")))
}

func TestRegisterWriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	r := NewKafkaRegistrarWithWriter(w, Config{})
	err := r.Register(context.Background(), parse(t,
		"bucketA/LSSTCam/20240101/MC_O_20240101_000123/MC_O_20240101_000123_R01_S02.fits"))
	assert.ErrorContains(t, err, "broker down")
}

func TestDatasetIDShortSequence(t *testing.T) {
	d := parse(t, "bucketA/LATISS/20240101/AT_O_20240101_12/AT_O_20240101_12.fits")[0]
	assert.Equal(t, "Dataset/LATISS/20240101", DatasetID(d.(*pathinfo.ScheduledItem)))
}

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

// Package keys builds the colon-delimited Redis key names shared by the
// enqueue, ingest, idle and presence services.
package keys

import (
	"fmt"
	"strings"
)

const (
	queuePrefix  = "QUEUE:"
	workerPrefix = "WORKER:"
)

// WorkerPattern matches every worker lease list.
const WorkerPattern = workerPrefix + "*"

func Queue(bucket string) string {
	return queuePrefix + bucket
}

// Worker is the lease list owned by one worker of one bucket. Worker
// names must not contain a colon; bucket names may.
func Worker(bucket, worker string) string {
	return workerPrefix + bucket + ":" + worker
}

// WorkerBucket returns the bucket encoded in a worker lease list key.
func WorkerBucket(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, workerPrefix)
	if !ok {
		return "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", false
	}
	return rest[:idx], true
}

func Wait(exposureID string) string {
	return "EXPWAIT:" + exposureID
}

func Seen(exposureID string) string {
	return "EXPSEEN:" + exposureID
}

func File(path string) string {
	return "FILE:" + path
}

func Group(instrument, groupID string, snap int, detector string) string {
	return fmt.Sprintf("GROUP:%s:%s:%d:%s", instrument, groupID, snap, detector)
}

func Received(bucket string) string {
	return "REC:" + bucket
}

func ReceivedInstrument(bucket, instrument string) string {
	return "RECINSTR:" + bucket + ":" + instrument
}

func Ingested(bucket, instrument string) string {
	return "INGEST:" + bucket + ":" + instrument
}

func Failed(bucket, instrument string) string {
	return "FAIL:" + bucket + ":" + instrument
}

func MaxSeq(bucket, instrument, obsDay string) string {
	return "MAXSEQ:" + bucket + ":" + instrument + ":" + obsDay
}

// File status hash fields.
const (
	FieldRecvTime       = "recv_time"
	FieldIngestTime     = "ingest_time"
	FieldIngestFailures = "ing_fail_count"
	FieldIngestFailExc  = "ing_fail_exc"
	FieldMetadataExc    = "md_fail_exc"
)

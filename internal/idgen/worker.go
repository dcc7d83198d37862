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

// Package idgen names worker processes.
package idgen

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var (
	flakeOnce sync.Once
	flake     *sonyflake.Sonyflake
	flakeErr  error
)

func generator() (*sonyflake.Sonyflake, error) {
	flakeOnce.Do(func() {
		flake, flakeErr = sonyflake.New(sonyflake.Settings{
			StartTime: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	})
	return flake, flakeErr
}

// NextID returns a roughly time-ordered unique id rendered in base 36.
func NextID() (string, error) {
	sf, err := generator()
	if err != nil {
		return "", fmt.Errorf("creating id generator: %w", err)
	}
	v, err := sf.NextID()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return strconv.FormatUint(v, 36), nil
}

// WorkerName picks the name a worker leases under. A configured name wins,
// then the host name (the pod name under Kubernetes), then a generated id.
// Colons delimit lease keys, so they are replaced.
func WorkerName(configured string) (string, error) {
	name := configured
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		}
	}
	if name == "" {
		id, err := NextID()
		if err != nil {
			return "", err
		}
		name = "worker-" + id
	}
	return strings.ReplaceAll(name, ":", "_"), nil
}

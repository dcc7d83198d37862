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

package testhelpers

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/orlangure/gnomock"
	redispreset "github.com/orlangure/gnomock/preset/redis"
	"github.com/redis/go-redis/v9"
)

// SetupTestRedis starts an in-process Redis and returns it with a
// connected client. Both are torn down with t.Cleanup.
func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:                  mr.Addr(),
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

// SetupRealRedis connects to a real Redis server. REDIS_TEST_ADDR selects
// an existing server; otherwise a container is started with gnomock.
// Commands such as OBJECT IDLETIME need a real server.
func SetupRealRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		container, err := gnomock.Start(redispreset.Preset())
		if err != nil {
			t.Fatalf("Failed to start redis container: %v", err)
		}
		t.Cleanup(func() {
			_ = gnomock.Stop(container)
		})
		addr = container.DefaultAddress()
	}

	client := redis.NewClient(&redis.Options{Addr: addr, ContextTimeoutEnabled: true})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to ping redis at %s: %v", addr, err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to flush redis at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quota implements a distributed token-bucket limiter backed by
// Redis, mirroring trillian's redis-backed quota manager: a fleet of
// recon.Controller replicas sharing one Redis instance can bound their
// combined fetch/compare concurrency below a cluster-wide ceiling, below
// which each replica additionally applies its own in-process semaphore.
package quota

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// Limiter issues token-bucket admission decisions against named buckets
// stored in Redis.
type Limiter struct {
	rdb    *redis.Client
	prefix string
}

// New connects to the Redis instance at addr. prefix namespaces this
// limiter's keys (e.g. by deployment or slice group) from any other use
// of the same Redis instance.
func New(addr, prefix string) *Limiter {
	return &Limiter{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Close releases the underlying connection.
func (l *Limiter) Close() error { return l.rdb.Close() }

// tokenBucketScript atomically refills a bucket by elapsed time and
// debits one token if available, returning 1 (debited) or 0 (empty). The
// whole read-refill-debit sequence runs as a single Lua script so
// concurrent replicas never race on a partial read.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_rate)

if tokens < 1 then
	redis.call("HMSET", key, "tokens", tokens, "ts", now)
	redis.call("EXPIRE", key, 3600)
	return 0
end

tokens = tokens - 1
redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)
return 1
`)

// Allow reports whether a token is currently available under name,
// consuming it if so. capacity bounds the bucket's size; refillPerSec is
// the steady-state rate new tokens accrue at.
func (l *Limiter) Allow(name string, capacity int, refillPerSec float64) (bool, error) {
	if capacity <= 0 {
		return true, nil
	}
	key := l.prefix + ":" + name
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := tokenBucketScript.Run(l.rdb, []string{key}, capacity, refillPerSec, now).Result()
	if err != nil {
		return false, fmt.Errorf("quota: token bucket eval: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("quota: unexpected script result type %T", res)
	}
	return n == 1, nil
}

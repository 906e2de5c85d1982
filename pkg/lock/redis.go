// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gpuguard/gpu-guard/pkg/defaults"
)

// releaseScript atomically deletes key only if its current value equals
// the caller's value, so a holder never releases a lock it no longer owns.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Store is the distributed mutex capability the Orchestrator depends on.
type Store interface {
	// Acquire sets key to value with the given TTL, only if key is
	// currently unset. Returns true iff the caller now holds the lock.
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReleaseIfValueEquals deletes key only if its current value equals
	// value. Returns true iff the delete happened.
	ReleaseIfValueEquals(ctx context.Context, key, value string) (bool, error)
	// Get returns the current holder value and remaining TTL for key.
	Get(ctx context.Context, key string) (value string, ttlRemaining time.Duration, ok bool, err error)
	// ForceRelease unconditionally deletes key, the manual escape hatch
	// for a lock record stuck past its intended holder's lifetime.
	ForceRelease(ctx context.Context, key string) (bool, error)
	// Close releases the store's underlying connections.
	Close() error
}

// RedisStore implements Store against a Redis (or Redis-protocol
// compatible) server.
type RedisStore struct {
	client *redis.Client
}

// Options configures a RedisStore.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore dials Redis and verifies connectivity with a Ping before
// returning, so construction fails fast rather than on first use.
func NewRedisStore(opts Options) (*RedisStore, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaults.LockStoreDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.LockStoreOpTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire failed: %w", err)
	}
	return ok, nil
}

// ReleaseIfValueEquals implements Store.
func (s *RedisStore) ReleaseIfValueEquals(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.LockStoreOpTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, releaseScript, []string{key}, value).Result()
	if err != nil {
		return false, fmt.Errorf("lock release failed: %w", err)
	}

	n, _ := res.(int64)
	return n > 0, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, time.Duration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.LockStoreOpTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, false, fmt.Errorf("lock read failed: %w", err)
	}

	value, err := getCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("lock read failed: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	return value, ttl, true, nil
}

// ForceRelease implements Store.
func (s *RedisStore) ForceRelease(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.LockStoreOpTimeout)
	defer cancel()

	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("lock force-release failed: %w", err)
	}
	return n > 0, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

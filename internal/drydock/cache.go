// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/logg"
)

// CacheDriver is a pluggable get-or-compute cache used by read-heavy listing
// operations. Entries are only ever invalidated by their TTL; callers accept
// the resulting bounded staleness.
//
// Cache keys are built by the caller and must include every input that
// affects the computed value (e.g. repo ID and pagination cursor).
type CacheDriver interface {
	// GetOrCompute returns the cached value for key, or runs compute, caches
	// its result for ttl, and returns it. A failing cache never fails the
	// operation; implementations fall back to compute on cache errors.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() ([]byte, error)) ([]byte, error)
}

// RedisCacheDriver implements CacheDriver on a Redis instance.
type RedisCacheDriver struct {
	rc *redis.Client
}

// NewRedisCacheDriver wires a Redis client into a CacheDriver.
func NewRedisCacheDriver(rc *redis.Client) *RedisCacheDriver {
	return &RedisCacheDriver{rc}
}

// GetOrCompute implements the CacheDriver interface.
func (d *RedisCacheDriver) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() ([]byte, error)) ([]byte, error) {
	val, err := d.rc.Get(ctx, key).Bytes()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		logg.Error("cache read for %q failed: %s", key, err.Error())
	}

	val, err = compute()
	if err != nil {
		return nil, err
	}
	err = d.rc.Set(ctx, key, val, ttl).Err()
	if err != nil {
		logg.Error("cache write for %q failed: %s", key, err.Error())
	}
	return val, nil
}

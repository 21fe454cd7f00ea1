// Package ratelimit holds the ticket-creation debouncer and the token
// bucket used by the HTTP middleware.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Debouncer admits at most one Acquire per key inside its window.
// Release reopens the window early, for a caller whose work failed.
type Debouncer interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type MemoryDebouncer struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	until  map[string]time.Time
}

func NewMemoryDebouncer(window time.Duration) *MemoryDebouncer {
	return &MemoryDebouncer{
		window: window,
		now:    time.Now,
		until:  make(map[string]time.Time),
	}
}

func (d *MemoryDebouncer) Acquire(_ context.Context, key string) (bool, error) {
	if d.window <= 0 {
		return true, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, ok := d.until[key]; ok && now.Before(expiry) {
		return false, nil
	}
	d.until[key] = now.Add(d.window)
	if len(d.until) > 1024 {
		for k, expiry := range d.until {
			if !now.Before(expiry) {
				delete(d.until, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDebouncer) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.until, key)
	return nil
}

// RedisDebouncer shares the window across service instances with SET NX PX.
type RedisDebouncer struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisDebouncer(client redis.UniversalClient, prefix string, window time.Duration) *RedisDebouncer {
	if prefix == "" {
		prefix = "antrian:debounce:"
	}
	return &RedisDebouncer{client: client, prefix: prefix, window: window}
}

func (d *RedisDebouncer) Acquire(ctx context.Context, key string) (bool, error) {
	if d.window <= 0 {
		return true, nil
	}
	return d.client.SetNX(ctx, d.prefix+key, 1, d.window).Result()
}

func (d *RedisDebouncer) Release(ctx context.Context, key string) error {
	if d.window <= 0 {
		return nil
	}
	return d.client.Del(ctx, d.prefix+key).Err()
}

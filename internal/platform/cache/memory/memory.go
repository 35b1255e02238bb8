// Package memory provides the in-memory cache driver.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/cache"
	"github.com/tinkertools/proxygate/internal/platform/cfg"
)

type driverConfig struct {
	DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

func (c *driverConfig) ApplyDefaults() {
	if c.DefaultTTLSeconds <= 0 {
		c.DefaultTTLSeconds = 900
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = 300
	}
}

func init() {
	cache.RegisterDriver("memory", func(config map[string]any) (cache.CacheWithCounter, error) {
		var dc driverConfig
		if err := cfg.Decode(config, &dc); err != nil {
			return nil, err
		}
		return New(
			time.Duration(dc.DefaultTTLSeconds)*time.Second,
			time.Duration(dc.CleanupIntervalSeconds)*time.Second,
		), nil
	})
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

type counter struct {
	value     int64
	expiresAt time.Time
}

// Cache is an in-memory cache with TTL support.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	counters   map[string]*counter
	defaultTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates an in-memory cache. cleanupInterval controls the expiry sweep
// goroutine; zero disables it.
func New(defaultTTL, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		counters:   make(map[string]*counter),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.sweep(cleanupInterval)
	}
	return c
}

func (c *Cache) sweep(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			for k, cnt := range c.counters {
				if now.After(cnt.expiresAt) {
					delete(c.counters, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, cache.ErrNotFound
	}
	return e.value, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	cnt, ok := c.counters[key]
	if !ok || now.After(cnt.expiresAt) {
		cnt = &counter{expiresAt: now.Add(ttl)}
		c.counters[key] = cnt
	}
	cnt.value += delta
	return cnt.value, cnt.expiresAt, nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cnt, ok := c.counters[key]
	if !ok || time.Now().After(cnt.expiresAt) {
		return 0, nil
	}
	return cnt.value, nil
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
	return nil
}

func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

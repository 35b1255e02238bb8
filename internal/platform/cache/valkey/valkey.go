// Package valkey provides a Valkey/Redis cache driver using valkey-go.
// Fail-fast: when this driver is configured, startup fails if the server is
// unreachable.
package valkey

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/tinkertools/proxygate/internal/platform/cache"
	"github.com/tinkertools/proxygate/internal/platform/cfg"
)

type driverConfig struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	DialTimeoutMS     int    `mapstructure:"dial_timeout_ms"`
	ConnTimeoutMS     int    `mapstructure:"conn_timeout_ms"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
}

func (c *driverConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeoutMS <= 0 {
		c.DialTimeoutMS = 5000
	}
	if c.ConnTimeoutMS <= 0 {
		c.ConnTimeoutMS = 3000
	}
	if c.DefaultTTLSeconds <= 0 {
		c.DefaultTTLSeconds = 900
	}
}

func init() {
	cache.RegisterDriver("valkey", func(config map[string]any) (cache.CacheWithCounter, error) {
		var dc driverConfig
		if err := cfg.Decode(config, &dc); err != nil {
			return nil, err
		}
		return New(&Config{
			Addr:        dc.Addr,
			Password:    dc.Password,
			DB:          dc.DB,
			DialTimeout: time.Duration(dc.DialTimeoutMS) * time.Millisecond,
			ConnTimeout: time.Duration(dc.ConnTimeoutMS) * time.Millisecond,
			DefaultTTL:  time.Duration(dc.DefaultTTLSeconds) * time.Second,
		})
	})
}

// Config holds Valkey connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	ConnTimeout time.Duration // valkey-go uses one timeout for read and write
	DefaultTTL  time.Duration
}

// Cache implements cache.CacheWithCounter on a Valkey server.
type Cache struct {
	client        valkey.Client
	defaultTTL    time.Duration
	counterScript *valkey.Lua
}

// Counter increment with TTL applied only when the key is created.
// Returns [count, remaining_ttl_ms].
const counterLuaScript = `
local current = redis.call('INCRBY', KEYS[1], ARGV[1])
if current == tonumber(ARGV[1]) then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`

// New connects to Valkey and verifies the counter script executes.
func New(c *Config) (*Cache, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{c.Addr},
		Password:    c.Password,
		SelectDB:    c.DB,
		Dialer: net.Dialer{
			Timeout:   c.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		ConnWriteTimeout: c.ConnTimeout,
		DisableCache:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey: create client: %w", err)
	}

	vc := &Cache{
		client:        client,
		defaultTTL:    c.DefaultTTL,
		counterScript: valkey.NewLuaScript(counterLuaScript),
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()
	if err := vc.healthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: health check: %w", err)
	}
	return vc, nil
}

func (c *Cache) healthCheck(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("PING failed: %w", err)
	}
	testKey := "__proxygate_health__"
	if err := c.counterScript.Exec(ctx, c.client, []string{testKey}, []string{"1", "1000"}).Error(); err != nil {
		return fmt.Errorf("counter script failed: %w", err)
	}
	c.client.Do(ctx, c.client.B().Del().Key(testKey).Build())
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return resp.AsBytes()
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	return c.client.Do(ctx, c.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()).Error()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error()
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	result := c.counterScript.Exec(ctx, c.client, []string{key}, []string{
		strconv.FormatInt(delta, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	})
	if err := result.Error(); err != nil {
		return 0, time.Time{}, err
	}
	arr, err := result.AsIntSlice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("valkey: unexpected script result: %w", err)
	}
	if len(arr) != 2 {
		return 0, time.Time{}, fmt.Errorf("valkey: unexpected script result length %d", len(arr))
	}
	resetAt := time.Now().Add(time.Duration(arr[1]) * time.Millisecond)
	return arr[0], resetAt, nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, err
	}
	return resp.AsInt64()
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error()
}

func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

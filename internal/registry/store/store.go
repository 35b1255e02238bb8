// Package store loads the instance table from a persistence backend.
// Drivers register via init(); the config selects one by name.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinkertools/proxygate/internal/registry"
)

// Driver loads the instance table from a backend.
// Implementations must be safe for concurrent use; Load is called again on
// reload signals.
type Driver interface {
	// Load reads and validates the full instance table.
	Load(ctx context.Context) (map[string]*registry.Instance, error)

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (json, sqlite).
	Name() string
}

// Config selects and parameterizes a driver.
type Config struct {
	// Driver is the driver name: json or sqlite.
	Driver string

	// Path is the JSON file path or sqlite database path.
	Path string
}

// Factory creates a driver instance.
type Factory func(cfg *Config) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register registers a driver factory by name, from driver init().
func Register(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New creates a driver from config.
func New(cfg *Config) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	return factory(cfg)
}

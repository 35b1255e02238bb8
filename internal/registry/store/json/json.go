// Package json implements the JSON-file instance table driver.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tinkertools/proxygate/internal/registry"
	"github.com/tinkertools/proxygate/internal/registry/store"
)

func init() {
	store.Register("json", NewDriver)
}

// Driver reads the instance table from a single JSON file.
type Driver struct {
	path string
}

// NewDriver creates a JSON driver instance.
func NewDriver(cfg *store.Config) (store.Driver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("json: path is required")
	}
	return &Driver{path: cfg.Path}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return "json" }

// document is the on-disk schema.
type document struct {
	Instances map[string]registry.Spec `json:"instances"`
}

// Load reads and validates the full table.
func (d *Driver) Load(ctx context.Context) (map[string]*registry.Instance, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("json: read %s: %w", d.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("json: parse %s: %w", d.path, err)
	}
	if doc.Instances == nil {
		return nil, fmt.Errorf("json: %s has no \"instances\" object", d.path)
	}

	return registry.BuildAll(doc.Instances)
}

// Close releases resources.
func (d *Driver) Close() error { return nil }

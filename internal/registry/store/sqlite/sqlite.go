// Package sqlite implements the SQLite instance table driver using GORM.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tinkertools/proxygate/internal/registry"
	"github.com/tinkertools/proxygate/internal/registry/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// instanceRecord is the table row. List fields are JSON-encoded text so the
// row carries the same logical schema as the JSON file driver.
type instanceRecord struct {
	Name             string `gorm:"primaryKey"`
	Tokens           string
	RestrictOut      string
	RestrictOutCIDRs string
	RestrictInCIDRs  string
	Timeout          int
	RequiresAuth     bool
}

func (instanceRecord) TableName() string { return "instances" }

// Driver loads the instance table from a SQLite database.
type Driver struct {
	db *gorm.DB
}

// NewDriver opens the database and migrates the schema.
func NewDriver(cfg *store.Config) (store.Driver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	if err := db.AutoMigrate(&instanceRecord{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Driver{db: db}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return "sqlite" }

// Load reads and validates the full table.
func (d *Driver) Load(ctx context.Context) (map[string]*registry.Instance, error) {
	var records []instanceRecord
	if err := d.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("sqlite: query instances: %w", err)
	}

	specs := make(map[string]registry.Spec, len(records))
	for _, rec := range records {
		spec := registry.Spec{
			RestrictOut:  rec.RestrictOut,
			Timeout:      rec.Timeout,
			RequiresAuth: rec.RequiresAuth,
		}
		if err := decodeList(rec.Tokens, &spec.Tokens); err != nil {
			return nil, fmt.Errorf("sqlite: instance %q tokens: %w", rec.Name, err)
		}
		if err := decodeList(rec.RestrictOutCIDRs, &spec.RestrictOutCIDRs); err != nil {
			return nil, fmt.Errorf("sqlite: instance %q restrict_out_cidrs: %w", rec.Name, err)
		}
		if err := decodeList(rec.RestrictInCIDRs, &spec.RestrictInCIDRs); err != nil {
			return nil, fmt.Errorf("sqlite: instance %q restrict_in_cidrs: %w", rec.Name, err)
		}
		specs[rec.Name] = spec
	}

	return registry.BuildAll(specs)
}

// Save writes the given specs, replacing the whole table. Used by tests and
// provisioning tools; the gateway itself only reads.
func (d *Driver) Save(ctx context.Context, specs map[string]registry.Spec) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&instanceRecord{}).Error; err != nil {
			return err
		}
		for name, spec := range specs {
			rec := instanceRecord{
				Name:             name,
				Tokens:           encodeList(spec.Tokens),
				RestrictOut:      spec.RestrictOut,
				RestrictOutCIDRs: encodeList(spec.RestrictOutCIDRs),
				RestrictInCIDRs:  encodeList(spec.RestrictInCIDRs),
				Timeout:          spec.Timeout,
				RequiresAuth:     spec.RequiresAuth,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database connection.
func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeList(s string, out *[]string) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return ""
	}
	data, _ := json.Marshal(list)
	return string(data)
}

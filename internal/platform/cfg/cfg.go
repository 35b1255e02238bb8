// Package cfg decodes raw config maps into typed structs (mapstructure,
// Setter for defaults).
package cfg

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Setter is the interface for applying default options after decode.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes input map to c; calls ApplyDefaults if c implements Setter.
func Decode(input map[string]any, c any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  c,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return err
	}
	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	return nil
}

// DecodeWithUnused decodes input to c and returns unused keys (sorted).
func DecodeWithUnused(input map[string]any, c any) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata: &md,
		Result:   c,
		TagName:  "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, err
	}
	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	unused := md.Unused
	sort.Strings(unused)
	return unused, nil
}

// DecodeStrict decodes input to c; returns an error if any keys are unused so
// config typos fail fast instead of silently disabling behavior.
func DecodeStrict(input map[string]any, c any) error {
	unused, err := DecodeWithUnused(input, c)
	if err != nil {
		return err
	}
	if len(unused) > 0 {
		return fmt.Errorf("unused config keys: %v", unused)
	}
	return nil
}

package json

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinkertools/proxygate/internal/registry"
	"github.com/tinkertools/proxygate/internal/registry/store"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instances.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTable(t, `{
  "instances": {
    "home": {
      "tokens": ["tok1"],
      "restrict_out": "internal",
      "restrict_in_cidrs": ["192.168.0.0/16"],
      "timeout": 120
    },
    "open": {}
  }
}`)
	d, err := NewDriver(&store.Config{Driver: "json", Path: path})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	defer d.Close()

	instances, err := d.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances", len(instances))
	}
	home := instances["home"]
	if home.RestrictOut != registry.RestrictInternal || home.Timeout.Seconds() != 120 {
		t.Errorf("home = %+v", home)
	}
	if home.RestrictInCIDRs.Empty() {
		t.Error("restrict_in_cidrs not parsed")
	}
	if instances["open"].RestrictOut != registry.RestrictAny {
		t.Error("open instance should default to any")
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{{`,
		"no instances key":  `{"other": 1}`,
		"invalid instance":  `{"instances": {"x": {"timeout": 5}}}`,
		"invalid cidr mode": `{"instances": {"x": {"restrict_out": "cidr"}}}`,
	}
	for name, content := range cases {
		path := writeTable(t, content)
		d, err := NewDriver(&store.Config{Driver: "json", Path: path})
		if err != nil {
			t.Fatalf("%s: NewDriver: %v", name, err)
		}
		if _, err := d.Load(context.Background()); err == nil {
			t.Errorf("%s: Load succeeded, want error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	d, _ := NewDriver(&store.Config{Driver: "json", Path: "/nonexistent.json"})
	if _, err := d.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRegistered(t *testing.T) {
	d, err := store.New(&store.Config{Driver: "json", Path: "/tmp/x.json"})
	if err != nil {
		t.Fatalf("driver not registered: %v", err)
	}
	if d.Name() != "json" {
		t.Errorf("Name = %q", d.Name())
	}
}

// Package loader registers all instance table drivers. Blank-import from main.
package loader

import (
	_ "github.com/tinkertools/proxygate/internal/registry/store/json"
	_ "github.com/tinkertools/proxygate/internal/registry/store/sqlite"
)

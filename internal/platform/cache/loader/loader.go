// Package loader registers all cache drivers. Blank-import it from main.
package loader

import (
	_ "github.com/tinkertools/proxygate/internal/platform/cache/memory"
	_ "github.com/tinkertools/proxygate/internal/platform/cache/valkey"
)

package tls

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildRootCAPool merges an optional PEM file and directory of PEM files with
// the system pool. Both empty returns (nil, nil) so callers use the system
// defaults untouched.
func BuildRootCAPool(caFile, caDir string) (*x509.CertPool, error) {
	if caFile == "" && caDir == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("root_ca_file: read failed: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("root_ca_file: no valid PEM certificates found")
		}
	}

	if caDir != "" {
		entries, err := os.ReadDir(caDir)
		if err != nil {
			return nil, fmt.Errorf("root_ca_dir: read failed: %w", err)
		}
		loaded := 0
		for _, e := range entries {
			if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
				continue
			}
			name := strings.ToLower(e.Name())
			if !strings.HasSuffix(name, ".pem") && !strings.HasSuffix(name, ".crt") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(caDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("root_ca_dir: read %s: %w", e.Name(), err)
			}
			if pool.AppendCertsFromPEM(data) {
				loaded++
			}
		}
		if loaded == 0 {
			return nil, fmt.Errorf("root_ca_dir: no valid PEM certificates found")
		}
	}

	return pool, nil
}

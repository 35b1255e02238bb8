// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net"
)

// Config holds the gateway configuration.
type Config struct {
	// Server holds listener-level settings.
	Server ServerConfig `toml:"server"`

	// TLS configures the inbound listener certificate.
	TLS TLSConfig `toml:"tls"`

	// Instances configures where the instance table is loaded from.
	Instances InstancesConfig `toml:"instances"`

	// Outbound configures the upstream client.
	Outbound OutboundConfig `toml:"outbound"`

	// RateLimit configures the optional per-client-IP limiter.
	RateLimit RateLimitConfig `toml:"ratelimit"`

	// Cache selects the backend used by the rate limiter.
	Cache CacheConfig `toml:"cache"`

	// Logging configures the slog backend.
	Logging LoggingConfig `toml:"logging"`

	// Debug configures the /debug configuration endpoint.
	Debug DebugConfig `toml:"debug"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// Host is the bind address. Default "0.0.0.0".
	Host string `toml:"host"`

	// Port is the listen port. Default 8080.
	Port int `toml:"port"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For / X-Real-IP headers
	// are believed when extracting the client IP.
	TrustedProxies []string `toml:"trusted_proxies"`

	// ShutdownGraceSeconds bounds graceful shutdown. Default 30.
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// ListenAddr returns the host:port to bind.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// TLSConfig holds inbound TLS settings.
type TLSConfig struct {
	// Mode is one of: off, static, selfsigned, acme. Default "off".
	Mode string `toml:"mode"`

	// CertFile and KeyFile are used in static mode.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	// SelfSignedDir is where generated certificates are kept.
	SelfSignedDir string `toml:"selfsigned_dir"`

	// ACME settings (mode=acme).
	ACMEEmail    string `toml:"acme_email"`
	ACMEDomain   string `toml:"acme_domain"`
	ACMECacheDir string `toml:"acme_cache_dir"`
	ACMEStaging  bool   `toml:"acme_staging"`
}

// InstancesConfig selects the instance-table store driver.
type InstancesConfig struct {
	// Driver is "json" (default) or "sqlite".
	Driver string `toml:"driver"`

	// Path is the JSON file path or sqlite database path.
	Path string `toml:"path"`
}

// OutboundConfig holds upstream client settings.
type OutboundConfig struct {
	// RootCAFile / RootCADir add extra trust roots for strict verification.
	RootCAFile string `toml:"root_ca_file"`
	RootCADir  string `toml:"root_ca_dir"`

	// ConnectTimeoutSeconds bounds TCP connect to the upstream. Default 10.
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`

	// MaxRedirects caps the follow_redirects chain. Default 10.
	MaxRedirects int `toml:"max_redirects"`
}

// RateLimitConfig holds the optional limiter settings.
type RateLimitConfig struct {
	// Enabled turns on per-client-IP rate limiting. Default false.
	Enabled bool `toml:"enabled"`

	// RequestsPerWindow is the allowance per window. Default 300.
	RequestsPerWindow int64 `toml:"requests_per_window"`

	// WindowSeconds is the fixed window length. Default 60.
	WindowSeconds int `toml:"window_seconds"`
}

// CacheConfig selects the cache driver backing the rate limiter.
type CacheConfig struct {
	// Driver is "memory" (default) or "valkey".
	Driver string `toml:"driver"`

	// Drivers holds per-driver config maps, e.g. [cache.drivers.valkey].
	Drivers map[string]any `toml:"drivers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error. Default info.
	Level string `toml:"level"`
}

// DebugConfig holds the /debug endpoint settings.
type DebugConfig struct {
	// Enabled exposes GET /debug with the current instance table.
	Enabled bool `toml:"enabled"`

	// IncludeTokens returns tokens verbatim instead of redacted.
	IncludeTokens bool `toml:"include_tokens"`
}

// Validate checks cross-field constraints that the loader cannot default away.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.TLS.Mode {
	case "off", "static", "selfsigned", "acme":
	default:
		return fmt.Errorf("config: tls.mode %q must be one of off, static, selfsigned, acme", c.TLS.Mode)
	}
	if c.TLS.Mode == "static" && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls.mode=static requires cert_file and key_file")
	}
	if c.TLS.Mode == "acme" && c.TLS.ACMEDomain == "" {
		return fmt.Errorf("config: tls.mode=acme requires acme_domain")
	}
	switch c.Instances.Driver {
	case "json", "sqlite":
	default:
		return fmt.Errorf("config: instances.driver %q must be json or sqlite", c.Instances.Driver)
	}
	if c.Instances.Path == "" {
		return fmt.Errorf("config: instances.path is required")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("config: ratelimit.requests_per_window must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tinkertools/proxygate/internal/platform/logutil"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional). A missing or
	// invalid file is a load error; an empty path means defaults + flags.
	ConfigPath string

	// FlagOverrides are CLI flag values that override file values.
	FlagOverrides FlagOverrides

	// Logger is used for warnings (e.g. undecoded keys). Nil discards.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values; nil pointers mean "flag not set".
type FlagOverrides struct {
	Host          *string
	Port          *int
	InstancesPath *string
	LogLevel      *string
}

// Defaults returns the baseline configuration before file and flags apply.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			ShutdownGraceSeconds: 30,
		},
		TLS: TLSConfig{
			Mode:          "off",
			SelfSignedDir: ".proxygate/certs",
			ACMECacheDir:  ".proxygate/acme",
		},
		Instances: InstancesConfig{
			Driver: "json",
			Path:   "instances.json",
		},
		Outbound: OutboundConfig{
			ConnectTimeoutSeconds: 10,
			MaxRedirects:          10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 300,
			WindowSeconds:     60,
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file,
// then CLI flags.
func Load(opts LoaderOptions) (*Config, error) {
	log := logutil.NoopIfNil(opts.Logger)
	cfg := Defaults()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			log.Warn("unknown config keys ignored", "keys", strings.Join(keys, ", "))
		}
	}

	applyFlags(cfg, opts.FlagOverrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *Config, f FlagOverrides) {
	if f.Host != nil && *f.Host != "" {
		cfg.Server.Host = *f.Host
	}
	if f.Port != nil && *f.Port != 0 {
		cfg.Server.Port = *f.Port
	}
	if f.InstancesPath != nil && *f.InstancesPath != "" {
		cfg.Instances.Path = *f.InstancesPath
	}
	if f.LogLevel != nil && *f.LogLevel != "" {
		cfg.Logging.Level = *f.LogLevel
	}
}

// ParseLevel maps a config level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

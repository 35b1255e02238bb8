// Package main is the entrypoint for the standalone proxygate server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/cache"
	"github.com/tinkertools/proxygate/internal/platform/config"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
	tlspkg "github.com/tinkertools/proxygate/internal/platform/http/tls"
	"github.com/tinkertools/proxygate/internal/proxy"
	"github.com/tinkertools/proxygate/internal/ratelimit"
	"github.com/tinkertools/proxygate/internal/registry"
	"github.com/tinkertools/proxygate/internal/registry/store"
	"github.com/tinkertools/proxygate/internal/server"

	// Register cache drivers
	_ "github.com/tinkertools/proxygate/internal/platform/cache/loader"

	// Register instance table drivers
	_ "github.com/tinkertools/proxygate/internal/registry/store/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	host := flag.String("host", "", "Bind address (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	instancesPath := flag.String("instances", "", "Instance table path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		FlagOverrides: config.FlagOverrides{
			Host:          host,
			Port:          port,
			InstancesPath: instancesPath,
			LogLevel:      logLevel,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	// Load the instance table through the configured store driver.
	driver, err := store.New(&store.Config{
		Driver: cfg.Instances.Driver,
		Path:   cfg.Instances.Path,
	})
	if err != nil {
		logger.Error("failed to create instance store", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	instances, err := driver.Load(context.Background())
	if err != nil {
		logger.Error("failed to load instance table", "error", err)
		os.Exit(1)
	}
	reg := registry.New(instances)
	logger.Info("loaded instance table",
		"driver", driver.Name(), "path", cfg.Instances.Path, "instances", reg.Len())

	// Extra trust roots for strict upstream verification.
	rootCAs, err := tlspkg.BuildRootCAPool(cfg.Outbound.RootCAFile, cfg.Outbound.RootCADir)
	if err != nil {
		logger.Error("failed to build root CA pool", "error", err)
		os.Exit(1)
	}

	trustedProxies := realip.NewTrustedProxies(cfg.Server.TrustedProxies)

	proxyHandler := proxy.NewHandler(proxy.Options{
		Registry:       reg,
		TrustedProxies: trustedProxies,
		RootCAs:        rootCAs,
		ConnectTimeout: time.Duration(cfg.Outbound.ConnectTimeoutSeconds) * time.Second,
		MaxRedirects:   cfg.Outbound.MaxRedirects,
		Logger:         logger,
	})

	// Optional rate limiting on the configured cache backend.
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		backend, err := cache.NewFromConfig(cfg.Cache.Driver, cfg.Cache.Drivers)
		if err != nil {
			logger.Error("failed to create cache backend", "error", err)
			os.Exit(1)
		}
		defer backend.Close()
		limiter = ratelimit.New(backend, &ratelimit.Config{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			Window:            time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
			KeyPrefix:         "ratelimit:",
		})
		logger.Info("rate limiting enabled",
			"driver", cfg.Cache.Driver,
			"requests_per_window", cfg.RateLimit.RequestsPerWindow,
			"window_seconds", cfg.RateLimit.WindowSeconds)
	}

	// ACME certificates must be ready before the TLS listener starts.
	var acmeManager *tlspkg.ACMEManager
	if cfg.TLS.Mode == "acme" {
		acmeManager = tlspkg.NewACMEManager(&cfg.TLS, logger)
		if err := acmeManager.Init(context.Background()); err != nil {
			logger.Error("failed to initialize ACME", "error", err)
			os.Exit(1)
		}
	}

	srv, err := server.New(cfg, logger, &server.Deps{
		Registry:       reg,
		Proxy:          proxyHandler,
		TrustedProxies: trustedProxies,
		Limiter:        limiter,
		ACME:           acmeManager,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the instance table and swaps it atomically.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			instances, err := driver.Load(context.Background())
			if err != nil {
				logger.Error("instance table reload failed, keeping previous table", "error", err)
				continue
			}
			reg.Replace(instances)
			logger.Info("instance table reloaded", "instances", reg.Len())
		}
	}()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

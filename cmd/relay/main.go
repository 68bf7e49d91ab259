package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/stephenfairchild/relay/internal/config"
	"github.com/stephenfairchild/relay/pkg/cache"
	"github.com/stephenfairchild/relay/pkg/client"
	"github.com/stephenfairchild/relay/pkg/logging"
	"github.com/stephenfairchild/relay/pkg/metrics"
	"github.com/stephenfairchild/relay/pkg/proxy"
	"github.com/stephenfairchild/relay/pkg/rules"
)

// version is set by the release build.
var version = "dev"

func main() {
	var (
		configFlag  = flag.String("config", "./config.toml", "Path to config file")
		versionFlag = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("relay %s\n", version)
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Enabled: cfg.Logging.Enabled,
		Format:  cfg.Logging.Format,
		Level:   cfg.Logging.Level,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("relay terminated")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	resolver := rules.NewResolver(rules.Policy{
		TTL: cfg.Cache.DefaultTTL,
		SWR: cfg.Cache.StaleWhileRevalidate,
		SIE: cfg.Cache.StaleIfError,
	})
	for _, rule := range cfg.Cache.Rules {
		if err := resolver.Add(rule.Pattern, rules.Override{
			TTL:    rule.TTL,
			SWR:    rule.SWR(),
			SIE:    rule.StaleIfError,
			Bypass: rule.Bypass,
		}); err != nil {
			return err
		}
	}

	originClient := client.New(client.Config{
		Origin:         cfg.UpstreamURL(),
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
		Timeout:        cfg.Upstream.Timeout,
		MaxConnections: cfg.Upstream.MaxConnections,
		Keepalive:      cfg.Upstream.Keepalive,
		MaxBodyBytes:   cfg.Cache.MaxObjectSize.Bytes(),
		Logger:         logger.With().Str("component", "client").Logger(),
	})

	recorder := metrics.NewRecorder()
	engineLogger := logger.With().Str("component", "engine").Logger()
	engine := proxy.New(proxy.Config{
		Cache:             provider,
		Upstream:          originClient,
		Rules:             resolver,
		Keys:              cache.NewBuilder(cfg.Cache.QueryParams.Ignore, cfg.Cache.QueryParams.Sort),
		Metrics:           recorder,
		Logger:            &engineLogger,
		StorageTimeout:    cfg.Storage.Timeout,
		BackgroundWorkers: cfg.Server.Workers,
		BackgroundTimeout: cfg.Upstream.Timeout,
	})

	logBoot(logger, cfg)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, recorder.Handler())
	}
	mux.Handle("/health", engine.HealthHandler())
	mux.Handle("/", engine)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           hlog.NewHandler(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := engine.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("background tasks not drained")
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func buildProvider(cfg config.Config, logger zerolog.Logger) (cache.Provider, error) {
	switch cfg.Storage.Backend() {
	case "memory":
		logger.Info().Int64("max_bytes", cfg.Storage.MaxSize.Bytes()).Msg("using in-memory storage")
		return cache.NewMemoryCache(cfg.Storage.MaxSize.Bytes()), nil
	case "redis":
		logger.Info().Str("url", cfg.Storage.Redis).Msg("using redis storage")
		return cache.NewRedisCache(cache.RedisConfig{
			URL:         cfg.Storage.Redis,
			PoolSize:    cfg.Upstream.MaxConnections,
			PoolTimeout: cfg.Storage.Timeout,
			OpTimeout:   cfg.Storage.Timeout,
			Grace:       cfg.Storage.Grace,
		})
	case "disk":
		logger.Info().Str("path", cfg.Storage.Disk).Msg("using disk storage")
		return cache.NewDiskCache(cfg.Storage.Disk)
	}
	return nil, fmt.Errorf("unknown storage backend")
}

func logBoot(logger zerolog.Logger, cfg config.Config) {
	logger.Info().
		Str("version", version).
		Str("upstream", cfg.Upstream.URL).
		Str("storage", cfg.Storage.Backend()).
		Dur("default_ttl", cfg.Cache.DefaultTTL).
		Dur("stale_while_revalidate", cfg.Cache.StaleWhileRevalidate).
		Dur("stale_if_error", cfg.Cache.StaleIfError).
		Msg("starting relay")
	for _, rule := range cfg.Cache.Rules {
		event := logger.Info().Str("pattern", rule.Pattern)
		if rule.Bypass {
			event.Bool("bypass", true)
		} else {
			if rule.TTL != nil {
				event.Dur("ttl", *rule.TTL)
			}
			if swr := rule.SWR(); swr != nil {
				event.Dur("stale_while_revalidate", *swr)
			}
			if rule.StaleIfError != nil {
				event.Dur("stale_if_error", *rule.StaleIfError)
			}
		}
		event.Msg("cache rule")
	}
}

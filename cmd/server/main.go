package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "pricewatch/internal/api/http"
	"pricewatch/internal/app"
	"pricewatch/internal/live"
	"pricewatch/internal/metrics"
	"pricewatch/internal/providers/amazon"
	"pricewatch/internal/providers/flipkart"
	"pricewatch/internal/repository/postgres"
	"pricewatch/internal/search"
	"pricewatch/internal/settings"
	"pricewatch/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "product-search")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "product-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("fetchTimeout", cfg.FetchTimeout),
		slog.String("flipkartEndpoint", cfg.FlipkartEndpoint),
		slog.String("amazonEndpoint", cfg.AmazonEndpoint),
		slog.Bool("hasAmazonKey", cfg.AmazonAPIKey != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Int("cooldownMinutes", cfg.CooldownMinutes),
		slog.Int("maxPages", cfg.MaxPages),
	)

	db, err := postgres.Connect(context.Background(), postgres.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		logger.Error("postgres connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	if err := db.InitSchema(context.Background()); err != nil {
		logger.Error("schema init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	productStore := postgres.NewProductStore(db)
	clickStore := postgres.NewClickStore(db)

	flipkartClient := &http.Client{Timeout: cfg.FetchTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	amazonClient := &http.Client{Timeout: cfg.FetchTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}

	providers := []search.Provider{
		flipkart.NewProvider(flipkart.Config{
			Endpoint:  cfg.FlipkartEndpoint,
			BaseURL:   cfg.FlipkartBaseURL,
			UserAgent: cfg.UserAgent,
			Client:    flipkartClient,
			Logger:    logger,
		}),
		amazon.NewProvider(amazon.Config{
			Endpoint:    cfg.AmazonEndpoint,
			APIKey:      cfg.AmazonAPIKey,
			CountryCode: cfg.AmazonCountryCode,
			Client:      amazonClient,
			Logger:      logger,
		}),
	}

	sourceNames := make([]string, 0, len(providers))
	for _, provider := range providers {
		sourceNames = append(sourceNames, provider.Name())
	}
	settingsService := settings.NewService(
		context.Background(),
		buildSettingsStore(cfg, logger),
		sourceNames,
		time.Duration(cfg.CooldownMinutes)*time.Minute,
		logger,
	)

	registry := live.NewRegistry(logger)
	defer registry.Close()

	searchService := search.NewService(providers, productStore, settingsService, registry, cfg.FetchTimeout,
		search.WithLogger(logger),
		search.WithMaxPages(cfg.MaxPages),
		search.WithCachedLimit(cfg.CachedResultLimit),
		search.WithSessionLimit(cfg.ConcurrentSessions),
	)

	handler := apihttp.NewServer(searchService, productStore,
		apihttp.WithLogger(logger),
		apihttp.WithClicks(clickStore),
		apihttp.WithAdminSettings(settingsService),
		apihttp.WithSubscriptions(registry),
	).Handler()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WebSocket connections on /ws are long-lived; keep the server-level
		// write timeout disabled and rely on per-connection deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("product search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("fetchTimeout", cfg.FetchTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("product search service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildSettingsStore(cfg app.Config, logger *slog.Logger) settings.Store {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("settings store disabled: invalid redis url", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("settings store disabled: redis unavailable", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return settings.NewRedisStore(client, "")
}

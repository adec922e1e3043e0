package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/geostack/permsync/internal/accessctl"
	"github.com/geostack/permsync/internal/api"
	"github.com/geostack/permsync/internal/auth"
	"github.com/geostack/permsync/internal/chread"
	"github.com/geostack/permsync/internal/config"
	"github.com/geostack/permsync/internal/engine"
	"github.com/geostack/permsync/internal/geoserver"
	"github.com/geostack/permsync/internal/handlers"
	"github.com/geostack/permsync/internal/monitor"
	"github.com/geostack/permsync/internal/storage"
	"github.com/geostack/permsync/internal/store"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("PERMSYNC_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpAddr := envOrDefault("PERMSYNC_HTTP_ADDR", ":8080")
	configPath := envOrDefault("PERMSYNC_CONFIG_PATH", "/etc/permsync/permsync.yml")
	handlerTimeout := time.Duration(envOrDefaultInt("PERMSYNC_HANDLER_TIMEOUT_SECONDS", 5)) * time.Second
	databaseURL := os.Getenv("DATABASE_URL")
	clickhouseURL := os.Getenv("CLICKHOUSE_URL")
	staticToken := os.Getenv("PERMSYNC_API_TOKEN")
	cacheTTL := envOrDefaultInt("PERMSYNC_AUTH_CACHE_TTL_S", 30)

	logger.Info("starting permsync server",
		zap.String("http_addr", httpAddr),
		zap.String("config_path", configPath),
		zap.Duration("handler_timeout", handlerTimeout),
	)

	// Sync/handler configuration document. An invalid document is fatal:
	// the service never starts with a partial mapping table.
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	points, err := cfg.SyncPoints()
	if err != nil {
		logger.Fatal("invalid sync configuration", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: handlerTimeout}

	// Access-control client, required for permission synchronization.
	var acClient *accessctl.Client
	if hc, ok := cfg.Handlers[handlers.NameAccessControl]; ok && hc.Active {
		acClient, err = accessctl.NewClient(accessctl.Config{
			BaseURL:       hc.URL,
			AdminUser:     hc.AdminUser,
			AdminPassword: hc.AdminPassword,
			HTTPClient:    httpClient,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal("failed to build access-control client", zap.Error(err))
		}
	} else if len(points) > 0 {
		logger.Fatal("sync points are configured but the accessctl handler is not active")
	}

	// GeoServer client, only when its handler is active.
	var geoClient *geoserver.Client
	if hc, ok := cfg.Handlers[handlers.NameGeoserver]; ok && hc.Active {
		geoClient, err = geoserver.NewClient(geoserver.Config{
			BaseURL:       hc.URL,
			AdminUser:     hc.AdminUser,
			AdminPassword: hc.AdminPassword,
			HTTPClient:    httpClient,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal("failed to build geoserver client", zap.Error(err))
		}
	}

	// Postgres pool for monitors and API tokens.
	var pgStore *store.Store
	if databaseURL != "" {
		db, err := sql.Open("pgx", databaseURL)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		logger.Info("postgres connected")
	} else {
		logger.Info("no DATABASE_URL set, monitors are in-memory and token endpoints disabled")
	}

	// File-system monitor registry. The callback resolver is bound late:
	// handlers need the registry to register watches, the registry needs
	// the handlers to dispatch events.
	var handlerReg *handlers.Registry
	var monitorStore monitor.Store
	if pgStore != nil {
		monitorStore = pgStore
	}
	monitors, err := monitor.NewRegistry(monitorStore, func(callback string) monitor.FSEventHandler {
		if handlerReg == nil {
			return nil
		}
		h := handlerReg.ByName(callback)
		if h == nil {
			return nil
		}
		fs, ok := h.(monitor.FSEventHandler)
		if !ok {
			return nil
		}
		return fs
	}, logger)
	if err != nil {
		logger.Fatal("failed to create monitor registry", zap.Error(err))
	}
	defer func() { _ = monitors.Close() }()

	// Handler registry and the synchronizer over its adapters.
	handlerReg, err = handlers.NewRegistry(cfg, handlers.Dependencies{
		Access:   acClient,
		Geo:      geoClient,
		Monitors: monitors,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to build handlers", zap.Error(err))
	}
	adapters := map[string]engine.Adapter{}
	if len(points) > 0 {
		adapters, err = handlerReg.AdaptersFor(points)
		if err != nil {
			logger.Fatal("failed to build service adapters", zap.Error(err))
		}
	}
	synchronizer, err := engine.NewSynchronizer(points, adapters, handlerTimeout, logger)
	if err != nil {
		logger.Fatal("failed to build synchronizer", zap.Error(err))
	}

	// Outcome journal — ClickHouse or LogWriter fallback.
	var writer storage.OutcomeWriter
	if clickhouseURL != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseURL, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_URL set, using log writer")
	}
	defer writer.Close()

	// ClickHouse reader for the outcome endpoints.
	var reader api.OutcomeReader
	if clickhouseURL != "" {
		chReader, err := chread.NewReader(clickhouseURL, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	// API authentication: API tokens from postgres when available, the
	// static token otherwise. Running without either needs an explicit
	// opt-out.
	var authenticator auth.Authenticator
	switch {
	case pgStore != nil:
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			Store:    pgStore,
			CacheTTL: time.Duration(cacheTTL) * time.Second,
			Logger:   logger,
		})
	case staticToken != "":
		authenticator = auth.NewStaticAuthenticator(staticToken)
	case os.Getenv("PERMSYNC_AUTH_DISABLED") == "true":
		logger.Warn("API authentication is DISABLED")
		authenticator = auth.InsecureAuthenticator{}
	default:
		logger.Fatal("no authentication configured: set DATABASE_URL, PERMSYNC_API_TOKEN, or PERMSYNC_AUTH_DISABLED=true")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Handler startup work (workspace watches, mirror rebuilds), then the
	// persisted watches, then the watch loop.
	if err := handlerReg.Start(rootCtx); err != nil {
		logger.Fatal("handler startup failed", zap.Error(err))
	}
	if err := monitors.Start(rootCtx); err != nil {
		logger.Fatal("failed to arm persisted watches", zap.Error(err))
	}
	go func() {
		if err := monitors.Run(rootCtx); err != nil {
			logger.Error("monitor loop stopped", zap.Error(err))
		}
	}()

	var tokens api.TokenStore
	if pgStore != nil {
		tokens = pgStore
	}
	deps := &api.Dependencies{
		Sync:     synchronizer,
		Registry: handlerReg,
		Access:   acClient,
		Monitors: monitors,
		Tokens:   tokens,
		Writer:   writer,
		Reader:   reader,
		Auth:     authenticator,
		Logger:   logger,
	}
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("permsync server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	cachepkg "github.com/fieldmark/fieldmark/internal/cache"
	cacheMemory "github.com/fieldmark/fieldmark/internal/cache/memory"
	cacheRedis "github.com/fieldmark/fieldmark/internal/cache/redis"
	cacheSqlite "github.com/fieldmark/fieldmark/internal/cache/sqlite"
	"github.com/fieldmark/fieldmark/internal/config"
	"github.com/fieldmark/fieldmark/internal/domain/cluster"
	"github.com/fieldmark/fieldmark/internal/geoloc"
	logpkg "github.com/fieldmark/fieldmark/internal/logger"
	"github.com/fieldmark/fieldmark/internal/metrics"
	remoteHTTP "github.com/fieldmark/fieldmark/internal/remote/http"
	chiTransport "github.com/fieldmark/fieldmark/internal/transport/chi"
	marksuc "github.com/fieldmark/fieldmark/internal/usecase/marks"
	queryuc "github.com/fieldmark/fieldmark/internal/usecase/query"
	syncuc "github.com/fieldmark/fieldmark/internal/usecase/sync"
	"github.com/fieldmark/fieldmark/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting fieldmark server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("cache_driver", cfg.Cache.Driver),
		zap.String("remote", cfg.Remote.BaseURL),
	)

	// Create the local cache store based on driver
	var store cachepkg.Store
	switch cfg.Cache.Driver {
	case "sqlite":
		store, err = cacheSqlite.Open(cfg.Cache.Path)
	case "redis":
		store, err = cacheRedis.NewStore(cacheRedis.Config{
			Addrs:     cfg.Cache.Addrs,
			Password:  cfg.Cache.Password,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
	case "memory":
		store = cacheMemory.New()
	default:
		logger.Fatal("Unknown cache driver", zap.String("driver", cfg.Cache.Driver))
	}
	if err != nil {
		logger.Fatal("Failed to open cache store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	state, err := syncuc.EnsureState(ctx, store)
	if err != nil {
		logger.Fatal("Failed to initialize sync state", zap.Error(err))
	}
	logger.Info("Local cache ready", zap.String("device_id", state.DeviceID))

	// Register sync and query metrics explicitly (no init())
	metrics.RegisterSyncMetrics()

	remoteClient, err := remoteHTTP.NewClient(remoteHTTP.Config{
		BaseURL:  cfg.Remote.BaseURL,
		DeviceID: state.DeviceID,
		Timeout:  time.Duration(cfg.Remote.TimeoutSec) * time.Second,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Failed to create remote client", zap.Error(err))
	}

	// Create use case services
	querySvc := queryuc.NewService(store, logger, nil)

	engine := syncuc.New(store, remoteClient, clockwork.NewRealClock(), logger, syncuc.Config{
		Interval:     time.Duration(cfg.Sync.IntervalSec) * time.Second,
		PushAttempts: cfg.Sync.PushAttempts,
		RetryBase:    time.Duration(cfg.Sync.RetryBaseMs) * time.Millisecond,
		RetryMax:     time.Duration(cfg.Sync.RetryMaxMs) * time.Millisecond,
	}, syncuc.WithInvalidator(querySvc))
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("Failed to start sync engine", zap.Error(err))
	}

	marksSvc := marksuc.NewService(store, querySvc, engine, logger)

	var position geoloc.Provider
	if s := cfg.Geolocation.Static; s != nil {
		position, err = geoloc.NewStatic(s.Lat, s.Lon)
		if err != nil {
			logger.Fatal("Invalid static position", zap.Error(err))
		}
	} else {
		position = geoloc.Unavailable()
	}

	// Background sync loop
	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go func() {
		if err := engine.Run(syncCtx); err != nil && syncCtx.Err() == nil {
			logger.Error("Sync loop stopped", zap.Error(err))
		}
	}()

	// Create chi server
	server := chiTransport.NewServer(
		querySvc,
		marksSvc,
		engine,
		position,
		cluster.NewGrid(cfg.Cluster.BaseCellDeg),
		time.Duration(cfg.Geolocation.TimeoutSec)*time.Second,
		logger,
	)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")
	stopSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

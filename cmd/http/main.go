package main

import (
	"context"
	"expvar"
	"log"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hilthontt/ephemera/internal/application/coordinator"
	"github.com/hilthontt/ephemera/internal/infrastructure/configs"
	"github.com/hilthontt/ephemera/internal/infrastructure/identity"
	"github.com/hilthontt/ephemera/internal/infrastructure/jobs"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/metrics"
	"github.com/hilthontt/ephemera/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/ephemera/internal/infrastructure/sanitize"
	"github.com/hilthontt/ephemera/internal/infrastructure/tracing"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
	"github.com/hilthontt/ephemera/internal/presentation/api"
	healthHandler "github.com/hilthontt/ephemera/internal/presentation/handler/health"
	roomHandler "github.com/hilthontt/ephemera/internal/presentation/handler/rooms"
	sessionHandler "github.com/hilthontt/ephemera/internal/presentation/handler/session"
	socketHandler "github.com/hilthontt/ephemera/internal/presentation/handler/socket"
)

const appName = "ephemera"

func main() {
	configPath := configs.DetermineConfigPath()
	cfg, err := configs.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		FilePath: cfg.Logger.FilePath,
		Encoding: cfg.Logger.Encoding,
		Level:    cfg.Logger.Level,
		Logger:   cfg.Logger.Logger,
		AppName:  appName,
	})
	logger.Info(logging.General, logging.Startup, "Starting ephemera", map[logging.ExtraKey]any{
		logging.AppName: appName,
	})

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    appName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "failed to initialise tracing", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			logger.Warn(logging.General, logging.Startup, "sentry disabled", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
	}

	backends, err := connectBackends(cfg, logger)
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "failed to connect backends", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	tokens, err := identity.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "invalid auth configuration", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	m := metrics.New(appName)
	registry := ws.NewRegistry(backends.bus, logger)
	coord := coordinator.New(backends.store, backends.bus, registry, tokens, logger,
		coordinator.WithOperationTimeout(cfg.Coordinator.OperationTimeout),
		coordinator.WithAutoRejoin(cfg.Rooms.AutoRejoin),
		coordinator.WithNotifier(backends.notifier),
		coordinator.WithMetrics(m),
		coordinator.WithSanitizer(sanitize.New(cfg.Rooms.BlockedWords)),
		coordinator.WithTracer(tracing.GetTracer("coordinator")),
	)

	sweepJob := jobs.NewRoomSweepJob(coord, logger, cfg.Sweeper.Interval, cfg.Sweeper.IdleTimeout)
	go sweepJob.Start(context.Background())

	commandLimiter := ratelimiter.NewFixedWindow(cfg.RateLimiter.CommandsPerWindow, cfg.RateLimiter.CommandWindow)
	limiterOptions := ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
	}
	if cfg.RateLimiter.Shared && backends.redis != nil {
		limiterOptions.Cache = ratelimiter.NewRedisCache(backends.redis, appName)
	}
	rateLimiter := ratelimiter.New(limiterOptions)

	app := api.NewApplication(
		*cfg,
		roomHandler.NewHandler(coord, tokens),
		sessionHandler.NewHandler(coord, cfg.Auth.TokenTTL),
		healthHandler.NewHandler(backends.checks),
		socketHandler.NewHandler(coord, tokens, commandLimiter, m, logger),
		logger,
		rateLimiter,
		m,
	)

	// Sockets go first so their goodbyes still reach the bus.
	app.OnShutdown(
		coord.Shutdown,
		func(context.Context) error {
			sweepJob.Stop()
			commandLimiter.Close()
			return rateLimiter.Close()
		},
	)
	app.OnShutdown(backends.close...)
	app.OnShutdown(
		shutdownTracer,
		func(context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		},
	)

	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	mux := app.Mount()
	if err := app.Run(mux); err != nil {
		logger.Fatal(logging.General, logging.Shutdown, "server stopped", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
}

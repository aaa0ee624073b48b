package api

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/ephemera/internal/infrastructure/configs"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/metrics"
	"github.com/hilthontt/ephemera/internal/infrastructure/ratelimiter"
	healthHandler "github.com/hilthontt/ephemera/internal/presentation/handler/health"
	roomHandler "github.com/hilthontt/ephemera/internal/presentation/handler/rooms"
	sessionHandler "github.com/hilthontt/ephemera/internal/presentation/handler/session"
	socketHandler "github.com/hilthontt/ephemera/internal/presentation/handler/socket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ShutdownHook runs after the server stops accepting requests.
type ShutdownHook func(ctx context.Context) error

type Application struct {
	config         configs.Config
	roomHandler    *roomHandler.Handler
	sessionHandler *sessionHandler.Handler
	healthHandler  *healthHandler.Handler
	socketHandler  *socketHandler.Handler
	logger         logging.Logger
	ratelimiter    ratelimiter.Limiter
	metrics        *metrics.Metrics
	hooks          []ShutdownHook
}

func NewApplication(
	config configs.Config,
	roomHandler *roomHandler.Handler,
	sessionHandler *sessionHandler.Handler,
	healthHandler *healthHandler.Handler,
	socketHandler *socketHandler.Handler,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
	metrics *metrics.Metrics,
) *Application {
	return &Application{
		config:         config,
		roomHandler:    roomHandler,
		sessionHandler: sessionHandler,
		healthHandler:  healthHandler,
		socketHandler:  socketHandler,
		logger:         logger,
		ratelimiter:    ratelimiter,
		metrics:        metrics,
	}
}

// OnShutdown registers hooks in the order they should run.
func (app *Application) OnShutdown(hooks ...ShutdownHook) {
	app.hooks = append(app.hooks, hooks...)
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.accessLog)
	r.Use(middleware.Recoverer)
	if app.config.Sentry.DSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{
			Repanic:         true,
			WaitForDelivery: false,
			Timeout:         5 * time.Second,
		}).Handle)
	}
	r.Use(app.enableCors)

	r.Get("/health", app.healthHandler.GetHealth)
	r.Get("/healthz", app.healthHandler.GetHealth)
	r.Get("/live", app.healthHandler.GetHealth)
	r.Get("/ready", app.healthHandler.GetReady)
	r.Handle("/metrics", app.metrics.Handler())
	r.Handle("/debug/vars", expvar.Handler())

	r.With(app.rateLimiterMiddleware).Get("/ws", app.socketHandler.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(app.rateLimiterMiddleware)
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/session", app.sessionHandler.CreateSessionHandler)
		r.Post("/token/refresh", app.sessionHandler.RefreshTokenHandler)

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", app.roomHandler.CreateRoomHandler)
			r.Get("/{roomId}", app.roomHandler.GetRoomHandler)
		})
		r.Get("/stats", app.roomHandler.StatsHandler)
	})

	return otelhttp.NewHandler(r, "ephemera.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (app *Application) Run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.HTTP.Addr(),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "signal caught", map[logging.ExtraKey]any{
			logging.Reason: s.String(),
		})

		shutdown <- app.shutdown(ctx, srv)
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{
		logging.HostIp: srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{
		logging.HostIp: srv.Addr,
	})

	return nil
}

// shutdown stops the listener, then runs every hook even when one fails.
func (app *Application) shutdown(ctx context.Context, srv *http.Server) error {
	errs := []error{srv.Shutdown(ctx)}
	for _, hook := range app.hooks {
		errs = append(errs, hook(ctx))
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/api"
	"github.com/irfndi/hrguard/internal/bootstrap"
	"github.com/irfndi/hrguard/internal/config"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/observability"
	"go.uber.org/zap"
)

const serviceName = "hrguard-api"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// main runs the HTTP API, or applies the schema when invoked as `server migrate`.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			if err := runMigrate(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (expected serve or migrate)\n", os.Args[1])
			os.Exit(2)
		}
	}

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, builds the guards and serves until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := observability.InitSentry(cfg.Sentry, version, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Sentry: %v\n", err)
	}
	defer observability.Flush(context.Background())

	logger := logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	defer func() { _ = logger.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var opts []bootstrap.Option
	if bootstrap.AutoMigrate(cfg) {
		opts = append(opts, bootstrap.WithMigrations())
	}
	app, err := bootstrap.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(app),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.LogStartup(serviceName, version, cfg.Server.Port)
	err = serve(ctx, srv, cfg.Server.ShutdownTimeout)
	logger.LogShutdown(serviceName, shutdownReason(err))
	return err
}

func newRouter(app *bootstrap.App) *gin.Engine {
	router := gin.New()
	if observability.Enabled() {
		router.Use(sentrygin.New(sentrygin.Options{
			Repanic:         true,
			WaitForDelivery: false,
			Timeout:         2 * time.Second,
		}))
	}
	router.Use(gin.Recovery())
	api.SetupRoutes(router, app.Dependencies(version))
	return router
}

// serve blocks until ctx is done, then gives in-flight requests timeout to finish.
func serve(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func shutdownReason(err error) string {
	if err != nil {
		return err.Error()
	}
	return "signal received"
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	defer func() { _ = logger.Sync() }()

	applied, err := bootstrap.Migrate(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	logger.Info("Schema up to date", zap.Int("applied", applied))
	return nil
}

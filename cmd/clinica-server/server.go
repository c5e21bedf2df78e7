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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/config"
	"github.com/clinica/clinica/internal/domain/records"
	"github.com/clinica/clinica/internal/platform/auth"
	"github.com/clinica/clinica/internal/platform/blobstore"
	"github.com/clinica/clinica/internal/platform/db"
	"github.com/clinica/clinica/internal/platform/middleware"
	"github.com/clinica/clinica/internal/platform/sqlite"
)

// multipartOverhead is added to MAX_UPLOAD_SIZE for the request body limit,
// leaving room for form fields and part headers around the file.
const multipartOverhead = 1 << 20

// backend is the opened record database.
type backend struct {
	repos  records.Repositories
	health echo.HandlerFunc
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Str("driver", cfg.DatabaseDriver).Msg("connected to database")
		return &backend{
			repos:  records.NewPGRepositories(pool),
			health: db.PoolHealthHandler(pool),
			close:  pool.Close,
		}, nil
	case config.DriverSQLite:
		d, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", cfg.DatabaseDriver).Str("path", cfg.DatabaseURL).Msg("opened database")
		return &backend{
			repos:  records.NewSQLiteRepositories(d),
			health: db.HealthHandler(config.DriverSQLite, d.Ping, nil),
			close: func() {
				if err := d.Close(); err != nil {
					logger.Warn().Err(err).Msg("closing database")
				}
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// newServer wires the middleware chain and every route onto a fresh echo
// instance.
func newServer(cfg *config.Config, logger zerolog.Logger, be *backend, files blobstore.Store) (*echo.Echo, error) {
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, auth.APIKeyHeader, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, echo.HeaderContentDisposition},
	}))
	e.Use(middleware.BodyLimit(maxUpload + multipartOverhead))

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "clinica records API is running")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", be.health)

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst

	// Limit before auth so rejected credentials are throttled too.
	api := e.Group("",
		middleware.RateLimit(rl),
		auth.Middleware(auth.Config{Token: cfg.AuthToken, JWTSecret: []byte(cfg.AuthJWTSecret)}, logger),
		middleware.Audit(logger),
	)

	svc := records.NewService(be.repos, files, logger)
	records.NewHandler(svc).RegisterRoutes(api)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() && cfg.AuthToken == "" && cfg.AuthJWTSecret == "" {
		logger.Warn().Msg("running in development mode without credentials; do not expose this server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	opts, err := cfg.BlobOptions()
	if err != nil {
		return err
	}
	files, err := blobstore.NewOSFileStore(cfg.UploadDir, opts, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("dir", cfg.UploadDir).Str("layout", string(opts.Layout)).Msg("attachment store ready")

	e, err := newServer(cfg, logger, be, files)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

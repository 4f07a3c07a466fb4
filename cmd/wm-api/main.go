package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"wm-api/internal/client"
	"wm-api/internal/config"
	"wm-api/internal/handler"
	"wm-api/internal/metrics"
	"wm-api/internal/middleware"
	"wm-api/internal/origin"
	"wm-api/internal/service"
	"wm-api/internal/storage"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("wm-api"),
		kong.Description("HTTP control plane for the Wolf streaming daemon."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newLocalAddrs,
			newOriginPolicy,
			newStore,
			newEcho,
			client.NewWolfClient,
			func(c *client.WolfClient) service.Exchanger { return c },
			func(c *client.WolfClient) handler.ReadinessChecker { return c },
			func(s *storage.Store) handler.Pinger { return s },
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewEventsHandler,
			handler.NewOpenAPIHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logStartup, recordBoot, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newLocalAddrs(logger *slog.Logger) handler.LocalAddrs {
	return handler.LocalAddrs(origin.Discover(logger))
}

func newOriginPolicy(cfg *config.Config, local handler.LocalAddrs) (*origin.Policy, error) {
	return origin.NewPolicy(cfg.CORS.PublicURL, local, cfg.CORS.AllowPrivateOrigins)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return s.Close() },
	})
	return s, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, policy *origin.Policy) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: the event stream is long-lived and Wolf
	// exchanges are bounded by the upstream read timeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	var skipLog []string
	if cfg.Metrics.Enabled {
		skipLog = append(skipLog, cfg.Metrics.Path)
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger, skipLog...))
	e.Use(middleware.MetricsMiddleware(m))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.CORS(policy))

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logStartup(cfg *config.Config, local handler.LocalAddrs, logger *slog.Logger) {
	ips := make([]string, 0, len(local))
	for _, a := range local {
		ips = append(ips, a.String())
	}
	logger.Info("wm-api configured",
		"version", version,
		"config_file", cfg.FilePath(),
		"wolf_socket", cfg.Wolf.SocketPath,
		"connect_timeout_ms", cfg.Wolf.ConnectTimeoutMS,
		"read_timeout_ms", cfg.Wolf.ReadTimeoutMS,
		"retry_attempts", cfg.Wolf.RetryAttempts,
		"retry_delay_ms", cfg.Wolf.RetryDelayMS,
		"public_url", cfg.CORS.PublicURL,
		"allow_private_origins", cfg.CORS.AllowPrivateOrigins,
		"local_ips", ips,
	)
}

func recordBoot(lc fx.Lifecycle, s *storage.Store, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			id, err := s.RecordBoot(ctx, version, time.Now())
			if err != nil {
				return err
			}
			logger.Info("boot recorded", "boot_id", id)
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

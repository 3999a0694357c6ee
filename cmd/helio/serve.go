package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rom8726/helio"
	"github.com/rom8726/helio/api"
	"github.com/rom8726/helio/capabilities/httpcall"
	"github.com/rom8726/helio/plugins/api/approval"
	"github.com/rom8726/helio/plugins/api/cancel"
	"github.com/rom8726/helio/plugins/engine/audit"
	"github.com/rom8726/helio/plugins/engine/metrics"
	"github.com/rom8726/helio/plugins/engine/notifications"
	rate_limiter "github.com/rom8726/helio/plugins/engine/rate-limiter"
	"github.com/rom8726/helio/plugins/engine/telemetry"
)

const userHeader = "X-Helio-User"

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}
}

func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if cfg.Telemetry.Enabled {
		shutdown, err := initTracer(ctx, cfg.Telemetry, version)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(); err != nil {
				logger.Error("[helio] tracer shutdown", "error", err)
			}
		}()
	}

	b, err := openStore(ctx, cfg.Store, true, logger)
	if err != nil {
		return err
	}
	defer b.close()

	registry := helio.NewRegistry()
	caller := httpcall.New(cfg.Engine.NodeTimeout)
	defer caller.Close()
	if err := caller.Register(registry); err != nil {
		return fmt.Errorf("register http capability: %w", err)
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pluginManager, closePlugins, err := buildPlugins(cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer closePlugins()

	retryPolicy := helio.DefaultRetryPolicy()
	retryPolicy.Base = cfg.Engine.RetryBase
	retryPolicy.Cap = cfg.Engine.RetryCap

	engine := helio.NewEngine(b.store,
		helio.WithEngineRegistry(registry),
		helio.WithEnginePluginManager(pluginManager),
		helio.WithEngineLogger(logger),
		helio.WithEngineNotifier(b.notifier),
		helio.WithEngineRetryPolicy(retryPolicy),
		helio.WithEngineRedactor(helio.NewRedactor(cfg.Engine.RedactFields...)),
		helio.WithEngineNodeTimeout(cfg.Engine.NodeTimeout),
		helio.WithEngineClaimTTL(cfg.Engine.ClaimTTL),
		helio.WithEngineLeaseTTL(cfg.Engine.LeaseTTL),
	)

	if err := registerDefinitions(ctx, engine, cfg.Definitions.Dir, logger); err != nil {
		return err
	}

	dispatcherOpts := []helio.DispatcherOption{
		helio.WithDispatcherWorkers(cfg.Engine.Workers),
		helio.WithDispatcherPollInterval(cfg.Engine.PollInterval),
		helio.WithDispatcherSweepInterval(cfg.Engine.SweepInterval),
	}
	if b.listener != nil {
		dispatcherOpts = append(dispatcherOpts, helio.WithDispatcherListener(b.listener))
	}
	dispatcher := helio.NewDispatcher(engine, dispatcherOpts...)

	e := newHTTPServer(cfg, engine, b.store, metricsRegistry)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dispatcher.Run(ctx)
	})
	group.Go(func() error {
		logger.Info("[helio] http server starting", "addr", cfg.HTTP.Addr)
		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})
	group.Go(func() error {
		<-ctx.Done()

		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer done()

		return e.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("[helio] stopped")

	return err
}

func buildPlugins(
	cfg *Config,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*helio.PluginManager, func(), error) {
	pm := helio.NewPluginManager()
	var closers []func() error

	if cfg.Metrics.Enabled {
		pm.Register(metrics.New(metrics.NewPrometheusCollector(registerer)))
	}
	if cfg.Telemetry.Enabled {
		pm.Register(telemetry.New(otel.Tracer("helio")))
	}

	if len(cfg.RateLimits) > 0 {
		limits := make([]rate_limiter.Option, 0, len(cfg.RateLimits))
		for _, limit := range cfg.RateLimits {
			limits = append(limits, rate_limiter.WithLimit(limit.NodeType, rate_limiter.Limit{Rate: limit.Rate, Burst: limit.Burst}))
		}
		pm.Register(rate_limiter.New(limits...))
	}

	if cfg.Audit.Path != "" {
		var w io.Writer = os.Stdout
		if cfg.Audit.Path != "-" {
			f, err := os.OpenFile(cfg.Audit.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open audit log: %w", err)
			}
			closers = append(closers, f.Close)
			w = f
		}
		pm.Register(audit.New(audit.NewJSONLinesWriter(w), helio.NewRedactor(cfg.Engine.RedactFields...)))
	}

	if cfg.Notifications.WebhookURL != "" {
		webhook := notifications.NewWebhookChannel(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout)
		closers = append(closers, webhook.Close)
		pm.Register(notifications.New(webhook))
	} else if cfg.Notifications.Log {
		pm.Register(notifications.New(notifications.NewLogChannel(logger)))
	}

	return pm, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Error("[helio] close plugin resource", "error", err)
			}
		}
	}, nil
}

func registerDefinitions(ctx context.Context, engine *helio.Engine, dir string, logger *slog.Logger) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Warn("[helio] definitions directory not found", "dir", dir)

		return nil
	}

	defs, err := helio.LoadDefinitions(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := engine.RegisterWorkflow(ctx, def); err != nil {
			return fmt.Errorf("register %s v%d: %w", def.ID, def.Version, err)
		}
	}

	return nil
}

func newHTTPServer(cfg *Config, engine *helio.Engine, store helio.Store, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if cfg.Telemetry.Enabled {
		e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))
	}

	server := api.NewServer(engine, helio.NewMonitor(store),
		cancel.New(engine, userFromHeader),
		approval.New(engine, userFromHeader),
	)
	e.Any("/api/*", echo.WrapHandler(server.Mux()))

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	return e
}

// userFromHeader trusts the caller-supplied user name; authentication is
// expected in front of the service.
func userFromHeader(r *http.Request) (string, error) {
	return r.Header.Get(userHeader), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus registry and runbox collectors
			newRegistry,
			func(reg *prometheus.Registry) *metrics.Metrics { return metrics.New(reg) },

			// Language catalog
			language.NewFromConfig,

			// Container runtime, sandbox pool and reaper based on config
			sandbox.NewRuntime,
			sandbox.NewPoolFromConfig,
			sandbox.NewReaperFromConfig,

			// Execution engine
			newDegradedHook,
			execution.NewFromConfig,
			func(e *execution.Engine) mcpserver.Executor { return e },

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newDegradedHook sweeps sandboxes ahead of schedule after an internal
// error, since a failing backend tends to leave containers behind.
func newDegradedHook(reaper *sandbox.Reaper, log *zap.Logger) execution.DegradedHook {
	return func(err error) {
		log.Warn("engine degraded, sweeping sandboxes early", zap.Error(err))
		reaper.Trigger()
	}
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *prometheus.Registry
	Engine     *execution.Engine
	Reaper     *sandbox.Reaper
	Server     *mcpserver.MCPServer
}

// registerLifecycle starts the background workers and the transport, and
// drains every sandbox on shutdown.
func registerLifecycle(p lifecycleParams) {
	var metricsServer *http.Server
	if p.Config.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(p.Registry))
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", p.Config.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Engine.Start(ctx); err != nil {
				return fmt.Errorf("failed to start execution engine: %w", err)
			}
			p.Reaper.Start()

			if metricsServer != nil {
				go func() {
					p.Logger.Info("serving metrics", zap.String("addr", metricsServer.Addr))
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						p.Logger.Error("metrics listener failed", zap.Error(err))
					}
				}()
			}

			go serve(p)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if p.Config.Server.Transport == "http" {
				errs = append(errs, p.Server.Shutdown(ctx))
			}
			if metricsServer != nil {
				errs = append(errs, metricsServer.Shutdown(ctx))
			}
			p.Reaper.Stop()
			errs = append(errs, p.Engine.Close(ctx))
			return errors.Join(errs...)
		},
	})
}

func serve(p lifecycleParams) {
	var err error
	switch p.Config.Server.Transport {
	case "stdio":
		err = p.Server.ServeStdio()
	case "http":
		err = p.Server.ServeHTTP()
	default:
		err = fmt.Errorf("unsupported transport: %s", p.Config.Server.Transport)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.Logger.Error("transport stopped", zap.Error(err))
		_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
		return
	}
	_ = p.Shutdowner.Shutdown()
}

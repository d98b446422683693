package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/ceapsi/staffcast/internal/cache"
	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/pipeline"
	"github.com/ceapsi/staffcast/pkg/otel"
)

func main() {
	configPath := flag.String("config", "", "config file (YAML)")
	verbose := flag.Bool("verbose", false, "verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Invalid timezone: %v", err)
	}
	logger := logging.NewStderr(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg := otel.DefaultConfig(cfg.Telemetry.ServiceName)
		tcfg.CollectorEndpoint = cfg.Telemetry.OTLPEndpoint
		tp, err := otel.InitTracer(ctx, tcfg)
		if err != nil {
			logger.Warn("tracing disabled: %v", err)
		} else {
			defer func() {
				if err := otel.Shutdown(context.Background(), tp); err != nil {
					logger.Warn("tracer shutdown: %v", err)
				}
			}()
		}
	}

	// Metrics on a private registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine, err := pipeline.Build(ctx, cfg, logger, m)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	forecasts, err := cache.NewForecastCache(cfg.Server.CacheSize, cfg.Server.CacheTTL, m)
	if err != nil {
		log.Fatalf("Failed to create forecast cache: %v", err)
	}

	var scheduler *pipeline.Scheduler
	if cfg.Schedule.PipelineCron != "" && cfg.Paths.Input != "" {
		scheduler, err = pipeline.NewScheduler(engine.Runner, cfg.Schedule.PipelineCron, cfg.Paths.Input, loc, logger)
		if err != nil {
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		go func() {
			if err := scheduler.Start(ctx); err != nil {
				logger.Error("scheduler: %v", err)
			}
		}()
	} else {
		logger.Info("scheduled runs disabled (schedule.pipeline_cron or paths.input not set)")
	}

	burst := int(cfg.Server.TokenRate * 2)
	if burst < 1 {
		burst = 1
	}
	srv := &Server{
		engine:    engine,
		cfg:       cfg,
		loc:       loc,
		cache:     forecasts,
		scheduler: scheduler,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Server.TokenRate), burst),
		logger:    logger,
		metrics:   reg,
		now:       time.Now,
	}
	srv.metricsAuth.enabled = os.Getenv("METRICS_USER") != ""
	srv.metricsAuth.user = os.Getenv("METRICS_USER")
	srv.metricsAuth.password = os.Getenv("METRICS_PASS")

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server on port %s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	if err := engine.Close(); err != nil {
		logger.Error("closing engine: %v", err)
	}
	logger.Info("server stopped")
}

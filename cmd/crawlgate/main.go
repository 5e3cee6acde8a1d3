// Package main wires together the crawlgate service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/predictwire/crawlgate/internal/api"
	"github.com/predictwire/crawlgate/internal/backpressure"
	"github.com/predictwire/crawlgate/internal/clock/system"
	"github.com/predictwire/crawlgate/internal/config"
	collyfetcher "github.com/predictwire/crawlgate/internal/fetcher/colly"
	"github.com/predictwire/crawlgate/internal/id/uuid"
	"github.com/predictwire/crawlgate/internal/logging"
	"github.com/predictwire/crawlgate/internal/policy/ratelimit"
	queueMemory "github.com/predictwire/crawlgate/internal/queue/memory"
	"github.com/predictwire/crawlgate/internal/scheduler"
	"github.com/predictwire/crawlgate/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	clock := system.New()
	engine := backpressure.New(cfg.EngineConfig(), clock)
	queue := queueMemory.NewQueue(cfg.Scheduler.QueueCapacity)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Politeness.PerSourceRPS,
		DefaultBurst: cfg.Politeness.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: true,
		Timeout:       cfg.FetchTimeout(),
	})

	sched := scheduler.New(
		queue,
		engine,
		limiter,
		fetcher,
		uuid.New(),
		clock,
		scheduler.Config{
			Workers:    cfg.Scheduler.Workers,
			MaxBackoff: cfg.MaxBackoff(),
		},
		logger.Named("scheduler"),
	)
	sampler := telemetry.NewSampler(engine, cfg.SampleInterval(), logger.Named("telemetry"))
	apiServer := api.NewServer(engine, sched, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started", zap.Int("workers", cfg.Scheduler.Workers))
		sched.Run(ctx)
	}()

	go sampler.Run(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

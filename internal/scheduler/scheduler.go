// Package scheduler fans crawl jobs out to a worker pool, gating every
// dispatch through the admission engine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/predictwire/crawlgate/internal/backpressure"
	"github.com/predictwire/crawlgate/internal/crawl"
	"github.com/predictwire/crawlgate/internal/policy/ratelimit"
	"github.com/predictwire/crawlgate/internal/telemetry"
)

// Config controls Scheduler behavior.
type Config struct {
	// Workers is the number of concurrent dispatch loops.
	Workers int
	// MaxBackoff caps how long a worker honors a single denial delay.
	MaxBackoff time.Duration
	// SoftPause is the voluntary slowdown applied while the engine reports
	// backpressure.
	SoftPause time.Duration
}

// Scheduler consumes queue jobs and executes them once admitted.
type Scheduler struct {
	queue   crawl.Queue
	engine  *backpressure.Engine
	limiter *ratelimit.Limiter
	fetcher crawl.Fetcher
	idGen   crawl.IDGenerator
	clock   backpressure.Clock
	cfg     Config
	logger  *zap.Logger
	pauser  pauser
}

// New constructs a Scheduler.
func New(
	queue crawl.Queue,
	engine *backpressure.Engine,
	limiter *ratelimit.Limiter,
	fetcher crawl.Fetcher,
	idGen crawl.IDGenerator,
	clock backpressure.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.SoftPause <= 0 {
		cfg.SoftPause = 200 * time.Millisecond
	}
	return &Scheduler{
		queue:   queue,
		engine:  engine,
		limiter: limiter,
		fetcher: fetcher,
		idGen:   idGen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		pauser:  &timerPauser{},
	}
}

// Submit assigns the job an ID, enqueues it, and reports the new queue
// depth to the engine.
func (s *Scheduler) Submit(ctx context.Context, sourceID, url string) (crawl.Job, error) {
	job := crawl.Job{
		ID:         s.idGen.NewID(),
		SourceID:   sourceID,
		URL:        url,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return crawl.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	s.engine.IncrementQueueDepth(1)
	s.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("source_id", job.SourceID),
	)
	return job, nil
}

// Run starts all workers and blocks until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s.runWorker(ctx, idx)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, idx int) {
	logger := s.logger.With(zap.Int("worker", idx))
	for {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		s.engine.DecrementQueueDepth(1)
		s.processJob(ctx, logger, job)
	}
}

func (s *Scheduler) processJob(ctx context.Context, logger *zap.Logger, job crawl.Job) {
	if !s.awaitAdmission(ctx, logger, job) {
		return
	}

	s.engine.RecordCrawlStart(job.SourceID)
	defer s.engine.RecordCrawlComplete(job.SourceID)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, job.SourceID); err != nil {
			logger.Warn("politeness wait aborted",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
	}

	start := time.Now()
	result, err := s.fetcher.Fetch(ctx, job)
	if err != nil {
		telemetry.ObserveCrawl(job.SourceID, "error", time.Since(start))
		logger.Error("crawl failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		return
	}
	telemetry.ObserveCrawl(job.SourceID, "success", result.Duration)
	logger.Info("crawl finished",
		zap.String("job_id", job.ID),
		zap.String("url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", result.Bytes),
		zap.Duration("duration", result.Duration),
	)
}

// awaitAdmission loops on the engine's decision, honoring the advisory
// delay, until the job is admitted or the context ends.
func (s *Scheduler) awaitAdmission(ctx context.Context, logger *zap.Logger, job crawl.Job) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if st := s.engine.Status(); st.UnderBackpressure {
			logger.Debug("self-throttling", zap.String("reason", st.Reason))
			s.pauser.Pause(ctx, s.cfg.SoftPause)
		}

		adm := s.engine.CanStartCrawl(job.SourceID)
		telemetry.ObserveAdmission(admissionOutcome(adm))
		if adm.Allowed {
			return true
		}

		delay := adm.Delay
		if delay <= 0 || delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
		logger.Debug("admission denied",
			zap.String("job_id", job.ID),
			zap.String("source_id", job.SourceID),
			zap.String("reason", adm.Reason),
			zap.Duration("delay", delay),
		)
		s.pauser.Pause(ctx, delay)
	}
}

func admissionOutcome(adm backpressure.Admission) string {
	if adm.Allowed {
		return telemetry.OutcomeAllowed
	}
	switch adm.Cause {
	case backpressure.CauseGlobalLimit:
		return telemetry.OutcomeGlobalLimit
	case backpressure.CauseSourceLimit:
		return telemetry.OutcomeSourceLimit
	case backpressure.CauseQueueDepth:
		return telemetry.OutcomeQueueDepth
	default:
		return telemetry.OutcomeNoTokens
	}
}

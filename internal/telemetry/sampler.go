package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/predictwire/crawlgate/internal/backpressure"
)

// Sampler periodically polls the admission engine and publishes its load
// state as Prometheus gauges.
type Sampler struct {
	engine   *backpressure.Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewSampler builds a Sampler polling engine every interval.
func NewSampler(engine *backpressure.Engine, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks, sampling until the context finishes.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	st := s.engine.Status()
	SetLoadGauges(st.CurrentCrawls, st.QueueDepth, st.AvailableTokens, st.UnderBackpressure)
	if st.UnderBackpressure {
		s.logger.Warn("engine under backpressure",
			zap.String("reason", st.Reason),
			zap.Int("active_crawls", st.CurrentCrawls),
			zap.Int("queue_depth", st.QueueDepth),
		)
	}
}

package backpressure

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Defaults applied by New when a Config field is unset.
const (
	DefaultMaxConcurrentPerSource = 1
	DefaultMaxConcurrentGlobal    = 10
	DefaultCrawlDelay             = time.Second
	DefaultQueueDepthThreshold    = 100
	DefaultTokenRefillRate        = 10
	DefaultMaxTokens              = 50
)

// softLimitFraction is the share of a hard limit at which the engine starts
// reporting backpressure.
const softLimitFraction = 0.8

// Clock abstracts the time source so tests can simulate elapsed time.
type Clock interface {
	Now() time.Time
}

// Config holds the engine limits. Zero or negative fields fall back to the
// package defaults at construction; a built Engine never mutates its config.
type Config struct {
	// MaxConcurrentPerSource caps simultaneous crawls for one source key.
	MaxConcurrentPerSource int
	// MaxConcurrentGlobal caps simultaneous crawls across all sources.
	MaxConcurrentGlobal int
	// CrawlDelay is the suggested retry delay for concurrency and queue
	// denials.
	CrawlDelay time.Duration
	// QueueDepthThreshold blocks new admissions once the reported queue
	// depth reaches it, regardless of concurrency headroom.
	QueueDepthThreshold int
	// TokenRefillRate is the sustained admission rate in tokens per second.
	TokenRefillRate float64
	// MaxTokens is the burst capacity of the token bucket.
	MaxTokens float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPerSource <= 0 {
		c.MaxConcurrentPerSource = DefaultMaxConcurrentPerSource
	}
	if c.MaxConcurrentGlobal <= 0 {
		c.MaxConcurrentGlobal = DefaultMaxConcurrentGlobal
	}
	if c.CrawlDelay <= 0 {
		c.CrawlDelay = DefaultCrawlDelay
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = DefaultQueueDepthThreshold
	}
	if c.TokenRefillRate <= 0 {
		c.TokenRefillRate = DefaultTokenRefillRate
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Cause identifies which check denied an admission.
type Cause string

// Denial causes, in check order.
const (
	CauseGlobalLimit Cause = "global_limit"
	CauseSourceLimit Cause = "source_limit"
	CauseQueueDepth  Cause = "queue_depth"
	CauseNoTokens    Cause = "no_tokens"
)

// Admission is the outcome of a CanStartCrawl check. Delay is an advisory
// backoff hint for the caller's retry loop, never enforced by the engine.
// Cause is empty when Allowed is true.
type Admission struct {
	Allowed bool
	Cause   Cause
	Reason  string
	Delay   time.Duration
}

// Status is the soft load signal returned by Status.
type Status struct {
	UnderBackpressure bool
	Reason            string
	CurrentCrawls     int
	MaxCrawls         int
	QueueDepth        int
	AvailableTokens   float64
}

// Stats is a point-in-time snapshot of engine state. The map and config are
// copies; mutating them does not affect the engine.
type Stats struct {
	ActiveCrawlsGlobal   int
	ActiveCrawlsBySource map[string]int
	QueueDepth           int
	AvailableTokens      float64
	Config               Config
}

// Engine is the admission controller. All methods are safe for concurrent
// use and none of them return errors: denial is a normal result, not a
// failure. Construct one per resource pool and share it by reference.
type Engine struct {
	cfg   Config
	clock Clock

	mu         sync.Mutex
	active     int
	bySource   map[string]int
	queueDepth int
	bucket     *tokenBucket
}

// New builds an Engine with cfg, filling unset fields with defaults.
func New(cfg Config, clock Clock) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		clock:    clock,
		bySource: make(map[string]int),
		bucket:   newTokenBucket(cfg.MaxTokens, cfg.TokenRefillRate, clock.Now()),
	}
}

// CanStartCrawl decides whether a crawl for sourceID may start now. Checks
// run in a fixed order (global limit, source limit, queue depth, tokens)
// and the first failure determines the reason and delay. An allowed result
// consumes one token but does not reserve a concurrency slot; the caller
// must follow up with RecordCrawlStart.
func (e *Engine) CanStartCrawl(sourceID string) Admission {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active >= e.cfg.MaxConcurrentGlobal {
		return Admission{
			Cause:  CauseGlobalLimit,
			Reason: fmt.Sprintf("Global crawl limit reached (%d/%d)", e.active, e.cfg.MaxConcurrentGlobal),
			Delay:  e.cfg.CrawlDelay,
		}
	}
	if n := e.bySource[sourceID]; n >= e.cfg.MaxConcurrentPerSource {
		return Admission{
			Cause:  CauseSourceLimit,
			Reason: fmt.Sprintf("Source crawl limit reached for %q (%d/%d)", sourceID, n, e.cfg.MaxConcurrentPerSource),
			Delay:  e.cfg.CrawlDelay,
		}
	}
	if e.queueDepth >= e.cfg.QueueDepthThreshold {
		return Admission{
			Cause:  CauseQueueDepth,
			Reason: fmt.Sprintf("Queue depth threshold reached (%d/%d)", e.queueDepth, e.cfg.QueueDepthThreshold),
			Delay:  e.cfg.CrawlDelay,
		}
	}
	if !e.bucket.take(e.clock.Now()) {
		return Admission{
			Cause:  CauseNoTokens,
			Reason: "No tokens available",
			Delay:  e.bucket.untilNextToken(),
		}
	}
	return Admission{Allowed: true}
}

// RecordCrawlStart marks a crawl for sourceID as in flight. It always
// succeeds; pairing it with a later RecordCrawlComplete is the caller's
// responsibility.
func (e *Engine) RecordCrawlStart(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active++
	e.bySource[sourceID]++
}

// RecordCrawlComplete marks a crawl for sourceID as finished. Counters
// clamp at zero, so an unmatched or unknown completion is a no-op.
func (e *Engine) RecordCrawlComplete(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active > 0 {
		e.active--
	}
	if e.bySource[sourceID] > 0 {
		e.bySource[sourceID]--
	}
}

// IncrementQueueDepth adds count to the reported queue depth. The engine
// only observes the queue; callers own enqueue and dequeue.
func (e *Engine) IncrementQueueDepth(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if count > 0 {
		e.queueDepth += count
	}
}

// DecrementQueueDepth subtracts count from the reported queue depth,
// clamped at zero.
func (e *Engine) DecrementQueueDepth(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if count > 0 {
		e.queueDepth -= count
		if e.queueDepth < 0 {
			e.queueDepth = 0
		}
	}
}

// QueueDepth reports the current queue depth.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueDepth
}

// Status reports whether the engine is approaching capacity. The signal
// trips at 80% of the global concurrency limit or 80% of the queue depth
// threshold; the concurrency condition is checked first when both hold.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.bucket.refill(e.clock.Now())

	st := Status{
		CurrentCrawls:   e.active,
		MaxCrawls:       e.cfg.MaxConcurrentGlobal,
		QueueDepth:      e.queueDepth,
		AvailableTokens: e.bucket.tokens,
	}
	switch {
	case e.active >= softLimit(e.cfg.MaxConcurrentGlobal):
		st.UnderBackpressure = true
		st.Reason = fmt.Sprintf("Approaching global crawl limit (%d/%d)", e.active, e.cfg.MaxConcurrentGlobal)
	case e.queueDepth >= softLimit(e.cfg.QueueDepthThreshold):
		st.UnderBackpressure = true
		st.Reason = fmt.Sprintf("Queue depth nearing threshold (%d/%d)", e.queueDepth, e.cfg.QueueDepthThreshold)
	}
	return st
}

// Stats returns a snapshot of all mutable state plus the config. Returned
// structures never alias live engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.bucket.refill(e.clock.Now())

	bySource := make(map[string]int, len(e.bySource))
	for k, v := range e.bySource {
		bySource[k] = v
	}
	return Stats{
		ActiveCrawlsGlobal:   e.active,
		ActiveCrawlsBySource: bySource,
		QueueDepth:           e.queueDepth,
		AvailableTokens:      e.bucket.tokens,
		Config:               e.cfg,
	}
}

// Reset restores all mutable state to its initial values: zero counters, an
// empty per-source map, and a full token bucket. Configuration is untouched.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = 0
	e.bySource = make(map[string]int)
	e.queueDepth = 0
	e.bucket.reset(e.clock.Now())
}

func softLimit(hard int) int {
	return int(math.Ceil(softLimitFraction * float64(hard)))
}

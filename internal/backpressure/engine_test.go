package backpressure

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests simulate elapsed time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewAppliesDefaults(t *testing.T) {
	e := New(Config{}, newFakeClock())
	cfg := e.Stats().Config
	require.Equal(t, DefaultMaxConcurrentPerSource, cfg.MaxConcurrentPerSource)
	require.Equal(t, DefaultMaxConcurrentGlobal, cfg.MaxConcurrentGlobal)
	require.Equal(t, DefaultCrawlDelay, cfg.CrawlDelay)
	require.Equal(t, DefaultQueueDepthThreshold, cfg.QueueDepthThreshold)
	require.Equal(t, float64(DefaultTokenRefillRate), cfg.TokenRefillRate)
	require.Equal(t, float64(DefaultMaxTokens), cfg.MaxTokens)
}

func TestNewKeepsOverrides(t *testing.T) {
	e := New(Config{MaxConcurrentGlobal: 3, TokenRefillRate: 2.5}, newFakeClock())
	cfg := e.Stats().Config
	require.Equal(t, 3, cfg.MaxConcurrentGlobal)
	require.Equal(t, 2.5, cfg.TokenRefillRate)
	// Unset fields still fall back.
	require.Equal(t, DefaultMaxConcurrentPerSource, cfg.MaxConcurrentPerSource)
}

func TestCanStartCrawlGlobalLimit(t *testing.T) {
	e := New(Config{}, newFakeClock())
	for i := 0; i < DefaultMaxConcurrentGlobal; i++ {
		e.RecordCrawlStart(fmt.Sprintf("source-%d", i))
	}

	adm := e.CanStartCrawl("source-10")
	require.False(t, adm.Allowed)
	require.Contains(t, adm.Reason, "Global crawl limit")
	require.Equal(t, CauseGlobalLimit, adm.Cause)
	require.Equal(t, DefaultCrawlDelay, adm.Delay)
}

func TestCanStartCrawlSourceLimit(t *testing.T) {
	e := New(Config{}, newFakeClock())
	e.RecordCrawlStart("bls.gov")

	adm := e.CanStartCrawl("bls.gov")
	require.False(t, adm.Allowed)
	require.Contains(t, adm.Reason, "Source crawl limit")
	require.Equal(t, CauseSourceLimit, adm.Cause)
	require.Equal(t, DefaultCrawlDelay, adm.Delay)

	// A different source shares only the global counter and the bucket.
	other := e.CanStartCrawl("fred.stlouisfed.org")
	require.True(t, other.Allowed)
	require.Empty(t, other.Reason)
	require.Zero(t, other.Delay)
}

func TestCanStartCrawlQueueDepth(t *testing.T) {
	e := New(Config{}, newFakeClock())
	e.IncrementQueueDepth(DefaultQueueDepthThreshold)

	adm := e.CanStartCrawl("bls.gov")
	require.False(t, adm.Allowed)
	require.Contains(t, adm.Reason, "Queue depth threshold")
	require.Equal(t, CauseQueueDepth, adm.Cause)
	require.Equal(t, DefaultCrawlDelay, adm.Delay)
}

func TestCanStartCrawlTokenExhaustion(t *testing.T) {
	clock := newFakeClock()
	e := New(Config{MaxTokens: 3, TokenRefillRate: 10, MaxConcurrentPerSource: 100}, clock)

	for i := 0; i < 3; i++ {
		require.True(t, e.CanStartCrawl("bls.gov").Allowed)
	}

	adm := e.CanStartCrawl("bls.gov")
	require.False(t, adm.Allowed)
	require.Contains(t, adm.Reason, "No tokens available")
	require.Equal(t, CauseNoTokens, adm.Cause)
	// One token accrues every 100ms at 10 tokens/s.
	require.Equal(t, 100*time.Millisecond, adm.Delay)

	clock.Advance(110 * time.Millisecond)
	require.Greater(t, e.Status().AvailableTokens, 0.0)
	require.True(t, e.CanStartCrawl("bls.gov").Allowed)
}

func TestCheckOrderFirstFailureWins(t *testing.T) {
	clock := newFakeClock()
	e := New(Config{MaxConcurrentGlobal: 1, MaxTokens: 1}, clock)
	// Trip every limit at once: global, source, queue, and tokens.
	require.True(t, e.CanStartCrawl("bls.gov").Allowed)
	e.RecordCrawlStart("bls.gov")
	e.IncrementQueueDepth(DefaultQueueDepthThreshold)

	adm := e.CanStartCrawl("bls.gov")
	require.Contains(t, adm.Reason, "Global crawl limit")
}

func TestDeniedCheckConsumesNoToken(t *testing.T) {
	clock := newFakeClock()
	e := New(Config{MaxConcurrentGlobal: 1, MaxTokens: 5}, clock)
	e.RecordCrawlStart("bls.gov")

	before := e.Stats().AvailableTokens
	for i := 0; i < 10; i++ {
		require.False(t, e.CanStartCrawl("bls.gov").Allowed)
	}
	require.Equal(t, before, e.Stats().AvailableTokens)
}

func TestRecordCrawlCompleteClampsAtZero(t *testing.T) {
	e := New(Config{}, newFakeClock())
	e.RecordCrawlComplete("never-started")
	e.RecordCrawlComplete("never-started")

	stats := e.Stats()
	require.Equal(t, 0, stats.ActiveCrawlsGlobal)
	require.Equal(t, 0, stats.ActiveCrawlsBySource["never-started"])

	e.RecordCrawlStart("bls.gov")
	e.RecordCrawlComplete("bls.gov")
	e.RecordCrawlComplete("bls.gov")
	stats = e.Stats()
	require.Equal(t, 0, stats.ActiveCrawlsGlobal)
	require.Equal(t, 0, stats.ActiveCrawlsBySource["bls.gov"])
}

func TestCompletedSourceEntryPersistsAtZero(t *testing.T) {
	e := New(Config{}, newFakeClock())
	e.RecordCrawlStart("bls.gov")
	e.RecordCrawlComplete("bls.gov")

	bySource := e.Stats().ActiveCrawlsBySource
	_, ok := bySource["bls.gov"]
	require.True(t, ok, "entries are decremented, not removed")
	require.Equal(t, 0, bySource["bls.gov"])
}

func TestQueueDepthRoundTripAndClamp(t *testing.T) {
	e := New(Config{}, newFakeClock())
	require.Equal(t, 0, e.QueueDepth())

	e.IncrementQueueDepth(5)
	require.Equal(t, 5, e.QueueDepth())
	e.DecrementQueueDepth(5)
	require.Equal(t, 0, e.QueueDepth())

	e.DecrementQueueDepth(3)
	require.Equal(t, 0, e.QueueDepth())

	// Non-positive counts are ignored rather than rejected.
	e.IncrementQueueDepth(-1)
	e.DecrementQueueDepth(0)
	require.Equal(t, 0, e.QueueDepth())
}

func TestStatusConcurrencyThreshold(t *testing.T) {
	e := New(Config{MaxConcurrentPerSource: 100}, newFakeClock())
	// Soft limit is ceil(0.8*10) = 8 active crawls.
	for i := 0; i < 7; i++ {
		e.RecordCrawlStart("bls.gov")
	}
	require.False(t, e.Status().UnderBackpressure)

	e.RecordCrawlStart("bls.gov")
	st := e.Status()
	require.True(t, st.UnderBackpressure)
	require.Contains(t, st.Reason, "crawl limit")
	require.Equal(t, 8, st.CurrentCrawls)
	require.Equal(t, 10, st.MaxCrawls)
}

func TestStatusQueueThreshold(t *testing.T) {
	e := New(Config{}, newFakeClock())
	e.IncrementQueueDepth(79)
	require.False(t, e.Status().UnderBackpressure)

	e.IncrementQueueDepth(1)
	st := e.Status()
	require.True(t, st.UnderBackpressure)
	require.Contains(t, st.Reason, "Queue depth")
	require.Equal(t, 80, st.QueueDepth)
}

func TestStatusConcurrencyCheckedBeforeQueue(t *testing.T) {
	e := New(Config{MaxConcurrentPerSource: 100}, newFakeClock())
	for i := 0; i < 8; i++ {
		e.RecordCrawlStart("bls.gov")
	}
	e.IncrementQueueDepth(90)

	st := e.Status()
	require.True(t, st.UnderBackpressure)
	require.Contains(t, st.Reason, "crawl limit")
}

func TestResetRestoresInitialState(t *testing.T) {
	clock := newFakeClock()
	e := New(Config{MaxTokens: 2, MaxConcurrentPerSource: 100}, clock)
	require.True(t, e.CanStartCrawl("bls.gov").Allowed)
	require.True(t, e.CanStartCrawl("bls.gov").Allowed)
	e.RecordCrawlStart("bls.gov")
	e.IncrementQueueDepth(42)

	e.Reset()

	stats := e.Stats()
	require.Equal(t, 0, stats.ActiveCrawlsGlobal)
	require.Empty(t, stats.ActiveCrawlsBySource)
	require.Equal(t, 0, stats.QueueDepth)
	require.Equal(t, 2.0, stats.AvailableTokens)
	// Config survives the reset.
	require.Equal(t, 2.0, stats.Config.MaxTokens)
}

func TestStatsSnapshotDoesNotAliasEngineState(t *testing.T) {
	e := New(Config{}, newFakeClock())
	e.RecordCrawlStart("bls.gov")

	stats := e.Stats()
	stats.ActiveCrawlsBySource["bls.gov"] = 99
	stats.ActiveCrawlsBySource["injected"] = 1
	stats.Config.MaxConcurrentGlobal = 0

	fresh := e.Stats()
	require.Equal(t, 1, fresh.ActiveCrawlsBySource["bls.gov"])
	require.NotContains(t, fresh.ActiveCrawlsBySource, "injected")
	require.Equal(t, DefaultMaxConcurrentGlobal, fresh.Config.MaxConcurrentGlobal)
}

func TestEmptySourceIDIsAValidKey(t *testing.T) {
	e := New(Config{}, newFakeClock())
	require.True(t, e.CanStartCrawl("").Allowed)
	e.RecordCrawlStart("")

	adm := e.CanStartCrawl("")
	require.False(t, adm.Allowed)
	require.Contains(t, adm.Reason, "Source crawl limit")

	e.RecordCrawlComplete("")
	require.Equal(t, 0, e.Stats().ActiveCrawlsGlobal)
}

func TestConcurrentCallersKeepCountersConsistent(t *testing.T) {
	e := New(Config{MaxConcurrentPerSource: 1000, MaxConcurrentGlobal: 1000}, newFakeClock())

	const workers = 16
	const iterations = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			src := fmt.Sprintf("source-%d", n%4)
			for j := 0; j < iterations; j++ {
				e.CanStartCrawl(src)
				e.RecordCrawlStart(src)
				e.IncrementQueueDepth(1)
				e.DecrementQueueDepth(1)
				e.RecordCrawlComplete(src)
			}
		}(i)
	}
	wg.Wait()

	stats := e.Stats()
	require.Equal(t, 0, stats.ActiveCrawlsGlobal)
	require.Equal(t, 0, stats.QueueDepth)
	for src, n := range stats.ActiveCrawlsBySource {
		require.Zero(t, n, "source %s should have drained", src)
	}
}

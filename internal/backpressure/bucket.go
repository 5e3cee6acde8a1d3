package backpressure

import "time"

// tokenBucket is a lazily refilled token bucket. It is not safe for
// concurrent use; the Engine serializes access under its mutex.
type tokenBucket struct {
	tokens     float64
	max        float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(max, refillRate float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     max,
		max:        max,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// refill credits tokens for the time elapsed since the last refill and
// advances the refill timestamp. Tokens never exceed the bucket maximum.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.max {
			b.tokens = b.max
		}
	}
	b.lastRefill = now
}

// take refills the bucket and consumes one token if available.
func (b *tokenBucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// untilNextToken reports how long until at least one whole token has
// accrued. It assumes refill has already run for the current instant.
func (b *tokenBucket) untilNextToken() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// reset restores the bucket to full.
func (b *tokenBucket) reset(now time.Time) {
	b.tokens = b.max
	b.lastRefill = now
}

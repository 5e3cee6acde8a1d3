// Package backpressure implements admission control for crawl dispatch.
//
// The Engine combines three hard limits (global concurrency, per-source
// concurrency, queue depth) with a token bucket rate limiter and exposes a
// soft "approaching capacity" signal schedulers can use to throttle
// themselves before a hard denial. All state is in-memory and guarded by a
// single mutex; no operation blocks or returns an error.
package backpressure

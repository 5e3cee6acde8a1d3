// Package crawl defines the shared types and interfaces of the crawl
// pipeline.
package crawl

import (
	"context"
	"time"
)

// Job is one unit of outbound fetch work waiting for dispatch.
type Job struct {
	ID         string
	SourceID   string
	URL        string
	EnqueuedAt time.Time
}

// FetchResult summarizes one completed fetch. Result interpretation happens
// downstream; the scheduler only records outcome and timing.
type FetchResult struct {
	URL        string
	StatusCode int
	Bytes      int
	Duration   time.Duration
}

// Fetcher executes a single crawl.
type Fetcher interface {
	Fetch(ctx context.Context, job Job) (FetchResult, error)
}

// Queue hands jobs from producers to the scheduler's workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close()
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewID() string
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predictwire/crawlgate/internal/crawl"
)

func TestQueueRoundTrip(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	jobIn := crawl.Job{ID: "job-1", SourceID: "bls.gov", URL: "https://bls.gov/cpi"}
	require.NoError(t, q.Enqueue(ctx, jobIn))

	jobOut, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, jobIn, jobOut)
}

func TestQueueEnqueueHonorsContextWhenFull(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawl.Job{ID: "job-1"}))

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(timeoutCtx, crawl.Job{ID: "job-2"})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDequeueHonorsContextWhenEmpty(t *testing.T) {
	q := NewQueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()

	_, err := q.Dequeue(context.Background())
	require.EqualError(t, err, "queue closed")
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

func poolJobs(n int) []fetchJob {
	jobs := make([]fetchJob, n)
	for i := range jobs {
		jobs[i] = fetchJob{index: i, entry: entry(tender.SourceID(fmt.Sprintf("src%d", i)), false)}
	}
	return jobs
}

func TestFetchPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var active, peak, calls atomic.Int32
	started := make(chan struct{}, 6)
	release := make(chan struct{})
	fetch := func(_ context.Context, job fetchJob) source.Result {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		calls.Add(1)
		started <- struct{}{}
		<-release
		active.Add(-1)
		return source.Result{SourceID: job.entry.ID()}
	}

	done := make(chan []source.Result, 1)
	go func() { done <- newFetchPool(2).Run(context.Background(), poolJobs(6), fetch) }()

	<-started
	<-started
	require.Never(t, func() bool { return len(started) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"a third fetch started while two were in flight")
	close(release)

	var results []source.Result
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not finish")
	}

	require.Equal(t, int32(2), peak.Load())
	require.Equal(t, int32(6), calls.Load())
	require.Len(t, results, 6)
	for i, res := range results {
		require.Equal(t, tender.SourceID(fmt.Sprintf("src%d", i)), res.SourceID)
		require.NoError(t, res.Err)
	}
}

func TestFetchPoolReportsUnstartedJobsAsInterrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 6)
	fetch := func(ctx context.Context, job fetchJob) source.Result {
		started <- struct{}{}
		<-ctx.Done()
		return source.Result{SourceID: job.entry.ID(), Err: ctx.Err()}
	}

	done := make(chan []source.Result, 1)
	go func() { done <- newFetchPool(2).Run(ctx, poolJobs(6), fetch) }()
	<-started
	<-started
	cancel()

	var results []source.Result
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not finish")
	}
	require.Len(t, results, 6)
	require.Len(t, started, 0, "no job may start after cancellation")

	for i, res := range results {
		require.Equal(t, tender.SourceID(fmt.Sprintf("src%d", i)), res.SourceID)
		if i < 2 {
			require.ErrorIs(t, res.Err, context.Canceled)
			continue
		}
		var chainErr *source.ChainError
		require.True(t, errors.As(res.Err, &chainErr), "job %d", i)
		require.ErrorIs(t, chainErr.Interrupted, context.Canceled)
		require.Equal(t, res.SourceID, chainErr.SourceID)
	}
}

func TestFetchPoolCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	results := newFetchPool(3).Run(ctx, poolJobs(4), func(context.Context, fetchJob) source.Result {
		calls.Add(1)
		return source.Result{}
	})

	require.Zero(t, calls.Load())
	require.Len(t, results, 4)
	for _, res := range results {
		var chainErr *source.ChainError
		require.ErrorAs(t, res.Err, &chainErr)
		require.ErrorIs(t, chainErr.Interrupted, context.Canceled)
	}
}

func TestNewFetchPoolKeepsOneWorker(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, newFetchPool(0).workers)
	require.Equal(t, 1, newFetchPool(-3).workers)
	require.Equal(t, 4, newFetchPool(4).workers)
}

package ingest

import (
	"context"
	"sync"

	"github.com/JakeFAU/eu-tender-ingest/internal/metrics"
	"github.com/JakeFAU/eu-tender-ingest/internal/registry"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
)

// fetchJob is one connector fetch dispatched to the pool.
type fetchJob struct {
	index int
	entry registry.Entry
	limit int
}

// fetchPool runs connector fetches on a fixed number of workers so the count
// of simultaneous upstream fetches does not grow with the number of sources.
type fetchPool struct {
	workers int
}

func newFetchPool(workers int) *fetchPool {
	if workers <= 0 {
		workers = 1
	}
	return &fetchPool{workers: workers}
}

// Run fetches every job and returns results indexed like jobs. It returns
// once all workers have finished; jobs not started before ctx ends are
// reported with ctx's error.
func (p *fetchPool) Run(ctx context.Context, jobs []fetchJob, fetch func(context.Context, fetchJob) source.Result) []source.Result {
	results := make([]source.Result, len(jobs))
	queue := make(chan fetchJob)

	var wg sync.WaitGroup
	for i := 0; i < min(p.workers, len(jobs)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if err := ctx.Err(); err != nil {
					results[job.index] = interrupted(job, err)
					continue
				}
				metrics.IncActiveFetches()
				results[job.index] = fetch(ctx, job)
				metrics.DecActiveFetches()
			}
		}()
	}

	for i, job := range jobs {
		select {
		case queue <- job:
		case <-ctx.Done():
			for _, skipped := range jobs[i:] {
				results[skipped.index] = interrupted(skipped, ctx.Err())
			}
			close(queue)
			wg.Wait()
			return results
		}
	}
	close(queue)
	wg.Wait()
	return results
}

func interrupted(job fetchJob, err error) source.Result {
	return source.Result{
		SourceID: job.entry.ID(),
		Err:      &source.ChainError{SourceID: job.entry.ID(), Interrupted: err},
	}
}

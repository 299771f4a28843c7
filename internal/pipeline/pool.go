package pipeline

import (
	"context"
	"sync"

	"github.com/lvonguyen/repsentinel/internal/feeds"
)

// job is one (adapter, term) fetch.
type job struct {
	adapter  int
	platform string
	term     string
}

// jobResult is the outcome of one job. Abandoned is set when the run
// budget expired before the fetch returned.
type jobResult struct {
	job       job
	items     []feeds.RawItem
	err       error
	abandoned bool
}

// runJobs executes every job with at most limit in flight. Results are
// returned in completion order and every job yields exactly one result.
func runJobs(ctx context.Context, limit int, jobs []job, exec func(context.Context, job) jobResult) []jobResult {
	if len(jobs) == 0 {
		return nil
	}
	if limit < 1 {
		limit = DefaultMaxConcurrent
	}

	resultsChan := make(chan jobResult, len(jobs))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsChan <- jobResult{job: j, err: ctx.Err(), abandoned: true}
				return
			}

			resultsChan <- exec(ctx, j)
		}(j)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]jobResult, 0, len(jobs))
	for r := range resultsChan {
		results = append(results, r)
	}
	return results
}

// Package mirror synchronizes every resource of a block concurrently and
// settles the batch only once each fetch has reached a terminal outcome.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdnswitch/internal/block"
	"cdnswitch/internal/fetch"
	"cdnswitch/internal/metrics"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Ensurer resolves one resource to an outcome. *fetch.Fetcher satisfies it.
type Ensurer interface {
	Ensure(ctx context.Context, res block.Resource, mode block.Mode) fetch.Outcome
}

// Observer receives settlement events. Calls may arrive from many goroutines.
type Observer interface {
	ResourceSettled(blockName string, o fetch.Outcome)
	BlockSettled(r BatchResult)
}

// BatchResult is the settled state of one block.
type BatchResult struct {
	Block string
	// Outcomes are in resource list order.
	Outcomes   []fetch.Outcome
	ErrorCount int
	Duration   time.Duration
}

// Count returns how many outcomes have kind k.
func (r BatchResult) Count(k fetch.Kind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}

// Synchronizer fans out fetches. One Synchronizer serves every block of a
// target, so blocks mirroring the same local path share a single fetch.
type Synchronizer struct {
	Fetcher Ensurer
	// MaxInFlight caps concurrently running fetches per block; <= 0 means
	// one goroutine per resource with no cap.
	MaxInFlight int
	// Observer may be nil.
	Observer Observer

	flight singleflight.Group
}

// Synchronize ensures every resource of b under mode.
//
// Fetches are started in list order and may finish in any order; the result
// keeps list order. It never short-circuits: a failure is counted and the
// remaining fetches run to completion.
//
// Edge cases:
//   - with MaxInFlight > 0, a context cancelled while waiting for a slot
//     settles the resources not yet started as Failed with ctx.Err().
//   - an empty resource list settles immediately with zero outcomes.
func (s *Synchronizer) Synchronize(ctx context.Context, b block.Block, mode block.Mode) BatchResult {
	start := time.Now()
	resources := b.ResourceList()
	outcomes := make([]fetch.Outcome, len(resources))

	var sem *semaphore.Weighted
	if s.MaxInFlight > 0 {
		sem = semaphore.NewWeighted(int64(s.MaxInFlight))
	}

	var wg sync.WaitGroup
	for i, res := range resources {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = fetch.Outcome{
					Kind:      fetch.Failed,
					URL:       res.URL,
					LocalPath: res.LocalPath,
					Err:       fmt.Errorf("get %s: %w", res.URL, err),
				}
				s.resourceSettled(b.Name, outcomes[i])
				continue
			}
		}

		wg.Add(1)
		go func(i int, res block.Resource) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			o := s.ensureOnce(ctx, res, mode)
			outcomes[i] = o
			s.resourceSettled(b.Name, o)
		}(i, res)
	}
	wg.Wait()

	result := BatchResult{
		Block:    b.Name,
		Outcomes: outcomes,
		Duration: time.Since(start),
	}
	result.ErrorCount = result.Count(fetch.Failed)

	status := "ok"
	if result.ErrorCount > 0 {
		status = "warn"
	}
	metrics.RecordStep("block", status, result.Duration)

	if s.Observer != nil {
		s.Observer.BlockSettled(result)
	}
	return result
}

// ensureOnce collapses concurrent fetches of one local path. A caller that
// joined a flight for a different URL fetches again under its own.
func (s *Synchronizer) ensureOnce(ctx context.Context, res block.Resource, mode block.Mode) fetch.Outcome {
	do := func() fetch.Outcome {
		v, _, _ := s.flight.Do(res.LocalPath, func() (any, error) {
			return s.Fetcher.Ensure(ctx, res, mode), nil
		})
		return v.(fetch.Outcome)
	}

	o := do()
	if o.URL != res.URL {
		o = do()
	}
	return o
}

func (s *Synchronizer) resourceSettled(blockName string, o fetch.Outcome) {
	if s.Observer != nil {
		s.Observer.ResourceSettled(blockName, o)
	}
}

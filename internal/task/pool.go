// Package task provides the worker boundary used by the tick-driven loading
// machinery.
//
// Work that is too expensive for the goroutine driving Update (hashing large
// files, opening archives, sweeping the cache directory) is handed to a
// bounded [Pool]. Results flow back through a [Future] or a [Queue], both of
// which have exactly one consumer: the operation that submitted the work.
// Workers never touch shared state; they only post results.
package task

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs functions on a bounded number of goroutines.
//
// Submitting never blocks the caller. Work waits for a free slot on its own
// goroutine, so a pool sized to the machine's cores can accept any number of
// jobs from a single tick without stalling it.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most size jobs concurrently.
// Values <= 0 use runtime.GOMAXPROCS(0).
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// Go schedules fn on the pool. The context passed to fn is canceled when the
// pool is closed. If the pool is already closed, fn runs with a canceled context.
func (p *Pool) Go(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			fn(p.ctx)
			return
		}
		defer p.sem.Release(1)
		fn(p.ctx)
	}()
}

// Close cancels outstanding work and waits for every scheduled function to return.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

package task

import "context"

// Result carries the outcome of an asynchronous job.
type Result[T any] struct {
	Value T
	Err   error
}

// Future is a single-consumer handle to a job's result.
//
// Poll and Wait must be called from one goroutine only. Once a result has
// been observed it is retained and returned by every subsequent call.
type Future[T any] struct {
	ch     chan Result[T]
	res    Result[T]
	done   bool
	cancel context.CancelFunc
}

// Submit schedules fn on pool and returns its Future.
// A nil pool runs fn synchronously before returning.
func Submit[T any](pool *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{ch: make(chan Result[T], 1)}
	if pool == nil {
		v, err := fn(context.Background())
		f.ch <- Result[T]{Value: v, Err: err}
		return f
	}
	pool.Go(func(ctx context.Context) {
		v, err := fn(ctx)
		f.ch <- Result[T]{Value: v, Err: err}
	})
	return f
}

// Go runs fn on a dedicated goroutine outside any pool. It is used for
// I/O-bound work, such as network transfers, that should not occupy a
// verification slot. Cancel stops the context passed to fn.
func Go[T any](fn func(ctx context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Future[T]{ch: make(chan Result[T], 1), cancel: cancel}
	go func() {
		v, err := fn(ctx)
		f.ch <- Result[T]{Value: v, Err: err}
	}()
	return f
}

// Poll returns the result if it is available, without blocking.
func (f *Future[T]) Poll() (Result[T], bool) {
	if f.done {
		return f.res, true
	}
	select {
	case r := <-f.ch:
		f.observe(r)
		return f.res, true
	default:
		return Result[T]{}, false
	}
}

// Wait blocks until the result is available.
func (f *Future[T]) Wait() Result[T] {
	if f.done {
		return f.res
	}
	f.observe(<-f.ch)
	return f.res
}

// Cancel cancels the context of a job started with [Go]. It is a no-op for
// pool jobs.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Future[T]) observe(r Result[T]) {
	f.res = r
	f.done = true
	if f.cancel != nil {
		f.cancel()
	}
}

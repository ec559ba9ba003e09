package async

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is used when a pool is created with a non-positive size.
const DefaultWorkers = 4

// Pool bounds how many blocking operations run at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup
}

// NewPool creates a pool that runs at most size operations concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Do runs fn on the calling goroutine once a slot is free. It returns
// ctx.Err() without running fn if ctx ends while waiting for a slot.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}

// Go starts a tracked goroutine that is not bounded by the pool. Queue
// drainers use it; they only occupy a slot while inside Do.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started through the pool has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit runs fn on the pool and returns its result as a future.
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f, resolve := NewPromise[T]()
	p.Go(func() {
		var (
			v   T
			err error
		)
		if doErr := p.Do(context.Background(), func() { v, err = fn() }); doErr != nil {
			err = doErr
		}
		resolve(v, err)
	})
	return f
}

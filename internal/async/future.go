// Package async provides the future and worker pool primitives that every
// long-running tunnel operation returns through.
//
// A Future is resolved exactly once. Callers either block on Await (with a
// context that bounds only their own wait, never the work itself) or register
// a completion callback with WhenComplete. Callbacks run synchronously on the
// goroutine that resolves the future, or immediately on the caller's
// goroutine when the future has already completed.
package async

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	val       T
	err       error
	callbacks []func(T, error)
}

// Resolver completes a Future. Only the first call has any effect.
type Resolver[T any] func(T, error)

// NewPromise returns an unresolved future together with its resolver.
func NewPromise[T any]() (*Future[T], Resolver[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.resolve
}

// Resolved returns an already completed future.
func Resolved[T any](v T) *Future[T] {
	f, resolve := NewPromise[T]()
	resolve(v, nil)
	return f
}

// Failed returns an already failed future.
func Failed[T any](err error) *Future[T] {
	f, resolve := NewPromise[T]()
	var zero T
	resolve(zero, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.val, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx is done. A cancelled ctx
// abandons the wait; the underlying operation keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the result without blocking. ok is false while pending.
func (f *Future[T]) TryGet() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return v, nil, false
	}
}

// WhenComplete registers fn to run once the future resolves.
func (f *Future[T]) WhenComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.val, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Then derives a future by applying fn to a successful result.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out, resolve := NewPromise[U]()
	f.WhenComplete(func(v T, err error) {
		if err != nil {
			var zero U
			resolve(zero, err)
			return
		}
		resolve(fn(v))
	})
	return out
}

package testutil

import (
	"context"
	"sync"
)

// Deferred is a hand-resolved result, used to stand in for IO whose
// completion order a test wants to control.
//
// Resolve and Reject settle the value once; later calls are ignored.
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error

	waitOnce sync.Once
	waiting  chan struct{}
}

// NewDeferred creates an unsettled Deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{}), waiting: make(chan struct{})}
}

// Resolve settles the Deferred with v.
func (d *Deferred[T]) Resolve(v T) {
	d.once.Do(func() {
		d.value = v
		close(d.done)
	})
}

// Reject settles the Deferred with err.
func (d *Deferred[T]) Reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Wait blocks until the Deferred settles or ctx is done.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	d.waitOnce.Do(func() { close(d.waiting) })
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Waiting is closed once some goroutine has called Wait.
func (d *Deferred[T]) Waiting() <-chan struct{} {
	return d.waiting
}

// Settled reports whether Resolve or Reject has been called.
func (d *Deferred[T]) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

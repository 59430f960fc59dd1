// Package promise provides a value that is fulfilled at most once.
package promise

import (
	"context"
	"sync"
)

// Promise is resolved or rejected exactly once; later attempts are ignored.
// The zero value is not usable, use New.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates an unfulfilled Promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve fulfills the promise with v. It reports whether this call won.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Reject fulfills the promise with err. It reports whether this call won.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	won := false
	p.once.Do(func() {
		p.value, p.err = v, err
		won = true
		close(p.done)
	})
	return won
}

// Done is closed once the promise is fulfilled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise is fulfilled or ctx ends.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

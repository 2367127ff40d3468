package groupcall

import (
	"context"
	"sync"
)

// waiter is the part of a promise the coordinator needs to supersede it.
type waiter interface {
	Fail(err error)
}

// Promise is a resolve-once future for the result of a request.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve fulfils the promise with a value. Later calls are ignored.
func (p *Promise[T]) Resolve(v T) {
	p.once.Do(func() {
		p.value = v
		close(p.done)
	})
}

// Fail rejects the promise. Later calls are ignored.
func (p *Promise[T]) Fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the promise is resolved.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise is resolved or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

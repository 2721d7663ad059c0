package scan

import "context"

// future is a one-shot result published by a package-level producer.
type future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func start[T any](fn func() (T, error)) *future[T] {
	f := &future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// wait blocks until the value is published or ctx ends. A published value
// wins over an ended ctx.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// settle blocks until the producer has returned, ignoring cancellation.
func (f *future[T]) settle() (T, error) {
	<-f.done
	return f.val, f.err
}

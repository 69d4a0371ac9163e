package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in, one at a time, on
// its own goroutine. Handler errors go to the error callback and do not stop
// the loop.
type Listener[T any] struct {
	handler func(input T) error
	onError func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	onError ...func(error),
) *Listener[T] {
	if len(onError) == 0 {
		onError = []func(error){func(error) {}}
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		onError: onError[0],
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.onError(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the loop and waits for an in-flight handler to return.
// Values still queued on the channel are not handled.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}

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

// Listener feeds every value received on a channel to a handler, one at a
// time. The first handler error stops it and is reported by Err.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		done:        make(chan struct{}),
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		defer close(l.done)
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.setErr(err)
				return
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
		if err := l.handler(ctx, inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) setErr(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	l.err = err
}

// Done is closed once the listener goroutine has exited.
func (l *Listener[T]) Done() <-chan struct{} {
	return l.done
}

func (l *Listener[T]) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}

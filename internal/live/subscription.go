package live

import (
	"context"
	"sync"
)

// QueryFunc produces a full, fresh result set.
type QueryFunc[T any] func(ctx context.Context) ([]T, error)

// Subscription delivers a snapshot on start and another after every change to its table.
// A failed re-evaluation ends the subscription: Updates is closed and Err reports why.
type Subscription[T any] struct {
	updates chan []T
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	err     error
}

// Subscribe starts a live query on hub for table. The subscription ends when ctx is
// cancelled, Close is called, or query fails.
func Subscribe[T any](ctx context.Context, hub *Hub, table Table, query QueryFunc[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		updates: make(chan []T),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	// Register before the first read so a write racing with it still triggers a re-read.
	signal, unwatch := hub.Watch(table)
	go s.run(ctx, signal, unwatch, query)
	return s
}

func (s *Subscription[T]) run(ctx context.Context, signal <-chan struct{}, unwatch func(), query QueryFunc[T]) {
	// done closes before updates so Err is settled by the time a reader sees the close.
	defer close(s.updates)
	defer close(s.done)
	defer unwatch()

	for {
		rows, err := query(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.err = err
			}
			return
		}

		select {
		case s.updates <- rows:
		case <-ctx.Done():
			return
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return
		}
	}
}

// Updates yields snapshots in commit order. It is closed when the subscription ends.
func (s *Subscription[T]) Updates() <-chan []T {
	return s.updates
}

// Close unsubscribes and waits for the background reader to exit. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Err returns the error that terminated the subscription. It is only meaningful once
// Updates has been closed.
func (s *Subscription[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

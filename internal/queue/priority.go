// Package queue provides the bounded priority inbox each principal drains.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Config configures a priority queue.
type Config struct {
	Capacity int `json:"capacity"`
	Levels   int `json:"levels"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: 256,
		Levels:   4,
	}
}

// Priority is a bounded multi-level FIFO. Higher levels are drained first;
// items of equal level keep their insertion order.
type Priority[T any] struct {
	config Config

	mu      sync.Mutex
	levels  [][]T
	length  int
	closed  bool
	ready   chan struct{} // signalled when an item is pushed
	space   chan struct{} // signalled when an item is popped
	closeCh chan struct{}

	// Metrics
	pushes atomic.Int64
	pops   atomic.Int64
	blocks atomic.Int64
}

// NewPriority creates a new priority queue.
func NewPriority[T any](config Config) *Priority[T] {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.Levels <= 0 {
		config.Levels = DefaultConfig().Levels
	}
	return &Priority[T]{
		config:  config,
		levels:  make([][]T, config.Levels),
		ready:   make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func (q *Priority[T]) clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level >= q.config.Levels {
		return q.config.Levels - 1
	}
	return level
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// TryPush attempts a non-blocking push.
func (q *Priority[T]) TryPush(v T, level int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if q.length >= q.config.Capacity {
		return false, nil
	}
	l := q.clampLevel(level)
	q.levels[l] = append(q.levels[l], v)
	q.length++
	q.pushes.Add(1)
	signal(q.ready)
	return true, nil
}

// Push blocks until there is room, the context is done or the queue closes.
func (q *Priority[T]) Push(ctx context.Context, v T, level int) error {
	blocked := false
	for {
		ok, err := q.TryPush(v, level)
		if err != nil || ok {
			return err
		}
		if !blocked {
			q.blocks.Add(1)
			blocked = true
		}
		select {
		case <-q.space:
		case <-q.closeCh:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPop attempts a non-blocking pop.
func (q *Priority[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for l := len(q.levels) - 1; l >= 0; l-- {
		if len(q.levels[l]) == 0 {
			continue
		}
		v := q.levels[l][0]
		var zero T
		q.levels[l][0] = zero
		q.levels[l] = q.levels[l][1:]
		q.length--
		q.pops.Add(1)
		signal(q.space)
		if q.length > 0 {
			signal(q.ready)
		}
		return v, true
	}
	var zero T
	return zero, false
}

// Pop blocks until an item is available, the context is done or the queue
// closes. Items still queued at close are drained before ErrClosed.
func (q *Priority[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-q.ready:
		case <-q.closeCh:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the current number of queued items.
func (q *Priority[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Close stops accepting new items. It is safe to call more than once.
func (q *Priority[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
}

// Stats contains queue statistics.
type Stats struct {
	Capacity    int     `json:"capacity"`
	Length      int     `json:"length"`
	Pushes      int64   `json:"pushes"`
	Pops        int64   `json:"pops"`
	Blocks      int64   `json:"blocks"`
	Utilization float64 `json:"utilization"`
}

// Stats returns queue statistics.
func (q *Priority[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Capacity:    q.config.Capacity,
		Length:      q.length,
		Pushes:      q.pushes.Load(),
		Pops:        q.pops.Load(),
		Blocks:      q.blocks.Load(),
		Utilization: float64(q.length) / float64(q.config.Capacity),
	}
}

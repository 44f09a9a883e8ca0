// Package cache implements the ordered, blocking batch queues that connect
// kernels to each other and to the network layer.
package cache

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrFinished is returned by Pull once the cache is finished and drained.
var ErrFinished = errors.New("cache finished")

// Cache is an unbounded FIFO queue with a single logical producer.
// Items pulled preserve push order. Once Finish is called no more items may
// be pushed; consumers drain what remains and then observe ErrFinished.
type Cache[T any] struct {
	id string

	mu       sync.Mutex
	items    []T
	head     int
	finished bool
	pushed   int64
	// signal is closed and replaced on every state change so blocked pullers
	// can select on it together with their context.
	signal chan struct{}
	done   chan struct{}
}

// New creates an empty cache.
func New[T any](id string) *Cache[T] {
	return &Cache[T]{id: id, signal: make(chan struct{}), done: make(chan struct{})}
}

// ID returns the cache identifier.
func (c *Cache[T]) ID() string { return c.id }

// Push appends an item. It fails if the cache is already finished.
func (c *Cache[T]) Push(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return errors.Newf("cache %s: push after finish", c.id)
	}
	c.items = append(c.items, item)
	c.pushed++
	c.broadcastLocked()
	return nil
}

// Pull removes and returns the oldest item, blocking until one is available.
// It returns ErrFinished when the cache is finished and empty, or ctx.Err()
// if the context is cancelled first.
func (c *Cache[T]) Pull(ctx context.Context) (T, error) {
	for {
		c.mu.Lock()
		if item, ok := c.popLocked(); ok {
			c.mu.Unlock()
			return item, nil
		}
		if c.finished {
			c.mu.Unlock()
			var zero T
			return zero, ErrFinished
		}
		wait := c.signal
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// TryPull returns the oldest item without blocking.
func (c *Cache[T]) TryPull() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popLocked()
}

// Finish marks the cache as finished. It is idempotent.
func (c *Cache[T]) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	close(c.done)
	c.broadcastLocked()
}

// Done returns a channel that is closed once the cache is finished.
func (c *Cache[T]) Done() <-chan struct{} { return c.done }

// Finished reports whether Finish has been called.
func (c *Cache[T]) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Len returns the number of items waiting to be pulled.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) - c.head
}

// Pushed returns the total number of items ever pushed.
func (c *Cache[T]) Pushed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushed
}

// Drain removes every pending item without blocking, e.g. to release
// Arrow buffers after a failed run.
func (c *Cache[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]T(nil), c.items[c.head:]...)
	c.items = nil
	c.head = 0
	return out
}

func (c *Cache[T]) popLocked() (T, bool) {
	var zero T
	if c.head >= len(c.items) {
		return zero, false
	}
	item := c.items[c.head]
	c.items[c.head] = zero
	c.head++
	// Compact once the consumed prefix dominates the backing array.
	if c.head > 64 && c.head*2 > len(c.items) {
		c.items = append([]T(nil), c.items[c.head:]...)
		c.head = 0
	}
	return item, true
}

func (c *Cache[T]) broadcastLocked() {
	close(c.signal)
	c.signal = make(chan struct{})
}

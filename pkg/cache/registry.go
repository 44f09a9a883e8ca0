package cache

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry resolves logical cache ids to the caches of one execution node.
type Registry[T any] struct {
	mu     sync.RWMutex
	caches map[string]*Cache[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{caches: make(map[string]*Cache[T])}
}

// Register creates and registers a cache under id. Registering the same id
// twice is an error.
func (r *Registry[T]) Register(id string) (*Cache[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caches[id]; exists {
		return nil, errors.Newf("cache %q already registered", id)
	}
	c := New[T](id)
	r.caches[id] = c
	return c, nil
}

// Get returns the cache registered under id.
func (r *Registry[T]) Get(id string) (*Cache[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[id]
	return c, ok
}

// MustGet returns the cache registered under id or an error naming it.
func (r *Registry[T]) MustGet(id string) (*Cache[T], error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, errors.Newf("cache %q not registered", id)
	}
	return c, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.caches))
	for id := range r.caches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FinishAll finishes every registered cache.
func (r *Registry[T]) FinishAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.caches {
		c.Finish()
	}
}

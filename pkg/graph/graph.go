// Package graph runs the kernels of one execution node as goroutines wired by
// caches, and turns the first kernel failure into a node-wide shutdown.
package graph

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/metrics"
)

// ErrGraphFailure marks the error returned by Run when any kernel failed.
var ErrGraphFailure = errors.New("graph failure")

// Graph owns the kernels and batch caches of one execution node.
type Graph struct {
	name      string
	alloc     memory.Allocator
	nodeIndex int
	nodeCount int
	logger    *slog.Logger

	caches  map[string]handle
	order   []string
	kernels []*kernelEntry
	byID    map[string]*kernelEntry

	mu        sync.Mutex
	cancel    context.CancelFunc
	onFailure []func()
	failOnce  sync.Once
}

type kernelEntry struct {
	id      string
	impl    kernel.Kernel
	inputs  []string
	outputs []string
	metrics *kernel.Metrics
}

// New creates an empty graph for node nodeIndex of nodeCount.
func New(name string, alloc memory.Allocator, nodeIndex, nodeCount int) *Graph {
	return &Graph{
		name:      name,
		alloc:     alloc,
		nodeIndex: nodeIndex,
		nodeCount: nodeCount,
		logger:    slog.Default().With("graph", name, "node", nodeIndex),
		caches:    make(map[string]handle),
		byID:      make(map[string]*kernelEntry),
	}
}

// handle is the type-erased view of a cache the graph needs for validation
// and failure cleanup.
type handle interface {
	Finish()
	releasePending()
}

type typedHandle[T any] struct{ c *cache.Cache[T] }

func (h typedHandle[T]) Finish() { h.c.Finish() }

func (h typedHandle[T]) releasePending() {
	for _, item := range h.c.Drain() {
		if r, ok := any(item).(interface{ Release() }); ok {
			r.Release()
		}
	}
}

// NewCache registers a cache of any item type with g. Items implementing
// Release are released if the graph fails with them still queued.
func NewCache[T any](g *Graph, id string) (*cache.Cache[T], error) {
	if _, exists := g.caches[id]; exists {
		return nil, errors.Newf("cache %q already registered", id)
	}
	c := cache.New[T](id)
	g.caches[id] = typedHandle[T]{c: c}
	g.order = append(g.order, id)
	return c, nil
}

// AddCache registers a new batch cache.
func (g *Graph) AddCache(id string) (*kernel.BatchCache, error) {
	return NewCache[kernel.Batch](g, id)
}

// MustCache registers a new batch cache and panics on a duplicate id.
// Intended for static graph construction in tests and assemblies.
func (g *Graph) MustCache(id string) *kernel.BatchCache {
	c, err := g.AddCache(id)
	if err != nil {
		panic(err)
	}
	return c
}

// HasCache reports whether a cache is registered under id.
func (g *Graph) HasCache(id string) bool {
	_, ok := g.caches[id]
	return ok
}

// AddKernel adds a kernel together with the ids of the caches it consumes
// and produces. The edges are only used for validation; the kernel itself
// holds the cache references.
func (g *Graph) AddKernel(id string, k kernel.Kernel, inputs, outputs []string) {
	e := &kernelEntry{id: id, impl: k, inputs: inputs, outputs: outputs, metrics: &kernel.Metrics{}}
	g.kernels = append(g.kernels, e)
	if _, dup := g.byID[id]; !dup {
		g.byID[id] = e
	}
}

// KernelMetrics returns the metrics of the kernel registered under id.
func (g *Graph) KernelMetrics(id string) *kernel.Metrics {
	if e, ok := g.byID[id]; ok {
		return e.metrics
	}
	return nil
}

// OnFailure registers a hook invoked once when the graph fails, after the
// shared context is cancelled. Hooks typically finish caches owned outside
// the graph.
func (g *Graph) OnFailure(fn func()) {
	g.onFailure = append(g.onFailure, fn)
}

// Run validates the graph and runs every kernel in its own goroutine.
// It blocks until all kernels return. The first kernel error cancels every
// other kernel; Run then returns that error marked with ErrGraphFailure.
func (g *Graph) Run(ctx context.Context) error {
	if err := g.Validate(); err != nil {
		return errors.Wrapf(err, "invalid graph %s", g.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, e := range g.kernels {
		kctx := kernel.NewContext(egCtx, g.alloc, e.id, e.impl.Name()).WithNode(g.nodeIndex, g.nodeCount)
		kctx.Metrics = e.metrics
		eg.Go(func() error {
			kctx.Logger.Debug("kernel started")
			defer g.publishMetrics(e)
			if err := e.impl.Run(kctx); err != nil {
				metrics.Errors.WithLabelValues(strconv.Itoa(g.nodeIndex), e.id).Inc()
				kctx.Logger.Error("kernel failed", "error", err)
				// Finishing the caches also lets kernels that are not
				// blocked on a Pull drain out.
				g.fail()
				return errors.Wrapf(err, "kernel %s", e.id)
			}
			kctx.Logger.Debug("kernel finished",
				"rows_in", e.metrics.RowsIn.Load(),
				"rows_out", e.metrics.RowsOut.Load())
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		g.fail()
		g.releasePending()
		return errors.Mark(err, ErrGraphFailure)
	}
	if err := ctx.Err(); err != nil {
		g.releasePending()
		return errors.Mark(errors.Wrapf(err, "graph %s", g.name), ErrGraphFailure)
	}
	return nil
}

// Stop cancels a running graph.
func (g *Graph) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Graph) publishMetrics(e *kernelEntry) {
	node := strconv.Itoa(g.nodeIndex)
	name := e.impl.Name()
	metrics.RowsProcessed.WithLabelValues(node, e.id, name).Add(float64(e.metrics.RowsIn.Load()))
	metrics.RowsEmitted.WithLabelValues(node, e.id, name).Add(float64(e.metrics.RowsOut.Load()))
	metrics.BatchesProcessed.WithLabelValues(node, e.id, name).Add(float64(e.metrics.BatchesIn.Load()))
}

func (g *Graph) fail() {
	g.failOnce.Do(func() {
		for _, id := range g.order {
			g.caches[id].Finish()
		}
		for _, fn := range g.onFailure {
			fn()
		}
	})
}

func (g *Graph) releasePending() {
	for _, id := range g.order {
		g.caches[id].releasePending()
	}
}

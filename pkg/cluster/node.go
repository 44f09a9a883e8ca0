// Package cluster assembles the per-node kernel graph of a distributed
// window query and runs several nodes in one process.
package cluster

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/graph"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/kernels"
	"github.com/sandboxws/windist/pkg/overlap"
	"github.com/sandboxws/windist/pkg/window"
)

// SourceFactory creates the kernel producing a node's sorted input into out.
type SourceFactory func(node int, out *kernel.BatchCache) (kernel.Kernel, error)

// SinkFactory creates the kernel consuming a node's window output from in.
type SinkFactory func(node int, in *kernel.BatchCache) (kernel.Kernel, error)

// ScatterConfig moves the input through a RangeScatter on one coordinator
// node instead of reading it locally on every node.
type ScatterConfig struct {
	Coordinator int
	Key         string
	Splits      []float64
}

// Config describes one distributed window query.
type Config struct {
	Query       string
	Window      *window.Spec
	Accumulator kernels.AccumulatorOptions
	// Evaluator computes the window columns; nil selects the native one.
	Evaluator window.Evaluator
	Scatter   *ScatterConfig
}

// Node is one member of the cluster: its graph, its message registry and the
// router feeding that registry from the transport.
type Node struct {
	index, count int
	graph        *graph.Graph
	registry     *cache.Registry[distributed.Message]
	router       *distributed.Router
}

// Kernel and cache ids of a node graph.
const (
	cacheSource    = "source"
	cacheInput     = "input"
	cacheFiltered  = "filtered"
	cacheBundles   = "bundles"
	cacheAssembled = "assembled"
	cacheOutput    = "output"
)

// NewNode builds the graph of node index of count:
//
//	source -> [scatter -> collector] -> [filter] -> generator -> accumulator -> compute -> sink
//
// plus the router draining transport.
func NewNode(index, count int, alloc memory.Allocator, transport distributed.Transport, cfg Config,
	source SourceFactory, sink SinkFactory) (*Node, error) {
	if index < 0 || index >= count {
		return nil, errors.Mark(errors.Newf("node index %d outside cluster of %d", index, count), window.ErrConfiguration)
	}
	if cfg.Window == nil {
		return nil, errors.Mark(errors.New("no window definition"), window.ErrConfiguration)
	}
	if err := cfg.Window.Validate(); err != nil {
		return nil, err
	}
	if cfg.Query == "" {
		cfg.Query = "windist"
	}
	query := cfg.Query

	g := graph.New(query, alloc, index, count)
	registry := cache.NewRegistry[distributed.Message]()
	g.OnFailure(registry.FinishAll)
	n := &Node{index: index, count: count, graph: g, registry: registry}

	input, err := n.addInput(cfg, transport, source)
	if err != nil {
		return nil, err
	}
	if cfg.Window.Where != "" {
		filtered := g.MustCache(cacheFiltered)
		f, err := kernels.NewFilter(cfg.Window.Where, input, filtered)
		if err != nil {
			return nil, err
		}
		g.AddKernel("filter", f, []string{input.ID()}, []string{cacheFiltered})
		input = filtered
	}

	spec := cfg.Window.Overlap()
	bundles, err := graph.NewCache[overlap.Bundle](g, cacheBundles)
	if err != nil {
		return nil, err
	}
	g.AddKernel("generator", kernels.NewOverlapGenerator(spec, input, bundles), []string{input.ID()}, []string{cacheBundles})

	assembled := g.MustCache(cacheAssembled)
	acc, err := kernels.NewOverlapAccumulator(query+"/overlap", spec, cfg.Accumulator, bundles, assembled, transport, registry)
	if err != nil {
		return nil, err
	}
	g.AddKernel("accumulator", acc, []string{cacheBundles}, []string{cacheAssembled})

	output := g.MustCache(cacheOutput)
	cw, err := kernels.NewComputeWindow(cfg.Window, cfg.Evaluator, assembled, output)
	if err != nil {
		return nil, err
	}
	g.AddKernel("compute", cw, []string{cacheAssembled}, []string{cacheOutput})

	sk, err := sink(index, output)
	if err != nil {
		return nil, errors.Wrapf(err, "node %d: create sink", index)
	}
	g.AddKernel("sink", sk, []string{cacheOutput}, nil)

	n.router = distributed.NewRouter(transport, registry)
	g.AddKernel("router", n.router, nil, nil)
	return n, nil
}

// addInput wires the node's input and returns the cache the generator reads.
func (n *Node) addInput(cfg Config, transport distributed.Transport, source SourceFactory) (*kernel.BatchCache, error) {
	g := n.graph
	if cfg.Scatter == nil {
		src := g.MustCache(cacheSource)
		k, err := source(n.index, src)
		if err != nil {
			return nil, errors.Wrapf(err, "node %d: create source", n.index)
		}
		g.AddKernel("source", k, nil, []string{cacheSource})
		return src, nil
	}

	sc := cfg.Scatter
	if sc.Coordinator < 0 || sc.Coordinator >= n.count {
		return nil, errors.Mark(errors.Newf("scatter coordinator %d outside cluster of %d", sc.Coordinator, n.count),
			window.ErrConfiguration)
	}
	if n.index == sc.Coordinator {
		src := g.MustCache(cacheSource)
		k, err := source(n.index, src)
		if err != nil {
			return nil, errors.Wrapf(err, "node %d: create source", n.index)
		}
		g.AddKernel("source", k, nil, []string{cacheSource})
		scatter, err := kernels.NewRangeScatter(sc.Key, sc.Splits, cfg.Query+"/collect", src, transport, n.registry)
		if err != nil {
			return nil, err
		}
		g.AddKernel("scatter", scatter, []string{cacheSource}, nil)
	}
	input := g.MustCache(cacheInput)
	col, err := kernels.NewPartitionCollector(cfg.Query+"/collect", 1, input, n.registry)
	if err != nil {
		return nil, err
	}
	g.AddKernel("collector", col, nil, []string{cacheInput})
	return input, nil
}

// Index returns the node's position in the cluster.
func (n *Node) Index() int { return n.index }

// Dropped returns the number of messages the node's router dropped.
func (n *Node) Dropped() int64 { return n.router.Dropped() }

// Run runs the node until its input is exhausted and every overlap exchange
// it takes part in completed.
func (n *Node) Run(ctx context.Context) error {
	return n.graph.Run(ctx)
}

// Stop cancels a running node.
func (n *Node) Stop() { n.graph.Stop() }

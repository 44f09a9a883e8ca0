package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/windist/pkg/connectors"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/transport/inmem"
)

// Local runs every node of a cluster in one process over an in-memory
// network. Each node's output is collected.
type Local struct {
	nodes   []*Node
	outputs []*connectors.Collect
	net     *inmem.Network

	mu     sync.Mutex
	cancel context.CancelFunc
}

// LocalOption configures a Local cluster.
type LocalOption func(*localOptions)

type localOptions struct {
	wire bool
}

// WithWireEncoding makes the in-memory network encode every message the
// way a real transport does.
func WithWireEncoding() LocalOption {
	return func(o *localOptions) { o.wire = true }
}

// NewLocal builds count nodes running cfg, reading input from source.
func NewLocal(count int, alloc memory.Allocator, cfg Config, source SourceFactory, opts ...LocalOption) (*Local, error) {
	if count < 1 {
		return nil, errors.Newf("cluster needs at least one node, got %d", count)
	}
	var o localOptions
	for _, opt := range opts {
		opt(&o)
	}
	var netOpts []inmem.Option
	if o.wire {
		netOpts = append(netOpts, inmem.WithWireEncoding(alloc))
	}

	l := &Local{
		net:     inmem.NewNetwork(count, netOpts...),
		outputs: make([]*connectors.Collect, count),
	}
	for i := 0; i < count; i++ {
		l.outputs[i] = &connectors.Collect{}
		collect := l.outputs[i]
		n, err := NewNode(i, count, alloc, l.net.Endpoint(i), cfg, source,
			func(_ int, in *kernel.BatchCache) (kernel.Kernel, error) { return collect.Sink(in), nil })
		if err != nil {
			l.net.Close()
			return nil, err
		}
		l.nodes = append(l.nodes, n)
	}
	return l, nil
}

// Run runs all nodes and waits for them. The first node error is returned;
// every node error is logged.
func (l *Local) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()
	defer l.net.Close()

	var (
		eg    errgroup.Group
		once  sync.Once
		first error
	)
	for i, n := range l.nodes {
		eg.Go(func() error {
			err := n.Run(ctx)
			if err == nil {
				return nil
			}
			slog.Error("node failed", "node", i, "error", err)
			// A failed node never answers its neighbours, so the others are
			// cancelled; the first failure is the one reported.
			once.Do(func() {
				first = errors.Wrapf(err, "node %d", i)
				cancel()
			})
			return nil
		})
	}
	_ = eg.Wait()
	return first
}

// Stop cancels every node.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// Outputs returns the batches each node emitted, in emission order. They
// stay owned by the cluster until Release.
func (l *Local) Outputs() [][]kernel.Batch {
	out := make([][]kernel.Batch, len(l.outputs))
	for i, c := range l.outputs {
		out[i] = c.Batches()
	}
	return out
}

// Release frees the collected output.
func (l *Local) Release() {
	for _, c := range l.outputs {
		c.Release()
	}
}

package kernel

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Metrics tracks basic kernel-level metrics.
type Metrics struct {
	BatchesIn  atomic.Int64
	BatchesOut atomic.Int64
	RowsIn     atomic.Int64
	RowsOut    atomic.Int64
	Errors     atomic.Int64
}

// Context provides the execution environment for a kernel.
type Context struct {
	// Go context for cancellation and shutdown.
	Ctx context.Context

	// Logger scoped to this kernel.
	Logger *slog.Logger

	// Metrics for this kernel instance.
	Metrics *Metrics

	// Alloc is the Arrow memory allocator to use for output batches.
	Alloc memory.Allocator

	// KernelID is the unique identifier for this kernel within the node graph.
	KernelID string

	// KernelName is the human-readable name of this kernel.
	KernelName string

	// NodeIndex is the index of the execution node running this kernel (0-based).
	NodeIndex int

	// NodeCount is the total number of execution nodes in the cluster.
	NodeCount int
}

// NewContext creates a new kernel context with defaults for a single node.
func NewContext(ctx context.Context, alloc memory.Allocator, kernelID, kernelName string) *Context {
	return &Context{
		Ctx:        ctx,
		Logger:     slog.Default().With("kernel", kernelID, "name", kernelName, "node", 0),
		Metrics:    &Metrics{},
		Alloc:      alloc,
		KernelID:   kernelID,
		KernelName: kernelName,
		NodeCount:  1,
	}
}

// WithNode returns a copy of c bound to the given node position.
func (c *Context) WithNode(index, count int) *Context {
	cp := *c
	cp.NodeIndex = index
	cp.NodeCount = count
	cp.Logger = slog.Default().With("kernel", c.KernelID, "name", c.KernelName, "node", index)
	return &cp
}

// Done returns the context's Done channel for shutdown signaling.
func (c *Context) Done() <-chan struct{} {
	return c.Ctx.Done()
}

// IsFirstNode reports whether this kernel runs on node 0.
func (c *Context) IsFirstNode() bool { return c.NodeIndex == 0 }

// IsLastNode reports whether this kernel runs on the highest-indexed node.
func (c *Context) IsLastNode() bool { return c.NodeIndex == c.NodeCount-1 }

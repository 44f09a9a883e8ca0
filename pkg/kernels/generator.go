// Package kernels implements the kernels of a distributed window query:
// overlap generation, overlap accumulation across nodes, window computation,
// and the scatter/collect pair used to distribute a sorted input.
package kernels

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/overlap"
)

// SplitOutputs receives the parts of each batch as three separate streams.
type SplitOutputs struct {
	Core      *kernel.BatchCache
	Preceding *kernel.BatchCache
	Following *kernel.BatchCache
}

func (s SplitOutputs) finish() {
	s.Core.Finish()
	s.Preceding.Finish()
	s.Following.Finish()
}

// OverlapGenerator splits every local batch into the batch itself plus the
// rows it can lend to its neighbours: its last Preceding rows and its first
// Following rows, or the whole batch for RANGE frames. It does no cross-node
// communication.
type OverlapGenerator struct {
	spec  overlap.Spec
	in    *kernel.BatchCache
	out   *cache.Cache[overlap.Bundle]
	split *SplitOutputs
}

// NewOverlapGenerator creates a generator pushing one Bundle per batch.
func NewOverlapGenerator(spec overlap.Spec, in *kernel.BatchCache, out *cache.Cache[overlap.Bundle]) *OverlapGenerator {
	return &OverlapGenerator{spec: spec, in: in, out: out}
}

// NewSplitOverlapGenerator creates a generator pushing the three parts of
// every batch to three caches in lock step. Each part carries batch_index,
// node and overlap_type metadata.
func NewSplitOverlapGenerator(spec overlap.Spec, in *kernel.BatchCache, outs SplitOutputs) *OverlapGenerator {
	return &OverlapGenerator{spec: spec, in: in, split: &outs}
}

func (g *OverlapGenerator) Name() string { return "overlap_generator" }

func (g *OverlapGenerator) Run(ctx *kernel.Context) error {
	if g.split != nil {
		defer g.split.finish()
	} else {
		defer g.out.Finish()
	}

	var idx int64
	for {
		b, err := g.in.Pull(ctx.Ctx)
		if errors.Is(err, cache.ErrFinished) {
			ctx.Logger.Debug("input finished", "batches", idx)
			return nil
		}
		if err != nil {
			return err
		}
		ctx.Metrics.BatchesIn.Add(1)
		ctx.Metrics.RowsIn.Add(b.NumRows())

		bundle := overlap.Bundle{
			Index:     idx,
			Node:      ctx.NodeIndex,
			Core:      b.Record,
			Preceding: g.spec.Lend(overlap.Preceding, b.Record),
			Following: g.spec.Lend(overlap.Following, b.Record),
		}
		if g.split != nil {
			err = g.pushSplit(ctx, bundle)
		} else if err = g.out.Push(bundle); err != nil {
			bundle.Release()
		}
		if err != nil {
			return errors.Wrapf(err, "push batch %d", idx)
		}
		ctx.Metrics.BatchesOut.Add(1)
		ctx.Metrics.RowsOut.Add(b.NumRows())
		idx++
	}
}

func (g *OverlapGenerator) pushSplit(ctx *kernel.Context, b overlap.Bundle) error {
	parts := []struct {
		kind string
		out  *kernel.BatchCache
		rec  arrow.Record
	}{
		{overlap.OverlapCore, g.split.Core, b.Core},
		{overlap.Preceding.String(), g.split.Preceding, b.Preceding},
		{overlap.Following.String(), g.split.Following, b.Following},
	}
	for i, p := range parts {
		meta := cache.Metadata{}.
			SetInt(overlap.KeyBatchIndex, b.Index).
			SetInt(overlap.KeyNode, int64(ctx.NodeIndex)).
			Set(overlap.KeyOverlapType, p.kind)
		if err := p.out.Push(kernel.Batch{Record: p.rec, Meta: meta}); err != nil {
			for _, rest := range parts[i:] {
				rest.rec.Release()
			}
			return err
		}
	}
	return nil
}

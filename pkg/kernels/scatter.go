package kernels

import (
	"context"
	"math"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/overlap"
	"github.com/sandboxws/windist/pkg/window"
)

const trackerPartitions = 0

// RangeScatter runs on one node and distributes a globally sorted input over
// the cluster: node k receives the rows whose key lies in
// [Splits[k-1], Splits[k]). Every node's PartitionCollector with the same
// collector id receives its range.
type RangeScatter struct {
	key         string
	splits      []float64
	collectorID string
	in          *kernel.BatchCache
	transport   distributed.Transport
	registry    *cache.Registry[distributed.Message]
}

// NewRangeScatter creates the scatter kernel. splits must be ascending and
// hold one value fewer than the cluster has nodes.
func NewRangeScatter(key string, splits []float64, collectorID string, in *kernel.BatchCache,
	transport distributed.Transport, registry *cache.Registry[distributed.Message]) (*RangeScatter, error) {
	if key == "" {
		return nil, errors.Mark(errors.New("range scatter needs a key column"), window.ErrConfiguration)
	}
	if !sort.Float64sAreSorted(splits) {
		return nil, errors.Mark(errors.Newf("split points %v are not ascending", splits), window.ErrConfiguration)
	}
	return &RangeScatter{
		key:         key,
		splits:      splits,
		collectorID: collectorID,
		in:          in,
		transport:   transport,
		registry:    registry,
	}, nil
}

func (s *RangeScatter) Name() string { return "range_scatter" }

func (s *RangeScatter) Run(ctx *kernel.Context) error {
	if len(s.splits) != ctx.NodeCount-1 {
		return errors.Mark(errors.Newf("%d split points for %d nodes", len(s.splits), ctx.NodeCount),
			window.ErrConfiguration)
	}
	m := distributed.NewMessenger(ctx.NodeIndex, ctx.NodeCount, s.transport, s.registry)
	m.SetLogger(ctx.Logger)
	inbox := partitionCacheID(s.collectorID)

	var idx int64
	for {
		b, err := s.in.Pull(ctx.Ctx)
		if errors.Is(err, cache.ErrFinished) {
			break
		}
		if err != nil {
			return err
		}
		ctx.Metrics.BatchesIn.Add(1)
		ctx.Metrics.RowsIn.Add(b.NumRows())

		err = s.scatter(ctx.Ctx, m, b.Record, inbox, idx)
		b.Release()
		if err != nil {
			return errors.Wrapf(err, "scatter batch %d", idx)
		}
		idx++
	}

	targets := make([]int, ctx.NodeCount)
	for i := range targets {
		targets[i] = i
	}
	if err := m.SendTotalPartitionCounts(ctx.Ctx, inbox, "partition_count", trackerPartitions, targets); err != nil {
		return err
	}
	ctx.Logger.Info("scatter finished", "batches", idx, "rows", ctx.Metrics.RowsIn.Load())
	return nil
}

func (s *RangeScatter) scatter(ctx context.Context, m *distributed.Messenger, rec arrow.Record, inbox string, idx int64) error {
	col, err := helpers.Column(rec, s.key)
	if err != nil {
		return err
	}
	key, err := keyReader(col)
	if err != nil {
		return err
	}
	n := rec.NumRows()
	bounds := make([]int64, 0, len(s.splits)+2)
	bounds = append(bounds, 0)
	for _, split := range s.splits {
		lo := bounds[len(bounds)-1]
		off := sort.Search(int(n-lo), func(i int) bool { return key(int(lo)+i) >= split })
		bounds = append(bounds, lo+int64(off))
	}
	bounds = append(bounds, n)

	parts := make([]arrow.Record, len(bounds)-1)
	for k := range parts {
		parts[k] = helpers.Slice(rec, bounds[k], bounds[k+1]-bounds[k])
	}
	defer func() {
		for _, p := range parts {
			p.Release()
		}
	}()
	return m.Scatter(ctx, parts, nil, distributed.SendOptions{
		Kind:            distributed.KindData,
		SpecificCache:   true,
		CacheID:         inbox,
		MessageIDPrefix: "partition",
		Tracker:         trackerPartitions,
		Metadata:        cache.Metadata{}.SetInt(overlap.KeySourceBatchIndex, idx),
	})
}

// keyReader returns the numeric value of row i. Nulls sort first.
func keyReader(col arrow.Array) (func(i int) float64, error) {
	null := func(i int) bool { return col.IsNull(i) }
	switch a := col.(type) {
	case *array.Int64:
		return func(i int) float64 {
			if null(i) {
				return minKey
			}
			return float64(a.Value(i))
		}, nil
	case *array.Int32:
		return func(i int) float64 {
			if null(i) {
				return minKey
			}
			return float64(a.Value(i))
		}, nil
	case *array.Float64:
		return func(i int) float64 {
			if null(i) {
				return minKey
			}
			return a.Value(i)
		}, nil
	case *array.Timestamp:
		return func(i int) float64 {
			if null(i) {
				return minKey
			}
			return float64(a.Value(i))
		}, nil
	default:
		return nil, errors.Newf("unsupported scatter key type %s", col.DataType())
	}
}

var minKey = math.Inf(-1)

func partitionCacheID(collectorID string) string { return collectorID + "/partitions" }

// PartitionCollector receives the partitions scattered to this node and
// pushes them downstream in arrival order with a fresh, contiguous
// batch_index. It finishes once every announced partition arrived.
type PartitionCollector struct {
	id      string
	senders int64
	inbox   *distributed.MessageCache
	out     *kernel.BatchCache
	reg     *cache.Registry[distributed.Message]
}

// NewPartitionCollector registers the collector's inbox in registry.
// senders is the number of nodes scattering to it.
func NewPartitionCollector(id string, senders int, out *kernel.BatchCache,
	registry *cache.Registry[distributed.Message]) (*PartitionCollector, error) {
	if senders < 1 {
		return nil, errors.Mark(errors.Newf("collector needs at least one sender, got %d", senders),
			window.ErrConfiguration)
	}
	inbox, err := registry.Register(partitionCacheID(id))
	if err != nil {
		return nil, err
	}
	return &PartitionCollector{id: id, senders: int64(senders), inbox: inbox, out: out, reg: registry}, nil
}

func (c *PartitionCollector) Name() string { return "partition_collector" }

func (c *PartitionCollector) Run(ctx *kernel.Context) error {
	defer c.out.Finish()
	defer func() {
		c.inbox.Finish()
		for _, m := range c.inbox.Drain() {
			m.Release()
		}
	}()
	m := distributed.NewMessenger(ctx.NodeIndex, ctx.NodeCount, nil, c.reg)

	var received int64
	for m.CountReports(trackerPartitions) < c.senders || received < m.GetTotalPartitionCounts(trackerPartitions) {
		msg, err := c.inbox.Pull(ctx.Ctx)
		if err != nil {
			return err
		}
		if msg.Kind == distributed.KindControl {
			if err := m.AcceptPartitionCount(msg); err != nil {
				ctx.Logger.Warn("dropping message", "message", msg.String(), "error", err)
			}
			msg.Release()
			continue
		}
		rows := msg.NumRows()
		meta := cache.Metadata{}.
			SetInt(overlap.KeyBatchIndex, received).
			SetInt(overlap.KeyNode, int64(ctx.NodeIndex)).
			Set(overlap.KeySourceBatchIndex, msg.Metadata.Get(overlap.KeySourceBatchIndex))
		if err := c.out.Push(kernel.Batch{Record: msg.Record, Meta: meta}); err != nil {
			msg.Release()
			return err
		}
		received++
		ctx.Metrics.BatchesIn.Add(1)
		ctx.Metrics.RowsIn.Add(rows)
		ctx.Metrics.BatchesOut.Add(1)
		ctx.Metrics.RowsOut.Add(rows)
	}
	ctx.Logger.Debug("partitions collected", "batches", received)
	return nil
}

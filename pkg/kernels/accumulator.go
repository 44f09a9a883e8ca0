package kernels

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/metrics"
	"github.com/sandboxws/windist/pkg/overlap"
	"github.com/sandboxws/windist/pkg/window"
)

// Trackers used by the accumulator's messenger.
const (
	trackerPreceding = 0
	trackerFollowing = 1
	trackerResponse  = 2
)

func trackerFor(side overlap.Side) int {
	if side == overlap.Preceding {
		return trackerPreceding
	}
	return trackerFollowing
}

// AccumulatorOptions tunes the overlap protocol.
type AccumulatorOptions struct {
	// OrderedOutput emits assembled batches in batch index order.
	OrderedOutput bool
	// ResponseTimeout fails the kernel when a remote request stays
	// unanswered this long. Zero waits until the graph is cancelled.
	ResponseTimeout time.Duration
}

// DefaultAccumulatorOptions returns ordered output and no response timeout.
func DefaultAccumulatorOptions() AccumulatorOptions {
	return AccumulatorOptions{OrderedOutput: true}
}

type ownRequest struct {
	side  overlap.Side
	batch int64
}

type relay struct {
	side  overlap.Side
	req   distributed.Envelope
	parts []arrow.Record
}

// OverlapAccumulator extends every local batch with the preceding and
// following rows its window needs: a fixed row count, and for RANGE frames
// every row whose ORDER BY value falls inside the frame of the batch's
// first or last row. Rows come from neighbouring local
// batches first; whatever is missing is requested from the neighbouring node,
// which answers from its own data and relays further along the cluster when
// it holds too few rows.
//
// Preceding requests travel from node n to n-1 and following requests from n
// to n+1. Each node announces to its neighbour how many requests it sent once
// it can send no more, which lets receivers terminate without a global
// barrier.
type OverlapAccumulator struct {
	id        string
	spec      overlap.Spec
	opts      AccumulatorOptions
	in        *cache.Cache[overlap.Bundle]
	out       *kernel.BatchCache
	transport distributed.Transport
	registry  *cache.Registry[distributed.Message]
	requests  [2]*distributed.MessageCache
	responses *distributed.MessageCache

	// Set at the start of Run.
	kctx      *kernel.Context
	alloc     memory.Allocator
	messenger *distributed.Messenger
	node      string

	status    *overlap.StatusTable
	ready     *cache.Cache[int64]
	inputDone chan struct{}

	mu         sync.Mutex
	cores      []arrow.Record
	lends      [2][]arrow.Record
	needs      [2][]overlap.Need
	bounds     [2][]arrow.Record // boundary rows carried by RANGE requests
	queued     []bool
	readyCount int64
	total      int64
	finished   bool
	own        map[string]ownRequest
	relays     map[string]relay

	sidesIssued atomic.Int32
	issuedAll   atomic.Bool
}

// NewOverlapAccumulator creates the accumulator with kernel id id and
// registers its message caches in registry. Peers address the same caches by
// the same kernel id, so every node must use the same id.
func NewOverlapAccumulator(id string, spec overlap.Spec, opts AccumulatorOptions,
	in *cache.Cache[overlap.Bundle], out *kernel.BatchCache,
	transport distributed.Transport, registry *cache.Registry[distributed.Message]) (*OverlapAccumulator, error) {
	if spec.Preceding < 0 || spec.Following < 0 {
		return nil, errors.Mark(errors.Newf("negative overlap %d/%d", spec.Preceding, spec.Following),
			window.ErrConfiguration)
	}
	if opts.ResponseTimeout < 0 {
		return nil, errors.Mark(errors.Newf("negative response timeout %s", opts.ResponseTimeout),
			window.ErrConfiguration)
	}
	a := &OverlapAccumulator{
		id:        id,
		spec:      spec,
		opts:      opts,
		in:        in,
		out:       out,
		transport: transport,
		registry:  registry,
		status:    overlap.NewStatusTable(),
		ready:     cache.New[int64](id + "/ready"),
		inputDone: make(chan struct{}),
		own:       make(map[string]ownRequest),
		relays:    make(map[string]relay),
	}
	var err error
	for _, side := range []overlap.Side{overlap.Preceding, overlap.Following} {
		if a.requests[side], err = registry.Register(a.requestCacheID(side)); err != nil {
			return nil, err
		}
	}
	if a.responses, err = registry.Register(a.responseCacheID()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *OverlapAccumulator) requestCacheID(side overlap.Side) string {
	return a.id + "/" + overlap.RequestID(side)
}

func (a *OverlapAccumulator) responseCacheID() string { return a.id + "/response" }

// MessageCaches returns the ids of the caches the accumulator registered.
func (a *OverlapAccumulator) MessageCaches() []string {
	return []string{a.requestCacheID(overlap.Preceding), a.requestCacheID(overlap.Following), a.responseCacheID()}
}

func (a *OverlapAccumulator) Name() string { return "overlap_accumulator" }

// neighbour returns the node that requests on side are sent to.
func (a *OverlapAccumulator) neighbour(side overlap.Side) (int, bool) {
	if side == overlap.Preceding {
		return a.kctx.NodeIndex - 1, a.kctx.NodeIndex > 0
	}
	return a.kctx.NodeIndex + 1, a.kctx.NodeIndex < a.kctx.NodeCount-1
}

// servesSide reports whether a peer may send this node requests on side.
func (a *OverlapAccumulator) servesSide(side overlap.Side) bool {
	if side == overlap.Preceding {
		return a.kctx.NodeIndex < a.kctx.NodeCount-1
	}
	return a.kctx.NodeIndex > 0
}

func (a *OverlapAccumulator) Run(ctx *kernel.Context) error {
	a.kctx = ctx
	a.alloc = ctx.Alloc
	a.node = strconv.Itoa(ctx.NodeIndex)
	a.messenger = distributed.NewMessenger(ctx.NodeIndex, ctx.NodeCount, a.transport, a.registry)
	a.messenger.SetLogger(ctx.Logger)
	defer a.release()

	ctx.Logger.Info("overlap accumulator started",
		"preceding", a.spec.Preceding, "following", a.spec.Following, "ordered", a.opts.OrderedOutput)

	eg, egCtx := errgroup.WithContext(ctx.Ctx)
	eg.Go(func() error { return a.emit(egCtx) })
	eg.Go(func() error { return a.receiveResponses(egCtx) })
	for _, side := range []overlap.Side{overlap.Preceding, overlap.Following} {
		served := make(chan struct{})
		if a.servesSide(side) {
			eg.Go(func() error {
				defer close(served)
				return a.serve(egCtx, side)
			})
		} else {
			a.requests[side].Finish()
			close(served)
		}
		eg.Go(func() error { return a.announce(egCtx, side, served) })
	}
	eg.Go(func() error { return a.ingest(egCtx) })

	if err := eg.Wait(); err != nil {
		return err
	}
	ctx.Logger.Info("overlap accumulator finished",
		"batches", a.total, "rows_out", ctx.Metrics.RowsOut.Load())
	return nil
}

// ingest consumes local bundles, resolves overlap from local data, and
// issues remote requests for whatever local data cannot cover.
func (a *OverlapAccumulator) ingest(ctx context.Context) error {
	var (
		idx  int64
		open []int64 // batches whose following side still waits for later heads
	)
	for {
		b, err := a.in.Pull(ctx)
		if errors.Is(err, cache.ErrFinished) {
			break
		}
		if err != nil {
			return err
		}
		a.kctx.Metrics.BatchesIn.Add(1)
		a.kctx.Metrics.RowsIn.Add(helpers.NumRows(b.Core))

		needs, bounds, err := a.batchNeeds(b.Core)
		if err != nil {
			b.Release()
			return errors.Wrapf(err, "batch %d", idx)
		}
		a.mu.Lock()
		a.cores = append(a.cores, b.Core)
		for _, side := range []overlap.Side{overlap.Preceding, overlap.Following} {
			a.lends[side] = append(a.lends[side], b.Part(side))
			a.needs[side] = append(a.needs[side], needs[side])
			a.bounds[side] = append(a.bounds[side], bounds[side])
		}
		a.queued = append(a.queued, false)
		a.mu.Unlock()

		still := open[:0]
		for _, j := range open {
			st, err := a.status.Combine(overlap.Following, j, b.Following, false, a.need(overlap.Following, j))
			if err != nil {
				return err
			}
			if st == overlap.Done {
				a.transition(overlap.Following, st)
				a.markReady(j)
			} else {
				still = append(still, j)
			}
		}
		open = still

		if err := a.resolvePreceding(ctx, idx); err != nil {
			return err
		}
		if a.need(overlap.Following, idx).Empty() {
			if err := a.setStatus(overlap.Following, idx, overlap.Done); err != nil {
				return err
			}
		} else {
			open = append(open, idx)
		}
		a.markReady(idx)
		idx++
	}

	for _, j := range open {
		if err := a.requestRemaining(ctx, overlap.Following, j); err != nil {
			return err
		}
		a.markReady(j)
	}
	a.setInputDone(idx)
	a.kctx.Logger.Debug("local input finished", "batches", idx)
	return nil
}

// batchNeeds returns what each side of the batch holding core must gather,
// and the boundary rows its RANGE requests carry. The caller owns the
// boundary records.
func (a *OverlapAccumulator) batchNeeds(core arrow.Record) ([2]overlap.Need, [2]arrow.Record, error) {
	var (
		needs  [2]overlap.Need
		bounds [2]arrow.Record
	)
	for _, side := range []overlap.Side{overlap.Preceding, overlap.Following} {
		needs[side].Rows = a.spec.Need(side)
		if a.spec.Reach == nil {
			continue
		}
		b := overlap.Boundary(side, core)
		if b == nil {
			continue
		}
		within, err := a.spec.Reach.Within(side, b)
		if err != nil {
			b.Release()
			if bounds[overlap.Preceding] != nil {
				bounds[overlap.Preceding].Release()
			}
			return needs, [2]arrow.Record{}, err
		}
		needs[side].Within = within
		bounds[side] = b
	}
	return needs, bounds, nil
}

func (a *OverlapAccumulator) need(side overlap.Side, idx int64) overlap.Need {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needs[side][idx]
}

// resolvePreceding fills the preceding side of batch idx from the tails of
// earlier local batches and requests the remainder if they run out.
func (a *OverlapAccumulator) resolvePreceding(ctx context.Context, idx int64) error {
	need := a.need(overlap.Preceding, idx)
	if need.Empty() {
		return a.setStatus(overlap.Preceding, idx, overlap.Done)
	}
	for j := idx - 1; j >= 0; j-- {
		a.mu.Lock()
		tail := a.lends[overlap.Preceding][j]
		a.mu.Unlock()
		st, err := a.status.Combine(overlap.Preceding, idx, tail, false, need)
		if err != nil {
			return err
		}
		if st == overlap.Done {
			a.transition(overlap.Preceding, st)
			return nil
		}
	}
	return a.requestRemaining(ctx, overlap.Preceding, idx)
}

// requestRemaining completes side of batch idx at the dataset edge or asks
// the neighbouring node for the missing rows.
func (a *OverlapAccumulator) requestRemaining(ctx context.Context, side overlap.Side, idx int64) error {
	need := a.need(side, idx)
	target, ok := a.neighbour(side)
	if !ok {
		st, err := a.status.Combine(side, idx, nil, true, need)
		if err != nil {
			return err
		}
		a.transition(side, st)
		return nil
	}
	if err := a.setStatus(side, idx, overlap.Incomplete); err != nil {
		return err
	}
	missing := max(0, need.Rows-a.status.Rows(side, idx))
	// A RANGE request carries the boundary row until the frame's end is seen.
	var boundary arrow.Record
	if need.Within != nil && !a.status.Reached(side, idx) {
		a.mu.Lock()
		boundary = a.bounds[side][idx]
		a.mu.Unlock()
	}

	id := a.messenger.NextID(overlap.RequestID(side))
	a.mu.Lock()
	a.own[id] = ownRequest{side: side, batch: idx}
	a.mu.Unlock()

	meta := cache.Metadata{}.
		Set(overlap.KeyOperationType, overlap.RequestID(side)).
		Set(overlap.KeyOverlapType, side.String()).
		SetInt(overlap.KeyOverlapSize, missing).
		SetInt(overlap.KeySourceBatchIndex, idx).
		SetInt(overlap.KeyTargetNodeIndex, int64(a.kctx.NodeIndex))
	if _, err := a.messenger.SendMessage(ctx, boundary, distributed.SendOptions{
		Kind:          distributed.KindRequest,
		SpecificCache: true,
		CacheID:       a.requestCacheID(side),
		Target:        target,
		MessageID:     id,
		AlwaysAdd:     true,
		WaitFor:       true,
		Tracker:       trackerFor(side),
		Metadata:      meta,
	}); err != nil {
		return errors.Wrapf(err, "request %s overlap of batch %d", side, idx)
	}
	metrics.OverlapRequests.WithLabelValues(a.node, side.String()).Inc()
	a.kctx.Logger.Debug("overlap requested", "side", side, "batch", idx, "rows", missing,
		"range", boundary != nil, "target", target)
	return nil
}

func (a *OverlapAccumulator) setStatus(side overlap.Side, idx int64, st overlap.Status) error {
	if err := a.status.Set(side, idx, st); err != nil {
		return err
	}
	a.transition(side, st)
	return nil
}

func (a *OverlapAccumulator) transition(side overlap.Side, st overlap.Status) {
	metrics.StatusTransitions.WithLabelValues(a.node, side.String(), st.String()).Inc()
}

// markReady queues batch idx for emission once both of its sides are done.
func (a *OverlapAccumulator) markReady(idx int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx >= int64(len(a.queued)) || a.queued[idx] {
		return
	}
	if a.status.Status(overlap.Preceding, idx) != overlap.Done ||
		a.status.Status(overlap.Following, idx) != overlap.Done {
		return
	}
	if err := a.ready.Push(idx); err != nil {
		return
	}
	a.queued[idx] = true
	a.readyCount++
	if a.finished && a.readyCount == a.total {
		a.ready.Finish()
	}
}

func (a *OverlapAccumulator) setInputDone(total int64) {
	a.mu.Lock()
	a.finished = true
	a.total = total
	if a.readyCount == total {
		a.ready.Finish()
	}
	a.mu.Unlock()
	close(a.inputDone)
}

// emit assembles ready batches and pushes them downstream.
func (a *OverlapAccumulator) emit(ctx context.Context) error {
	defer a.out.Finish()
	var next int64
	held := make(map[int64]bool)
	for {
		idx, err := a.ready.Pull(ctx)
		if errors.Is(err, cache.ErrFinished) {
			return nil
		}
		if err != nil {
			return err
		}
		if !a.opts.OrderedOutput {
			if err := a.emitOne(idx); err != nil {
				return err
			}
			continue
		}
		held[idx] = true
		for held[next] {
			delete(held, next)
			if err := a.emitOne(next); err != nil {
				return err
			}
			next++
		}
	}
}

func (a *OverlapAccumulator) emitOne(idx int64) error {
	pre, preRows := a.status.Take(overlap.Preceding, idx)
	fol, folRows := a.status.Take(overlap.Following, idx)
	a.mu.Lock()
	core := a.cores[idx]
	a.cores[idx] = nil
	for side := range a.bounds {
		if b := a.bounds[side][idx]; b != nil {
			b.Release()
			a.bounds[side][idx] = nil
		}
	}
	a.mu.Unlock()

	parts := make([]arrow.Record, 0, len(pre)+len(fol)+1)
	parts = append(parts, pre...)
	parts = append(parts, core)
	parts = append(parts, fol...)
	rec, err := helpers.Concat(a.alloc, parts...)
	for _, p := range parts {
		p.Release()
	}
	if err != nil {
		return errors.Wrapf(err, "assemble batch %d", idx)
	}

	meta := cache.Metadata{}.
		SetInt(overlap.KeyBatchIndex, idx).
		SetInt(overlap.KeyPrecedingRows, preRows).
		SetInt(overlap.KeyFollowingRows, folRows).
		SetInt(overlap.KeyNode, int64(a.kctx.NodeIndex))
	if err := a.out.Push(kernel.Batch{Record: rec, Meta: meta}); err != nil {
		rec.Release()
		return err
	}
	a.kctx.Metrics.BatchesOut.Add(1)
	a.kctx.Metrics.RowsOut.Add(rec.NumRows())
	return nil
}

// announce tells the neighbour on side how many requests it was sent, once
// this node can issue no more of them: its own requests are issued during
// ingestion and relays while serving the opposite neighbour.
func (a *OverlapAccumulator) announce(ctx context.Context, side overlap.Side, served <-chan struct{}) error {
	for _, ch := range []<-chan struct{}{a.inputDone, served} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if target, ok := a.neighbour(side); ok {
		err := a.messenger.SendTotalPartitionCounts(ctx, a.requestCacheID(side),
			overlap.RequestCountID(side), trackerFor(side), []int{target})
		if err != nil {
			return err
		}
		a.kctx.Logger.Debug("request count announced", "side", side, "target", target,
			"count", a.messenger.Counters().Count(trackerFor(side), target))
	}
	if a.sidesIssued.Add(1) == 2 {
		a.issuedAll.Store(true)
		if a.messenger.Pending() == 0 {
			a.responses.Finish()
		}
	}
	return nil
}

// release drops every record the accumulator still holds.
func (a *OverlapAccumulator) release() {
	a.ready.Finish()
	a.ready.Drain()
	a.out.Finish()
	for _, c := range append([]*distributed.MessageCache{a.responses}, a.requests[:]...) {
		c.Finish()
		for _, m := range c.Drain() {
			m.Release()
		}
	}
	a.status.Release()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.cores {
		if r != nil {
			r.Release()
		}
	}
	a.cores = nil
	for side := range a.lends {
		for _, r := range a.lends[side] {
			r.Release()
		}
		a.lends[side] = nil
		for _, r := range a.bounds[side] {
			if r != nil {
				r.Release()
			}
		}
		a.bounds[side] = nil
	}
	for id, rl := range a.relays {
		for _, p := range rl.parts {
			p.Release()
		}
		delete(a.relays, id)
	}
}

package kernels

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/metrics"
	"github.com/sandboxws/windist/pkg/overlap"
)

// serve answers the requests a neighbour sends for side. It starts once the
// local input is complete, so answers always see every local row, and stops
// after handling as many requests as the neighbour announced. A request
// delivered twice is answered once.
func (a *OverlapAccumulator) serve(ctx context.Context, side overlap.Side) error {
	defer a.requests[side].Finish()
	select {
	case <-a.inputDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	tracker := trackerFor(side)
	var handled int64
	seen := make(map[string]bool)
	for a.messenger.CountReports(tracker) == 0 || handled < a.messenger.GetTotalPartitionCounts(tracker) {
		msg, err := a.requests[side].Pull(ctx)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case distributed.KindControl:
			if err := a.messenger.AcceptPartitionCount(msg); err != nil {
				a.drop(msg, err)
				continue
			}
		case distributed.KindRequest:
			if seen[msg.MessageID] {
				a.drop(msg, errors.Mark(errors.Newf("duplicate request %s", msg.MessageID), distributed.ErrProtocol))
				continue
			}
			seen[msg.MessageID] = true
			handled++
			if err := a.answer(ctx, side, msg); err != nil {
				if !errors.Is(err, distributed.ErrProtocol) {
					msg.Release()
					return err
				}
				a.drop(msg, err)
				continue
			}
		default:
			a.drop(msg, errors.Mark(errors.Newf("unexpected %s on %s request cache", msg.Kind, side), distributed.ErrProtocol))
			continue
		}
		msg.Release()
	}
	a.kctx.Logger.Debug("requests served", "side", side, "count", handled)
	return nil
}

// requestNeed decodes what req asks for: a row count and, when it carries a
// boundary row, the rows inside that row's RANGE frame.
func (a *OverlapAccumulator) requestNeed(side overlap.Side, req distributed.Message) (overlap.Need, error) {
	rows, ok := req.Metadata.Int(overlap.KeyOverlapSize)
	if !ok || rows < 0 {
		return overlap.Need{}, errors.Mark(errors.Newf("request %s has no valid %s", req.MessageID, overlap.KeyOverlapSize),
			distributed.ErrProtocol)
	}
	need := overlap.Need{Rows: rows}
	if req.NumRows() == 0 {
		return need, nil
	}
	if a.spec.Reach == nil {
		return need, errors.Mark(errors.Newf("request %s carries a boundary row but the frame is not RANGE", req.MessageID),
			distributed.ErrProtocol)
	}
	within, err := a.spec.Reach.Within(side, req.Record)
	if err != nil {
		return need, errors.Mark(errors.Wrapf(err, "request %s", req.MessageID), distributed.ErrProtocol)
	}
	need.Within = within
	return need, nil
}

// answer replies to req from local rows, or relays the shortfall to the next
// node in the same direction.
func (a *OverlapAccumulator) answer(ctx context.Context, side overlap.Side, req distributed.Message) error {
	need, err := a.requestNeed(side, req)
	if err != nil {
		return err
	}
	parts, rows, reached := a.collectLocal(side, need)

	target, hasNext := a.neighbour(side)
	done := need.Satisfied(rows, reached)
	if done || !hasNext {
		return a.respond(ctx, side, req.Envelope, parts, !done)
	}

	id := a.messenger.NextID(overlap.RequestID(side))
	env := req.Envelope
	env.Metadata = req.Metadata.Clone()
	a.mu.Lock()
	a.relays[id] = relay{side: side, req: env, parts: parts}
	a.mu.Unlock()

	remaining := max(0, need.Rows-rows)
	var boundary arrow.Record
	if need.Within != nil && !reached {
		boundary = req.Record
	}
	meta := req.Metadata.Clone().
		SetInt(overlap.KeyOverlapSize, remaining).
		SetBool(overlap.KeyRelay, true)
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
		return errors.Wrapf(err, "relay %s", req.MessageID)
	}
	metrics.OverlapRelays.WithLabelValues(a.node, side.String()).Inc()
	a.kctx.Logger.Debug("overlap request relayed", "side", side, "request", req.MessageID,
		"local_rows", rows, "remaining", remaining, "range", boundary != nil, "target", target)
	return nil
}

// collectLocal returns, in row order, the rows need asks for from the end of
// the local data for a preceding request or from its start for a following
// one, plus their count and whether the end of a RANGE frame was seen.
func (a *OverlapAccumulator) collectLocal(side overlap.Side, need overlap.Need) ([]arrow.Record, int64, bool) {
	a.mu.Lock()
	lends := a.lends[side]
	a.mu.Unlock()

	var (
		parts   []arrow.Record
		rows    int64
		reached bool
	)
	for i := range lends {
		if need.Satisfied(rows, reached) {
			break
		}
		lend := lends[i]
		if side == overlap.Preceding {
			lend = lends[len(lends)-1-i]
		}
		var take int64
		take, reached = need.Take(side, lend, rows, reached)
		if take == 0 {
			continue
		}
		var part arrow.Record
		if side == overlap.Preceding {
			part = helpers.Tail(lend, take)
			parts = append([]arrow.Record{part}, parts...)
		} else {
			part = helpers.Head(lend, take)
			parts = append(parts, part)
		}
		rows += part.NumRows()
	}
	return parts, rows, reached
}

// respond sends parts, concatenated, as the response to req and releases
// them.
func (a *OverlapAccumulator) respond(ctx context.Context, side overlap.Side, req distributed.Envelope,
	parts []arrow.Record, exhausted bool) error {
	var rec arrow.Record
	if len(parts) > 0 {
		var err error
		rec, err = helpers.Concat(a.alloc, parts...)
		for _, p := range parts {
			p.Release()
		}
		if err != nil {
			return errors.Wrapf(err, "build response to %s", req.MessageID)
		}
		defer rec.Release()
	}

	meta := cache.Metadata{}.
		Set(overlap.KeyOperationType, overlap.ResponseID(side)).
		Set(overlap.KeyOverlapType, side.String()).
		Set(overlap.KeyRequestID, req.MessageID).
		SetBool(overlap.KeyExhausted, exhausted).
		SetInt(overlap.KeyOverlapSize, helpers.NumRows(rec)).
		SetInt(overlap.KeyTargetBatchIndex, req.Metadata.IntOr(overlap.KeySourceBatchIndex, -1))
	_, err := a.messenger.SendMessage(ctx, rec, distributed.SendOptions{
		Kind:            distributed.KindResponse,
		SpecificCache:   true,
		CacheID:         a.responseCacheID(),
		Target:          req.SourceNode,
		MessageIDPrefix: overlap.ResponseID(side),
		AlwaysAdd:       true,
		Tracker:         trackerResponse,
		Metadata:        meta,
	})
	return errors.Wrapf(err, "respond to %s", req.MessageID)
}

// receiveResponses pairs responses with the requests this node issued,
// either for its own batches or as relays on behalf of a neighbour.
func (a *OverlapAccumulator) receiveResponses(ctx context.Context) error {
	defer a.responses.Finish()
	for !a.issuedAll.Load() || a.messenger.Pending() > 0 {
		msg, err := a.pullResponse(ctx)
		if errors.Is(err, cache.ErrFinished) {
			if n := a.messenger.Pending(); n > 0 && ctx.Err() == nil {
				return errors.Newf("response cache finished with %d requests pending", n)
			}
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if err := a.handleResponse(ctx, msg); err != nil {
			if !errors.Is(err, distributed.ErrProtocol) {
				msg.Release()
				return err
			}
			a.logDrop(msg, err)
		}
		msg.Release()
	}
	return nil
}

func (a *OverlapAccumulator) pullResponse(ctx context.Context) (distributed.Message, error) {
	if a.opts.ResponseTimeout <= 0 {
		return a.responses.Pull(ctx)
	}
	for {
		pctx, cancel := context.WithTimeout(ctx, a.opts.ResponseTimeout)
		msg, err := a.responses.Pull(pctx)
		cancel()
		if err == nil || ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return msg, err
		}
		if id, age, ok := a.messenger.OldestPending(); ok && age >= a.opts.ResponseTimeout {
			return distributed.Message{}, errors.Wrapf(overlap.ErrResponseTimeout,
				"request %s unanswered after %s", id, age)
		}
	}
}

func (a *OverlapAccumulator) handleResponse(ctx context.Context, msg distributed.Message) error {
	side, err := overlap.ParseSide(msg.Metadata.Get(overlap.KeyOverlapType))
	if err != nil {
		return errors.Mark(err, distributed.ErrProtocol)
	}
	reqID := msg.Metadata.Get(overlap.KeyRequestID)
	waited, ok := a.messenger.Resolve(trackerFor(side), reqID)
	if !ok {
		return errors.Mark(errors.Newf("response to unknown or answered request %q", reqID), distributed.ErrProtocol)
	}
	metrics.OverlapWait.WithLabelValues(a.node, side.String()).Observe(waited.Seconds())

	a.mu.Lock()
	own, isOwn := a.own[reqID]
	delete(a.own, reqID)
	rl, isRelay := a.relays[reqID]
	delete(a.relays, reqID)
	a.mu.Unlock()

	switch {
	case isOwn:
		// A response is final: it holds every requested row or all there is.
		st, err := a.status.Combine(side, own.batch, msg.Record, true, a.need(side, own.batch))
		if err != nil {
			return errors.Mark(err, distributed.ErrProtocol)
		}
		a.transition(side, st)
		a.markReady(own.batch)
		return nil
	case isRelay:
		parts := rl.parts
		if msg.NumRows() > 0 {
			msg.Record.Retain()
			if side == overlap.Preceding {
				parts = append([]arrow.Record{msg.Record}, parts...)
			} else {
				parts = append(parts, msg.Record)
			}
		}
		return a.respond(ctx, side, rl.req, parts, msg.Metadata.Bool(overlap.KeyExhausted))
	default:
		return errors.Mark(errors.Newf("no state for request %q", reqID), distributed.ErrProtocol)
	}
}

func (a *OverlapAccumulator) drop(msg distributed.Message, err error) {
	a.logDrop(msg, err)
	msg.Release()
}

func (a *OverlapAccumulator) logDrop(msg distributed.Message, err error) {
	metrics.ProtocolDrops.WithLabelValues(a.node, "accumulator").Inc()
	a.kctx.Logger.Warn("dropping message", "message", msg.String(), "error", err)
}

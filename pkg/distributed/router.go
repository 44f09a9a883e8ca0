package distributed

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/metrics"
)

// Router drains a node's transport and pushes every message into the local
// cache named by its CacheID. It stops once every registered cache is
// finished, when the transport is closed, or when the graph is cancelled.
type Router struct {
	transport Transport
	registry  *cache.Registry[Message]
	dropped   atomic.Int64
}

// NewRouter creates a router delivering into registry.
func NewRouter(transport Transport, registry *cache.Registry[Message]) *Router {
	return &Router{transport: transport, registry: registry}
}

func (r *Router) Name() string { return "router" }

// Dropped returns the number of messages dropped as protocol errors.
// It is safe to call while the router runs.
func (r *Router) Dropped() int64 { return r.dropped.Load() }

func (r *Router) Run(ctx *kernel.Context) error {
	recvCtx, cancel := context.WithCancel(ctx.Ctx)
	defer cancel()

	ids := r.registry.IDs()
	go func() {
		for _, id := range ids {
			c, _ := r.registry.Get(id)
			select {
			case <-c.Done():
			case <-recvCtx.Done():
				return
			}
		}
		cancel()
	}()

	for {
		msg, err := r.transport.Receive(recvCtx)
		switch {
		case err == nil:
		case errors.Is(err, ErrTransportClosed):
			ctx.Logger.Debug("transport closed, router stopping")
			return nil
		case ctx.Ctx.Err() != nil:
			return ctx.Ctx.Err()
		case recvCtx.Err() != nil:
			ctx.Logger.Debug("all message caches finished, router stopping", "dropped", r.dropped.Load())
			return nil
		default:
			return errors.Wrap(err, "receive")
		}

		ctx.Metrics.BatchesIn.Add(1)
		ctx.Metrics.RowsIn.Add(msg.NumRows())
		if err := r.route(msg); err != nil {
			r.drop(ctx, msg, err)
			continue
		}
		ctx.Metrics.BatchesOut.Add(1)
		ctx.Metrics.RowsOut.Add(msg.NumRows())
		metrics.MessagesReceived.WithLabelValues(strconv.Itoa(ctx.NodeIndex), msg.CacheID).Inc()
	}
}

func (r *Router) route(msg Message) error {
	c, ok := r.registry.Get(msg.CacheID)
	if !ok {
		return protocolErrorf("unknown cache %q", msg.CacheID)
	}
	if err := c.Push(msg); err != nil {
		return errors.Mark(err, ErrProtocol)
	}
	return nil
}

func (r *Router) drop(ctx *kernel.Context, msg Message, err error) {
	r.dropped.Add(1)
	reason := "unknown_cache"
	if _, ok := r.registry.Get(msg.CacheID); ok {
		reason = "finished_cache"
	}
	metrics.ProtocolDrops.WithLabelValues(strconv.Itoa(ctx.NodeIndex), reason).Inc()
	ctx.Logger.Warn("dropping message", "message", msg.String(), "error", err)
	msg.Release()
}

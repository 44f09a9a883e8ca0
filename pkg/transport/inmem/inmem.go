// Package inmem connects the nodes of a cluster running in one process.
package inmem

import (
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/distributed"
)

// Network is a set of unbounded mailboxes, one per node. Delivery between any
// two endpoints is FIFO.
type Network struct {
	endpoints []*Endpoint
	alloc     memory.Allocator
	encode    bool
}

// Option configures a Network.
type Option func(*Network)

// WithWireEncoding makes every send round-trip through the wire codec, with
// decoded records allocated from alloc. It exercises the same path as the
// networked transports.
func WithWireEncoding(alloc memory.Allocator) Option {
	return func(n *Network) {
		n.encode = true
		n.alloc = alloc
	}
}

// NewNetwork creates a network of nodes endpoints.
func NewNetwork(nodes int, opts ...Option) *Network {
	n := &Network{}
	for _, o := range opts {
		o(n)
	}
	n.endpoints = make([]*Endpoint, nodes)
	for i := range n.endpoints {
		n.endpoints[i] = &Endpoint{
			net:     n,
			node:    i,
			mailbox: cache.New[distributed.Message]("mailbox"),
		}
	}
	return n
}

// Size returns the number of nodes.
func (n *Network) Size() int { return len(n.endpoints) }

// Endpoint returns node i's transport.
func (n *Network) Endpoint(i int) *Endpoint { return n.endpoints[i] }

// Close closes every endpoint.
func (n *Network) Close() {
	for _, e := range n.endpoints {
		e.Close()
	}
}

// Endpoint is one node's view of the network.
type Endpoint struct {
	net     *Network
	node    int
	mailbox *cache.Cache[distributed.Message]
	closed  atomic.Bool
}

var _ distributed.Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, msg distributed.Message) error {
	if e.closed.Load() {
		return distributed.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.TargetNode < 0 || msg.TargetNode >= len(e.net.endpoints) {
		return errors.Newf("inmem: no node %d", msg.TargetNode)
	}
	target := e.net.endpoints[msg.TargetNode]

	out, err := e.copyMessage(msg)
	if err != nil {
		return err
	}
	if err := target.mailbox.Push(out); err != nil {
		out.Release()
		return errors.Mark(errors.Wrapf(err, "inmem: node %d", msg.TargetNode), distributed.ErrTransportClosed)
	}
	return nil
}

func (e *Endpoint) copyMessage(msg distributed.Message) (distributed.Message, error) {
	if e.net.encode {
		b, err := distributed.Encode(msg)
		if err != nil {
			return distributed.Message{}, err
		}
		return distributed.Decode(e.net.alloc, b)
	}
	out := msg
	out.Metadata = msg.Metadata.Clone()
	if out.Record != nil {
		out.Record.Retain()
	}
	return out, nil
}

func (e *Endpoint) Receive(ctx context.Context) (distributed.Message, error) {
	msg, err := e.mailbox.Pull(ctx)
	if errors.Is(err, cache.ErrFinished) {
		return distributed.Message{}, distributed.ErrTransportClosed
	}
	return msg, err
}

// Close finishes the mailbox and releases undelivered messages.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mailbox.Finish()
	for _, m := range e.mailbox.Drain() {
		m.Release()
	}
	return nil
}

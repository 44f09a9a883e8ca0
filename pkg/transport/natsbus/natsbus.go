// Package natsbus carries node messages over NATS core subjects. Every node
// subscribes to <prefix>.<query>.<node> and publishes to its peers' subjects.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"

	"github.com/sandboxws/windist/pkg/distributed"
)

const (
	// DefaultPrefix is the subject prefix used when Config.Prefix is empty.
	DefaultPrefix  = "windist"
	defaultBacklog = 4096
)

// Config describes one node's NATS endpoint.
type Config struct {
	URL    string
	Prefix string
	Query  string
	Node   int
	// Backlog is the capacity of the channel subscription.
	Backlog int
}

// Transport is a distributed.Transport over NATS.
type Transport struct {
	cfg    Config
	alloc  memory.Allocator
	nc     *nats.Conn
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

var _ distributed.Transport = (*Transport)(nil)

// Subject returns the subject node listens on.
func Subject(prefix, query string, node int) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.%s.%d", prefix, query, node)
}

// Connect dials NATS and subscribes to this node's subject.
func Connect(cfg Config, alloc memory.Allocator, opts ...nats.Option) (*Transport, error) {
	if cfg.Query == "" {
		return nil, errors.New("natsbus: query id is required")
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	logger := slog.Default().With("component", "natsbus", "node", cfg.Node)

	base := []nats.Option{
		nats.Name(fmt.Sprintf("windist-%s-%d", cfg.Query, cfg.Node)),
		nats.MaxReconnects(-1),
		nats.PingInterval(3 * time.Second),
		nats.MaxPingsOutstanding(2),
		nats.RetryOnFailedConnect(true),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats subscription error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, append(base, opts...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "natsbus: connect %s", cfg.URL)
	}

	t := &Transport{
		cfg:    cfg,
		alloc:  alloc,
		nc:     nc,
		msgs:   make(chan *nats.Msg, cfg.Backlog),
		logger: logger,
		closed: make(chan struct{}),
	}
	subject := Subject(cfg.Prefix, cfg.Query, cfg.Node)
	t.sub, err = nc.ChanSubscribe(subject, t.msgs)
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(err, "natsbus: subscribe %s", subject)
	}
	// Make sure the server knows about the subscription before peers publish.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "natsbus: flush subscription")
	}
	logger.Info("subscribed", "subject", subject)
	return t, nil
}

func (t *Transport) Send(ctx context.Context, msg distributed.Message) error {
	select {
	case <-t.closed:
		return distributed.ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := distributed.Encode(msg)
	if err != nil {
		return err
	}
	subject := Subject(t.cfg.Prefix, t.cfg.Query, msg.TargetNode)
	if err := t.nc.Publish(subject, b); err != nil {
		return errors.Wrapf(err, "natsbus: publish %s", subject)
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (distributed.Message, error) {
	select {
	case m := <-t.msgs:
		msg, err := distributed.Decode(t.alloc, m.Data)
		if err != nil {
			return distributed.Message{}, errors.Wrapf(err, "natsbus: decode from %s", m.Subject)
		}
		return msg, nil
	case <-t.closed:
		return distributed.Message{}, distributed.ErrTransportClosed
	case <-ctx.Done():
		return distributed.Message{}, ctx.Err()
	}
}

// Close flushes pending publishes, unsubscribes and closes the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if ferr := t.nc.Flush(); ferr != nil && !errors.Is(ferr, nats.ErrConnectionClosed) {
			err = errors.Wrap(ferr, "natsbus: flush")
		}
		if uerr := t.sub.Unsubscribe(); uerr != nil && err == nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = errors.Wrap(uerr, "natsbus: unsubscribe")
		}
		t.nc.Close()
	})
	return err
}

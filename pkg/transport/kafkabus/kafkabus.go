// Package kafkabus carries node messages over a single Kafka topic. Node i
// owns partition i: peers produce to it and node i consumes it from the
// start.
package kafkabus

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/windist/pkg/distributed"
)

// Config describes one node's Kafka endpoint. The topic must exist with at
// least as many partitions as there are nodes.
type Config struct {
	Brokers []string
	Topic   string
	Query   string
	Node    int
}

// Transport is a distributed.Transport over Kafka.
type Transport struct {
	cfg     Config
	alloc   memory.Allocator
	client  *kgo.Client
	logger  *slog.Logger
	pending []distributed.Message
	closed  atomic.Bool
}

var _ distributed.Transport = (*Transport)(nil)

// Connect creates the Kafka client for one node.
func Connect(cfg Config, alloc memory.Allocator, opts ...kgo.Opt) (*Transport, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafkabus: brokers and topic are required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			cfg.Topic: {int32(cfg.Node): kgo.NewOffset().AtStart()},
		}),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "kafkabus: create client")
	}
	return &Transport{
		cfg:    cfg,
		alloc:  alloc,
		client: client,
		logger: slog.Default().With("component", "kafkabus", "node", cfg.Node, "topic", cfg.Topic),
	}, nil
}

func (t *Transport) Send(ctx context.Context, msg distributed.Message) error {
	if t.closed.Load() {
		return distributed.ErrTransportClosed
	}
	b, err := distributed.Encode(msg)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic:     t.cfg.Topic,
		Partition: int32(msg.TargetNode),
		Key:       []byte(t.cfg.Query),
		Value:     b,
	}
	if err := t.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errors.Wrapf(err, "kafkabus: produce to partition %d", msg.TargetNode)
	}
	return nil
}

// Receive returns the next message of this node's query. Records of other
// queries sharing the topic are skipped.
func (t *Transport) Receive(ctx context.Context) (distributed.Message, error) {
	for len(t.pending) == 0 {
		if t.closed.Load() {
			return distributed.Message{}, distributed.ErrTransportClosed
		}
		fetches := t.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return distributed.Message{}, distributed.ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return distributed.Message{}, err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			t.logger.Error("kafka fetch error", "partition", partition, "error", err)
		})

		var decodeErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if decodeErr != nil || !bytes.Equal(r.Key, []byte(t.cfg.Query)) {
				return
			}
			msg, err := distributed.Decode(t.alloc, r.Value)
			if err != nil {
				decodeErr = errors.Wrapf(err, "kafkabus: decode offset %d", r.Offset)
				return
			}
			t.pending = append(t.pending, msg)
		})
		if decodeErr != nil {
			return distributed.Message{}, decodeErr
		}
	}
	msg := t.pending[0]
	t.pending = t.pending[1:]
	return msg, nil
}

// Close closes the client and releases undelivered messages.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.client.Close()
	for _, m := range t.pending {
		m.Release()
	}
	t.pending = nil
	return nil
}

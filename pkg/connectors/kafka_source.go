package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/windist/pkg/kernel"
)

// KafkaConfig configures the Kafka source and sink connectors.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// Format of record values. Only "json" is supported.
	Format  string   `mapstructure:"format"`
	Columns []Column `mapstructure:"columns"`
	// StartupMode is "earliest" or "latest".
	StartupMode string `mapstructure:"startup_mode"`
	BatchSize   int    `mapstructure:"batch_size"`
	// MaxRows stops the source after that many rows; 0 reads until idle.
	MaxRows int64 `mapstructure:"max_rows"`
	// IdleTimeout ends the input when no record arrived for that long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// KeyBy lists the columns the sink encodes into the record key.
	KeyBy []string `mapstructure:"key_by"`
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: no brokers")
	}
	if c.Topic == "" {
		return errors.New("kafka: no topic")
	}
	if c.Format != "" && c.Format != "json" {
		return errors.Newf("kafka: unsupported format %q", c.Format)
	}
	return nil
}

// KafkaSource reads JSON rows from one partition of a topic. Node k reads
// partition k, so each node's input keeps the order it was produced in.
// The input ends after MaxRows rows or IdleTimeout without records.
type KafkaSource struct {
	cfg    KafkaConfig
	schema *arrow.Schema
	out    *kernel.BatchCache
}

// NewKafkaSource validates cfg and creates the source.
func NewKafkaSource(cfg KafkaConfig, out *kernel.BatchCache) (*KafkaSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	schema, err := BuildSchema(cfg.Columns)
	if err != nil {
		return nil, errors.Wrap(err, "kafka source")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	return &KafkaSource{cfg: cfg, schema: schema, out: out}, nil
}

func (k *KafkaSource) Name() string { return "kafka_source" }

// Schema returns the schema of the produced batches.
func (k *KafkaSource) Schema() *arrow.Schema { return k.schema }

func (k *KafkaSource) Run(ctx *kernel.Context) error {
	defer k.out.Finish()

	offset := kgo.NewOffset().AtStart()
	if k.cfg.StartupMode == "latest" || k.cfg.StartupMode == "latest-offset" {
		offset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			k.cfg.Topic: {int32(ctx.NodeIndex): offset},
		}),
	)
	if err != nil {
		return errors.Wrap(err, "kafka source: create client")
	}
	defer client.Close()

	var (
		buffer   []map[string]any
		total    int64
		lastSeen = time.Now()
	)
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		rec := jsonRowsToRecord(ctx.Alloc, k.schema, buffer)
		if err := k.out.Push(kernel.Batch{Record: rec}); err != nil {
			rec.Release()
			return err
		}
		ctx.Metrics.BatchesOut.Add(1)
		ctx.Metrics.RowsOut.Add(int64(len(buffer)))
		buffer = buffer[:0]
		return nil
	}
	limitReached := func() bool { return k.cfg.MaxRows > 0 && total >= k.cfg.MaxRows }

	for !limitReached() {
		pollCtx, cancel := context.WithTimeout(ctx.Ctx, k.cfg.IdleTimeout)
		fetches := client.PollFetches(pollCtx)
		cancel()
		if err := ctx.Ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.DeadlineExceeded) {
				ctx.Logger.Error("kafka fetch error", "topic", topic, "partition", partition, "error", err)
			}
		})

		var got int
		fetches.EachRecord(func(rec *kgo.Record) {
			if limitReached() {
				return
			}
			dec := json.NewDecoder(bytes.NewReader(rec.Value))
			dec.UseNumber()
			var row map[string]any
			if err := dec.Decode(&row); err != nil {
				ctx.Logger.Warn("kafka json decode error", "offset", rec.Offset, "error", err)
				return
			}
			buffer = append(buffer, row)
			total++
			got++
		})
		ctx.Metrics.RowsIn.Add(int64(got))

		for len(buffer) >= k.cfg.BatchSize {
			rest := append([]map[string]any(nil), buffer[k.cfg.BatchSize:]...)
			buffer = buffer[:k.cfg.BatchSize]
			if err := flush(); err != nil {
				return err
			}
			buffer = rest
		}

		if got > 0 {
			lastSeen = time.Now()
		} else if time.Since(lastSeen) >= k.cfg.IdleTimeout {
			break
		}
	}
	if err := flush(); err != nil {
		return err
	}
	ctx.Logger.Info("kafka source finished", "topic", k.cfg.Topic, "rows", total)
	return nil
}

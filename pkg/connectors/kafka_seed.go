package connectors

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// generatorRow is the JSON form of one SortedGenerator row, readable by a
// KafkaSource declaring part bigint, ts timestamp_ms and value double.
type generatorRow struct {
	Part  int64   `json:"part"`
	TS    int64   `json:"ts"`
	Value float64 `json:"value"`
}

// SeedKafka writes the generator dataset to cfg.Topic so that partition i
// holds node i's sorted slice. The topic needs at least nodes partitions.
// It returns the number of records produced.
func SeedKafka(ctx context.Context, cfg KafkaConfig, gen GeneratorConfig, nodes int) (int64, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return 0, errors.New("kafka seed: brokers and topic are required")
	}
	if nodes < 1 {
		return 0, errors.Newf("kafka seed: need at least one node, got %d", nodes)
	}
	gen.AllRows = false
	g, err := NewSortedGenerator(gen, nil)
	if err != nil {
		return 0, err
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.MaxBufferedRecords(100_000),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return 0, errors.Wrap(err, "kafka seed: create client")
	}
	defer client.Close()

	var (
		sent    atomic.Int64
		failure atomic.Pointer[error]
	)
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-reportCtx.Done():
				return
			case <-ticker.C:
				cur := sent.Load()
				slog.Info("seed throughput", "rows/sec", cur-last, "total", cur)
				last = cur
			}
		}
	}()

	var tick <-chan time.Time
	if gen.RowsPerSecond > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) * float64(g.cfg.BatchSize) / float64(gen.RowsPerSecond)))
		defer ticker.Stop()
		tick = ticker.C
	}

	var produced int64
	for node := 0; node < nodes; node++ {
		lo, hi := g.Slice(node, nodes)
		for row := lo; row < hi; row++ {
			if tick != nil && (row-lo)%int64(g.cfg.BatchSize) == 0 {
				select {
				case <-ctx.Done():
					return produced, ctx.Err()
				case <-tick:
				}
			}
			if errp := failure.Load(); errp != nil {
				return produced, *errp
			}
			rec, err := g.kafkaRecord(row, int32(node))
			if err != nil {
				return produced, err
			}
			client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
				if err != nil {
					failure.CompareAndSwap(nil, &err)
					return
				}
				sent.Add(1)
			})
			produced++
		}
	}
	if err := client.Flush(ctx); err != nil {
		return produced, errors.Wrap(err, "kafka seed: flush")
	}
	if errp := failure.Load(); errp != nil {
		return produced, errors.Wrap(*errp, "kafka seed: produce")
	}
	slog.Info("seed finished", "topic", cfg.Topic, "rows", produced, "partitions", nodes)
	return produced, nil
}

// kafkaRecord encodes global row i for partition, keyed by its partition
// column.
func (g *SortedGenerator) kafkaRecord(i int64, partition int32) (*kgo.Record, error) {
	part, ts, value := g.Row(i)
	b, err := json.Marshal(generatorRow{Part: part, TS: int64(ts), Value: value})
	if err != nil {
		return nil, errors.Wrapf(err, "encode row %d", i)
	}
	return &kgo.Record{
		Key:       []byte(strconv.FormatInt(part, 10)),
		Value:     b,
		Partition: partition,
	}, nil
}

package connectors

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/kernels"
)

// KafkaSink produces every output row as a JSON object to a topic.
type KafkaSink struct {
	cfg KafkaConfig
	in  *kernel.BatchCache
}

// NewKafkaSink validates cfg and creates the sink.
func NewKafkaSink(cfg KafkaConfig, in *kernel.BatchCache) (*KafkaSink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &KafkaSink{cfg: cfg, in: in}, nil
}

func (k *KafkaSink) Name() string { return "kafka_sink" }

func (k *KafkaSink) Run(ctx *kernel.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.DefaultProduceTopic(k.cfg.Topic),
	)
	if err != nil {
		return errors.Wrap(err, "kafka sink: create client")
	}
	defer client.Close()

	return kernels.NewSink(k.Name(), k.in, func(ctx *kernel.Context, b kernel.Batch) error {
		recs, err := k.encode(b)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		return client.ProduceSync(ctx.Ctx, recs...).FirstErr()
	}).Run(ctx)
}

// encode turns each row of b into a Kafka record.
func (k *KafkaSink) encode(b kernel.Batch) ([]*kgo.Record, error) {
	if b.Record == nil {
		return nil, nil
	}
	batch := b.Record
	schema := batch.Schema()
	out := make([]*kgo.Record, 0, batch.NumRows())
	for row := 0; row < int(batch.NumRows()); row++ {
		obj := make(map[string]any, schema.NumFields())
		for col := 0; col < schema.NumFields(); col++ {
			obj[schema.Field(col).Name] = rowValue(batch.Column(col), row)
		}
		value, err := json.Marshal(obj)
		if err != nil {
			return nil, errors.Wrapf(err, "kafka sink: marshal row %d", row)
		}
		rec := &kgo.Record{Value: value}
		if len(k.cfg.KeyBy) > 0 {
			key := make(map[string]any, len(k.cfg.KeyBy))
			for _, c := range k.cfg.KeyBy {
				key[c] = obj[c]
			}
			if rec.Key, err = json.Marshal(key); err != nil {
				return nil, errors.Wrapf(err, "kafka sink: marshal key of row %d", row)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

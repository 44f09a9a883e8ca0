package commands

import (
	"io"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cluster"
	"github.com/sandboxws/windist/pkg/config"
	"github.com/sandboxws/windist/pkg/connectors"
	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/duckdb"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/transport/kafkabus"
	"github.com/sandboxws/windist/pkg/transport/natsbus"
	"github.com/sandboxws/windist/pkg/window"
)

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, c config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, errors.Wrapf(err, "log.level %q", c.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.Newf("unknown log.format %q", c.Format)
	}
}

// loadConfig reads the config and installs its logger as the default.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(stderr, c.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return c, nil
}

// clusterConfig resolves everything a node needs besides its transport. The
// returned close function releases the evaluator.
func clusterConfig(c *config.Config, alloc memory.Allocator) (cluster.Config, func(), error) {
	spec, err := c.WindowSpec()
	if err != nil {
		return cluster.Config{}, nil, err
	}
	cfg := cluster.Config{
		Query:       c.Query.ID,
		Window:      spec,
		Accumulator: c.AccumulatorOptions(),
		Scatter:     c.ClusterScatter(),
	}
	closeFn := func() {}
	if c.Evaluator == "duckdb" {
		ev, err := duckdb.NewWindowEvaluator(alloc, 0)
		if err != nil {
			return cluster.Config{}, nil, err
		}
		cfg.Evaluator = ev
		closeFn = func() { _ = ev.Close() }
	} else {
		cfg.Evaluator = window.NewNativeEvaluator()
	}
	return cfg, closeFn, nil
}

func sourceFactory(c *config.Config) cluster.SourceFactory {
	return func(_ int, out *kernel.BatchCache) (kernel.Kernel, error) {
		switch c.Source.Kind {
		case "kafka":
			src, err := connectors.NewKafkaSource(c.Source.Kafka, out)
			if err != nil {
				return nil, err
			}
			return src, nil
		default:
			gen := c.Source.Generator
			// The coordinator reads the whole dataset and scatters it.
			gen.AllRows = c.Scatter.Enabled
			src, err := connectors.NewSortedGenerator(gen, out)
			if err != nil {
				return nil, err
			}
			return src, nil
		}
	}
}

func sinkFactory(c *config.Config, console *connectors.Console) cluster.SinkFactory {
	return func(_ int, in *kernel.BatchCache) (kernel.Kernel, error) {
		switch c.Sink.Kind {
		case "kafka":
			sk, err := connectors.NewKafkaSink(c.Sink.Kafka, in)
			if err != nil {
				return nil, err
			}
			return sk, nil
		default:
			return console.Sink(in), nil
		}
	}
}

func newTransport(c *config.Config, alloc memory.Allocator) (distributed.Transport, error) {
	switch c.Transport.Kind {
	case "nats":
		t, err := natsbus.Connect(c.NATS(), alloc)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "kafka":
		t, err := kafkabus.Connect(c.Kafka(), alloc)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, errors.Newf("transport %q cannot connect separate processes; use simulate", c.Transport.Kind)
	}
}

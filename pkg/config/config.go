// Package config loads the configuration of a windist node from a YAML or
// JSON file with WINDIST_* environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/sandboxws/windist/pkg/cluster"
	"github.com/sandboxws/windist/pkg/connectors"
	"github.com/sandboxws/windist/pkg/kernels"
	"github.com/sandboxws/windist/pkg/transport/kafkabus"
	"github.com/sandboxws/windist/pkg/transport/natsbus"
	"github.com/sandboxws/windist/pkg/window"
)

// EnvPrefix prefixes every environment override, e.g. WINDIST_NODE_INDEX.
const EnvPrefix = "WINDIST"

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Query     QueryConfig     `mapstructure:"query"`
	Transport TransportConfig `mapstructure:"transport"`
	Overlap   OverlapConfig   `mapstructure:"overlap"`
	Source    SourceConfig    `mapstructure:"source"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Scatter   ScatterConfig   `mapstructure:"scatter"`
	// Evaluator is "native" or "duckdb".
	Evaluator string        `mapstructure:"evaluator"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Log       LogConfig     `mapstructure:"log"`
}

type NodeConfig struct {
	Index int `mapstructure:"index"`
	Count int `mapstructure:"count"`
}

// QueryConfig names the query and defines its window, either as SQL or as
// explicit options. SQL wins when both are set.
type QueryConfig struct {
	ID     string        `mapstructure:"id"`
	SQL    string        `mapstructure:"sql"`
	Window WindowOptions `mapstructure:"window"`
}

// WindowOptions is the explicit form of a window definition.
type WindowOptions struct {
	PartitionBy   []string          `mapstructure:"partition_by"`
	OrderBy       []string          `mapstructure:"order_by"`
	FrameType     string            `mapstructure:"frame_type"`
	Preceding     int64             `mapstructure:"preceding_value"`
	Following     int64             `mapstructure:"following_value"`
	Aggregates    []AggregateConfig `mapstructure:"aggregates"`
	RemoveOverlap bool              `mapstructure:"remove_overlap"`
	Where         string            `mapstructure:"where"`
}

type AggregateConfig struct {
	Kind   string `mapstructure:"kind"`
	Column string `mapstructure:"column"`
	Expr   string `mapstructure:"expr"`
	// Offset is the LAG/LEAD offset; nil means the default of 1.
	Offset *int64 `mapstructure:"offset"`
	Output string `mapstructure:"output"`
}

// TransportConfig selects how nodes reach each other.
type TransportConfig struct {
	// Kind is "inmem", "nats" or "kafka". inmem only works for simulate.
	Kind  string      `mapstructure:"kind"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	// WireEncoding makes the in-memory transport encode messages.
	WireEncoding bool `mapstructure:"wire_encoding"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type OverlapConfig struct {
	OrderedOutput   bool          `mapstructure:"ordered_output"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type SourceConfig struct {
	// Kind is "generator" or "kafka".
	Kind      string                     `mapstructure:"kind"`
	Generator connectors.GeneratorConfig `mapstructure:"generator"`
	Kafka     connectors.KafkaConfig     `mapstructure:"kafka"`
}

type SinkConfig struct {
	// Kind is "console" or "kafka".
	Kind    string                 `mapstructure:"kind"`
	MaxRows int                    `mapstructure:"max_rows"`
	Kafka   connectors.KafkaConfig `mapstructure:"kafka"`
}

// ScatterConfig routes the input through one coordinator node, which splits
// it by Key at Splits.
type ScatterConfig struct {
	Enabled     bool      `mapstructure:"enabled"`
	Coordinator int       `mapstructure:"coordinator"`
	Key         string    `mapstructure:"key"`
	Splits      []float64 `mapstructure:"splits"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"node.index":                       0,
	"node.count":                       1,
	"query.id":                         "windist",
	"query.sql":                        "",
	"query.window.frame_type":          "ROWS",
	"query.window.preceding_value":     0,
	"query.window.following_value":     0,
	"query.window.remove_overlap":      true,
	"query.window.where":               "",
	"transport.kind":                   "inmem",
	"transport.wire_encoding":          false,
	"transport.nats.url":               "nats://127.0.0.1:4222",
	"transport.nats.prefix":            natsbus.DefaultPrefix,
	"transport.kafka.topic":            "windist",
	"overlap.ordered_output":           true,
	"overlap.response_timeout":         time.Duration(0),
	"source.kind":                      "generator",
	"source.generator.rows":            10000,
	"source.generator.partitions":      10,
	"source.generator.batch_size":      1024,
	"source.generator.rows_per_second": 0,
	"source.kafka.format":              "json",
	"source.kafka.startup_mode":        "earliest",
	"source.kafka.idle_timeout":        5 * time.Second,
	"sink.kind":                        "console",
	"sink.max_rows":                    20,
	"scatter.enabled":                  false,
	"scatter.coordinator":              0,
	"scatter.key":                      "",
	"evaluator":                        "native",
	"metrics.addr":                     "",
	"log.level":                        "info",
	"log.format":                       "text",
}

// Load reads path (if non-empty) and applies environment overrides on top
// of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings that do not depend on the window definition.
func (c *Config) Validate() error {
	if c.Node.Count < 1 {
		return errors.Newf("node.count must be at least 1, got %d", c.Node.Count)
	}
	if c.Node.Index < 0 || c.Node.Index >= c.Node.Count {
		return errors.Newf("node.index %d outside cluster of %d", c.Node.Index, c.Node.Count)
	}
	switch c.Transport.Kind {
	case "inmem", "nats", "kafka":
	default:
		return errors.Newf("unknown transport.kind %q", c.Transport.Kind)
	}
	switch c.Source.Kind {
	case "generator", "kafka":
	default:
		return errors.Newf("unknown source.kind %q", c.Source.Kind)
	}
	switch c.Sink.Kind {
	case "console", "kafka":
	default:
		return errors.Newf("unknown sink.kind %q", c.Sink.Kind)
	}
	switch c.Evaluator {
	case "native", "duckdb":
	default:
		return errors.Newf("unknown evaluator %q", c.Evaluator)
	}
	if c.Overlap.ResponseTimeout < 0 {
		return errors.Newf("negative overlap.response_timeout %s", c.Overlap.ResponseTimeout)
	}
	return nil
}

// WindowSpec returns the validated window definition of the query.
func (c *Config) WindowSpec() (*window.Spec, error) {
	var (
		spec *window.Spec
		err  error
	)
	if strings.TrimSpace(c.Query.SQL) != "" {
		spec, err = window.Parse(c.Query.SQL)
	} else {
		spec, err = c.Query.Window.spec()
	}
	if err != nil {
		return nil, err
	}
	spec.RemoveOverlap = c.Query.Window.RemoveOverlap
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (w WindowOptions) spec() (*window.Spec, error) {
	frame, err := window.ParseFrameType(w.FrameType)
	if err != nil {
		return nil, err
	}
	s := &window.Spec{
		PartitionBy: w.PartitionBy,
		Frame:       frame,
		Preceding:   w.Preceding,
		Following:   w.Following,
		Where:       w.Where,
	}
	for _, o := range w.OrderBy {
		fields := strings.Fields(o)
		if len(fields) == 0 {
			continue
		}
		key := window.OrderKey{Column: fields[0]}
		if len(fields) > 1 && strings.EqualFold(fields[1], "DESC") {
			key.Desc = true
		}
		s.OrderBy = append(s.OrderBy, key)
	}
	for i, a := range w.Aggregates {
		kind, err := window.ParseAggregateKind(a.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "aggregate %d", i)
		}
		agg := window.Aggregate{Kind: kind, Column: a.Column, Expr: a.Expr, Output: a.Output}
		if a.Offset != nil {
			agg.Offset, agg.HasOffset = *a.Offset, true
		}
		s.Aggregates = append(s.Aggregates, agg)
	}
	return s, nil
}

// AccumulatorOptions returns the overlap protocol options.
func (c *Config) AccumulatorOptions() kernels.AccumulatorOptions {
	return kernels.AccumulatorOptions{
		OrderedOutput:   c.Overlap.OrderedOutput,
		ResponseTimeout: c.Overlap.ResponseTimeout,
	}
}

// ClusterScatter returns the scatter front end, or nil when disabled.
func (c *Config) ClusterScatter() *cluster.ScatterConfig {
	if !c.Scatter.Enabled {
		return nil
	}
	return &cluster.ScatterConfig{Coordinator: c.Scatter.Coordinator, Key: c.Scatter.Key, Splits: c.Scatter.Splits}
}

// NATS returns the NATS transport settings of this node.
func (c *Config) NATS() natsbus.Config {
	return natsbus.Config{
		URL:    c.Transport.NATS.URL,
		Prefix: c.Transport.NATS.Prefix,
		Query:  c.Query.ID,
		Node:   c.Node.Index,
	}
}

// Kafka returns the Kafka transport settings of this node.
func (c *Config) Kafka() kafkabus.Config {
	return kafkabus.Config{
		Brokers: c.Transport.Kafka.Brokers,
		Topic:   c.Transport.Kafka.Topic,
		Query:   c.Query.ID,
		Node:    c.Node.Index,
	}
}

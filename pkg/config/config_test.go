package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/windist/pkg/window"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0, c.Node.Index)
	assert.Equal(t, 1, c.Node.Count)
	assert.Equal(t, "windist", c.Query.ID)
	assert.Equal(t, "inmem", c.Transport.Kind)
	assert.True(t, c.Overlap.OrderedOutput)
	assert.Zero(t, c.Overlap.ResponseTimeout)
	assert.Equal(t, "native", c.Evaluator)
	assert.Equal(t, int64(10000), c.Source.Generator.Rows)
	assert.Equal(t, 5*time.Second, c.Source.Kafka.IdleTimeout)
	assert.Nil(t, c.ClusterScatter())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node:
  index: 2
  count: 4
query:
  id: q7
  sql: |
    SELECT SUM(value) OVER (PARTITION BY part ORDER BY ts
      ROWS BETWEEN 3 PRECEDING AND 1 FOLLOWING) AS s FROM input
transport:
  kind: nats
  nats:
    url: nats://nats:4222
overlap:
  ordered_output: false
  response_timeout: 2s
scatter:
  enabled: true
  coordinator: 1
  key: ts
  splits: [10, 20, 30]
source:
  kind: kafka
  kafka:
    brokers: [kafka:9092]
    topic: events
    columns:
      - name: part
        type: bigint
      - name: ts
        type: timestamp
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Node.Index)
	assert.Equal(t, 4, c.Node.Count)
	assert.False(t, c.Overlap.OrderedOutput)
	assert.Equal(t, 2*time.Second, c.AccumulatorOptions().ResponseTimeout)
	assert.Len(t, c.Source.Kafka.Columns, 2)
	assert.Equal(t, "bigint", c.Source.Kafka.Columns[0].Type)

	nc := c.NATS()
	assert.Equal(t, "nats://nats:4222", nc.URL)
	assert.Equal(t, "q7", nc.Query)
	assert.Equal(t, 2, nc.Node)

	sc := c.ClusterScatter()
	require.NotNil(t, sc)
	assert.Equal(t, 1, sc.Coordinator)
	assert.Equal(t, []float64{10, 20, 30}, sc.Splits)

	spec, err := c.WindowSpec()
	require.NoError(t, err)
	assert.Equal(t, int64(3), spec.Preceding)
	assert.Equal(t, int64(1), spec.Following)
	assert.True(t, spec.RemoveOverlap)
	assert.Equal(t, []string{"part"}, spec.PartitionBy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WINDIST_NODE_COUNT", "3")
	t.Setenv("WINDIST_NODE_INDEX", "1")
	t.Setenv("WINDIST_TRANSPORT_KIND", "kafka")
	t.Setenv("WINDIST_OVERLAP_RESPONSE_TIMEOUT", "750ms")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Node.Index)
	assert.Equal(t, 3, c.Node.Count)
	assert.Equal(t, "kafka", c.Transport.Kind)
	assert.Equal(t, 750*time.Millisecond, c.Overlap.ResponseTimeout)
	assert.Equal(t, 1, c.Kafka().Node)
}

func TestWindowOptions(t *testing.T) {
	path := writeFile(t, "node.json", `{
  "query": {
    "window": {
      "partition_by": ["part"],
      "order_by": ["ts DESC"],
      "frame_type": "ROWS",
      "preceding_value": 2,
      "following_value": 0,
      "remove_overlap": false,
      "aggregates": [
        {"kind": "lag", "column": "value", "offset": 4, "output": "prev"},
        {"kind": "count", "output": "n"}
      ]
    }
  }
}`)
	c, err := Load(path)
	require.NoError(t, err)

	spec, err := c.WindowSpec()
	require.NoError(t, err)
	assert.False(t, spec.RemoveOverlap)
	require.Len(t, spec.OrderBy, 1)
	assert.Equal(t, window.OrderKey{Column: "ts", Desc: true}, spec.OrderBy[0])
	require.Len(t, spec.Aggregates, 2)
	assert.Equal(t, window.Lag, spec.Aggregates[0].Kind)
	assert.True(t, spec.Aggregates[0].HasOffset)
	assert.Equal(t, int64(4), spec.Aggregates[0].Offset)
	assert.Equal(t, window.Count, spec.Aggregates[1].Kind)
	assert.False(t, spec.Aggregates[1].HasOffset)
}

func TestWindowSpecRejectsBadOptions(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	c.Query.Window.Preceding = -1
	c.Query.Window.OrderBy = []string{"ts"}
	c.Query.Window.Aggregates = []AggregateConfig{{Kind: "sum", Column: "value"}}
	_, err = c.WindowSpec()
	require.Error(t, err)
	assert.True(t, errors.Is(err, window.ErrConfiguration))

	c.Query.Window.Preceding = 0
	c.Query.Window.Aggregates = []AggregateConfig{{Kind: "median", Column: "value"}}
	_, err = c.WindowSpec()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"index out of range": func(c *Config) { c.Node.Index = 5 },
		"zero nodes":         func(c *Config) { c.Node.Count = 0 },
		"transport":          func(c *Config) { c.Transport.Kind = "udp" },
		"source":             func(c *Config) { c.Source.Kind = "file" },
		"sink":               func(c *Config) { c.Sink.Kind = "s3" },
		"evaluator":          func(c *Config) { c.Evaluator = "spark" },
		"timeout":            func(c *Config) { c.Overlap.ResponseTimeout = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			c, err := Load("")
			require.NoError(t, err)
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/windist/pkg/config"
)

const testQuery = `SELECT SUM(value) OVER w AS total, LAG(value, 4) OVER w AS prev FROM input
WINDOW w AS (PARTITION BY part ORDER BY ts ROWS BETWEEN 2 PRECEDING AND 1 FOLLOWING)`

func TestRootHelp(t *testing.T) {
	b := new(bytes.Buffer)
	rootCmd.SetOut(b)
	rootCmd.SetArgs([]string{"help"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, b.String(), "Available Commands")
	for _, name := range []string{"run", "simulate", "parse", "produce"} {
		assert.Contains(t, b.String(), name)
	}
}

func TestParseCommand(t *testing.T) {
	cmd := NewParseCommand()
	b := new(bytes.Buffer)
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--duckdb", testQuery})
	require.NoError(t, cmd.Execute())

	out := b.String()
	assert.Contains(t, out, "partition_by:    part")
	assert.Contains(t, out, "preceding_value: 2")
	assert.Contains(t, out, "overlap:         4 preceding, 1 following")
	assert.Contains(t, out, "total = SUM(value)")
	assert.Contains(t, out, "prev = LAG(value) offset 4")
	assert.Contains(t, out, "duckdb:          SELECT")
}

func TestParseCommandRejectsBadQuery(t *testing.T) {
	cmd := NewParseCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"SELECT value FROM input"})
	assert.Error(t, cmd.Execute())
}

func TestSimulateCommand(t *testing.T) {
	t.Setenv("WINDIST_QUERY_SQL", testQuery)
	t.Setenv("WINDIST_SOURCE_GENERATOR_ROWS", "200")
	t.Setenv("WINDIST_SOURCE_GENERATOR_PARTITIONS", "3")
	t.Setenv("WINDIST_SOURCE_GENERATOR_BATCH_SIZE", "16")
	t.Setenv("WINDIST_SINK_MAX_ROWS", "1")
	t.Setenv("WINDIST_LOG_LEVEL", "error")

	cmd := NewSimulateCommand()
	b := new(bytes.Buffer)
	cmd.SetOut(b)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--nodes", "3", "--wire"})
	require.NoError(t, cmd.Execute())

	out := b.String()
	assert.Contains(t, out, "node 0 batch 0")
	assert.Contains(t, out, "node 2 batch 0")
	assert.Contains(t, out, "total")
}

func TestRunCommandRejectsInmem(t *testing.T) {
	t.Setenv("WINDIST_QUERY_SQL", testQuery)
	t.Setenv("WINDIST_LOG_LEVEL", "error")
	cmd := NewRunCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use simulate")
}

func TestNewLogger(t *testing.T) {
	b := new(bytes.Buffer)
	logger, err := newLogger(b, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, b.String(), "hidden")
	assert.Contains(t, b.String(), `"msg":"shown"`)

	_, err = newLogger(b, config.LogConfig{Format: "xml"})
	assert.Error(t, err)
	_, err = newLogger(b, config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

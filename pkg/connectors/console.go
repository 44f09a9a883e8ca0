package connectors

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/kernels"
	"github.com/sandboxws/windist/pkg/overlap"
)

// Console prints output batches as formatted tables. One Console may be
// shared by the sinks of several nodes; writes are serialized.
type Console struct {
	maxRows int
	mu      sync.Mutex
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console printing at most maxRows rows per batch
// (0 prints all rows).
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

// Rows returns the number of rows written so far.
func (c *Console) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Sink returns a sink kernel printing every batch of in.
func (c *Console) Sink(in *kernel.BatchCache) *kernels.Sink {
	return kernels.NewSink("console", in, func(ctx *kernel.Context, b kernel.Batch) error {
		return c.WriteBatch(b)
	})
}

// WriteBatch prints one batch with a header line naming its origin.
func (c *Console) WriteBatch(b kernel.Batch) error {
	if b.Record == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := b.Record
	schema := batch.Schema()
	numCols := schema.NumFields()
	numRows := int(batch.NumRows())
	if c.maxRows > 0 && numRows > c.maxRows {
		numRows = c.maxRows
	}

	fmt.Fprintf(c.writer, "node %s batch %s (%d rows)\n",
		b.Meta.Get(overlap.KeyNode), b.Meta.Get(overlap.KeyBatchIndex), batch.NumRows())

	widths := make([]int, numCols)
	for i := 0; i < numCols; i++ {
		widths[i] = len(schema.Field(i).Name)
	}
	for row := 0; row < numRows; row++ {
		for col := 0; col < numCols; col++ {
			if v := formatValue(batch.Column(col), row); len(v) > widths[col] {
				widths[col] = len(v)
			}
		}
	}

	c.printHeader(schema, widths)
	c.printSeparator(widths)
	for row := 0; row < numRows; row++ {
		c.printDataRow(batch, widths, row)
	}

	if int(batch.NumRows()) > numRows {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", int(batch.NumRows())-numRows)
	}
	fmt.Fprintln(c.writer)

	c.count += batch.NumRows()
	return nil
}

func (c *Console) printHeader(schema *arrow.Schema, widths []int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for i := 0; i < schema.NumFields(); i++ {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(schema.Field(i).Name, widths[i]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printSeparator(widths []int) {
	var sb strings.Builder
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printDataRow(batch arrow.Record, widths []int, row int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for col := 0; col < int(batch.NumCols()); col++ {
		if col > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(formatValue(batch.Column(col), row), widths[col]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Int32:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Uint64:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.Float32:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		if a.Value(row) {
			return "true"
		}
		return "false"
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit).UTC().Format(time.RFC3339Nano)
	default:
		return "?"
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

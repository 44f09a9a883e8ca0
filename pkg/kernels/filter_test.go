package kernels

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/window"
)

func TestFilterKeepsMatchingRows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	in := feed(t, alloc, 6, 3, 4)
	out := cache.New[kernel.Batch]("filtered")
	f, err := NewFilter("(id < 3 OR id > 5) AND id < 9", in, out)
	require.NoError(t, err)
	kctx := kernel.NewContext(context.Background(), alloc, "filter", f.Name())
	require.NoError(t, f.Run(kctx))
	assert.True(t, out.Finished())

	got := out.Drain()
	defer func() {
		for _, b := range got {
			b.Release()
		}
	}()
	// Emptied batches are still forwarded.
	require.Len(t, got, 3)
	assert.Equal(t, []int64{0, 1, 2}, int64Column(got[0].Record, "id"))
	assert.Equal(t, []int64{6, 7, 8}, int64Column(got[1].Record, "id"))
	assert.Equal(t, int64(0), got[2].Record.NumRows())
	assert.Equal(t, int64(13), kctx.Metrics.RowsIn.Load())
	assert.Equal(t, int64(6), kctx.Metrics.RowsOut.Load())
}

func TestFilterRejectsNonBoolean(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	in := feed(t, alloc, 2)
	out := cache.New[kernel.Batch]("filtered")
	f, err := NewFilter("id + 1", in, out)
	require.NoError(t, err)
	err = f.Run(kernel.NewContext(context.Background(), alloc, "filter", f.Name()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, window.ErrConfiguration))
	for _, b := range in.Drain() {
		b.Release()
	}

	_, err = NewFilter("id >", in, out)
	assert.True(t, errors.Is(err, window.ErrConfiguration))
}

package kernels

import (
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/graph"
	"github.com/sandboxws/windist/pkg/overlap"
)

func checkAssembly(t *testing.T, l layout, spec overlap.Spec, res *clusterResult) {
	t.Helper()
	want := expectedAssembly(l, spec)
	for node := range l {
		require.NoError(t, res.errs[node], "node %d", node)
		got := res.outputs[node]
		require.Len(t, got, len(want[node]), "node %d", node)
		for i, b := range got {
			assert.Equal(t, int64(i), b.Meta.IntOr(overlap.KeyBatchIndex, -1), "node %d", node)
			assert.Equal(t, int64(node), b.Meta.IntOr(overlap.KeyNode, -1))
			assert.Equal(t, want[node][i][0], int64Column(b.Record, "id"), "node %d batch %d ids", node, i)
			assert.Equal(t, want[node][i][1], b.Meta.IntOr(overlap.KeyPrecedingRows, -1), "node %d batch %d preceding", node, i)
			assert.Equal(t, want[node][i][2], b.Meta.IntOr(overlap.KeyFollowingRows, -1), "node %d batch %d following", node, i)
		}
	}
}

func TestAccumulatorThreeNodeCascade(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{2, 2}, {2, 2}, {2, 2}}
	spec := overlap.Spec{Preceding: 3}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{spec: spec, opts: DefaultAccumulatorOptions()})
	defer res.release()

	checkAssembly(t, l, spec, res)
	// Node 2 batch 0 borrows node 1's last three rows.
	assert.Equal(t, []int64{5, 6, 7, 8, 9}, int64Column(res.outputs[2][0].Record, "id"))
	assert.Equal(t, int64(3), res.outputs[2][0].Meta.IntOr(overlap.KeyPrecedingRows, 0))
	// Node 0 batch 0 sits at the dataset edge.
	assert.Equal(t, int64(0), res.outputs[0][0].Meta.IntOr(overlap.KeyPrecedingRows, -1))
}

func TestAccumulatorFirstNodeSendsNoPrecedingRequest(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{3, 3}, {3}}
	spec := overlap.Spec{Preceding: 2, Following: 2}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{spec: spec, opts: DefaultAccumulatorOptions()})
	defer res.release()
	checkAssembly(t, l, spec, res)

	for _, env := range res.transports[0].envelopes() {
		assert.False(t, strings.HasPrefix(env.MessageID, overlap.PrecedingRequest), "node 0 sent %s", env.MessageID)
	}
	for _, env := range res.transports[1].envelopes() {
		assert.False(t, strings.HasPrefix(env.MessageID, overlap.FollowingRequest), "last node sent %s", env.MessageID)
	}
}

func TestAccumulatorRelaysAcrossNodes(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	// One-row nodes and an empty node force requests to travel several hops
	// in both directions.
	l := layout{{1}, {1}, {}, {1}, {2, 1}}
	spec := overlap.Spec{Preceding: 3, Following: 3}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{
		spec: spec, opts: DefaultAccumulatorOptions(), wire: true,
	})
	defer res.release()
	checkAssembly(t, l, spec, res)

	var relays int
	for _, tr := range res.transports {
		for _, env := range tr.envelopes() {
			if env.Kind == distributed.KindRequest && env.Metadata.Bool(overlap.KeyRelay) {
				relays++
			}
		}
	}
	assert.Greater(t, relays, 0)
}

func TestAccumulatorManyBatches(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{5, 1, 7, 2}, {3, 3, 3}, {1, 1, 1, 1, 1, 1}, {10}}
	spec := overlap.Spec{Preceding: 4, Following: 6}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{spec: spec, opts: DefaultAccumulatorOptions()})
	defer res.release()
	checkAssembly(t, l, spec, res)
}

func TestAccumulatorUnorderedOutput(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{2, 2, 2}, {2, 2}}
	spec := overlap.Spec{Preceding: 3, Following: 1}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{spec: spec, opts: AccumulatorOptions{}})
	defer res.release()
	for _, out := range res.outputs {
		sortByBatchIndex(out)
	}
	checkAssembly(t, l, spec, res)
}

func TestAccumulatorZeroOverlap(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{2}, {2, 2}}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{opts: DefaultAccumulatorOptions()})
	defer res.release()
	checkAssembly(t, l, overlap.Spec{}, res)
	for _, tr := range res.transports {
		for _, env := range tr.envelopes() {
			assert.Equal(t, distributed.KindControl, env.Kind, "unexpected %s", env.MessageID)
		}
	}
}

func TestAccumulatorResponseTimeout(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{2}, {2}}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{
		spec:      overlap.Spec{Preceding: 1},
		opts:      AccumulatorOptions{OrderedOutput: true, ResponseTimeout: 50 * time.Millisecond},
		skipNodes: map[int]bool{0: true},
	})
	defer res.release()

	err := res.errs[1]
	require.Error(t, err)
	assert.True(t, errors.Is(err, overlap.ErrResponseTimeout), "got %v", err)
	assert.True(t, errors.Is(err, graph.ErrGraphFailure))
}

// countKinds counts the requests and responses the nodes sent themselves.
func countKinds(res *clusterResult) (requests, responses int) {
	for _, tr := range res.transports {
		for _, env := range tr.envelopes() {
			switch env.Kind {
			case distributed.KindRequest:
				requests++
			case distributed.KindResponse:
				responses++
			}
		}
	}
	return requests, responses
}

func TestAccumulatorToleratesDuplicateDelivery(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{2, 2}, {1}, {2, 2}}
	spec := overlap.Spec{Preceding: 3, Following: 3}
	twice := func(msg distributed.Message) []distributed.Message {
		if msg.Kind == distributed.KindRequest || msg.Kind == distributed.KindResponse {
			return []distributed.Message{msg}
		}
		return nil
	}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{
		spec: spec, opts: DefaultAccumulatorOptions(), wire: true, extra: twice,
	})
	defer res.release()
	checkAssembly(t, l, spec, res)

	// Every request is answered once, however often it arrived.
	requests, responses := countKinds(res)
	assert.Greater(t, requests, 0)
	assert.Equal(t, requests, responses)
}

func TestAccumulatorDropsMalformedMessages(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	l := layout{{2}, {1, 1}, {3}}
	spec := overlap.Spec{Preceding: 2, Following: 2}
	// Each request is followed by one without overlap_size, and each
	// response by one answering a request nobody sent.
	garbage := func(msg distributed.Message) []distributed.Message {
		bad := distributed.Message{Envelope: msg.Envelope}
		bad.Metadata = msg.Metadata.Clone()
		switch msg.Kind {
		case distributed.KindRequest:
			bad.MessageID = msg.MessageID + "_sizeless"
			delete(bad.Metadata, overlap.KeyOverlapSize)
		case distributed.KindResponse:
			bad.MessageID = msg.MessageID + "_stray"
			bad.Metadata.Set(overlap.KeyRequestID, "preceding_request_9_999")
		default:
			return nil
		}
		return []distributed.Message{bad}
	}
	res := runCluster(t, alloc, l.records(alloc, 100), clusterConfig{
		spec: spec, opts: DefaultAccumulatorOptions(), extra: garbage,
	})
	defer res.release()
	checkAssembly(t, l, spec, res)

	requests, responses := countKinds(res)
	assert.Greater(t, requests, 0)
	assert.Equal(t, requests, responses)
}

func TestNewOverlapAccumulatorRejectsNegativeOverlap(t *testing.T) {
	_, err := NewOverlapAccumulator("acc", overlap.Spec{Preceding: -1}, AccumulatorOptions{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

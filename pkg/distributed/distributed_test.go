package distributed_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/distributed"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/transport/inmem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makeRecord(alloc memory.Allocator, vals ...int64) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64},
		{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	vb := array.NewInt64Builder(alloc)
	defer vb.Release()
	sb := array.NewStringBuilder(alloc)
	defer sb.Release()
	for _, v := range vals {
		vb.Append(v)
		if v%2 == 0 {
			sb.AppendNull()
		} else {
			sb.Append("odd")
		}
	}
	va := vb.NewArray()
	defer va.Release()
	sa := sb.NewArray()
	defer sa.Release()
	return array.NewRecord(schema, []arrow.Array{va, sa}, int64(len(vals)))
}

func values(rec arrow.Record) []int64 {
	return append([]int64(nil), rec.Column(0).(*array.Int64).Int64Values()...)
}

func TestCodecRoundTrip(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc, 1, 2, 3)
	defer rec.Release()

	in := distributed.Message{
		Envelope: distributed.Envelope{
			Kind:       distributed.KindResponse,
			MessageID:  "preceding_response_2_7",
			CacheID:    "acc/response",
			SourceNode: 2,
			TargetNode: 3,
			TotalRows:  3,
			Tracker:    1,
			Metadata:   cache.Metadata{"request_id": "preceding_request_3_1", "exhausted": "true"},
		},
		Record: rec,
	}
	b, err := distributed.Encode(in)
	require.NoError(t, err)

	out, err := distributed.Decode(alloc, b)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, in.Envelope, out.Envelope)
	require.NotNil(t, out.Record)
	assert.True(t, array.RecordEqual(rec, out.Record))
}

func TestCodecNilRecord(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	in := distributed.Message{Envelope: distributed.Envelope{
		Kind:       distributed.KindControl,
		MessageID:  "count_0_1",
		CacheID:    "c",
		SourceNode: 0,
		TargetNode: -1,
	}}
	b, err := distributed.Encode(in)
	require.NoError(t, err)
	out, err := distributed.Decode(alloc, b)
	require.NoError(t, err)
	assert.Nil(t, out.Record)
	assert.Equal(t, -1, out.TargetNode)
	assert.Equal(t, distributed.KindControl, out.Kind)
}

func TestCodecTruncated(t *testing.T) {
	alloc := memory.NewGoAllocator()
	b, err := distributed.Encode(distributed.Message{Envelope: distributed.Envelope{MessageID: "abcdef"}})
	require.NoError(t, err)
	_, err = distributed.Decode(alloc, b[:len(b)-3])
	assert.Error(t, err)
}

func TestSendMessageSelfAndRemote(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()

	net := inmem.NewNetwork(2)
	defer net.Close()
	local := cache.NewRegistry[distributed.Message]()
	inbox, err := local.Register("inbox")
	require.NoError(t, err)

	m := distributed.NewMessenger(0, 2, net.Endpoint(0), local)
	m.SetDefaultCache("inbox")

	rec := makeRecord(alloc, 4, 5)
	defer rec.Release()

	id, err := m.SendMessage(ctx, rec, distributed.SendOptions{Kind: distributed.KindData, Target: 0, MessageIDPrefix: "data"})
	require.NoError(t, err)
	assert.Equal(t, "data_0_1", id)
	self, ok := inbox.TryPull()
	require.True(t, ok)
	assert.Equal(t, []int64{4, 5}, values(self.Record))
	assert.Equal(t, int64(2), self.TotalRows)
	self.Release()

	_, err = m.SendMessage(ctx, rec, distributed.SendOptions{
		Kind: distributed.KindRequest, Target: 1, MessageIDPrefix: "req", WaitFor: true, Tracker: 1,
		Metadata: cache.Metadata{"k": "v"},
	})
	require.NoError(t, err)
	remote, err := net.Endpoint(1).Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inbox", remote.CacheID)
	assert.Equal(t, "v", remote.Metadata.Get("k"))
	assert.Equal(t, 0, remote.SourceNode)
	remote.Release()

	assert.Equal(t, []string{"req_0_2"}, m.WaitingFor(1))
	assert.Empty(t, m.WaitingFor(0))
	assert.Equal(t, int64(1), m.Counters().Count(0, 0))
	assert.Equal(t, int64(1), m.Counters().Count(1, 1))

	_, ok = m.Resolve(1, "req_0_2")
	assert.True(t, ok)
	_, ok = m.Resolve(1, "req_0_2")
	assert.False(t, ok)
	assert.Zero(t, m.Pending())
}

func TestSendMessageSkipsEmpty(t *testing.T) {
	local := cache.NewRegistry[distributed.Message]()
	inbox, err := local.Register("inbox")
	require.NoError(t, err)
	m := distributed.NewMessenger(0, 1, nil, local)
	m.SetDefaultCache("inbox")

	id, err := m.SendMessage(context.Background(), nil, distributed.SendOptions{Target: 0})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, inbox.Len())

	id, err = m.SendMessage(context.Background(), nil, distributed.SendOptions{Target: 0, AlwaysAdd: true, MessageID: "empty"})
	require.NoError(t, err)
	assert.Equal(t, "empty", id)
	assert.Equal(t, 1, inbox.Len())

	_, err = m.SendMessage(context.Background(), nil, distributed.SendOptions{Target: 3, AlwaysAdd: true})
	assert.Error(t, err)
}

func TestScatterAndPartitionCounts(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()

	const nodes = 3
	net := inmem.NewNetwork(nodes)
	defer net.Close()

	registries := make([]*cache.Registry[distributed.Message], nodes)
	for i := range registries {
		registries[i] = cache.NewRegistry[distributed.Message]()
		_, err := registries[i].Register("collect")
		require.NoError(t, err)
	}
	sender := distributed.NewMessenger(1, nodes, net.Endpoint(1), registries[1])
	localOut := cache.New[distributed.Message]("local")

	for round := 0; round < 2; round++ {
		parts := []arrow.Record{makeRecord(alloc, 1), makeRecord(alloc), makeRecord(alloc, 3, 4)}
		err := sender.Scatter(ctx, parts, localOut, distributed.SendOptions{
			Kind: distributed.KindData, SpecificCache: true, CacheID: "collect", MessageIDPrefix: "part",
		})
		require.NoError(t, err)
		for _, p := range parts {
			p.Release()
		}
	}
	// The empty self partitions were skipped.
	assert.Zero(t, localOut.Len())
	require.NoError(t, sender.SendTotalPartitionCounts(ctx, "collect", "count", 0, []int{0, 2}))

	for _, node := range []int{0, 2} {
		receiver := distributed.NewMessenger(node, nodes, net.Endpoint(node), registries[node])
		var data int64
		for receiver.CountReports(0) == 0 {
			msg, err := net.Endpoint(node).Receive(ctx)
			require.NoError(t, err)
			if msg.Kind == distributed.KindControl {
				require.NoError(t, receiver.AcceptPartitionCount(msg))
			} else {
				data++
			}
			msg.Release()
		}
		assert.Equal(t, int64(2), receiver.GetTotalPartitionCounts(0), "node %d", node)
		assert.Equal(t, receiver.GetTotalPartitionCounts(0), data)
	}
}

func TestAcceptPartitionCountRejectsData(t *testing.T) {
	m := distributed.NewMessenger(0, 1, nil, cache.NewRegistry[distributed.Message]())
	err := m.AcceptPartitionCount(distributed.Message{Envelope: distributed.Envelope{Kind: distributed.KindData}})
	assert.True(t, errors.Is(err, distributed.ErrProtocol))
}

func TestRouter(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	net := inmem.NewNetwork(2, inmem.WithWireEncoding(alloc))
	defer net.Close()
	registry := cache.NewRegistry[distributed.Message]()
	inbox, err := registry.Register("inbox")
	require.NoError(t, err)

	router := distributed.NewRouter(net.Endpoint(1), registry)
	kctx := kernel.NewContext(context.Background(), alloc, "router", "router").WithNode(1, 2)
	done := make(chan error, 1)
	go func() { done <- router.Run(kctx) }()

	sender := distributed.NewMessenger(0, 2, net.Endpoint(0), cache.NewRegistry[distributed.Message]())
	rec := makeRecord(alloc, 9)
	defer rec.Release()
	_, err = sender.SendMessage(context.Background(), rec, distributed.SendOptions{
		SpecificCache: true, CacheID: "nowhere", Target: 1, MessageIDPrefix: "stray",
	})
	require.NoError(t, err)
	_, err = sender.SendMessage(context.Background(), rec, distributed.SendOptions{
		SpecificCache: true, CacheID: "inbox", Target: 1, MessageIDPrefix: "good",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := inbox.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "good_0_2", msg.MessageID)
	assert.Equal(t, []int64{9}, values(msg.Record))
	msg.Release()
	// Dropped is read while the router is still running.
	require.Eventually(t, func() bool { return router.Dropped() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Finishing the only registered cache stops the router.
	inbox.Finish()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
	assert.Equal(t, int64(1), router.Dropped())
}

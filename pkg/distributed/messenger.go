package distributed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/metrics"
)

// KeyPartitionCount carries the announced message count on CONTROL messages
// sent by SendTotalPartitionCounts.
const KeyPartitionCount = "partition_count"

// SendOptions controls a single SendMessage call.
type SendOptions struct {
	Kind Kind
	// SpecificCache routes the message to CacheID instead of the
	// messenger's default cache.
	SpecificCache bool
	CacheID       string
	Target        int
	// TotalRows defaults to the record's row count.
	TotalRows int64
	// MessageID is used verbatim when set. Otherwise an id is generated
	// from MessageIDPrefix.
	MessageID       string
	MessageIDPrefix string
	// AlwaysAdd sends the message even when the record is nil or empty.
	AlwaysAdd bool
	// WaitFor registers the message id as awaiting a reply on Tracker.
	WaitFor  bool
	Tracker  int
	Metadata cache.Metadata
}

// Messenger implements the cross-node operations of a distributing kernel:
// addressed sends, scatter, per-node message counting and the bookkeeping
// of messages awaiting a reply. One Messenger belongs to one kernel.
type Messenger struct {
	node         int
	nodes        int
	transport    Transport
	local        *cache.Registry[Message]
	defaultCache string
	counters     *NodeCounters
	seq          atomic.Int64
	logger       *slog.Logger

	mu      sync.Mutex
	waiting map[int]map[string]time.Time
}

// NewMessenger creates a messenger for node of nodes. Messages addressed to
// node itself are pushed straight into local.
func NewMessenger(node, nodes int, transport Transport, local *cache.Registry[Message]) *Messenger {
	return &Messenger{
		node:      node,
		nodes:     nodes,
		transport: transport,
		local:     local,
		counters:  NewNodeCounters(),
		logger:    slog.Default().With("component", "messenger", "node", node),
		waiting:   make(map[int]map[string]time.Time),
	}
}

// SetDefaultCache sets the cache used when SendOptions.SpecificCache is false.
func (m *Messenger) SetDefaultCache(id string) { m.defaultCache = id }

// SetLogger replaces the messenger's logger.
func (m *Messenger) SetLogger(l *slog.Logger) { m.logger = l }

// Node returns the index of the node the messenger sends from.
func (m *Messenger) Node() int { return m.node }

// Nodes returns the cluster size.
func (m *Messenger) Nodes() int { return m.nodes }

// Counters exposes the messenger's node counters.
func (m *Messenger) Counters() *NodeCounters { return m.counters }

// NextID returns a message id unique to this messenger: prefix_<node>_<seq>.
func (m *Messenger) NextID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, m.node, m.seq.Add(1))
}

// SendMessage sends rec to opts.Target and returns the message id. It does
// not wait for the peer. The caller keeps ownership of rec. A nil or empty
// record is skipped, returning an empty id, unless AlwaysAdd is set.
func (m *Messenger) SendMessage(ctx context.Context, rec arrow.Record, opts SendOptions) (string, error) {
	return m.send(ctx, rec, opts, true)
}

func (m *Messenger) send(ctx context.Context, rec arrow.Record, opts SendOptions, counted bool) (string, error) {
	cacheID := m.defaultCache
	if opts.SpecificCache {
		cacheID = opts.CacheID
	}
	if cacheID == "" {
		return "", errors.New("send message: no target cache")
	}
	if opts.Target < 0 || opts.Target >= m.nodes {
		return "", errors.Newf("send message: target node %d out of range [0, %d)", opts.Target, m.nodes)
	}
	rows := int64(0)
	if rec != nil {
		rows = rec.NumRows()
	}
	if rows == 0 && !opts.AlwaysAdd {
		return "", nil
	}

	id := opts.MessageID
	if id == "" {
		id = m.NextID(opts.MessageIDPrefix)
	}
	total := opts.TotalRows
	if total == 0 {
		total = rows
	}
	msg := Message{
		Envelope: Envelope{
			Kind:       opts.Kind,
			MessageID:  id,
			CacheID:    cacheID,
			SourceNode: m.node,
			TargetNode: opts.Target,
			TotalRows:  total,
			Tracker:    opts.Tracker,
			Metadata:   opts.Metadata.Clone(),
		},
		Record: rec,
	}

	if opts.WaitFor {
		m.register(opts.Tracker, id)
	}
	if err := m.deliver(ctx, msg); err != nil {
		if opts.WaitFor {
			m.Resolve(opts.Tracker, id)
		}
		return "", err
	}
	if counted {
		m.counters.Increment(opts.Tracker, opts.Target)
	}

	label := opts.MessageIDPrefix
	if label == "" {
		label = opts.Kind.String()
	}
	metrics.MessagesSent.WithLabelValues(strconv.Itoa(m.node), label).Inc()
	m.logger.Debug("message sent", "message", msg.String())
	return id, nil
}

func (m *Messenger) deliver(ctx context.Context, msg Message) error {
	if msg.TargetNode != m.node {
		if m.transport == nil {
			return errors.Newf("send %s: no transport for remote node %d", msg.MessageID, msg.TargetNode)
		}
		return errors.Wrapf(m.transport.Send(ctx, msg), "send %s to node %d", msg.MessageID, msg.TargetNode)
	}
	c, err := m.local.MustGet(msg.CacheID)
	if err != nil {
		return errors.Wrapf(err, "send %s to self", msg.MessageID)
	}
	if msg.Record != nil {
		msg.Record.Retain()
	}
	if err := c.Push(msg); err != nil {
		msg.Release()
		return errors.Wrapf(err, "send %s to self", msg.MessageID)
	}
	return nil
}

// Scatter sends partitions[k] to node k. len(partitions) must equal the
// cluster size. The partition for this node is pushed into localOutput when
// it is non-nil and routed like any other message otherwise. The caller
// keeps ownership of the partitions.
func (m *Messenger) Scatter(ctx context.Context, partitions []arrow.Record, localOutput *MessageCache, opts SendOptions) error {
	if len(partitions) != m.nodes {
		return errors.Newf("scatter: %d partitions for %d nodes", len(partitions), m.nodes)
	}
	for k, part := range partitions {
		o := opts
		o.Target = k
		if k == m.node && localOutput != nil {
			if err := m.pushLocal(localOutput, part, o); err != nil {
				return err
			}
			continue
		}
		if _, err := m.SendMessage(ctx, part, o); err != nil {
			return errors.Wrapf(err, "scatter partition %d", k)
		}
	}
	return nil
}

func (m *Messenger) pushLocal(out *MessageCache, rec arrow.Record, opts SendOptions) error {
	rows := int64(0)
	if rec != nil {
		rows = rec.NumRows()
	}
	if rows == 0 && !opts.AlwaysAdd {
		return nil
	}
	id := opts.MessageID
	if id == "" {
		id = m.NextID(opts.MessageIDPrefix)
	}
	if rec != nil {
		rec.Retain()
	}
	msg := Message{
		Envelope: Envelope{
			Kind:       opts.Kind,
			MessageID:  id,
			CacheID:    out.ID(),
			SourceNode: m.node,
			TargetNode: m.node,
			TotalRows:  rows,
			Tracker:    opts.Tracker,
			Metadata:   opts.Metadata.Clone(),
		},
		Record: rec,
	}
	if err := out.Push(msg); err != nil {
		msg.Release()
		return errors.Wrap(err, "scatter to local output")
	}
	m.counters.Increment(opts.Tracker, m.node)
	return nil
}

// SendTotalPartitionCounts tells every target how many counted messages this
// node sent it on tracker. The CONTROL messages themselves are not counted.
func (m *Messenger) SendTotalPartitionCounts(ctx context.Context, cacheID, prefix string, tracker int, targets []int) error {
	for _, target := range targets {
		n := m.counters.Count(tracker, target)
		opts := SendOptions{
			Kind:            KindControl,
			SpecificCache:   true,
			CacheID:         cacheID,
			Target:          target,
			MessageIDPrefix: prefix,
			AlwaysAdd:       true,
			Tracker:         tracker,
			Metadata:        cache.Metadata{}.SetInt(KeyPartitionCount, n),
		}
		if _, err := m.send(ctx, nil, opts, false); err != nil {
			return errors.Wrapf(err, "send partition count to node %d", target)
		}
	}
	return nil
}

// AcceptPartitionCount records a count announced by a peer's
// SendTotalPartitionCounts.
func (m *Messenger) AcceptPartitionCount(msg Message) error {
	if msg.Kind != KindControl {
		return protocolErrorf("message %s is %s, not a partition count", msg.MessageID, msg.Kind)
	}
	n, ok := msg.Metadata.Int(KeyPartitionCount)
	if !ok {
		return protocolErrorf("message %s carries no %s", msg.MessageID, KeyPartitionCount)
	}
	m.counters.AddExpected(msg.Tracker, n)
	return nil
}

// GetTotalPartitionCounts returns the number of messages announced so far
// by peers on tracker.
func (m *Messenger) GetTotalPartitionCounts(tracker int) int64 {
	return m.counters.Expected(tracker)
}

// CountReports returns how many peers have announced a count on tracker.
func (m *Messenger) CountReports(tracker int) int64 {
	return m.counters.Reports(tracker)
}

// IncrementNodeCount records one message sent to node on tracker outside
// of SendMessage.
func (m *Messenger) IncrementNodeCount(node, tracker int) {
	m.counters.Increment(tracker, node)
}

func (m *Messenger) register(tracker int, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.waiting[tracker]
	if !ok {
		ids = make(map[string]time.Time)
		m.waiting[tracker] = ids
	}
	ids[id] = time.Now()
}

// WaitingFor returns the ids of messages on tracker still awaiting a reply.
func (m *Messenger) WaitingFor(tracker int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.waiting[tracker]))
	for id := range m.waiting[tracker] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve removes id from the set awaiting a reply on tracker. It reports
// how long the message waited and whether it was awaited at all.
func (m *Messenger) Resolve(tracker int, id string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent, ok := m.waiting[tracker][id]
	if !ok {
		return 0, false
	}
	delete(m.waiting[tracker], id)
	return time.Since(sent), true
}

// Pending returns the number of messages awaiting a reply on all trackers.
func (m *Messenger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ids := range m.waiting {
		n += len(ids)
	}
	return n
}

// OldestPending returns the id and age of the longest-waiting message.
func (m *Messenger) OldestPending() (string, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		oldestID string
		oldest   time.Time
		found    bool
	)
	for _, ids := range m.waiting {
		for id, sent := range ids {
			if !found || sent.Before(oldest) {
				oldestID, oldest, found = id, sent, true
			}
		}
	}
	if !found {
		return "", 0, false
	}
	return oldestID, time.Since(oldest), true
}

package distributed

import (
	"sort"
	"sync"
	"sync/atomic"
)

// NodeCounters counts, per tracker, the messages sent to each node and the
// messages this node expects to receive. A tracker is a small integer naming
// one logical stream of messages.
type NodeCounters struct {
	mu       sync.Mutex
	sent     map[int]map[int]*atomic.Int64
	expected map[int]*atomic.Int64
	reports  map[int]*atomic.Int64
}

// NewNodeCounters creates empty counters.
func NewNodeCounters() *NodeCounters {
	return &NodeCounters{
		sent:     make(map[int]map[int]*atomic.Int64),
		expected: make(map[int]*atomic.Int64),
		reports:  make(map[int]*atomic.Int64),
	}
}

func (c *NodeCounters) counter(tracker, node int) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	byNode, ok := c.sent[tracker]
	if !ok {
		byNode = make(map[int]*atomic.Int64)
		c.sent[tracker] = byNode
	}
	n, ok := byNode[node]
	if !ok {
		n = &atomic.Int64{}
		byNode[node] = n
	}
	return n
}

func (c *NodeCounters) tracked(m map[int]*atomic.Int64, tracker int) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := m[tracker]
	if !ok {
		n = &atomic.Int64{}
		m[tracker] = n
	}
	return n
}

// Increment records one message sent to node on tracker.
func (c *NodeCounters) Increment(tracker, node int) int64 {
	return c.counter(tracker, node).Add(1)
}

// Count returns the number of messages sent to node on tracker.
func (c *NodeCounters) Count(tracker, node int) int64 {
	return c.counter(tracker, node).Load()
}

// Targets returns the nodes that received at least one counted message on
// tracker, in ascending order.
func (c *NodeCounters) Targets(tracker int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var nodes []int
	for node, n := range c.sent[tracker] {
		if n.Load() > 0 {
			nodes = append(nodes, node)
		}
	}
	sort.Ints(nodes)
	return nodes
}

// AddExpected adds n to the number of messages expected on tracker and
// records one more count report.
func (c *NodeCounters) AddExpected(tracker int, n int64) {
	c.tracked(c.expected, tracker).Add(n)
	c.tracked(c.reports, tracker).Add(1)
}

// Expected returns the number of messages expected on tracker.
func (c *NodeCounters) Expected(tracker int) int64 {
	return c.tracked(c.expected, tracker).Load()
}

// Reports returns how many count reports arrived on tracker.
func (c *NodeCounters) Reports(tracker int) int64 {
	return c.tracked(c.reports, tracker).Load()
}

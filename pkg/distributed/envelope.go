// Package distributed provides the messaging primitives shared by kernels
// that exchange batches with other execution nodes.
package distributed

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/windist/pkg/cache"
)

// Kind classifies a message.
type Kind int32

const (
	KindData Kind = iota
	KindRequest
	KindResponse
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindControl:
		return "CONTROL"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Envelope is the routing header of a message.
type Envelope struct {
	Kind       Kind
	MessageID  string
	CacheID    string
	SourceNode int
	TargetNode int
	TotalRows  int64
	Tracker    int
	Metadata   cache.Metadata
}

// Message is an envelope plus an optional record. A nil record is a valid
// payload and means "no rows".
type Message struct {
	Envelope
	Record arrow.Record
}

// NumRows returns the payload row count.
func (m Message) NumRows() int64 {
	if m.Record == nil {
		return 0
	}
	return m.Record.NumRows()
}

// Release releases the payload, if any.
func (m Message) Release() {
	if m.Record != nil {
		m.Record.Release()
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s [%d->%d cache=%s rows=%d meta=%s]",
		m.Kind, m.MessageID, m.SourceNode, m.TargetNode, m.CacheID, m.NumRows(), m.Metadata)
}

// MessageCache is the cache type receiving routed messages.
type MessageCache = cache.Cache[Message]

// Transport moves messages between nodes.
//
// Send does not take ownership of the message record; implementations retain
// or serialize it. Receive returns a message whose record is owned by the
// caller. Both return ErrTransportClosed once Close was called.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

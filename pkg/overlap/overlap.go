// Package overlap holds the data model of the overlap protocol: which side of
// a batch is being resolved, how far it has got, and which rows each side
// needs.
package overlap

import (
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
)

// ErrResponseTimeout is returned when a remote overlap response did not
// arrive within the configured timeout.
var ErrResponseTimeout = errors.New("overlap response timeout")

// Side selects the preceding or following context of a batch.
type Side int

const (
	Preceding Side = iota
	Following
)

func (s Side) String() string {
	if s == Preceding {
		return "preceding"
	}
	return "following"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Preceding {
		return Following
	}
	return Preceding
}

// ParseSide parses the wire form of a side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "preceding":
		return Preceding, nil
	case "following":
		return Following, nil
	default:
		return 0, errors.Newf("unknown overlap side %q", s)
	}
}

// Status is the resolution state of one side of one batch.
// It only moves forward: Unknown -> Incomplete -> Done, or Unknown -> Done.
type Status int

const (
	Unknown Status = iota
	Incomplete
	Done
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Incomplete:
		return "INCOMPLETE"
	case Done:
		return "DONE"
	default:
		return "Status(?)"
	}
}

// FrameType is the frame unit of the window the overlap serves.
type FrameType int

const (
	Rows FrameType = iota
	Range
)

func (f FrameType) String() string {
	if f == Range {
		return "RANGE"
	}
	return "ROWS"
}

// Reach bounds the overlap of a value-based (RANGE) frame.
type Reach interface {
	// Within returns a predicate reporting whether a row lies inside the
	// frame of boundary's single row, looking towards side. Walking away
	// from the boundary, the predicate holds for a run of rows and fails
	// for every row after it.
	Within(side Side, boundary arrow.Record) (func(rec arrow.Record, row int) bool, error)
}

// Spec is what each side of a batch must be extended by: a row count and,
// for RANGE frames, every row within the frame of the batch's boundary rows.
type Spec struct {
	Preceding int64
	Following int64
	FrameType FrameType
	// Reach is nil for ROWS frames and for queries without framed
	// aggregates.
	Reach Reach
}

// Need returns the row count required on side s.
func (s Spec) Need(side Side) int64 {
	if side == Preceding {
		return s.Preceding
	}
	return s.Following
}

// Lend returns the rows of rec that later (Preceding) or earlier (Following)
// batches may borrow. With a Reach the whole batch is lendable, since a run
// of equal or close ORDER BY values has no row limit.
func (s Spec) Lend(side Side, rec arrow.Record) arrow.Record {
	switch {
	case s.Reach != nil:
		return helpers.Slice(rec, 0, -1)
	case side == Preceding:
		return helpers.Tail(rec, s.Preceding)
	default:
		return helpers.Head(rec, s.Following)
	}
}

// Boundary returns the core row a side is resolved against: the first row
// for Preceding, the last for Following. It returns nil for empty records.
func Boundary(side Side, rec arrow.Record) arrow.Record {
	if helpers.NumRows(rec) == 0 {
		return nil
	}
	if side == Preceding {
		return helpers.Head(rec, 1)
	}
	return helpers.Tail(rec, 1)
}

// Need is what one side of one batch still has to gather: at least Rows
// rows and, when Within is set, every row Within accepts.
type Need struct {
	Rows   int64
	Within func(rec arrow.Record, row int) bool
}

// Empty reports whether nothing needs to be gathered.
func (n Need) Empty() bool { return n.Rows <= 0 && n.Within == nil }

// Satisfied reports whether have rows, with the end of the frame seen when
// reached is set, meet the need.
func (n Need) Satisfied(have int64, reached bool) bool {
	return have >= n.Rows && (n.Within == nil || reached)
}

// Take returns how many rows of rec to add, counted from the end of rec
// nearest the boundary, given have rows gathered so far. It also reports
// whether the end of the frame has been seen, either before (reached) or
// inside rec.
func (n Need) Take(side Side, rec arrow.Record, have int64, reached bool) (int64, bool) {
	total := helpers.NumRows(rec)
	if total == 0 {
		return 0, reached
	}
	take := max(0, n.Rows-have)
	if n.Within != nil && !reached {
		inside := sort.Search(int(total), func(k int) bool {
			row := k
			if side == Preceding {
				row = int(total) - 1 - k
			}
			return !n.Within(rec, row)
		})
		reached = int64(inside) < total
		take = max(take, int64(inside))
	}
	return min(take, total), reached
}

// Message ids used by the protocol.
const (
	PrecedingRequest      = "preceding_request"
	FollowingRequest      = "following_request"
	PrecedingResponse     = "preceding_response"
	FollowingResponse     = "following_response"
	PrecedingRequestCount = "preceding_request_count"
	FollowingRequestCount = "following_request_count"
)

// Metadata keys carried on batches and messages.
const (
	KeyOperationType    = "operation_type"
	KeyOverlapType      = "overlap_type"
	KeyOverlapSize      = "overlap_size"
	KeySourceBatchIndex = "source_batch_index"
	KeyTargetBatchIndex = "target_batch_index"
	KeyTargetNodeIndex  = "target_node_index"
	KeyPrecedingRows    = "preceding_rows"
	KeyFollowingRows    = "following_rows"
	KeyBatchIndex       = "batch_index"
	KeyNode             = "node"
	KeyExhausted        = "exhausted"
	KeyRequestCount     = "request_count"
	KeyRequestID        = "request_id"
	KeyRelay            = "relay"
)

// Values of KeyOverlapType for split-cache output.
const (
	OverlapCore = "core"
)

// RequestID returns the message id prefix for a request on side.
func RequestID(side Side) string {
	if side == Preceding {
		return PrecedingRequest
	}
	return FollowingRequest
}

// ResponseID returns the message id prefix for a response on side.
func ResponseID(side Side) string {
	if side == Preceding {
		return PrecedingResponse
	}
	return FollowingResponse
}

// RequestCountID returns the control message id announcing request counts on side.
func RequestCountID(side Side) string {
	if side == Preceding {
		return PrecedingRequestCount
	}
	return FollowingRequestCount
}

// Bundle is one local batch split for the overlap protocol: the full batch
// plus the rows it can lend to its neighbours.
// Preceding holds the batch's trailing rows, which serve as preceding
// context for later batches; Following holds its leading rows.
type Bundle struct {
	Index     int64
	Node      int
	Core      arrow.Record
	Preceding arrow.Record
	Following arrow.Record
}

// Part returns the lendable rows for side.
func (b Bundle) Part(side Side) arrow.Record {
	if side == Preceding {
		return b.Preceding
	}
	return b.Following
}

// Release releases every record of the bundle.
func (b Bundle) Release() {
	for _, r := range []arrow.Record{b.Core, b.Preceding, b.Following} {
		if r != nil {
			r.Release()
		}
	}
}

package overlap

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
)

type entry struct {
	status    Status
	parts     []arrow.Record
	rows      int64
	reached   bool
	exhausted bool
	done      chan struct{}
}

// StatusTable tracks, for each side of each batch index, how much overlap
// has been gathered. Entries are created on first use. Every entry has its
// own done channel, so waiting on one batch never blocks updates to another.
type StatusTable struct {
	mu      sync.Mutex
	entries [2][]*entry
}

// NewStatusTable creates an empty table.
func NewStatusTable() *StatusTable {
	return &StatusTable{}
}

func (t *StatusTable) entryLocked(side Side, idx int64) *entry {
	v := t.entries[side]
	for int64(len(v)) <= idx {
		v = append(v, &entry{done: make(chan struct{})})
	}
	t.entries[side] = v
	return v[idx]
}

// Status returns the current status of (side, idx).
func (t *StatusTable) Status(side Side, idx int64) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(side, idx).status
}

// Rows returns the number of overlap rows gathered so far for (side, idx).
func (t *StatusTable) Rows(side Side, idx int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(side, idx).rows
}

// Set moves (side, idx) to status. Setting the current status again is a
// no-op; moving backwards is rejected and leaves the entry unchanged.
func (t *StatusTable) Set(side Side, idx int64, status Status) error {
	if idx < 0 {
		return errors.Newf("negative batch index %d", idx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(side, idx)
	return e.transitionLocked(side, idx, status)
}

func (e *entry) transitionLocked(side Side, idx int64, status Status) error {
	if status == e.status {
		return nil
	}
	if status < e.status {
		return errors.Newf("%s overlap of batch %d: illegal transition %s -> %s", side, idx, e.status, status)
	}
	e.status = status
	if status == Done {
		close(e.done)
	}
	return nil
}

// Combine merges rec into the overlap of (side, idx). Preceding rows are
// prepended, since they come from further back, and following rows are
// appended. Only the rows need asks for are kept, counted from the end of
// rec nearest the batch. The entry becomes Done once need is satisfied or
// exhausted is set, and Incomplete otherwise. The table keeps its own
// reference to rec; the caller keeps ownership of rec.
// Combining into a Done entry is an error and changes nothing.
func (t *StatusTable) Combine(side Side, idx int64, rec arrow.Record, exhausted bool, need Need) (Status, error) {
	if idx < 0 {
		return Unknown, errors.Newf("negative batch index %d", idx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(side, idx)
	if e.status == Done {
		return Done, errors.Newf("%s overlap of batch %d is already complete", side, idx)
	}

	take, reached := need.Take(side, rec, e.rows, e.reached)
	e.reached = reached
	if take > 0 {
		var part arrow.Record
		if side == Preceding {
			part = helpers.Tail(rec, take)
			e.parts = append([]arrow.Record{part}, e.parts...)
		} else {
			part = helpers.Head(rec, take)
			e.parts = append(e.parts, part)
		}
		e.rows += part.NumRows()
	}
	e.exhausted = e.exhausted || exhausted

	next := Incomplete
	if need.Satisfied(e.rows, e.reached) || e.exhausted {
		next = Done
	}
	if err := e.transitionLocked(side, idx, next); err != nil {
		return e.status, err
	}
	return e.status, nil
}

// Reached reports whether a row outside the value-based frame of (side, idx)
// has been seen, so no further rows are needed for the frame.
func (t *StatusTable) Reached(side Side, idx int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(side, idx).reached
}

// Wait blocks until (side, idx) is Done or ctx is cancelled.
func (t *StatusTable) Wait(ctx context.Context, side Side, idx int64) error {
	t.mu.Lock()
	done := t.entryLocked(side, idx).done
	t.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoneChan returns a channel closed when (side, idx) is Done.
func (t *StatusTable) DoneChan(side Side, idx int64) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(side, idx).done
}

// Take hands over the gathered overlap of (side, idx) in row order together
// with its row count. The caller owns the returned records. Take leaves the
// entry's status unchanged.
func (t *StatusTable) Take(side Side, idx int64) ([]arrow.Record, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(side, idx)
	parts, rows := e.parts, e.rows
	e.parts = nil
	return parts, rows
}

// Len returns the number of entries allocated for side.
func (t *StatusTable) Len(side Side) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[side])
}

// Release drops every record still held by the table.
func (t *StatusTable) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, side := range t.entries {
		for _, e := range side {
			for _, p := range e.parts {
				p.Release()
			}
			e.parts = nil
		}
	}
}

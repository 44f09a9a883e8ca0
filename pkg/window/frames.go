package window

import (
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
	"github.com/sandboxws/windist/pkg/overlap"
)

// frames holds, for every row of a record, its partition and the inclusive
// row range [lo, hi] of its window frame. Frames never cross a partition
// boundary and both lo and hi are non-decreasing within a partition.
type frames struct {
	partStart []int
	partEnd   []int // exclusive
	lo        []int
	hi        []int
}

// partitionBounds returns the start row of every partition. Rows belong to
// the same partition while all PARTITION BY columns keep the same value.
func partitionBounds(rec arrow.Record, cols []string) ([]int, error) {
	n := int(rec.NumRows())
	if n == 0 {
		return nil, nil
	}
	arrs := make([]arrow.Array, len(cols))
	for i, c := range cols {
		idx := rec.Schema().FieldIndices(c)
		if len(idx) == 0 {
			return nil, errors.Newf("PARTITION BY column %q not found", c)
		}
		arrs[i] = rec.Column(idx[0])
	}

	starts := []int{0}
	for row := 1; row < n; row++ {
		for _, a := range arrs {
			if !array.SliceEqual(a, int64(row-1), int64(row), a, int64(row), int64(row+1)) {
				starts = append(starts, row)
				break
			}
		}
	}
	return starts, nil
}

func computeFrames(rec arrow.Record, spec *Spec) (*frames, error) {
	n := int(rec.NumRows())
	starts, err := partitionBounds(rec, spec.PartitionBy)
	if err != nil {
		return nil, err
	}
	f := &frames{
		partStart: make([]int, n),
		partEnd:   make([]int, n),
		lo:        make([]int, n),
		hi:        make([]int, n),
	}

	var keys *rangeKeys
	if spec.Frame == Range {
		if keys, err = newRangeKeys(rec, spec.OrderBy[0]); err != nil {
			return nil, err
		}
	}

	for p, ps := range starts {
		pe := n
		if p+1 < len(starts) {
			pe = starts[p+1]
		}
		for row := ps; row < pe; row++ {
			f.partStart[row] = ps
			f.partEnd[row] = pe
		}
		if keys != nil {
			keys.fill(f, ps, pe, float64(spec.Preceding), float64(spec.Following))
			continue
		}
		for row := ps; row < pe; row++ {
			f.lo[row], f.hi[row] = ps, pe-1
			if int64(row-ps) > spec.Preceding {
				f.lo[row] = row - int(spec.Preceding)
			}
			if int64(pe-1-row) > spec.Following {
				f.hi[row] = row + int(spec.Following)
			}
		}
	}
	return f, nil
}

// rangeKeys are the ORDER BY values of a RANGE frame, as float64 distances.
// Timestamps and dates use their raw integer encoding.
type rangeKeys struct {
	vals  []float64
	valid []bool
	desc  bool
}

func newRangeKeys(rec arrow.Record, key OrderKey) (*rangeKeys, error) {
	idx := rec.Schema().FieldIndices(key.Column)
	if len(idx) == 0 {
		return nil, errors.Newf("ORDER BY column %q not found", key.Column)
	}
	col := rec.Column(idx[0])
	n := col.Len()
	k := &rangeKeys{vals: make([]float64, n), valid: make([]bool, n), desc: key.Desc}
	for i := 0; i < n; i++ {
		if col.IsNull(i) {
			continue
		}
		v, ok := numericAt(col, i)
		if !ok {
			return nil, errors.Newf("RANGE frame needs a numeric or temporal ORDER BY column, %q is %s",
				key.Column, col.DataType())
		}
		k.vals[i], k.valid[i] = v, true
	}
	return k, nil
}

// fill computes frames for partition [ps, pe). Rows with a NULL key are
// peers of each other only. Non-null rows search their contiguous run of
// non-null keys, which is sorted.
func (k *rangeKeys) fill(f *frames, ps, pe int, preceding, following float64) {
	for segStart := ps; segStart < pe; {
		segEnd := segStart + 1
		for segEnd < pe && k.valid[segEnd] == k.valid[segStart] {
			segEnd++
		}
		if !k.valid[segStart] {
			for row := segStart; row < segEnd; row++ {
				f.lo[row], f.hi[row] = segStart, segEnd-1
			}
			segStart = segEnd
			continue
		}

		seg := k.vals[segStart:segEnd]
		for row := segStart; row < segEnd; row++ {
			v := k.vals[row]
			if !k.desc {
				// Ascending: frame covers keys in [v-preceding, v+following].
				f.lo[row] = segStart + sort.Search(len(seg), func(i int) bool { return seg[i] >= v-preceding })
				f.hi[row] = segStart + sort.Search(len(seg), func(i int) bool { return seg[i] > v+following }) - 1
			} else {
				// Descending: preceding rows hold larger keys.
				f.lo[row] = segStart + sort.Search(len(seg), func(i int) bool { return seg[i] <= v+preceding })
				f.hi[row] = segStart + sort.Search(len(seg), func(i int) bool { return seg[i] < v-following }) - 1
			}
		}
		segStart = segEnd
	}
}

// rangeReach is the overlap.Reach of a RANGE frame: a neighbouring row is
// needed while it shares the boundary row's partition and its ORDER BY value
// is within the frame distance of the boundary's.
type rangeReach struct {
	partitionBy []string
	key         OrderKey
	preceding   float64
	following   float64
}

type boundaryValue struct {
	null bool
	str  string
}

func columnOf(rec arrow.Record, name string) (arrow.Array, bool) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, false
	}
	return rec.Column(idx[0]), true
}

// Within implements overlap.Reach. The predicate copies what it needs from
// boundary, so boundary may be released once Within returns.
func (r rangeReach) Within(side overlap.Side, boundary arrow.Record) (func(arrow.Record, int) bool, error) {
	if boundary == nil || boundary.NumRows() != 1 {
		return nil, errors.Newf("RANGE boundary must hold one row, got %d", helpers.NumRows(boundary))
	}
	parts := make([]boundaryValue, len(r.partitionBy))
	for i, c := range r.partitionBy {
		col, ok := columnOf(boundary, c)
		if !ok {
			return nil, errors.Newf("PARTITION BY column %q not found", c)
		}
		parts[i] = boundaryValue{null: col.IsNull(0)}
		if !parts[i].null {
			parts[i].str = col.ValueStr(0)
		}
	}
	keyCol, ok := columnOf(boundary, r.key.Column)
	if !ok {
		return nil, errors.Newf("ORDER BY column %q not found", r.key.Column)
	}
	keyNull := keyCol.IsNull(0)
	var key float64
	if !keyNull {
		if key, ok = numericAt(keyCol, 0); !ok {
			return nil, errors.Newf("RANGE frame needs a numeric or temporal ORDER BY column, %q is %s",
				r.key.Column, keyCol.DataType())
		}
	}

	// Ascending keys grow towards Following; descending keys shrink.
	lo, hi := key-r.preceding, key
	if side == overlap.Following {
		lo, hi = key, key+r.following
	}
	if r.key.Desc {
		lo, hi = key, key+r.preceding
		if side == overlap.Following {
			lo, hi = key-r.following, key
		}
	}

	return func(rec arrow.Record, row int) bool {
		for i, c := range r.partitionBy {
			col, ok := columnOf(rec, c)
			if !ok || col.IsNull(row) != parts[i].null {
				return false
			}
			if !parts[i].null && col.ValueStr(row) != parts[i].str {
				return false
			}
		}
		col, ok := columnOf(rec, r.key.Column)
		if !ok {
			return false
		}
		if col.IsNull(row) || keyNull {
			return col.IsNull(row) && keyNull
		}
		v, ok := numericAt(col, row)
		return ok && v >= lo && v <= hi
	}, nil
}

func numericAt(arr arrow.Array, i int) (float64, bool) {
	switch a := arr.(type) {
	case *array.Int64:
		return float64(a.Value(i)), true
	case *array.Int32:
		return float64(a.Value(i)), true
	case *array.Int16:
		return float64(a.Value(i)), true
	case *array.Int8:
		return float64(a.Value(i)), true
	case *array.Uint64:
		return float64(a.Value(i)), true
	case *array.Uint32:
		return float64(a.Value(i)), true
	case *array.Uint16:
		return float64(a.Value(i)), true
	case *array.Uint8:
		return float64(a.Value(i)), true
	case *array.Float64:
		return a.Value(i), true
	case *array.Float32:
		return float64(a.Value(i)), true
	case *array.Timestamp:
		return float64(a.Value(i)), true
	case *array.Date32:
		return float64(a.Value(i)), true
	case *array.Date64:
		return float64(a.Value(i)), true
	default:
		return 0, false
	}
}

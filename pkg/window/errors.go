package window

import "github.com/cockroachdb/errors"

// ErrConfiguration marks a malformed window definition. It is reported once,
// when a kernel is constructed, and aborts the query before any batch flows.
var ErrConfiguration = errors.New("window configuration error")

func configErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

package distributed

import "github.com/cockroachdb/errors"

var (
	// ErrProtocol marks stray, duplicate or misrouted messages. Such messages
	// are logged and dropped; the error never fails a kernel.
	ErrProtocol = errors.New("protocol error")

	// ErrTransportClosed is returned by a Transport once it has been closed.
	ErrTransportClosed = errors.New("transport closed")
)

func protocolErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrProtocol)
}

package perf

import "errors"

var (
	// ErrIO is an underlying stream failure.
	ErrIO = errors.New("stream i/o error")
	// ErrProtocolViolation is a malformed or truncated receipt.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrConnectionLost means the peer or the transport went away mid-run.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNegotiationFailed means the peer does not speak the benchmark protocol.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrWouldBlock is returned by non-blocking substream operations that
	// cannot make progress yet. A readiness event follows.
	ErrWouldBlock = errors.New("operation would block")
	// ErrStreamClosed is returned for operations on a locally closed substream.
	ErrStreamClosed = errors.New("substream closed")
)

// Reason maps an outcome error to its short taxonomy name.
func Reason(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrConnectionLost):
		return "connection-lost"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol-violation"
	case errors.Is(err, ErrNegotiationFailed):
		return "negotiation-failed"
	case errors.Is(err, ErrIO):
		return "io-error"
	}
	return "unknown"
}

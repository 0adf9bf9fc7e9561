package transport

import (
	"errors"

	"github.com/wirebus/gobusd/internal/message"
)

// ErrProtocol marks a wire-level violation (bad framing, malformed
// header, oversized message). The router disconnects the offending peer
// without an error reply.
var ErrProtocol = errors.New("transport: protocol violation")

// ErrCodecClosed is returned by Queue after Shutdown or Close.
var ErrCodecClosed = errors.New("transport: codec closed")

// Codec is one connection's message pipe between the socket and the
// routing core.
//
// Dequeue is called from a single ingress goroutine per connection and
// blocks until a complete inbound message is available; it returns
// io.EOF on orderly hang-up and ErrProtocol (wrapped) on framing
// violations. Queue is called from the dispatch loop and never blocks:
// outbound flow control is the byte-quota charge the router takes before
// queueing, not socket backpressure.
type Codec interface {
	// Dequeue returns the next decoded inbound message.
	Dequeue() (*message.Message, error)

	// Queue appends msg to the outbound queue. txid tags the broadcast
	// transaction the message belongs to (zero for unicast). release, if
	// non-nil, is invoked exactly once when the message leaves the queue,
	// whether written out or discarded at teardown.
	Queue(msg *message.Message, txid uint64, release func()) error

	// Shutdown stops accepting new outbound messages, flushes what is
	// already queued, then closes the connection.
	Shutdown()

	// Close tears the connection down immediately, discarding queued
	// outbound messages (their release hooks still run) and unblocking
	// any Dequeue in progress.
	Close() error
}

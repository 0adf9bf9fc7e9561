package transport

import (
	"io"
	"sync"

	"github.com/wirebus/gobusd/internal/message"
)

// MemCodec is an in-process Codec with no socket underneath: tests push
// inbound messages with Push and inspect outbound traffic with TakeSent. Outbound release hooks run when the
// message is taken, so byte-quota accounting behaves as it would once a
// real socket flushed — a test that never drains the codec models a
// stalled reader.
type MemCodec struct {
	mu     sync.Mutex
	in     chan *message.Message
	out    []outbound
	txids  []uint64
	closed bool
}

// NewMemCodec creates a memory codec able to buffer up to depth inbound
// messages without a Dequeue in progress.
func NewMemCodec(depth int) *MemCodec {
	return &MemCodec{in: make(chan *message.Message, depth)}
}

// Push delivers an inbound message as if it arrived from the socket.
func (c *MemCodec) Push(m *message.Message) {
	c.in <- m
}

// PushEOF hangs up the inbound side: the next Dequeue (after any
// buffered messages) returns io.EOF.
func (c *MemCodec) PushEOF() {
	close(c.in)
}

func (c *MemCodec) Dequeue() (*message.Message, error) {
	m, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}

func (c *MemCodec) Queue(msg *message.Message, txid uint64, release func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if release != nil {
			release()
		}
		return ErrCodecClosed
	}
	c.out = append(c.out, outbound{msg: msg, release: release})
	c.txids = append(c.txids, txid)
	return nil
}

func (c *MemCodec) Shutdown() {
	_ = c.Close()
}

func (c *MemCodec) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.out
	c.out = nil
	c.txids = nil
	c.mu.Unlock()

	for _, ob := range pending {
		if ob.release != nil {
			ob.release()
		}
	}
	return nil
}

// Closed reports whether the codec has been shut down or closed.
func (c *MemCodec) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TakeSent drains and returns every queued outbound message, running
// their release hooks.
func (c *MemCodec) TakeSent() []*message.Message {
	c.mu.Lock()
	pending := c.out
	c.out = nil
	c.txids = nil
	c.mu.Unlock()

	msgs := make([]*message.Message, 0, len(pending))
	for _, ob := range pending {
		msgs = append(msgs, ob.msg)
		if ob.release != nil {
			ob.release()
		}
	}
	return msgs
}

// QueuedLen reports how many outbound messages are waiting, without
// draining them.
func (c *MemCodec) QueuedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// QueuedTxids returns the transaction ids of the waiting outbound
// messages, in queue order.
func (c *MemCodec) QueuedTxids() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.txids))
	copy(out, c.txids)
	return out
}

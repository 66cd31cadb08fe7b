package vehicle

import (
	"github.com/smallnest/ringbuffer"
)

// CoalesceCapacity is the outbound staging buffer's byte capacity
// (spec.md §3: "coalesce[0..20] bytes").
const CoalesceCapacity = 20

// minFrameSize is the smallest possible on-wire frame (size byte + msg_id,
// no payload) — the buffer is flushed opportunistically once it can no
// longer hold even this much (spec.md §4.3).
const minFrameSize = 2

// CoalesceBuffer is the per-vehicle outbound staging area that batches
// "enqueueable" sends into a single GATT write (spec.md: "Coalescing
// buffer"). It is backed by smallnest/ringbuffer rather than a bare byte
// slice, matching the teacher corpus's preference for a library FIFO over
// a hand-rolled one for byte-oriented staging buffers.
type CoalesceBuffer struct {
	rb *ringbuffer.RingBuffer
}

// NewCoalesceBuffer returns an empty buffer of CoalesceCapacity bytes.
func NewCoalesceBuffer() *CoalesceBuffer {
	return &CoalesceBuffer{rb: ringbuffer.New(CoalesceCapacity)}
}

// Len reports the number of buffered bytes.
func (c *CoalesceBuffer) Len() int {
	return c.rb.Length()
}

// Room reports remaining capacity.
func (c *CoalesceBuffer) Room() int {
	return CoalesceCapacity - c.rb.Length()
}

// WouldOverflow reports whether appending n more bytes would exceed
// capacity.
func (c *CoalesceBuffer) WouldOverflow(n int) bool {
	return c.rb.Length()+n > CoalesceCapacity
}

// NeedsFlush reports whether the buffer can no longer hold even the
// smallest possible frame (spec.md §4.3: "flushed opportunistically when
// it cannot hold even a minimum 2-byte frame").
func (c *CoalesceBuffer) NeedsFlush() bool {
	return c.Room() < minFrameSize
}

// Append stages bytes without flushing. The caller is responsible for
// flushing first if WouldOverflow(len(b)) is true.
func (c *CoalesceBuffer) Append(b []byte) {
	_, _ = c.rb.Write(b)
}

// Flush drains and returns the buffered bytes, resetting the buffer to
// empty. Returns nil if there is nothing to flush.
func (c *CoalesceBuffer) Flush() []byte {
	if c.rb.Length() == 0 {
		return nil
	}
	out := make([]byte, c.rb.Length())
	_, _ = c.rb.Read(out)
	return out
}

// Reset discards any buffered bytes without returning them, used when a
// vehicle leaves CONNECTED (spec.md §3 invariant: "it is empty whenever
// the Vehicle leaves CONNECTED").
func (c *CoalesceBuffer) Reset() {
	c.rb.Reset()
}

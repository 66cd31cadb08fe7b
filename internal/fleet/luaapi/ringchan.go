package luaapi

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics: producers never block indefinitely, the oldest element is
// discarded once full. Used to carry captured Lua print() output
// without letting a runaway script's logging stall its own execution.
type RingChannel[T any] struct {
	ch      chan T
	metrics ringMetrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("luaapi: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest if the buffer is full.
func (rc *RingChannel[T]) Send(v T) {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		<-rc.ch
		rc.metrics.addOverwritten(1)
		rc.ch <- v
		rc.metrics.addWritten(1)
	}
}

// ForceSend is Send, reporting whether an element was dropped to make room.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		select {
		case <-rc.ch:
			rc.metrics.addOverwritten(1)
			dropped = true
		default:
		}
		rc.ch <- v
		rc.metrics.addWritten(1)
	}
	return dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Close closes the underlying channel.
func (rc *RingChannel[T]) Close() { close(rc.ch) }

type ringMetrics struct {
	Written     int64
	Overwritten int64
}

func (m *ringMetrics) addWritten(n int) { atomic.AddInt64(&m.Written, int64(n)) }

func (m *ringMetrics) addOverwritten(n int) { atomic.AddInt64(&m.Overwritten, int64(n)) }

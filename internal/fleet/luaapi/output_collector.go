package luaapi

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// CollectorMetrics tracks a Collector's throughput, for test assertions
// and diagnostics.
type CollectorMetrics struct {
	RecordsProcessed   int64
	ErrorsOccurred     int64
	RecordsOverwritten int64
}

func (m *CollectorMetrics) incProcessed() { atomic.AddInt64(&m.RecordsProcessed, 1) }
func (m *CollectorMetrics) incErrors()    { atomic.AddInt64(&m.ErrorsOccurred, 1) }
func (m *CollectorMetrics) incOverwritten(n uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(n))
}

const (
	collectorNotRunning uint32 = iota
	collectorRunning
	collectorStopping

	// MaxCollectorBuffer guards against accidental misconfiguration.
	MaxCollectorBuffer uint32 = 1024 * 1024
)

// Collector drains an Engine's OutputChannel into a lock-free ring
// buffer so test harnesses can assert on captured script output without
// racing the script's own goroutine, grounded on the teacher's
// internal/lua.LuaOutputCollector.
type Collector struct {
	ch      <-chan OutputRecord
	buffer  mpmc.RichOverlappedRingBuffer[OutputRecord]
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
	metrics CollectorMetrics
	state   uint32
}

// NewCollector creates a Collector reading from ch with the given ring
// buffer size. onError defaults to panicking if nil.
func NewCollector(ch <-chan OutputRecord, bufferSize uint32, onError func(error)) (*Collector, error) {
	if ch == nil {
		return nil, fmt.Errorf("luaapi: output channel cannot be nil")
	}
	if bufferSize == 0 || bufferSize > MaxCollectorBuffer {
		return nil, fmt.Errorf("luaapi: buffer size %d out of range (1..%d)", bufferSize, MaxCollectorBuffer)
	}
	if onError == nil {
		onError = func(err error) { panic(fmt.Sprintf("luaapi: collector: %v", err)) }
	}
	return &Collector{
		ch:      ch,
		buffer:  mpmc.NewOverlappedRingBuffer[OutputRecord](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		state:   collectorNotRunning,
	}, nil
}

// Start begins collecting in a background goroutine.
func (c *Collector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, collectorNotRunning, collectorRunning) {
		return fmt.Errorf("luaapi: collector already running or stopping")
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, collectorNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.ch:
				if !ok {
					return
				}
				if overwrites, err := c.buffer.EnqueueM(rec); err != nil {
					c.metrics.incErrors()
					c.onError(fmt.Errorf("luaapi: enqueue: %w", err))
					return
				} else {
					c.metrics.incOverwritten(overwrites)
					c.metrics.incProcessed()
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("luaapi: collector failed to start within 1s")
	}
}

// Stop stops collection, waiting for the goroutine to exit.
func (c *Collector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, collectorRunning, collectorStopping) {
		if atomic.LoadUint32(&c.state) == collectorNotRunning {
			return nil
		}
	} else {
		close(c.stop)
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("luaapi: collector stop exceeded 5s")
	}
}

// Metrics returns a snapshot of the collector's counters.
func (c *Collector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   atomic.LoadInt64(&c.metrics.RecordsProcessed),
		ErrorsOccurred:     atomic.LoadInt64(&c.metrics.ErrorsOccurred),
		RecordsOverwritten: atomic.LoadInt64(&c.metrics.RecordsOverwritten),
	}
}

// ConsumerFunc processes buffered records one at a time; called with
// nil once the buffer is drained to produce a final result.
type ConsumerFunc[T any] func(record *OutputRecord) (T, error)

// PlainTextConsumer concatenates every record's content, ignoring
// timestamps and source.
func PlainTextConsumer() ConsumerFunc[string] {
	var b strings.Builder
	return func(rec *OutputRecord) (string, error) {
		if rec == nil {
			return b.String(), nil
		}
		b.WriteString(rec.Content)
		return "", nil
	}
}

// Consume drains every buffered record through consumer.
func Consume[T any](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("luaapi: dequeue: %w", err)
		}
		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZero(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZero[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// ConsumePlainText is a convenience wrapper around Consume +
// PlainTextConsumer.
func (c *Collector) ConsumePlainText() (string, error) {
	return Consume(c, PlainTextConsumer())
}

package transport

import "sync"

// FakeConn is an in-memory GATT implementation for engine tests,
// grounded on the teacher's own pattern of overriding a factory var
// (DeviceFactory) to substitute a test double rather than mocking at
// the network layer.
type FakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	notifyCh chan []byte
	discCh   chan struct{}
	closed   bool
	WriteErr error
}

// NewFakeConn returns a FakeConn with buffered notification capacity n.
func NewFakeConn(n int) *FakeConn {
	return &FakeConn{
		notifyCh: make(chan []byte, n),
		discCh:   make(chan struct{}),
	}
}

func (f *FakeConn) WriteWithoutResponse(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	cp := append([]byte{}, data...)
	f.writes = append(f.writes, cp)
	return nil
}

// Writes returns every frame written so far, in order.
func (f *FakeConn) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Deliver injects an inbound notification payload.
func (f *FakeConn) Deliver(payload []byte) {
	f.notifyCh <- payload
}

func (f *FakeConn) Notifications() <-chan []byte { return f.notifyCh }

// EnableNotifications is a no-op: FakeConn always delivers whatever is
// pushed via Deliver, matching the real Conn's post-subscribe behavior
// closely enough for engine tests.
func (f *FakeConn) EnableNotifications() error { return nil }

// ConnHandle returns a synthetic HCI connection handle so the engine's
// latency-tuning kickoff has something to request against in tests.
func (f *FakeConn) ConnHandle() uint16 { return 1 }

// SimulateAlienDisconnect closes the disconnect signal without going
// through Close, simulating an HCI-level link loss the engine didn't
// initiate.
func (f *FakeConn) SimulateAlienDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.discCh)
		f.closed = true
	}
}

func (f *FakeConn) DisconnectedSignal() <-chan struct{} { return f.discCh }

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.discCh)
		f.closed = true
	}
	return nil
}

var _ GATT = (*FakeConn)(nil)

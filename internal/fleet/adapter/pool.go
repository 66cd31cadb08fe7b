package adapter

import (
	"fmt"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Pool is the process-wide Adapter registry. It is single-threaded
// cooperative state: every method is expected to run on the Connection
// Engine's event-loop goroutine. The mutex exists only to make that
// contract cheap to assert in tests that poke the pool from a second
// goroutine; it is not meant to support concurrent mutation in production.
type Pool struct {
	mu       sync.Mutex
	adapters []*Adapter
	logger   *logrus.Logger
	extra    []chipsetEntry
}

// NewPool constructs an empty pool. Call Discover (or Add, in tests) to
// populate it.
func NewPool(logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool{logger: logger}
}

// MergeChipsets installs chipset-cap overrides (e.g. loaded from
// fleet.yaml by internal/fleet/catalog) that take priority over the
// built-in table.
func (p *Pool) MergeChipsets(overrides map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ouiHex, cap := range overrides {
		var a, b, c byte
		if _, err := fmt.Sscanf(ouiHex, "%02x:%02x:%02x", &a, &b, &c); err != nil {
			p.logger.WithField("oui", ouiHex).Warn("ignoring malformed chipset override")
			continue
		}
		p.extra = append(p.extra, chipsetEntry{name: "override:" + ouiHex, oui: [3]byte{a, b, c}, cap: cap})
	}
}

// Add registers a discovered (or, in tests, synthetic) adapter. Its
// MaxInUse is always derived from the chipset table, with merged
// overrides checked first.
func (p *Pool) Add(id int, addr Address) *Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := &Adapter{ID: id, Address: addr}
	defaults.SetDefaults(a)
	a.MaxInUse = capForAddress(addr, p.extra)

	p.adapters = append(p.adapters, a)
	p.logger.WithFields(logrus.Fields{
		"hci":        id,
		"address":    addr.String(),
		"max_in_use": a.MaxInUse,
	}).Info("registered BLE adapter")
	return a
}

// All returns a snapshot of the registered adapters, in discovery order.
func (p *Pool) All() []*Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Adapter, len(p.adapters))
	copy(out, p.adapters)
	return out
}

// Len reports the number of registered adapters.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.adapters)
}

// pickFree is the shared implementation for PickFree and
// PickFreeIncludingBlocked: return the adapter with the smallest InUse
// among those with spare capacity (and, unless includeBlocked, not
// Blocked), breaking ties in favour of whichever adapter was LastUsed.
// Clears LastUsed on every adapter except the one returned (spec.md
// §4.1).
func (p *Pool) pickFree(includeBlocked bool) *Adapter {
	var free *Adapter
	minUsers := int(^uint(0) >> 1) // max int

	for _, a := range p.adapters {
		eligible := a.HasCapacity() && (includeBlocked || !a.Blocked)
		if eligible {
			if a.InUse < minUsers || (a.InUse == minUsers && a.LastUsed) {
				minUsers = a.InUse
				free = a
			}
		}
		a.LastUsed = false
	}

	if free != nil {
		free.LastUsed = true
	}
	return free
}

// PickFree returns a free, unblocked adapter with spare capacity, or nil.
func (p *Pool) PickFree() *Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickFree(false)
}

// PickFreeIncludingBlocked ignores the Blocked flag; used only to tell
// "no capacity at all" apart from "transiently unavailable" (spec.md §4.1).
func (p *Pool) PickFreeIncludingBlocked() *Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickFree(true)
}

// Find returns the adapter with the given id, or nil.
func (p *Pool) Find(id int) *Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.adapters {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// HasCapacityFor reports whether the adapter with the given id currently
// has spare capacity.
func (p *Pool) HasCapacityFor(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.adapters {
		if a.ID == id {
			return a.HasCapacity()
		}
	}
	return false
}

// Block marks the adapter exclusively held by an in-flight connect attempt.
func (p *Pool) Block(a *Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.Blocked = true
}

// Unblock releases the adapter, e.g. once GATT reports ready or after the
// post-failure cool-down elapses.
func (p *Pool) Unblock(a *Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.Blocked = false
}

// AddUser increments the adapter's in-use count.
func (p *Pool) AddUser(a *Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.InUse++
}

// RemoveUser decrements the adapter's in-use count. Panics on underflow:
// a negative in-use count means the engine double-released an adapter,
// which is an invariant violation, not a recoverable runtime error.
func (p *Pool) RemoveUser(a *Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.InUse <= 0 {
		panic(fmt.Sprintf("adapter %d: RemoveUser called with InUse=%d", a.ID, a.InUse))
	}
	a.InUse--
}

// Saturated reports whether no adapter has spare capacity: true for an
// empty pool and for one where every adapter is at capacity — the condition that forces the engine to give up on all
// remaining SHOULD_CONNECT vehicles (spec.md §4.2 step 2).
func (p *Pool) Saturated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.adapters) == 0 {
		return true
	}
	for _, a := range p.adapters {
		if a.HasCapacity() {
			return false
		}
	}
	return true
}

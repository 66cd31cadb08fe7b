package vehicle

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is the ordered, dedup-by-address collection of Vehicles
// (spec.md §3 "Vehicle Registry"), backed by an insertion-ordered map so
// round-robin scheduling (VehicleThatShouldConnect) and iteration order
// (list-vehicles) stay stable and match load order.
type Registry struct {
	vehicles *orderedmap.OrderedMap[string, *Vehicle]
	waitList map[string]struct{}

	// WaitingForPending mirrors spec.md §3's waiting_for_pending: Connect
	// sets it when a vehicle joins the wait list and the engine clears it
	// once the list drains. The REPL does not read it, so shell input is
	// not held back while it is set.
	WaitingForPending bool

	// roundRobin is the index the next VehicleThatShouldConnect scan
	// resumes from (spec.md §4.2 step 1: "starting from the position
	// after the last chosen index").
	roundRobin int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		vehicles: orderedmap.New[string, *Vehicle](),
		waitList: make(map[string]struct{}),
	}
}

// Add inserts a Vehicle, keyed by its address. Returns false (and does
// not insert) if the address is already present — addresses are never
// duplicated (spec.md §3 invariant).
func (r *Registry) Add(v *Vehicle) bool {
	key := v.AddressString()
	if _, exists := r.vehicles.Get(key); exists {
		return false
	}
	r.vehicles.Set(key, v)
	return true
}

// AddFromScan merges one advertisement-derived sighting into the
// registry (spec.md §6's "a scan just found vehicle X, should it join
// the registry" interface). An address already known is left untouched
// — the persisted catalog's name/model win over whatever a scan
// observed — and AddFromScan reports false so the caller can tell new
// from already-known. Unlike the catalog loader, model is always
// ModelUnknown: advertisement payloads don't carry the vendor's
// ankiVehicleType field, only name and address.
func (r *Registry) AddFromScan(addr [6]byte, name string) (*Vehicle, bool) {
	key := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	if v, exists := r.vehicles.Get(key); exists {
		return v, false
	}
	v := New(addr, name, ModelUnknown, 0)
	r.vehicles.Set(key, v)
	return v, true
}

// Get looks up a Vehicle by its 6-byte address.
func (r *Registry) Get(addr [6]byte) (*Vehicle, bool) {
	key := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	return r.vehicles.Get(key)
}

// GetByAddressString looks up a Vehicle by its colon-separated address.
func (r *Registry) GetByAddressString(addr string) (*Vehicle, bool) {
	return r.vehicles.Get(addr)
}

// GetByName returns the first Vehicle with an exact name match.
func (r *Registry) GetByName(name string) (*Vehicle, bool) {
	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Name == name {
			return pair.Value, true
		}
	}
	return nil, false
}

// GetByIndex returns the i-th Vehicle in insertion order.
func (r *Registry) GetByIndex(i int) (*Vehicle, bool) {
	if i < 0 {
		return nil, false
	}
	idx := 0
	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		if idx == i {
			return pair.Value, true
		}
		idx++
	}
	return nil, false
}

// Len reports the number of registered vehicles.
func (r *Registry) Len() int {
	return r.vehicles.Len()
}

// All returns every Vehicle in insertion order.
func (r *Registry) All() []*Vehicle {
	out := make([]*Vehicle, 0, r.vehicles.Len())
	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// RemoveDisconnected drops every Vehicle currently DISCONNECTED, mirroring
// the original tool's removeDisconnectedVehicles — used by `disconnect`'s
// "forget this car" path, not by ordinary teardown (which keeps the
// record, per spec.md §3's lifecycle: "destroyed only on registry
// shutdown").
func (r *Registry) RemoveDisconnected() {
	for pair := r.vehicles.Oldest(); pair != nil; {
		next := pair.Next()
		if pair.Value.State == Disconnected {
			r.vehicles.Delete(pair.Key)
		}
		pair = next
	}
}

// VehicleThatShouldConnect returns the next Vehicle in SHOULD_CONNECT
// state, scanning round-robin from the position after the last chosen
// index (spec.md §4.2 step 1). Returns nil if none qualify.
func (r *Registry) VehicleThatShouldConnect() *Vehicle {
	n := r.vehicles.Len()
	if n == 0 {
		return nil
	}

	i := r.roundRobin
	for steps := 0; steps < n; steps++ {
		if i >= n {
			i = 0
		}
		v, ok := r.GetByIndex(i)
		if !ok {
			i = 0
			continue
		}
		i++
		if v.ShouldConnect() {
			r.roundRobin = i
			return v
		}
	}
	return nil
}

// NumConnected reports how many vehicles are currently CONNECTED.
func (r *Registry) NumConnected() int {
	n := 0
	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.State == Connected {
			n++
		}
	}
	return n
}

// FreeConnectionID returns the smallest integer in {0..255} not currently
// used as a ConnectionID by any CONNECTED vehicle (spec.md §4.2 step 7).
func (r *Registry) FreeConnectionID() (int, bool) {
	used := make(map[int]struct{}, r.vehicles.Len())
	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		v := pair.Value
		if v.State == Connected && v.Transport.HasConnectionID {
			used[v.Transport.ConnectionID] = struct{}{}
		}
	}
	for id := 0; id < 256; id++ {
		if _, taken := used[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// AddToWaitList marks addr as pending for the wait-list gate (spec.md §3
// "wait_list").
func (r *Registry) AddToWaitList(addr string) {
	r.waitList[addr] = struct{}{}
}

// RemoveFromWaitList clears addr from the wait-list gate, called from the
// teardown contract regardless of outcome (spec.md §4.2 teardown
// contract).
func (r *Registry) RemoveFromWaitList(addr string) {
	delete(r.waitList, addr)
}

// WaitListEmpty reports whether every awaited connection attempt has
// completed.
func (r *Registry) WaitListEmpty() bool {
	return len(r.waitList) == 0
}

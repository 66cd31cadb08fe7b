// Package adapter implements the Adapter Pool: the in-memory registry of
// local BLE controllers (HCI devices) that the Connection Engine draws on
// to drive concurrent vehicle connections.
package adapter

import (
	"fmt"
)

// Address is a 6-byte BLE device address.
type Address [6]byte

// String renders the address colon-separated, upper-case, matching the
// vendor tool's MAC formatting.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Adapter is one local BLE controller (spec.md §3 "Adapter").
type Adapter struct {
	ID       int
	Address  Address
	InUse    int  `default:"0"`
	MaxInUse int  `default:"5"`
	Blocked  bool `default:"false"`
	LastUsed bool `default:"false"`
}

// HasCapacity reports whether the adapter can accept another connection.
func (a *Adapter) HasCapacity() bool {
	return a.InUse < a.MaxInUse
}

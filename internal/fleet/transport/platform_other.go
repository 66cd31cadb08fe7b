//go:build !linux

package transport

import (
	"errors"

	"github.com/go-ble/ble"
)

// ErrUnsupportedPlatform is returned wherever this package needs a
// Linux HCI raw socket (adapter-indexed dial, LE_CONN_UPDATE, alien
// connection preemption). Vehicle fleet control over the vendor
// protocol is inherently a Linux multi-adapter feature (spec.md §4.1's
// chipset table is itself BlueZ-specific); other platforms are not a
// target for this package.
var ErrUnsupportedPlatform = errors.New("transport: requires linux")

func newLinuxDevice(adapterID int) (ble.Device, error) {
	return nil, ErrUnsupportedPlatform
}

func sendConnUpdate(adapterID int, connHandle uint16, targetSlots uint16) error {
	return ErrUnsupportedPlatform
}

// PreemptAlienConnection is unimplemented outside Linux.
func PreemptAlienConnection(adapterID int, addr [6]byte) error {
	return ErrUnsupportedPlatform
}

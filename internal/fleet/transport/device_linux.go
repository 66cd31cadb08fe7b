//go:build linux

package transport

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newLinuxDevice opens the go-ble/ble Linux HCI backend bound to a
// specific adapter index, so the Adapter Pool's chosen device (not
// always hci0) is the one actually dialed.
func newLinuxDevice(adapterID int) (ble.Device, error) {
	return linux.NewDeviceWithName("fleetctl", linux.OptDeviceID(adapterID))
}

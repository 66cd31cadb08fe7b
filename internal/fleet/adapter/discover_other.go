//go:build !linux

package adapter

import "errors"

// ErrUnsupportedPlatform is returned by Discover on platforms without a
// Bluetooth HCI raw-socket interface.
var ErrUnsupportedPlatform = errors.New("adapter: HCI discovery requires linux")

// Discover is unimplemented outside Linux; the chipset-table/pool logic
// is platform-independent, but enumerating HCI controllers is not.
func (p *Pool) Discover() error {
	return ErrUnsupportedPlatform
}

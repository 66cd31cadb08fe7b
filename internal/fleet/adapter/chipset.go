package adapter

// chipsetCap maps the top-3-byte vendor OUI of a controller's address to its
// known maximum number of simultaneous LE connections. Ported 1:1 from the
// original tool's knownHciDevices_ table (HciManager.h): the vendor silicon
// imposes a link-layer connection limit independent of anything this
// process does, so these numbers must stay in sync with the hardware, not
// be "tuned".
type chipsetEntry struct {
	name string
	oui  [3]byte
	cap  int
}

var builtinChipsets = []chipsetEntry{
	{name: "LogLink (CSR8510 A10)", oui: [3]byte{0x00, 0x7D, 0x1A}, cap: 5},
	{name: "Broadcom BCM20701 A0", oui: [3]byte{0x00, 0x70, 0xF3}, cap: 8},
	{name: "Apple MacBook internal (Broadcom)", oui: [3]byte{0x00, 0x08, 0x40}, cap: 12},
	{name: "Apple MacBook internal (Broadcom, rev2)", oui: [3]byte{0x00, 0x3B, 0x36}, cap: 12},
	{name: "Lenovo Thinkpad internal (Intel)", oui: [3]byte{0x00, 0xD4, 0xC5}, cap: 5},
}

// defaultCap is used when no chipset entry matches the adapter's address.
const defaultCap = 5

// capForAddress looks up the maximum usable connection count for an
// adapter address by matching bytes [3:6) of its address against the
// known chipset table (extra entries merged in from fleet.yaml take
// priority — see Pool.MergeChipsets).
func capForAddress(addr Address, extra []chipsetEntry) int {
	for _, e := range extra {
		if e.oui == [3]byte{addr[3], addr[4], addr[5]} {
			return e.cap
		}
	}
	for _, e := range builtinChipsets {
		if e.oui == [3]byte{addr[3], addr[4], addr[5]} {
			return e.cap
		}
	}
	return defaultCap
}

//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HCI raw-socket constants not exposed by golang.org/x/sys/unix's
// Bluetooth support, same rationale as internal/fleet/adapter/discover_linux.go.
const (
	hciChannelRaw = 0

	hciCommandPkt = 0x01

	ogfLEController = 0x08
	ocfLEConnUpdate = 0x0013
	leConnUpdateLen = 14
)

type sockaddrHCI struct {
	family  uint16
	dev     uint16
	channel uint16
}

// sendConnUpdate issues HCI LE_CONN_UPDATE on adapterID for the given
// connection handle, requesting an interval of targetSlots * 1.25ms on
// both ends of the range (spec.md §4.4: "renegotiate ... to 16 slots
// (20ms)"). It does not wait for the controller's command-complete
// event — the engine treats the request as fire-and-forget, matching
// spec.md §4.4's "this runs off the event loop" / "failure is logged
// but not fatal".
func sendConnUpdate(adapterID int, connHandle uint16, targetSlots uint16) error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return fmt.Errorf("open HCI command socket: %w", err)
	}
	defer unix.Close(fd)

	addr := sockaddrHCI{family: unix.AF_BLUETOOTH, dev: uint16(adapterID), channel: hciChannelRaw}
	if err := bindHCI(fd, &addr); err != nil {
		return fmt.Errorf("bind hci%d: %w", adapterID, err)
	}

	params := make([]byte, leConnUpdateLen)
	binary.LittleEndian.PutUint16(params[0:], connHandle)
	binary.LittleEndian.PutUint16(params[2:], targetSlots) // conn_interval_min
	binary.LittleEndian.PutUint16(params[4:], targetSlots) // conn_interval_max
	binary.LittleEndian.PutUint16(params[6:], 0)           // conn_latency
	binary.LittleEndian.PutUint16(params[8:], 0x0c80)      // supervision_timeout (~32s, BlueZ default-ish)
	binary.LittleEndian.PutUint16(params[10:], 0x0000)     // min_ce_length
	binary.LittleEndian.PutUint16(params[12:], 0x0000)     // max_ce_length

	opcode := uint16(ogfLEController)<<10 | uint16(ocfLEConnUpdate)
	pkt := make([]byte, 1+2+1+len(params))
	pkt[0] = hciCommandPkt
	binary.LittleEndian.PutUint16(pkt[1:], opcode)
	pkt[3] = byte(len(params))
	copy(pkt[4:], params)

	if _, err := unix.Write(fd, pkt); err != nil {
		return fmt.Errorf("write LE_CONN_UPDATE: %w", err)
	}
	return nil
}

func bindHCI(fd int, addr *sockaddrHCI) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(addr)), unsafe.Sizeof(*addr))
	if errno != 0 {
		return errno
	}
	return nil
}

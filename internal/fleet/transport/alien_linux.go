//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HCI connection-list ioctls, following the same numbering scheme as
// HCIGETDEVLIST/HCIGETDEVINFO in internal/fleet/adapter/discover_linux.go
// (bluetooth/hci.h's _IOR('H', N, int) family).
const (
	hciGetConnList = 0x800448d4
	hciMaxConns    = 16

	leLinkType = 0x80

	ogfLinkControl             = 0x01
	ocfDisconnect              = 0x0006
	reasonRemoteUserTerminated = 0x13
)

type hciConnListReq struct {
	devID   uint16
	connNum uint16
	conns   [hciMaxConns]hciConnInfo
}

type hciConnInfo struct {
	handle   uint16
	bdaddr   [6]byte
	typ      uint8
	out      uint8
	state    uint16
	linkMode uint32
}

// PreemptAlienConnection scans adapterID's active connection table for
// an LE link to addr and issues an HCI disconnect with reason
// REMOTE_USER_TERMINATED, matching spec.md §4.2's "alien connection
// preemption": some adapters refuse a fresh connect with EBUSY while
// already holding a stale connection to the same peer from another
// process. Returns nil if no matching connection was found (not an
// error — the caller only preempts when EBUSY is reported).
func PreemptAlienConnection(adapterID int, addr [6]byte) error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return fmt.Errorf("open HCI control socket: %w", err)
	}
	defer unix.Close(fd)

	var list hciConnListReq
	list.devID = uint16(adapterID)
	list.connNum = hciMaxConns
	if err := ioctlConn(fd, hciGetConnList, unsafe.Pointer(&list)); err != nil {
		return fmt.Errorf("HCIGETCONNLIST: %w", err)
	}

	for i := 0; i < int(list.connNum); i++ {
		c := list.conns[i]
		if c.typ != leLinkType {
			continue
		}
		if c.bdaddr != addr {
			continue
		}
		if err := disconnectHandle(adapterID, c.handle, reasonRemoteUserTerminated); err != nil {
			return fmt.Errorf("disconnect alien handle %d: %w", c.handle, err)
		}
	}
	return nil
}

func disconnectHandle(adapterID int, handle uint16, reason uint8) error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return fmt.Errorf("open HCI command socket: %w", err)
	}
	defer unix.Close(fd)

	addr := sockaddrHCI{family: unix.AF_BLUETOOTH, dev: uint16(adapterID), channel: hciChannelRaw}
	if err := bindHCI(fd, &addr); err != nil {
		return fmt.Errorf("bind hci%d: %w", adapterID, err)
	}

	params := []byte{byte(handle), byte(handle >> 8), reason}
	opcode := uint16(ogfLinkControl)<<10 | uint16(ocfDisconnect)
	pkt := make([]byte, 1+2+1+len(params))
	pkt[0] = hciCommandPkt
	binary.LittleEndian.PutUint16(pkt[1:], opcode)
	pkt[3] = byte(len(params))
	copy(pkt[4:], params)

	_, err = unix.Write(fd, pkt)
	return err
}

func ioctlConn(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

//go:build linux

package adapter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux HCI ioctls and structs (bluetooth/hci.h), reproduced here because
// golang.org/x/sys/unix does not expose the Bluetooth protocol family's
// device-management ioctls — this is the raw-socket equivalent of the
// original tool's hci_for_each_dev/HCIGETDEVLIST.
const (
	hciGetDeviceList = 0x800448d2
	hciGetDeviceInfo = 0x800448d3
	hciMaxDevices    = 16
)

type hciDevReq struct {
	devID  uint16
	devOpt uint32
}

type hciDevListReq struct {
	devNum uint16
	devReq [hciMaxDevices]hciDevReq
}

// hciDevInfo mirrors struct hci_dev_info from <bluetooth/hci.h>, trimmed to
// the fields Discover needs (device id and BD address).
type hciDevInfo struct {
	devID  uint16
	name   [8]byte
	bdaddr [6]byte
	flags  uint32
	_      [2]byte // padding to match the kernel struct layout
	rest   [80]byte
}

// Discover enumerates local HCI controllers via a raw HCI management
// socket, the Linux-native equivalent of the original tool's
// hci_for_each_dev(HCI_UP, ...) walk. Adapters found are added to the
// pool with their chipset-derived capacity.
func (p *Pool) Discover() error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return fmt.Errorf("open HCI control socket: %w", err)
	}
	defer unix.Close(fd)

	var list hciDevListReq
	list.devNum = hciMaxDevices
	if err := ioctl(fd, hciGetDeviceList, unsafe.Pointer(&list)); err != nil {
		return fmt.Errorf("HCIGETDEVLIST: %w", err)
	}

	for i := 0; i < int(list.devNum); i++ {
		devID := list.devReq[i].devID

		var info hciDevInfo
		info.devID = devID
		if err := ioctl(fd, hciGetDeviceInfo, unsafe.Pointer(&info)); err != nil {
			p.logger.WithField("hci", devID).WithError(err).Warn("HCIGETDEVINFO failed, skipping adapter")
			continue
		}

		// HCI stores the address reversed relative to the human-readable
		// MAC string; capForAddress expects it in that reversed form to
		// match the original tool's byte-for-byte OUI comparison.
		var addr Address
		copy(addr[:], info.bdaddr[:])

		p.Add(int(devID), addr)
	}

	return nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

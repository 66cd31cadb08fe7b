// Package transport wraps go-ble/ble GATT bring-up for a single vehicle
// connection: dial, vendor service/characteristic discovery, CCCD
// enable, write-without-response, and the HCI connection-interval
// latency tune. It is deliberately the only package that imports
// go-ble/ble directly, mirroring the teacher's own internal/device/go-ble
// isolation of the third-party client behind a narrow interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Vendor GATT UUIDs for the Anki Drive/Overdrive BLE service, drawn from
// the publicly documented reverse-engineered protocol (not present in
// the retrieved original_source/, which only covers the wire message
// layer, not GATT plumbing).
const (
	ServiceUUID   = "be15beeb6186407e83810bd89c4d8df4"
	ReadCharUUID  = "be15bee06186407e83810bd89c4d8df4"
	WriteCharUUID = "be15bee16186407e83810bd89c4d8df4"
)

// ErrServiceNotFound/ErrCharNotFound are returned when the expected
// vendor GATT layout is missing from the discovered profile — this
// indicates a non-vendor peripheral or a firmware that renumbered its
// attributes.
var (
	ErrServiceNotFound = fmt.Errorf("transport: vendor service not found")
	ErrCharNotFound    = fmt.Errorf("transport: vendor characteristic not found")
)

// DialFunc opens a BLE client for a given HCI adapter and peer address.
// Overridable in tests, mirroring the teacher's DeviceFactory override
// pattern in internal/device/go-ble/connection.go.
var DialFunc = dialLinux

// Conn is a live GATT connection to one vehicle.
type Conn struct {
	client ble.Client
	logger *logrus.Logger

	readChar  *ble.Characteristic
	writeChar *ble.Characteristic

	ReadCharHandle  uint16
	WriteCharHandle uint16
	WriteCharProps  uint8

	notifyCh chan []byte
}

// Dial brings up a GATT connection on the given HCI adapter to addr,
// discovers the vendor service, and returns a Conn ready for
// EnableNotifications/WriteWithoutResponse. ctx bounds the whole
// bring-up, matching spec.md §4.2's 5-second connect timeout.
func Dial(ctx context.Context, logger *logrus.Logger, adapterID int, addr string) (*Conn, error) {
	client, err := DialFunc(ctx, adapterID, addr)
	if err != nil {
		return nil, err
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("transport: discover profile: %w", err)
	}

	var svc *ble.Service
	for _, s := range profile.Services {
		if normalizeUUID(s.UUID.String()) == ServiceUUID {
			svc = s
			break
		}
	}
	if svc == nil {
		_ = client.CancelConnection()
		return nil, ErrServiceNotFound
	}

	var readChar, writeChar *ble.Characteristic
	for _, c := range svc.Characteristics {
		switch normalizeUUID(c.UUID.String()) {
		case ReadCharUUID:
			readChar = c
		case WriteCharUUID:
			writeChar = c
		}
	}
	if readChar == nil || writeChar == nil {
		_ = client.CancelConnection()
		return nil, ErrCharNotFound
	}

	conn := &Conn{
		client:          client,
		logger:          logger,
		readChar:        readChar,
		writeChar:       writeChar,
		ReadCharHandle:  readChar.ValueHandle,
		WriteCharHandle: writeChar.ValueHandle,
		WriteCharProps:  uint8(writeChar.Property),
		notifyCh:        make(chan []byte, 64),
	}
	return conn, nil
}

func normalizeUUID(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '-' {
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// EnableNotifications writes the CCCD to enable notifications on the
// read characteristic and begins delivering payloads on Notifications().
func (c *Conn) EnableNotifications() error {
	return c.client.Subscribe(c.readChar, false, func(data []byte) {
		cp := append([]byte{}, data...)
		select {
		case c.notifyCh <- cp:
		default:
			c.logger.Warn("notification channel full, dropping frame")
		}
	})
}

// Notifications returns the channel notification payloads are delivered
// on, in radio receive order (spec.md §5 "Notifications are delivered
// to the codec in radio receive order").
func (c *Conn) Notifications() <-chan []byte {
	return c.notifyCh
}

// WriteWithoutResponse issues a single GATT write-without-response.
func (c *Conn) WriteWithoutResponse(data []byte) error {
	return c.client.WriteCharacteristic(c.writeChar, data, true)
}

// Close tears down the GATT connection and the underlying ATT/L2CAP
// socket. Idempotent, matching spec.md §4.2's teardown contract.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.CancelConnection()
	c.client = nil
	return err
}

// DisconnectedSignal returns a channel that closes when the peer (or the
// HCI stack) reports the link as gone, used by the engine to detect
// alien disconnects without polling.
func (c *Conn) DisconnectedSignal() <-chan struct{} {
	return c.client.Disconnected()
}

// ConnHandle returns the underlying HCI connection handle, used by the
// latency tuner to target its LE_CONN_UPDATE request. go-ble/ble does
// not expose this in its public Client interface, so this relies on the
// pinned fork (see go.mod's replace directive) giving its Linux HCI
// client a `Handle() uint16` method, asserted directly on the client;
// it returns 0 if that method
// isn't present, and callers should treat 0 as "unknown, skip tuning."
func (c *Conn) ConnHandle() uint16 {
	type handled interface{ Handle() uint16 }
	if h, ok := c.client.(handled); ok {
		return h.Handle()
	}
	return 0
}

func dialLinux(ctx context.Context, adapterID int, addr string) (ble.Client, error) {
	dev, err := newLinuxDevice(adapterID)
	if err != nil {
		return nil, fmt.Errorf("transport: open hci%d: %w", adapterID, err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s on hci%d: %w", addr, adapterID, err)
	}
	return client, nil
}

// connectTimeout records the 5-second connect bound (spec.md §4.2:
// "5-second connect timeout"). Dial does not apply it; the deadline
// comes from the caller's context.
const connectTimeout = 5 * time.Second

// Sighting is one advertisement observed during Scan, trimmed to the
// fields the `scan` REPL command and internal/fleet/scanner care about.
type Sighting struct {
	Address   string
	LocalName string
	Services  []ble.UUID
}

// SightingHandler is called once per advertisement seen during Scan, in
// receive order; duplicates are not filtered here (spec.md leaves
// dedup to the collaborator, per §6).
type SightingHandler func(Sighting)

// Scan performs a raw BLE discovery scan on the given HCI adapter for
// the given budget, invoking h for every advertisement observed. Scan
// is a blocking call: spec.md §5 explicitly carves out "a blocking
// 3-second scan budget" as a narrow exception to the engine's
// single-threaded cooperative loop, since advertisement scanning is an
// external collaborator's concern, not the core's.
func Scan(ctx context.Context, adapterID int, budget time.Duration, h SightingHandler) error {
	dev, err := newLinuxDevice(adapterID)
	if err != nil {
		return fmt.Errorf("transport: open hci%d: %w", adapterID, err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err = ble.Scan(scanCtx, true, func(a ble.Advertisement) {
		h(Sighting{
			Address:   a.Addr().String(),
			LocalName: a.LocalName(),
			Services:  a.Services(),
		})
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("transport: scan hci%d: %w", adapterID, err)
	}
	return nil
}

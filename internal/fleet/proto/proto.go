// Package proto implements the vendor wire protocol: the
// [size|msg_id|payload] frame format, the message-id catalog, and the
// encode/decode routines for every command and event the Connection
// Engine exchanges with a vehicle over its write/notify characteristics.
package proto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxFrameSize is the largest encodable frame: one size byte, one msg_id
// byte, and up to 18 bytes of payload, matching the 20-byte GATT write
// chunk the transport and coalescing buffer are both sized around
// (spec.md §3 "coalesce[0..20] bytes").
const MaxFrameSize = 20

// MsgID identifies a vendor protocol message. Values below are the
// vehicle-to-controller (V2C) and controller-to-vehicle (C2V) ids drawn
// from the original tool's protocol header; ids not directly confirmed
// against retrieved source are noted per-constant.
type MsgID uint8

const (
	// MsgC2VSDKMode puts the vehicle into SDK control mode.
	MsgC2VSDKMode MsgID = 0x90
	// MsgC2VPing requests a PING_RESPONSE.
	MsgC2VPing MsgID = 0x16
	// MsgV2CPingResponse is the PING_RESPONSE reply.
	MsgV2CPingResponse MsgID = 0x17
	// MsgC2VVersionRequest requests firmware/hardware version.
	MsgC2VVersionRequest MsgID = 0x18
	// MsgV2CVersionResponse carries the firmware version.
	MsgV2CVersionResponse MsgID = 0x19
	// MsgC2VSetSpeed sets longitudinal speed/acceleration.
	MsgC2VSetSpeed MsgID = 0x24
	// MsgC2VChangeLane issues a relative lane change.
	MsgC2VChangeLane MsgID = 0x25
	// MsgC2VSetOffset sets the target lateral offset directly.
	MsgC2VSetOffset MsgID = 0x2c
	// MsgV2CLocalizationPositionUpdate is a Drive-firmware position report,
	// confirmed via original_source/inc/.../AnkiDriveProtocol.h.
	MsgV2CLocalizationPositionUpdate MsgID = 0x27
	// MsgV2CLocalizationTransitionUpdate is a lane-transition report,
	// confirmed via the same header.
	MsgV2CLocalizationTransitionUpdate MsgID = 0x29
	// MsgC2VCancelLaneChange cancels an in-flight lane change.
	MsgC2VCancelLaneChange MsgID = 0x2e
	// MsgC2VSetConfigParams configures per-vehicle parameters (e.g. loop
	// compensation, accessory mode).
	MsgC2VSetConfigParams MsgID = 0x45
	// MsgC2VCorrectOffset nudges the vehicle's believed lateral offset,
	// confirmed literal 0x34 via original_source/src/Vehicle.cpp.
	MsgC2VCorrectOffset MsgID = 0x34
	// MsgC2VConfigureTrack seeds the vehicle's track-length table,
	// confirmed literal 0x49 via original_source/src/Vehicle.cpp.
	MsgC2VConfigureTrack MsgID = 0x49
	// MsgC2VUturn requests a U-turn at the next opportunity.
	MsgC2VUturn MsgID = 0x32
	// MsgC2VSetLights sets discrete light channel levels.
	MsgC2VSetLights MsgID = 0x33
	// MsgC2VSetLightsPattern sets a light animation pattern/channel/cycle.
	MsgC2VSetLightsPattern MsgID = 0x3d
	// MsgV2CBatteryResponse reports battery voltage in millivolts.
	MsgV2CBatteryResponse MsgID = 0x1b
	// MsgC2VBatteryRequest requests a MsgV2CBatteryResponse.
	MsgC2VBatteryRequest MsgID = 0x1a
	// MsgC2VEHLO is the vehicle identification handshake the original
	// tool logs once and then deliberately lets fall through to its
	// default branch (spec.md Design Note (a)); confirmed literal 0x0c
	// via original_source/src/Vehicle.cpp.
	MsgC2VEHLO MsgID = 0x0c
)

// Frame is a decoded [size|msg_id|payload] unit.
type Frame struct {
	ID      MsgID
	Payload []byte
}

// Encode renders a Frame to its wire form: size byte (msg_id + payload
// length), msg_id byte, then payload. Returns an error if the frame would
// exceed MaxFrameSize.
func Encode(f Frame) ([]byte, error) {
	total := 2 + len(f.Payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame for msg 0x%02x is %d bytes, max %d", ErrFrameTooLarge, f.ID, total, MaxFrameSize)
	}
	out := make([]byte, total)
	out[0] = byte(1 + len(f.Payload))
	out[1] = byte(f.ID)
	copy(out[2:], f.Payload)
	return out, nil
}

// Decode parses the leading frame from b, returning the frame and the
// number of bytes it consumed. Multiple frames may be packed back to
// back in a single GATT notification.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < 1 {
		return Frame{}, 0, ErrShortFrame
	}
	size := int(b[0])
	if size < 1 {
		return Frame{}, 0, fmt.Errorf("%w: size byte %d is below the 1-byte minimum (msg_id with no payload)", ErrMalformedFrame, size)
	}
	consumed := 1 + size
	if len(b) < consumed {
		return Frame{}, 0, ErrShortFrame
	}
	return Frame{ID: MsgID(b[1]), Payload: b[2:consumed]}, consumed, nil
}

// DecodeAll parses every complete frame packed into b, returning the
// leftover unconsumed bytes (a partial frame awaiting more notification
// data).
func DecodeAll(b []byte) ([]Frame, []byte) {
	var frames []Frame
	for len(b) > 0 {
		f, n, err := Decode(b)
		if err != nil {
			break
		}
		frames = append(frames, f)
		b = b[n:]
	}
	return frames, b
}

// putFloat32 writes a little-endian IEEE-754 float32, matching the
// original protocol's packed struct layout.
func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

// getFloat32 reads a little-endian IEEE-754 float32.
func getFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

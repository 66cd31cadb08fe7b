package proto

import (
	"fmt"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// Event ids not already declared in proto.go as outbound commands.
const (
	// MsgV2COffsetFromRoadCenterUpdate reports lane-change progress.
	MsgV2COffsetFromRoadCenterUpdate MsgID = 0x2d
	// MsgV2CVehicleDelocalized signals lost position tracking.
	MsgV2CVehicleDelocalized MsgID = 0x2b
	// MsgV2CWheelMovement is a best-effort id for the "wheel-movement
	// pair of flags" event (spec.md §4.3); not confirmed against
	// retrieved source, since the owning SDK header was not retrieved.
	MsgV2CWheelMovement MsgID = 0x4d
	// MsgV2CStateChange is a best-effort id for the "state-change quad
	// of flags" event; same caveat as MsgV2CWheelMovement.
	MsgV2CStateChange MsgID = 0x3f
)

// PingReply is the decoded PING_RESPONSE payload.
type PingReply struct {
	Tagged bool
	ID     uint32
}

// DecodePingReply parses a PING_RESPONSE. An empty payload means an
// untagged ping; a 4-byte payload carries the id echoed from
// PingWithID.
func DecodePingReply(payload []byte) (PingReply, error) {
	switch len(payload) {
	case 0:
		return PingReply{}, nil
	case 4:
		return PingReply{Tagged: true, ID: getUint32(payload)}, nil
	default:
		return PingReply{}, fmt.Errorf("%w: PING_RESPONSE payload length %d", ErrMalformedFrame, len(payload))
	}
}

// DecodeVersion parses a VERSION_RESPONSE (16-bit firmware version, LE).
func DecodeVersion(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: VERSION_RESPONSE payload length %d", ErrShortFrame, len(payload))
	}
	return getUint16(payload), nil
}

// DecodeVoltage parses a BATTERY_LEVEL_RESPONSE (millivolts, LE).
func DecodeVoltage(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: BATTERY_LEVEL_RESPONSE payload length %d", ErrShortFrame, len(payload))
	}
	return getUint16(payload), nil
}

// driveLocalizationPayloadLen is msg_id-exclusive payload length for
// Drive-firmware LOCALIZATION_POSITION_UPDATE: reserved[2] + offset
// float32 + speed uint16 + is_clockwise uint8 (9 bytes, confirmed via
// original_source/inc/.../AnkiDriveProtocol.h's SIZE=10 macro, which
// counts msg_id+payload).
const driveLocalizationPayloadLen = 9

// overdriveLocalizationPayloadLen is the Overdrive layout: block,
// segment, offset float32, speed uint16, flags — the exact Overdrive
// struct was not present in the retrieved source (it lives in the
// unretrieved Anki Drive SDK header), so this layout is a best-effort
// reconstruction from spec.md §4.3's field list.
const overdriveLocalizationPayloadLen = 9

// DecodeLocalizationPositionUpdate parses a LOCALIZATION_POSITION_UPDATE
// for either firmware generation. The offset is returned as it appears
// on the wire; overdrive offsets are negated when driving clockwise, and
// Dispatch un-negates them using the vehicle's LastClockwise (spec.md
// §4.3).
func DecodeLocalizationPositionUpdate(payload []byte, overdrive bool) (vehicle.Localization, error) {
	if !overdrive {
		if len(payload) < driveLocalizationPayloadLen {
			return vehicle.Localization{}, fmt.Errorf("%w: Drive LOCALIZATION_POSITION_UPDATE payload length %d", ErrShortFrame, len(payload))
		}
		offset := getFloat32(payload[2:6])
		speed := getUint16(payload[6:8])
		clockwise := payload[8] != 0
		return vehicle.Localization{
			Offset:    offset,
			Speed:     speed,
			Clockwise: clockwise,
			Valid:     true,
		}, nil
	}

	if len(payload) < overdriveLocalizationPayloadLen {
		return vehicle.Localization{}, fmt.Errorf("%w: Overdrive LOCALIZATION_POSITION_UPDATE payload length %d", ErrShortFrame, len(payload))
	}
	block := payload[0]
	segment := payload[1]
	offset := getFloat32(payload[2:6])
	speed := getUint16(payload[6:8])
	flags := payload[8]
	reverseParsing := flags&0x80 != 0
	readingLen := flags & 0x0f

	// The clockwise flag is not itself carried in this layout; Dispatch
	// un-negates the wire offset using the vehicle's last known direction
	// (spec.md §4.3: "Offset is negated when driving clockwise (Overdrive
	// only)").
	_ = reverseParsing
	return vehicle.Localization{
		Block:      block,
		Segment:    segment,
		Offset:     offset,
		Speed:      speed,
		ReadingLen: readingLen,
		Valid:      true,
	}, nil
}

// UnsignOverdriveOffset reverses the clockwise sign convention applied
// on the wire, given the vehicle's last known clockwise flag.
func UnsignOverdriveOffset(offset float32, clockwise bool) float32 {
	if clockwise {
		return -offset
	}
	return offset
}

// TransitionUpdate is the decoded LOCALIZATION_TRANSITION_UPDATE.
type TransitionUpdate struct {
	Offset    float32
	Clockwise bool
}

// DecodeLocalizationTransitionUpdate parses a transition update. For
// Drive firmware, is_clockwise is explicit in the payload. For
// Overdrive, the payload instead carries a driving_direction byte whose
// meaning is always FORWARD regardless of loop direction (spec.md
// §4.3), so the caller's last known clockwise flag is echoed back
// unchanged.
func DecodeLocalizationTransitionUpdate(payload []byte, overdrive bool, lastClockwise bool) (TransitionUpdate, error) {
	if !overdrive {
		if len(payload) < 6 {
			return TransitionUpdate{}, fmt.Errorf("%w: Drive LOCALIZATION_TRANSITION_UPDATE payload length %d", ErrShortFrame, len(payload))
		}
		offset := getFloat32(payload[1:5])
		clockwise := payload[5] != 0
		return TransitionUpdate{Offset: offset, Clockwise: clockwise}, nil
	}

	if len(payload) < 7 {
		return TransitionUpdate{}, fmt.Errorf("%w: Overdrive LOCALIZATION_TRANSITION_UPDATE payload length %d", ErrShortFrame, len(payload))
	}
	offset := getFloat32(payload[2:6])
	return TransitionUpdate{Offset: UnsignOverdriveOffset(offset, lastClockwise), Clockwise: lastClockwise}, nil
}

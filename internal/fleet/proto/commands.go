package proto

// SDKMode builds the "enter SDK mode" command (spec.md §4.3
// set_sdk_mode(u8)).
func SDKMode(flags uint8) Frame {
	return Frame{ID: MsgC2VSDKMode, Payload: []byte{0x01, flags}}
}

// Ping builds an untagged ping request.
func Ping() Frame {
	return Frame{ID: MsgC2VPing}
}

// PingWithID builds a tagged ping request carrying an id the reply can
// be correlated against (spec.md §4.3 ping_with_id(u32)).
func PingWithID(id uint32) Frame {
	p := make([]byte, 4)
	putUint32(p, id)
	return Frame{ID: MsgC2VPing, Payload: p}
}

// RequestVersion builds a firmware-version request.
func RequestVersion() Frame {
	return Frame{ID: MsgC2VVersionRequest}
}

// RequestVoltage builds a battery-voltage request.
func RequestVoltage() Frame {
	return Frame{ID: MsgC2VBatteryRequest}
}

// SetSpeed builds a longitudinal speed/acceleration command.
// speedMmS and accelMmS2 are little-endian 16-bit fields.
func SetSpeed(speedMmS, accelMmS2 uint16, respectRoadPieceLimit bool) Frame {
	p := make([]byte, 5)
	putUint16(p[0:], speedMmS)
	putUint16(p[2:], accelMmS2)
	if !respectRoadPieceLimit {
		p[4] = 0x01
	}
	return Frame{ID: MsgC2VSetSpeed, Payload: p}
}

// offsetForWire applies the Overdrive clockwise sign convention
// (spec.md §4.3 "Sign convention"): for Overdrive firmware driving
// clockwise, lateral offsets are negated on the wire.
func offsetForWire(offsetMM float32, overdrive, clockwise bool) float32 {
	if overdrive && clockwise {
		return -offsetMM
	}
	return offsetMM
}

// ChangeLane builds a relative lane-change command. Per spec.md §4.3 it
// first resets the anchor by writing offset=0, then issues the tagged
// change — callers send both frames returned here, in order.
func ChangeLane(speedMmS, accelMmS2 uint16, offsetMM float32, overdrive, clockwise bool) [2]Frame {
	reset := setOffsetFrame(0, overdrive, clockwise)
	p := make([]byte, 8)
	putUint16(p[0:], speedMmS)
	putUint16(p[2:], accelMmS2)
	putFloat32(p[4:], offsetForWire(offsetMM, overdrive, clockwise))
	change := Frame{ID: MsgC2VChangeLane, Payload: p}
	return [2]Frame{reset, change}
}

// ChangeLaneAbs builds an absolute lane-change command (no anchor
// reset): the target offset is taken as-is rather than relative to the
// current lane.
func ChangeLaneAbs(speedMmS, accelMmS2 uint16, offsetMM float32, overdrive, clockwise bool) Frame {
	p := make([]byte, 8)
	putUint16(p[0:], speedMmS)
	putUint16(p[2:], accelMmS2)
	putFloat32(p[4:], offsetForWire(offsetMM, overdrive, clockwise))
	return Frame{ID: MsgC2VChangeLane, Payload: p}
}

// CancelLaneChange builds a lane-change cancellation.
func CancelLaneChange() Frame {
	return Frame{ID: MsgC2VCancelLaneChange}
}

func setOffsetFrame(offsetMM float32, overdrive, clockwise bool) Frame {
	p := make([]byte, 4)
	putFloat32(p, offsetForWire(offsetMM, overdrive, clockwise))
	return Frame{ID: MsgC2VSetOffset, Payload: p}
}

// SetOffset builds a direct lateral-offset command.
func SetOffset(offsetMM float32, overdrive, clockwise bool) Frame {
	return setOffsetFrame(offsetMM, overdrive, clockwise)
}

// CorrectOffset builds a lateral-offset correction (msg id 0x34,
// confirmed via original_source/src/Vehicle.cpp).
func CorrectOffset(deltaMM float32, overdrive, clockwise bool) Frame {
	p := make([]byte, 4)
	putFloat32(p, offsetForWire(deltaMM, overdrive, clockwise))
	return Frame{ID: MsgC2VCorrectOffset, Payload: p}
}

// Uturn builds a U-turn request. Drive and Overdrive firmware use
// different frame shapes (spec.md §4.3); Overdrive's carries an
// explicit "use next road piece" flag, Drive's does not.
func Uturn(overdrive bool) Frame {
	if overdrive {
		return Frame{ID: MsgC2VUturn, Payload: []byte{0x00, 0x00}}
	}
	return Frame{ID: MsgC2VUturn}
}

// SetLights builds a discrete light-mask command.
func SetLights(mask uint8) Frame {
	return Frame{ID: MsgC2VSetLights, Payload: []byte{mask}}
}

// SetLightsPattern builds a light animation command.
func SetLightsPattern(channel, effect, start, end uint8, cyclesPerMin uint16) Frame {
	p := make([]byte, 6)
	p[0] = channel
	p[1] = effect
	p[2] = start
	p[3] = end
	putUint16(p[4:], cyclesPerMin)
	return Frame{ID: MsgC2VSetLightsPattern, Payload: p}
}

// SetConfigParameters builds the per-vehicle configuration command.
func SetConfigParameters(superCodeMask uint8, trackMaterial uint8) Frame {
	return Frame{ID: MsgC2VSetConfigParams, Payload: []byte{superCodeMask, trackMaterial}}
}

// ConfigureTrack builds the track-length seeding command. Per spec.md
// §4.3 this is a black-box 8-byte payload with the lane count at
// offset 1; the remaining bytes are zero-filled since the original
// tool never populates them beyond that field either.
func ConfigureTrack(numLanes uint8) Frame {
	p := make([]byte, 8)
	p[1] = numLanes
	return Frame{ID: MsgC2VConfigureTrack, Payload: p}
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

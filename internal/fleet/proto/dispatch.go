package proto

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// Handlers are the hooks the Connection Engine supplies for inbound
// events it cares about; a nil hook simply means that event is dropped
// (spec.md §4.3 inbound dispatch table).
type Handlers struct {
	OnPing          func(reply PingReply)
	OnVersion       func(version uint16)
	OnVoltage       func(millivolts uint16)
	OnLocalization  func(loc vehicle.Localization)
	OnTransition    func(t TransitionUpdate)
	OnDelocalized   func()
	OnWheelMovement func(payload []byte)
	OnStateChange   func(payload []byte)
}

// Dispatch decodes one frame and routes it to the matching handler,
// mirroring the original tool's onMessage switch (spec.md §4.3). Verbose
// controls the log threshold: OFFSET_FROM_ROAD_CENTER_UPDATE and the
// EHLO hello-reply log only at verbose>=1; fully unknown ids hex-dump
// only at verbose>=2.
//
// The 0x0c ("hello reply") case intentionally does not fall through to
// the unknown-id branch (spec.md Design Note (a)): it logs once here
// and returns, so it is never double-logged as "unknown."
func Dispatch(log *logrus.Logger, v *vehicle.Vehicle, f Frame, h Handlers, verbose int) {
	switch f.ID {
	case MsgV2CPingResponse:
		reply, err := DecodePingReply(f.Payload)
		if err != nil {
			log.WithError(err).Warn("malformed PING_RESPONSE")
			return
		}
		if h.OnPing != nil {
			h.OnPing(reply)
		}

	case MsgV2CVersionResponse:
		ver, err := DecodeVersion(f.Payload)
		if err != nil {
			log.WithError(err).Warn("malformed VERSION_RESPONSE")
			return
		}
		if h.OnVersion != nil {
			h.OnVersion(ver)
		}

	case MsgV2CBatteryResponse:
		mv, err := DecodeVoltage(f.Payload)
		if err != nil {
			log.WithError(err).Warn("malformed BATTERY_LEVEL_RESPONSE")
			return
		}
		if h.OnVoltage != nil {
			h.OnVoltage(mv)
		}

	case MsgV2CLocalizationPositionUpdate:
		loc, err := DecodeLocalizationPositionUpdate(f.Payload, v.IsOverdriveFirmware())
		if err != nil {
			log.WithError(err).Warn("malformed LOCALIZATION_POSITION_UPDATE")
			return
		}
		if v.IsOverdriveFirmware() {
			loc.Offset = UnsignOverdriveOffset(loc.Offset, v.LastClockwise)
			loc.Clockwise = v.LastClockwise
		}
		if h.OnLocalization != nil {
			h.OnLocalization(loc)
		}

	case MsgV2CLocalizationTransitionUpdate:
		t, err := DecodeLocalizationTransitionUpdate(f.Payload, v.IsOverdriveFirmware(), v.LastClockwise)
		if err != nil {
			log.WithError(err).Warn("malformed LOCALIZATION_TRANSITION_UPDATE")
			return
		}
		if h.OnTransition != nil {
			h.OnTransition(t)
		}

	case MsgV2COffsetFromRoadCenterUpdate:
		if verbose >= 1 {
			log.WithField("vehicle", v.AddressString()).Debug("lane-change progress update")
		}

	case MsgV2CVehicleDelocalized:
		if h.OnDelocalized != nil {
			h.OnDelocalized()
		}

	case MsgV2CWheelMovement:
		if h.OnWheelMovement != nil {
			h.OnWheelMovement(f.Payload)
		}

	case MsgV2CStateChange:
		if h.OnStateChange != nil {
			h.OnStateChange(f.Payload)
		}

	case MsgC2VEHLO:
		if verbose >= 1 {
			log.WithField("vehicle", v.AddressString()).Debug("hello reply")
		}
		return

	default:
		if verbose >= 2 {
			log.WithFields(logrus.Fields{
				"vehicle": v.AddressString(),
				"msg_id":  fmt.Sprintf("0x%02x", byte(f.ID)),
				"payload": fmt.Sprintf("% x", f.Payload),
			}).Debug("unknown message")
		}
	}
}

// Send implements the two outbound write modes from spec.md §4.3.
// writeFn performs the actual GATT write-without-response; Send handles
// only the coalescing decision, not the transport call itself.
//
// Drive firmware always writes immediately, matching the original's
// unconditional bypass of the coalescing buffer for that generation. For
// Overdrive firmware: immediate sends (enqueue=false) flush any buffered
// bytes first; coalesced sends (enqueue=true) append to the buffer,
// flushing first if the append would overflow it, and opportunistically
// once the buffer can no longer hold even a minimum 2-byte frame.
func Send(v *vehicle.Vehicle, f Frame, enqueue bool, writeFn func([]byte) error) error {
	wire, err := Encode(f)
	if err != nil {
		return err
	}

	if v.IsDriveFirmware() || !enqueue {
		if buffered := v.Coalesce.Flush(); buffered != nil {
			if err := writeFn(buffered); err != nil {
				return err
			}
		}
		return writeFn(wire)
	}

	if v.Coalesce.WouldOverflow(len(wire)) {
		if buffered := v.Coalesce.Flush(); buffered != nil {
			if err := writeFn(buffered); err != nil {
				return err
			}
		}
	}
	v.Coalesce.Append(wire)

	if v.Coalesce.NeedsFlush() {
		if buffered := v.Coalesce.Flush(); buffered != nil {
			return writeFn(buffered)
		}
	}
	return nil
}

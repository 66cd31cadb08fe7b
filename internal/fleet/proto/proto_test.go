package proto

import (
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		Ping(),
		PingWithID(0xdeadbeef),
		RequestVersion(),
		SetSpeed(1000, 25000, true),
		SetOffset(12.5, true, true),
		CancelLaneChange(),
		SetLights(0x3f),
		ConfigureTrack(4),
	}

	for _, want := range cases {
		wire, err := Encode(want)
		require.NoError(t, err)
		assert.Equal(t, len(wire), int(wire[0])+1, "on-wire length must equal size+1")

		got, n, err := Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, len(wire), n)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Payload, got.Payload)
	}
}

func TestOverdriveClockwiseOffsetSignConvention(t *testing.T) {
	cw := SetOffset(10.0, true, true)
	ccw := SetOffset(-10.0, true, false)
	assert.Equal(t, cw.Payload, ccw.Payload, "clockwise+positive must encode identically to counter-clockwise+negated")
}

func TestDriveFirmwareOffsetNeverNegated(t *testing.T) {
	cw := SetOffset(10.0, false, true)
	ccw := SetOffset(10.0, false, false)
	assert.Equal(t, cw.Payload, ccw.Payload, "Drive firmware must never apply the sign flip")
}

func TestChangeLaneEmitsResetThenTaggedChange(t *testing.T) {
	frames := ChangeLane(500, 1000, 5.0, true, false)
	require.Equal(t, MsgC2VSetOffset, frames[0].ID)
	assert.Equal(t, float32(0), getFloat32(frames[0].Payload))
	require.Equal(t, MsgC2VChangeLane, frames[1].ID)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	_, err := Encode(Frame{ID: MsgC2VSetSpeed, Payload: make([]byte, 30)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeAllSplitsPackedFrames(t *testing.T) {
	a, err := Encode(Ping())
	require.NoError(t, err)
	b, err := Encode(RequestVersion())
	require.NoError(t, err)

	packed := append(append([]byte{}, a...), b...)
	frames, rest := DecodeAll(packed)
	require.Len(t, frames, 2)
	assert.Equal(t, MsgC2VPing, frames[0].ID)
	assert.Equal(t, MsgC2VVersionRequest, frames[1].ID)
	assert.Empty(t, rest)
}

func TestDecodeAllLeavesPartialFrame(t *testing.T) {
	full, err := Encode(RequestVersion())
	require.NoError(t, err)
	partial := append(append([]byte{}, full...), full[:1]...)

	frames, rest := DecodeAll(partial)
	require.Len(t, frames, 1)
	assert.Equal(t, full[:1], rest)
}

func TestCoalescingConcatenatesInOrderAndChunksAtCapacity(t *testing.T) {
	v := vehicle.New([6]byte{1}, "od-1", vehicle.ModelBoson, 0x3000)
	require.True(t, v.IsOverdriveFirmware())

	var writes [][]byte
	writeFn := func(b []byte) error {
		cp := append([]byte{}, b...)
		writes = append(writes, cp)
		return nil
	}

	msgs := []Frame{Ping(), PingWithID(1), RequestVersion(), RequestVoltage(), SetLights(0xaa)}
	var wantConcat []byte
	for _, m := range msgs {
		wire, err := Encode(m)
		require.NoError(t, err)
		wantConcat = append(wantConcat, wire...)
		require.NoError(t, Send(v, m, true, writeFn))
	}
	if tail := v.Coalesce.Flush(); tail != nil {
		writes = append(writes, tail)
	}

	var gotConcat []byte
	for _, w := range writes {
		assert.LessOrEqual(t, len(w), vehicle.CoalesceCapacity)
		gotConcat = append(gotConcat, w...)
	}
	assert.Equal(t, wantConcat, gotConcat)
}

func TestDriveFirmwareNeverCoalesces(t *testing.T) {
	v := vehicle.New([6]byte{2}, "dr-1", vehicle.ModelBoson, 0x1000)
	require.True(t, v.IsDriveFirmware())

	var writes int
	writeFn := func(b []byte) error { writes++; return nil }

	require.NoError(t, Send(v, Ping(), true, writeFn))
	require.NoError(t, Send(v, RequestVersion(), true, writeFn))
	assert.Equal(t, 2, writes)
	assert.Equal(t, 0, v.Coalesce.Len())
}

func TestDispatchEHLODoesNotFallThroughToUnknown(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	hook := logtest.NewLocal(log)
	v := vehicle.New([6]byte{3}, "car", vehicle.ModelBoson, 0x1000)

	unknownSeen := false
	// verbose=2 would surface "unknown message"; EHLO must never trigger it.
	Dispatch(log, v, Frame{ID: MsgC2VEHLO}, Handlers{}, 2)
	for _, e := range hook.AllEntries() {
		if e.Message == "unknown message" {
			unknownSeen = true
		}
	}
	assert.False(t, unknownSeen)
}

func TestDispatchPingPopsHandler(t *testing.T) {
	log := logrus.New()
	v := vehicle.New([6]byte{4}, "car", vehicle.ModelBoson, 0x1000)

	var got PingReply
	called := false
	Dispatch(log, v, Frame{ID: MsgV2CPingResponse, Payload: []byte{1, 0, 0, 0}}, Handlers{
		OnPing: func(r PingReply) { got = r; called = true },
	}, 0)

	require.True(t, called)
	assert.True(t, got.Tagged)
	assert.Equal(t, uint32(1), got.ID)
}

func TestDispatchWheelMovementAndStateChangeReachTheirHooks(t *testing.T) {
	log := logrus.New()
	v := vehicle.New([6]byte{5}, "car", vehicle.ModelBoson, 0x1000)

	var wheelPayload, statePayload []byte
	Dispatch(log, v, Frame{ID: MsgV2CWheelMovement, Payload: []byte{1, 2}}, Handlers{
		OnWheelMovement: func(p []byte) { wheelPayload = p },
	}, 0)
	Dispatch(log, v, Frame{ID: MsgV2CStateChange, Payload: []byte{1, 2, 3, 4}}, Handlers{
		OnStateChange: func(p []byte) { statePayload = p },
	}, 0)

	assert.Equal(t, []byte{1, 2}, wheelPayload)
	assert.Equal(t, []byte{1, 2, 3, 4}, statePayload)
}

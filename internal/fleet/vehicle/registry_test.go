package vehicle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) [6]byte {
	return [6]byte{0, 0, 0, 0, 0, b}
}

func TestRegistryAddRejectsDuplicateAddress(t *testing.T) {
	r := NewRegistry()
	v1 := New(addr(1), "car-1", ModelBoson, 0x1000)
	v2 := New(addr(1), "car-1-dup", ModelBoson, 0x1000)

	assert.True(t, r.Add(v1))
	assert.False(t, r.Add(v2))
	assert.Equal(t, 1, r.Len())
}

func TestVehicleThatShouldConnectRoundRobins(t *testing.T) {
	r := NewRegistry()
	for i := byte(1); i <= 3; i++ {
		v := New(addr(i), "car", ModelBoson, 0x1000)
		v.State = ShouldConnect
		r.Add(v)
	}

	first := r.VehicleThatShouldConnect()
	require.NotNil(t, first)
	first.State = Connecting // engine would move it out of SHOULD_CONNECT

	second := r.VehicleThatShouldConnect()
	require.NotNil(t, second)
	assert.NotEqual(t, first.Address, second.Address)
}

func TestVehicleThatShouldConnectReturnsNilWhenNoneQualify(t *testing.T) {
	r := NewRegistry()
	v := New(addr(1), "car", ModelBoson, 0x1000)
	r.Add(v)

	assert.Nil(t, r.VehicleThatShouldConnect())
}

func TestFreeConnectionIDSkipsUsed(t *testing.T) {
	r := NewRegistry()
	v0 := New(addr(1), "a", ModelBoson, 0x1000)
	v0.State = Connected
	v0.Transport.HasConnectionID = true
	v0.Transport.ConnectionID = 0
	r.Add(v0)

	v1 := New(addr(2), "b", ModelBoson, 0x1000)
	v1.State = Connected
	v1.Transport.HasConnectionID = true
	v1.Transport.ConnectionID = 1
	r.Add(v1)

	id, ok := r.FreeConnectionID()
	require.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestWaitListLifecycle(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.WaitListEmpty())

	r.AddToWaitList("aa:bb:cc:dd:ee:ff")
	assert.False(t, r.WaitListEmpty())

	r.RemoveFromWaitList("aa:bb:cc:dd:ee:ff")
	assert.True(t, r.WaitListEmpty())
}

func TestValidateRejectsDuplicateConnectionIDs(t *testing.T) {
	r := NewRegistry()
	for i := byte(1); i <= 2; i++ {
		v := New(addr(i), "car", ModelBoson, 0x1000)
		v.State = Connected
		v.Transport.HasConnectionID = true
		v.Transport.ConnectionID = 5
		v.Transport.HasAdapter = true
		v.Transport.WriteCharHandle = 0x10
		r.Add(v)
	}

	err := Validate(r)
	assert.Error(t, err)
}

func TestValidateRejectsBufferedBytesWhenDisconnected(t *testing.T) {
	r := NewRegistry()
	v := New(addr(1), "car", ModelBoson, 0x1000)
	v.Timers.LatencyPoll = nil
	r.Add(v)
	assert.NoError(t, Validate(r))

	// Simulate a teardown bug: coalescing buffer left non-empty while DISCONNECTED.
	v2, _ := r.Get(addr(1))
	v2.Coalesce.Append([]byte{0x01})
	assert.Error(t, Validate(r))
}

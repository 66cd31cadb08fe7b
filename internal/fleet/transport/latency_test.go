package transport

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLatencyTunerPollBeforeReadyReturnsFalse(t *testing.T) {
	tuner := NewLatencyTuner(logrus.New())
	_, ok := tuner.Poll("aa:bb:cc:dd:ee:ff")
	assert.False(t, ok)
}

func TestFakeConnRecordsWritesInOrder(t *testing.T) {
	c := NewFakeConn(4)
	assert.NoError(t, c.WriteWithoutResponse([]byte{0x01, 0x02}))
	assert.NoError(t, c.WriteWithoutResponse([]byte{0x03}))

	writes := c.Writes()
	assert.Equal(t, [][]byte{{0x01, 0x02}, {0x03}}, writes)
}

func TestFakeConnDeliverAndDisconnect(t *testing.T) {
	c := NewFakeConn(1)
	c.Deliver([]byte{0xaa})

	select {
	case got := <-c.Notifications():
		assert.Equal(t, []byte{0xaa}, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered notification")
	}

	c.SimulateAlienDisconnect()
	select {
	case <-c.DisconnectedSignal():
	default:
		t.Fatal("DisconnectedSignal should already be closed")
	}
}

package runtime

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fleetctl/internal/fleet/adapter"
	"github.com/srg/fleetctl/internal/fleet/transport"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fakeDial(ctx context.Context, logger *logrus.Logger, adapterID int, addrStr string) (transport.GATT, error) {
	return transport.NewFakeConn(16), nil
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewBuildsEmptyPoolAndRegistry(t *testing.T) {
	r := New(testLogger(), fakeDial, false)
	assert.Equal(t, 0, r.Pool.Len())
	assert.Equal(t, 0, r.Registry.Len())
	assert.False(t, r.Background())
	assert.Equal(t, 0, r.Verbose())
}

func TestObserveWritesColorisedTimestampedLine(t *testing.T) {
	r := New(testLogger(), fakeDial, false)
	var buf bytes.Buffer
	r.Stdout = &buf

	r.observe("info", "vehicle racer-1: connected")
	r.observe("warn", "vehicle racer-1: delocalized")
	r.observe("error", "vehicle racer-1: give up")

	out := buf.String()
	assert.Contains(t, out, "vehicle racer-1: connected")
	assert.Contains(t, out, "vehicle racer-1: delocalized")
	assert.Contains(t, out, "vehicle racer-1: give up")
}

func TestSetVerboseRoundTrips(t *testing.T) {
	r := New(testLogger(), fakeDial, false)
	r.SetVerbose(2)
	assert.Equal(t, 2, r.Verbose())
}

func TestLoadCatalogPopulatesRegistryAndMergesChipsets(t *testing.T) {
	r := New(testLogger(), fakeDial, false)

	catalogPath := writeTemp(t, "vehiclePoolDefaults.json", `{
		"aa:bb:cc:dd:ee:01": {"name": "Skull", "ankiVehicleType": 7}
	}`)
	chipsetPath := writeTemp(t, "fleet.yaml", "adapter_capacity:\n  AA:BB:CC: 9\n")

	require.NoError(t, r.LoadCatalog(catalogPath, chipsetPath))
	require.Equal(t, 1, r.Registry.Len())
	v, ok := r.Registry.GetByAddressString("aa:bb:cc:dd:ee:01")
	require.True(t, ok)
	assert.Equal(t, "Skull", v.Name)
	assert.Equal(t, vehicle.ModelSkullCreek, v.Model)

	a := r.Pool.Add(0, adapter.Address([6]byte{0xaa, 0xbb, 0xcc, 0, 0, 0}))
	assert.Equal(t, 9, a.MaxInUse)
}

func TestReloadCatalogWithoutLoadFirstReturnsError(t *testing.T) {
	r := New(testLogger(), fakeDial, false)
	err := r.ReloadCatalog()
	require.Error(t, err)
}

func TestConnectWakesLoopAndEngineConnectsVehicle(t *testing.T) {
	r := New(testLogger(), fakeDial, false)
	r.Stdout = io.Discard
	a := r.Pool.Add(0, adapter.Address([6]byte{0, 0, 0, 0, 0, 1}))
	a.MaxInUse = 1

	v := vehicle.New([6]byte{0, 0, 0, 0, 0, 2}, "racer", vehicle.ModelKourai, 0)
	require.True(t, r.Registry.Add(v))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx)

	ok := r.Connect(v, 3, true)
	require.True(t, ok)

	require.Eventually(t, v.IsConnected, time.Second, time.Millisecond)

	r.Disconnect(v)
	require.Eventually(t, v.IsDisconnected, time.Second, time.Millisecond)
}

func TestShutdownDisconnectsAllVehiclesAndStopsLoop(t *testing.T) {
	r := New(testLogger(), fakeDial, false)
	r.Stdout = io.Discard
	a := r.Pool.Add(0, adapter.Address([6]byte{0, 0, 0, 0, 0, 1}))
	a.MaxInUse = 1

	v := vehicle.New([6]byte{0, 0, 0, 0, 0, 2}, "racer", vehicle.ModelKourai, 0)
	require.True(t, r.Registry.Add(v))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx)

	require.True(t, r.Connect(v, 3, true))
	require.Eventually(t, v.IsConnected, time.Second, time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	r.Shutdown(shutdownCtx)

	assert.True(t, v.IsDisconnected())
}

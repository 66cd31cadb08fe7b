package luaapi

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fleetctl/internal/fleet/adapter"
	"github.com/srg/fleetctl/internal/fleet/engine"
	"github.com/srg/fleetctl/internal/fleet/transport"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func addr(b byte) [6]byte {
	return [6]byte{0, 0, 0, 0, 0, b}
}

// newHarness builds an Engine over a one-adapter Pool and a Registry
// with a single registered vehicle, mirroring
// internal/fleet/engine's own test harness.
func newHarness(t *testing.T) (*engine.Engine, *vehicle.Registry, *vehicle.Vehicle) {
	t.Helper()
	logger := testLogger()
	pool := adapter.NewPool(logger)
	a := pool.Add(0, adapter.Address(addr(1)))
	a.MaxInUse = 1

	reg := vehicle.NewRegistry()
	v := vehicle.New(addr(2), "racer", vehicle.ModelSkullCreek, 0)
	require.True(t, reg.Add(v))

	dial := func(ctx context.Context, logger *logrus.Logger, adapterID int, addrStr string) (transport.GATT, error) {
		return transport.NewFakeConn(16), nil
	}
	return engine.New(pool, reg, logger, dial), reg, v
}

func drainOutput(e *Engine, timeout time.Duration) string {
	var out bytes.Buffer
	deadline := time.After(timeout)
	for {
		select {
		case rec := <-e.OutputChannel():
			out.WriteString(rec.Content)
		case <-deadline:
			return out.String()
		}
	}
}

func TestEngineCapturesPrintOutput(t *testing.T) {
	e := New(testLogger())
	defer e.Close()

	require.NoError(t, e.ExecuteScript(`print("hello", 42, true, nil)`))
	assert.Equal(t, "hello\t42\ttrue\tnil\n", drainOutput(e, 50*time.Millisecond))
}

func TestEngineJSONLibraryRoundTrips(t *testing.T) {
	e := New(testLogger())
	defer e.Close()

	script := `
local json = require("json")
local encoded = json.encode({1, 2, 3})
print(encoded)
local decoded = json.decode('{"name":"kourai"}')
print(decoded.name)
`
	require.NoError(t, e.ExecuteScript(script))
	got := drainOutput(e, 50*time.Millisecond)
	assert.Contains(t, got, "[1,2,3]")
	assert.Contains(t, got, "kourai")
}

func TestLoadScriptSyntaxErrorReturnsScriptError(t *testing.T) {
	e := New(testLogger())
	defer e.Close()

	err := e.LoadScript("this is not lua (((", "bad.lua")
	require.Error(t, err)

	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "syntax", scriptErr.Type)
}

func TestAPIListVehiclesReturnsRegisteredVehicles(t *testing.T) {
	eng, reg, _ := newHarness(t)
	e := New(testLogger())
	defer e.Close()

	api := NewAPI(eng, reg, testLogger())
	api.Register(e)

	require.NoError(t, e.ExecuteScript(`
local vehicles = fleet.list_vehicles()
print(#vehicles)
print(vehicles[1].name)
print(vehicles[1].state)
`))
	got := drainOutput(e, 50*time.Millisecond)
	assert.Contains(t, got, "1\n")
	assert.Contains(t, got, "racer\n")
	assert.Contains(t, got, "DISCONNECTED\n")
}

func TestAPIConnectMarksVehicleShouldConnect(t *testing.T) {
	eng, reg, v := newHarness(t)
	e := New(testLogger())
	defer e.Close()

	api := NewAPI(eng, reg, testLogger())
	api.Register(e)

	require.NoError(t, e.ExecuteScript(`print(fleet.connect("`+v.AddressString()+`"))`))
	assert.Contains(t, drainOutput(e, 50*time.Millisecond), "true\n")
	assert.True(t, v.ShouldConnect())
}

func TestAPIPingRejectsWhenNotConnected(t *testing.T) {
	eng, reg, v := newHarness(t)
	e := New(testLogger())
	defer e.Close()

	api := NewAPI(eng, reg, testLogger())
	api.Register(e)

	require.NoError(t, e.ExecuteScript(`
local ok, err = fleet.ping("`+v.AddressString()+`")
print(tostring(ok))
print(tostring(err))
`))
	got := drainOutput(e, 50*time.Millisecond)
	assert.Contains(t, got, "false\n")
	assert.Contains(t, got, "not connected")
}

func TestAPIUnknownVehicleRaisesLuaError(t *testing.T) {
	eng, reg, _ := newHarness(t)
	e := New(testLogger())
	defer e.Close()

	api := NewAPI(eng, reg, testLogger())
	api.Register(e)

	err := e.ExecuteScript(`fleet.ping("aa:bb:cc:dd:ee:ff")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such vehicle")
}

func TestCollectorConsumesOutputRecords(t *testing.T) {
	e := New(testLogger())
	defer e.Close()

	collector, err := NewCollector(e.OutputChannel(), 64, nil)
	require.NoError(t, err)
	require.NoError(t, collector.Start())
	defer collector.Stop()

	require.NoError(t, e.ExecuteScript(`print("one") print("two")`))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, collector.Stop())

	text, err := collector.ConsumePlainText()
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", text)

	metrics := collector.Metrics()
	assert.EqualValues(t, 2, metrics.RecordsProcessed)
}

func TestOutputDrainerWritesToWriters(t *testing.T) {
	e := New(testLogger())
	defer e.Close()

	var stdout bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drainer := NewOutputDrainer(ctx, e.OutputChannel(), testLogger(), &stdout, nil)

	require.NoError(t, e.ExecuteScript(`print("piped")`))
	time.Sleep(20 * time.Millisecond)

	drainer.Cancel()
	drainer.Wait()

	assert.Equal(t, "piped\n", stdout.String())
}

func TestExecuteFleetScriptWithOutputWritesStdoutAndArgs(t *testing.T) {
	eng, reg, v := newHarness(t)

	var stdout bytes.Buffer
	err := ExecuteFleetScriptWithOutput(
		context.Background(),
		eng, reg, testLogger(),
		`print(arg["target"]) print(fleet.connect(arg["target"]))`,
		map[string]string{"target": v.AddressString()},
		&stdout, nil,
		50*time.Millisecond,
	)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), v.AddressString())
	assert.Contains(t, stdout.String(), "true")
}

func TestExecuteFleetScriptReturnsCapturedOutput(t *testing.T) {
	eng, reg, v := newHarness(t)

	text, err := ExecuteFleetScript(
		context.Background(),
		eng, reg, testLogger(),
		`print(arg["target"]) print(fleet.connect(arg["target"]))`,
		map[string]string{"target": v.AddressString()},
		50*time.Millisecond,
	)
	require.NoError(t, err)
	assert.Contains(t, text, v.AddressString())
	assert.Contains(t, text, "true")
}

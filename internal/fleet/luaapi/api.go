package luaapi

import (
	"fmt"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/engine"
	"github.com/srg/fleetctl/internal/fleet/proto"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// trackMaterialVinyl/trackMaterialPlastic are the anki_track_material_t
// values set-material maps "vinyl"/"plastic" onto; best-effort (the
// owning SDK header was not retrieved, so these aren't bit-confirmed
// against original_source).
const (
	trackMaterialPlastic uint8 = 0
	trackMaterialVinyl   uint8 = 1
)

// superCodeAll mirrors the original tool's SUPERCODE_ALL default passed
// to setConfigParameters when the script doesn't care about parsing a
// subset of supercodes.
const superCodeAll uint8 = 0xff

// defaultMaxTries bounds connect() retries issued from a script: a
// script's connect() gives up after 5 tries, whereas the REPL's
// `connect` command retries without limit.
const defaultMaxTries = 5

// API binds the fleet command surface spec.md §6 exposes through the
// CLI onto Lua globals, so `execute <script>` can drive the same
// Connection Engine operations, grounded on the teacher's internal/lua
// LuaAPI registration pattern (NewBLEAPI2 + registerBlimAPI).
type API struct {
	Engine   *engine.Engine
	Registry *vehicle.Registry
	Logger   *logrus.Logger
}

// NewAPI builds an API bound to a live Engine and Registry.
func NewAPI(eng *engine.Engine, reg *vehicle.Registry, logger *logrus.Logger) *API {
	return &API{Engine: eng, Registry: reg, Logger: logger}
}

// Register installs the "fleet" global table into e's Lua state,
// exposing one Go function per fleet command. Call once per Engine
// (Engine.Reset() recreates the state and loses any prior registration,
// so callers that Reset() must Register again).
func (api *API) Register(e *Engine) {
	e.with(func(L *lua.State) {
		L.NewTable()

		api.pushFunc(L, "list_vehicles", api.luaListVehicles)
		api.pushFunc(L, "connect", api.luaConnect)
		api.pushFunc(L, "disconnect", api.luaDisconnect)
		api.pushFunc(L, "ping", api.luaPing)
		api.pushFunc(L, "get_version", api.luaGetVersion)
		api.pushFunc(L, "get_battery", api.luaGetBattery)
		api.pushFunc(L, "set_speed", api.luaSetSpeed)
		api.pushFunc(L, "change_lane", api.luaChangeLane)
		api.pushFunc(L, "change_lane_abs", api.luaChangeLaneAbs)
		api.pushFunc(L, "cancel_lane_change", api.luaCancelLaneChange)
		api.pushFunc(L, "set_offset", api.luaSetOffset)
		api.pushFunc(L, "correct_offset", api.luaCorrectOffset)
		api.pushFunc(L, "uturn", api.luaUturn)
		api.pushFunc(L, "set_lights", api.luaSetLights)
		api.pushFunc(L, "set_lights_pattern", api.luaSetLightsPattern)
		api.pushFunc(L, "set_material", api.luaSetMaterial)
		api.pushFunc(L, "sdk_mode", api.luaSDKMode)
		api.pushFunc(L, "connected_vehicles", api.luaConnectedVehicles)

		L.SetGlobal("fleet")
	})
}

// pushFunc wraps fn with a panic recover (spec.md §7: a script error
// must surface as a Lua error, not crash the host process) and installs
// it as a field of the table at the top of the stack.
func (api *API) pushFunc(L *lua.State, name string, fn func(L *lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(func(L *lua.State) (n int) {
		defer func() {
			if r := recover(); r != nil {
				if luaErr, ok := r.(*lua.LuaError); ok {
					panic(luaErr)
				}
				api.Logger.WithFields(logrus.Fields{"function": name, "panic": r}).Error("luaapi: recovered panic in fleet function")
				L.PushNil()
				L.PushString(fmt.Sprintf("fleet.%s: internal error: %v", name, r))
				n = 2
			}
		}()
		return fn(L)
	})
	L.SetTable(-3)
}

// resolveTarget looks up the vehicle addressed by a colon-separated MAC
// or by exact registered name, a narrower form of the REPL's
// select-vehicle resolution (spec.md §6): numeric indices are not
// accepted and names match case-sensitively. Raises a Lua error if no
// match.
func (api *API) resolveTarget(L *lua.State, argIndex int) *vehicle.Vehicle {
	if !L.IsString(argIndex) {
		L.RaiseError("expected a vehicle address or name as argument")
		return nil
	}
	target := L.ToString(argIndex)
	if v, ok := api.Registry.GetByAddressString(target); ok {
		return v
	}
	if v, ok := api.Registry.GetByName(target); ok {
		return v
	}
	L.RaiseError(fmt.Sprintf("no such vehicle: %q", target))
	return nil
}

func pushOK(L *lua.State, err error) int {
	if err != nil {
		L.PushBoolean(false)
		L.PushString(err.Error())
		return 2
	}
	L.PushBoolean(true)
	return 1
}

func (api *API) luaListVehicles(L *lua.State) int {
	L.NewTable()
	i := int64(1)
	for _, v := range api.Registry.All() {
		L.PushInteger(i)
		L.NewTable()

		L.PushString("address")
		L.PushString(v.AddressString())
		L.SetTable(-3)

		L.PushString("name")
		L.PushString(v.Name)
		L.SetTable(-3)

		L.PushString("model")
		L.PushString(v.Model.String())
		L.SetTable(-3)

		L.PushString("state")
		L.PushString(v.State.String())
		L.SetTable(-3)

		L.PushString("connected")
		L.PushBoolean(v.IsConnected())
		L.SetTable(-3)

		L.SetTable(-3)
		i++
	}
	return 1
}

func (api *API) luaConnectedVehicles(L *lua.State) int {
	L.NewTable()
	i := int64(1)
	for _, v := range api.Registry.All() {
		if !v.IsConnected() {
			continue
		}
		L.PushInteger(i)
		L.PushString(v.Name)
		L.SetTable(-3)
		i++
	}
	return 1
}

func (api *API) luaConnect(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	ok := api.Engine.Connect(v, defaultMaxTries, true)
	L.PushBoolean(ok)
	return 1
}

func (api *API) luaDisconnect(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	api.Engine.Disconnect(v)
	L.PushBoolean(true)
	return 1
}

func (api *API) luaPing(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	return pushOK(L, api.Engine.SendPing(v))
}

func (api *API) luaGetVersion(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	return pushOK(L, api.Engine.Send(v, proto.RequestVersion(), false))
}

func (api *API) luaGetBattery(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	return pushOK(L, api.Engine.Send(v, proto.RequestVoltage(), false))
}

func (api *API) luaSetSpeed(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	speed := uint16(L.ToInteger(2))
	accel := uint16(500)
	if L.IsNumber(3) {
		accel = uint16(L.ToInteger(3))
	}
	f := proto.SetSpeed(speed, accel, true)
	return pushOK(L, api.Engine.Send(v, f, false))
}

func (api *API) luaChangeLane(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	speed := uint16(L.ToInteger(2))
	accel := uint16(L.ToInteger(3))
	offset := float32(L.ToNumber(4))
	frames := proto.ChangeLane(speed, accel, offset, v.IsOverdriveFirmware(), v.LastClockwise)
	for _, f := range frames {
		if err := api.Engine.Send(v, f, false); err != nil {
			return pushOK(L, err)
		}
	}
	return pushOK(L, nil)
}

func (api *API) luaChangeLaneAbs(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	speed := uint16(L.ToInteger(2))
	accel := uint16(L.ToInteger(3))
	offset := float32(L.ToNumber(4))
	f := proto.ChangeLaneAbs(speed, accel, offset, v.IsOverdriveFirmware(), v.LastClockwise)
	return pushOK(L, api.Engine.Send(v, f, false))
}

func (api *API) luaCancelLaneChange(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	return pushOK(L, api.Engine.Send(v, proto.CancelLaneChange(), false))
}

func (api *API) luaSetOffset(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	offset := float32(0)
	if L.IsNumber(2) {
		offset = float32(L.ToNumber(2))
	}
	f := proto.SetOffset(offset, v.IsOverdriveFirmware(), v.LastClockwise)
	return pushOK(L, api.Engine.Send(v, f, false))
}

func (api *API) luaCorrectOffset(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	delta := float32(L.ToNumber(2))
	f := proto.CorrectOffset(delta, v.IsOverdriveFirmware(), v.LastClockwise)
	return pushOK(L, api.Engine.Send(v, f, false))
}

func (api *API) luaUturn(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	return pushOK(L, api.Engine.Send(v, proto.Uturn(v.IsOverdriveFirmware()), false))
}

func (api *API) luaSetLights(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	mask := uint8(L.ToInteger(2))
	return pushOK(L, api.Engine.Send(v, proto.SetLights(mask), false))
}

func (api *API) luaSetLightsPattern(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	channel := uint8(L.ToInteger(2))
	effect := uint8(L.ToInteger(3))
	start := uint8(L.ToInteger(4))
	end := uint8(L.ToInteger(5))
	cpm := uint16(L.ToInteger(6))
	f := proto.SetLightsPattern(channel, effect, start, end, cpm)
	return pushOK(L, api.Engine.Send(v, f, false))
}

func (api *API) luaSetMaterial(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	if !L.IsString(2) {
		L.RaiseError("set_material expects \"vinyl\" or \"plastic\"")
		return 0
	}
	material := trackMaterialVinyl
	switch L.ToString(2) {
	case "vinyl":
		material = trackMaterialVinyl
	case "plastic":
		material = trackMaterialPlastic
	default:
		L.RaiseError(fmt.Sprintf("unknown track material %q", L.ToString(2)))
		return 0
	}
	f := proto.SetConfigParameters(superCodeAll, material)
	return pushOK(L, api.Engine.Send(v, f, false))
}

func (api *API) luaSDKMode(L *lua.State) int {
	v := api.resolveTarget(L, 1)
	flags := uint8(1)
	if L.IsNumber(2) {
		flags = uint8(L.ToInteger(2))
	}
	return pushOK(L, api.Engine.Send(v, proto.SDKMode(flags), false))
}

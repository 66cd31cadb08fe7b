package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/srg/fleetctl/internal/fleet/luaapi"
	"github.com/srg/fleetctl/internal/fleet/proto"
	"github.com/srg/fleetctl/internal/fleet/runtime"
	"github.com/srg/fleetctl/internal/fleet/scanner"
	"github.com/srg/fleetctl/internal/fleet/transport"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// session is the REPL's per-process state threaded through every
// command handler: the Runtime plus the currently selected vehicle
// (original_source/src/CommandPrompt.cpp's VehicleSelection).
type session struct {
	rt        *runtime.Runtime
	selection Selection
	stdout    io.Writer
	stderr    io.Writer
}

// commandFunc handles one REPL line's worth of arguments (already
// tokenized, command word excluded) and returns a user-facing error, if
// any. It never returns (error, nil output) for success — output, if
// any, is written directly via s.stdout.
type commandFunc func(ctx context.Context, s *session, args []string) error

var commandTable = map[string]commandFunc{
	"scan":                cmdScan,
	"connect":             cmdConnect,
	"disconnect":          cmdDisconnect,
	"vehicle-disconnect":  cmdDisconnect,
	"disrupt":             cmdDisrupt,
	"read-data":           cmdReadData,
	"hci-state":           cmdHCIState,
	"list-vehicles":       cmdListVehicles,
	"select-vehicle":      cmdSelectVehicle,
	"sdk-mode":            cmdSDKMode,
	"ping":                cmdPing,
	"get-version":         cmdGetVersion,
	"get-battery":         cmdGetBattery,
	"set-speed":           cmdSetSpeed,
	"change-lane":         cmdChangeLane,
	"change-lane-abs":     cmdChangeLaneAbs,
	"cancel-lane-change":  cmdCancelLaneChange,
	"set-offset":          cmdSetOffset,
	"correct-offset":      cmdCorrectOffset,
	"uturn":               cmdUturn,
	"set-lights":          cmdSetLights,
	"set-lights-pattern":  cmdSetLightsPattern,
	"set-material":        cmdSetMaterial,
	"verbose":             cmdVerbose,
	"sleep":               cmdSleep,
	"execute":             cmdExecute,
	"check":               cmdCheck,
	"help":                cmdHelp,
}

func (s *session) printf(format string, a ...any) {
	fmt.Fprintf(s.stdout, format, a...)
}

func (s *session) errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

// targets resolves the current selection against the registry,
// reporting the dummy-selection error spec.md §6 describes ("no vehicle
// selected") instead of silently doing nothing.
func (s *session) targets() ([]*vehicle.Vehicle, error) {
	if s.selection.IsDummy() {
		return nil, fmt.Errorf("no vehicle selected")
	}
	t := s.selection.Targets(s.rt.Registry)
	if len(t) == 0 {
		return nil, fmt.Errorf("selection matches no known vehicle")
	}
	return t, nil
}

func cmdScan(ctx context.Context, s *session, args []string) error {
	adapterID := 0
	budget := scanner.DefaultBudget
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return s.errorf("scan: invalid adapter id %q", args[0])
		}
		adapterID = n
	}
	added, err := scanner.Scan(ctx, s.rt.Registry, s.rt.Logger, adapterID, budget, nil)
	if err != nil {
		return err
	}
	s.printf("scan complete: %d new vehicle(s)\n", added)
	return nil
}

func cmdConnect(ctx context.Context, s *session, args []string) error {
	targets, err := s.targets()
	if err != nil {
		return err
	}
	for _, v := range targets {
		s.rt.Connect(v, 0, true)
	}
	s.printf("connect requested for %d vehicle(s)\n", len(targets))
	return nil
}

func cmdDisconnect(ctx context.Context, s *session, args []string) error {
	targets, err := s.targets()
	if err != nil {
		return err
	}
	for _, v := range targets {
		s.rt.Disconnect(v)
	}
	s.printf("disconnect requested for %d vehicle(s)\n", len(targets))
	return nil
}

// cmdDisrupt evicts a stale connection another tool instance (or a
// crashed prior run) is holding against the selected vehicles' radio
// addresses, original_source's "disrupt alien connections to remote
// device" — implemented here per-vehicle against whatever adapter that
// vehicle is currently assigned (or adapter 0, if none).
func cmdDisrupt(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		adapterID := v.Transport.AdapterID
		return transport.PreemptAlienConnection(adapterID, v.Address)
	})
}

// cmdReadData reports the most recently received version/battery/
// localization data cached on each selected vehicle (original_source's
// cmd_anki_vehicle_read issues a blocking characteristic read; this
// fleet's transport only exposes notifications, so read-data surfaces
// the latest notification-derived snapshot instead of a fresh read).
func cmdReadData(ctx context.Context, s *session, args []string) error {
	targets, err := s.targets()
	if err != nil {
		return err
	}
	for _, v := range targets {
		s.printf("%s: firmware=0x%04x battery=%dmV offset=%.1fmm speed=%d clockwise=%v localized=%v\n",
			v.AddressString(), v.LastVersion, v.LastBatteryMV, v.Last.Offset, v.Last.Speed, v.Last.Clockwise, v.Last.Valid)
	}
	return nil
}

func cmdHCIState(ctx context.Context, s *session, args []string) error {
	for _, a := range s.rt.Pool.All() {
		s.printf("hci%d  %s  in_use=%d cap=%d blocked=%v\n", a.ID, a.Address.String(), a.InUse, a.MaxInUse, a.Blocked)
	}
	return nil
}

func cmdListVehicles(ctx context.Context, s *session, args []string) error {
	all := s.rt.Registry.All()
	if len(all) == 0 {
		s.printf("no known vehicles\n")
		return nil
	}
	for i, v := range all {
		s.printf("%2d  %-20s %s  %-12s firmware=0x%04x battery=%dmV\n",
			i+1, v.Name, v.AddressString(), v.State, v.FirmwareVersion, v.LastBatteryMV)
	}
	return nil
}

func cmdSelectVehicle(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		s.selection = NewSelection()
		s.printf("selection cleared (all vehicles)\n")
		return nil
	}
	sel, err := ResolveSelection(args[0], s.rt.Registry)
	s.selection = sel
	if err != nil {
		return err
	}
	s.printf("selected: %s\n", sel.Describe(s.rt.Registry))
	return nil
}

func cmdSDKMode(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.SDKMode(0x01), false)
	})
}

func cmdPing(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.SendPing(v)
	})
}

func cmdGetVersion(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.RequestVersion(), false)
	})
}

func cmdGetBattery(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.RequestVoltage(), false)
	})
}

// defaultAccelMmS2 matches original_source/src/CommandPrompt.cpp's
// cmd_anki_vehicle_set_speed default when no acceleration is given.
const defaultAccelMmS2 = 25000

func cmdSetSpeed(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return s.errorf("usage: set-speed <speed-mm/s> [accel-mm/s2]")
	}
	speed, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return s.errorf("set-speed: invalid speed %q", args[0])
	}
	accel := uint64(defaultAccelMmS2)
	if len(args) == 2 {
		accel, err = strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return s.errorf("set-speed: invalid acceleration %q", args[1])
		}
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.SetSpeed(uint16(speed), uint16(accel), false), false)
	})
}

func cmdChangeLane(ctx context.Context, s *session, args []string) error {
	if len(args) < 3 {
		return s.errorf("usage: change-lane <speed> <accel> <offset-mm>")
	}
	speed, accel, err := parseUint16Pair(args[0], args[1])
	if err != nil {
		return err
	}
	offset, err := strconv.ParseFloat(args[2], 32)
	if err != nil {
		return s.errorf("change-lane: invalid offset %q", args[2])
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		frames := proto.ChangeLane(speed, accel, float32(offset), v.IsOverdriveFirmware(), v.LastClockwise)
		for _, f := range frames {
			if err := s.rt.Engine.Send(v, f, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func cmdChangeLaneAbs(ctx context.Context, s *session, args []string) error {
	if len(args) < 3 {
		return s.errorf("usage: change-lane-abs <speed> <accel> <offset-mm>")
	}
	speed, accel, err := parseUint16Pair(args[0], args[1])
	if err != nil {
		return err
	}
	offset, err := strconv.ParseFloat(args[2], 32)
	if err != nil {
		return s.errorf("change-lane-abs: invalid offset %q", args[2])
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		f := proto.ChangeLaneAbs(speed, accel, float32(offset), v.IsOverdriveFirmware(), v.LastClockwise)
		return s.rt.Engine.Send(v, f, false)
	})
}

func cmdCancelLaneChange(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.CancelLaneChange(), false)
	})
}

func cmdSetOffset(ctx context.Context, s *session, args []string) error {
	if len(args) > 1 {
		return s.errorf("usage: set-offset [offset-mm]")
	}
	var offset float64
	if len(args) == 1 {
		var err error
		offset, err = strconv.ParseFloat(args[0], 32)
		if err != nil {
			return s.errorf("set-offset: invalid offset %q", args[0])
		}
	}
	s.printf("set road offset (offset = %.2f)\n", offset)
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.SetOffset(float32(offset), v.IsOverdriveFirmware(), v.LastClockwise), false)
	})
}

func cmdCorrectOffset(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return s.errorf("usage: correct-offset <delta-mm>")
	}
	delta, err := strconv.ParseFloat(args[0], 32)
	if err != nil {
		return s.errorf("correct-offset: invalid delta %q", args[0])
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.CorrectOffset(float32(delta), v.IsOverdriveFirmware(), v.LastClockwise), false)
	})
}

func cmdUturn(ctx context.Context, s *session, args []string) error {
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.Uturn(v.IsOverdriveFirmware()), false)
	})
}

func cmdSetLights(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return s.errorf("usage: set-lights <mask>")
	}
	mask, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return s.errorf("set-lights: invalid mask %q", args[0])
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.SetLights(uint8(mask)), false)
	})
}

func cmdSetLightsPattern(ctx context.Context, s *session, args []string) error {
	if len(args) < 5 {
		return s.errorf("usage: set-lights-pattern <channel> <effect> <start> <end> <cycles-per-min>")
	}
	nums := make([]uint64, 5)
	for i, a := range args[:5] {
		n, err := strconv.ParseUint(a, 0, 16)
		if err != nil {
			return s.errorf("set-lights-pattern: invalid argument %q", a)
		}
		nums[i] = n
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		f := proto.SetLightsPattern(uint8(nums[0]), uint8(nums[1]), uint8(nums[2]), uint8(nums[3]), uint16(nums[4]))
		return s.rt.Engine.Send(v, f, false)
	})
}

func cmdSetMaterial(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return s.errorf("usage: set-material <vinyl|plastic>")
	}
	var material uint8
	switch args[0] {
	case "vinyl":
		material = 1
	case "plastic":
		material = 0
	default:
		return s.errorf("set-material: unknown track material %q", args[0])
	}
	return s.forEachTarget(func(v *vehicle.Vehicle) error {
		return s.rt.Engine.Send(v, proto.SetConfigParameters(0x00, material), false)
	})
}

func cmdVerbose(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		s.printf("verbose: %d\n", s.rt.Verbose())
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n > 2 {
		return s.errorf("verbose: level must be 0, 1, or 2")
	}
	s.rt.SetVerbose(n)
	return nil
}

func cmdSleep(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return s.errorf("usage: sleep <seconds>")
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil || secs < 0 {
		return s.errorf("sleep: invalid duration %q", args[0])
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(secs * float64(time.Second))):
		return nil
	}
}

func cmdExecute(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return s.errorf("usage: execute <script-path> [name=value ...]")
	}
	path := args[0]
	data, err := readScriptFile(path)
	if err != nil {
		return err
	}
	scriptArgs := map[string]string{}
	for _, kv := range args[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			scriptArgs[parts[0]] = parts[1]
		}
	}
	if s.rt.Background() {
		text, err := luaapi.ExecuteFleetScript(ctx, s.rt.Engine, s.rt.Registry, s.rt.Logger, data, scriptArgs, 2*time.Second)
		s.printf("%s", text)
		return err
	}
	return luaapi.ExecuteFleetScriptWithOutput(ctx, s.rt.Engine, s.rt.Registry, s.rt.Logger, data, scriptArgs, s.stdout, s.stderr, 2*time.Second)
}

// cmdCheck implements `check connected-vehicles <names...>`: for each
// named vehicle, request a connection with unlimited retries and with
// addToWaitList set (original_source's cmd_check). The engine reports
// "All vehicles connected." once the wait list drains; the REPL does
// not wait for that, so later commands run at once.
func cmdCheck(ctx context.Context, s *session, args []string) error {
	if len(args) < 2 || args[0] != "connected-vehicles" {
		return s.errorf("usage: check connected-vehicles <names...>")
	}
	for _, name := range args[1:] {
		v, ok := s.rt.Registry.GetByName(name)
		if !ok {
			fmt.Fprintf(s.stderr, "fleetctl: %s: not a valid vehicle name\n", name)
			continue
		}
		s.rt.Connect(v, 0, true)
	}
	return nil
}

func cmdHelp(ctx context.Context, s *session, args []string) error {
	s.printf("commands:\n")
	names := make([]string, 0, len(commandTable))
	for name := range commandTable {
		names = append(names, name)
	}
	for _, n := range sortedStrings(names) {
		s.printf("  %s\n", n)
	}
	return nil
}

// forEachTarget resolves the current selection and applies fn to each
// target, collecting the first error but still attempting every
// target — a failed write to one vehicle shouldn't abort a fleet-wide
// command (every per-vehicle command in original_source/src/
// CommandPrompt.cpp iterates selection_ the same way, never taking
// vehicle names as trailing positional arguments).
func (s *session) forEachTarget(fn func(v *vehicle.Vehicle) error) error {
	targets, err := s.targets()
	if err != nil {
		return err
	}
	var firstErr error
	for _, v := range targets {
		if err := fn(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("vehicle %s: %w", v.AddressString(), err)
		}
	}
	return firstErr
}

func parseUint16Pair(a, b string) (uint16, uint16, error) {
	x, err := strconv.ParseUint(a, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q", a)
	}
	y, err := strconv.ParseUint(b, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q", b)
	}
	return uint16(x), uint16(y), nil
}

func readScriptFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	return string(data), nil
}

func sortedStrings(ss []string) []string {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
	return ss
}

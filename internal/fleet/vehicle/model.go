// Package vehicle holds the Vehicle record and Vehicle Registry: the
// per-car connection state, transport handles, outbound coalescing
// buffer, and the ordered, dedup-by-address collection the Connection
// Engine walks each tick.
package vehicle

import (
	"fmt"
	"time"
)

// Model is the vendor vehicle model enum (spec.md §3: eight known
// variants plus "unknown").
type Model int

const (
	ModelUnknown Model = iota
	ModelKourai
	ModelBoson
	ModelRho
	ModelKatalBurstExoV2
	ModelNukeExoV2
	ModelGroundShock
	ModelSkullCreek
	ModelThermo
)

var modelNames = map[Model]string{
	ModelUnknown:         "UNKNOWN",
	ModelKourai:          "KOURAI",
	ModelBoson:           "BOSON",
	ModelRho:             "RHO",
	ModelKatalBurstExoV2: "KATAL_BURST_EXO_V2",
	ModelNukeExoV2:       "NUKE_EXO_V2",
	ModelGroundShock:     "GROUND_SHOCK",
	ModelSkullCreek:      "SKULL_CREEK",
	ModelThermo:          "THERMO",
}

func (m Model) String() string {
	if s, ok := modelNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MODEL(%d)", int(m))
}

// ModelFromVehicleType maps the vehicle-type integer stored in
// vehiclePoolDefaults.json ("ankiVehicleType") to a Model, defaulting to
// ModelUnknown for anything out of range (spec.md §6: unknown keys are
// ignored, not fatal).
func ModelFromVehicleType(n int) Model {
	if n < int(ModelUnknown) || n > int(ModelThermo) {
		return ModelUnknown
	}
	return Model(n)
}

// overdriveFirmwareThreshold is the firmware_version split point: versions
// at or below this are "Drive" firmware, above are "Overdrive" (spec.md §3).
const overdriveFirmwareThreshold = 0x2666

// State is the Connection State Machine's state (spec.md §4.2).
type State int

const (
	Disconnected State = iota
	ShouldConnect
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case ShouldConnect:
		return "SHOULD_CONNECT"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Direction is the loop-driving direction used by maneuver bookkeeping.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionClockwise
	DirectionCounterClockwise
)

// Maneuver records a single lane-change/speed directive issued since the
// last localization update, so it can be replayed or inspected for
// diagnostics (spec.md §3: "a log of maneuvers since the last
// localization").
type Maneuver struct {
	Timestamp time.Time
	Direction Direction
	SpeedLon  uint16
	AccelLon  uint16
	SpeedLat  uint16
	AccelLat  uint16
	OffsetLat float32
}

// Localization is the last-observed position report for a vehicle.
type Localization struct {
	Block      uint8
	Segment    uint8
	Offset     float32
	Speed      uint16
	Clockwise  bool
	ReadingLen uint8
	Valid      bool
}

// PendingPing is one outstanding ping awaiting a PING_RESPONSE, used to
// compute round-trip time on reply (spec.md §3 "Pending ping queue").
type PendingPing struct {
	Sent   time.Time
	ID     uint32
	Tagged bool
}

// Timers names the two per-vehicle timers the invariants require to be
// disarmed outside CONNECTING/CONNECTED (spec.md §3).
type Timers struct {
	SocketConnectTimeout *time.Timer
	LatencyPoll          *time.Ticker
}

// TransportHandles are the fields valid only while CONNECTING/CONNECTED
// (spec.md §3). The concrete transport type lives in internal/fleet/transport
// to avoid a dependency cycle; Vehicle only needs to hold/clear it.
type TransportHandles struct {
	AdapterID          int
	HasAdapter         bool
	Conn               any // *transport.Conn, held as `any` to avoid an import cycle
	ReadCharHandle     uint16
	WriteCharHandle    uint16
	WriteCharProps     uint8
	ATTDisconnectRegID uint64
	NotifyRegID        uint64
	ConnectionID       int
	HasConnectionID    bool

	// RecvBuf holds notification bytes not yet consumed into a complete
	// frame, carried across ticks since a GATT notification boundary
	// doesn't have to line up with a frame boundary.
	RecvBuf []byte
}

// Vehicle is one known vehicle (spec.md §3 "Vehicle").
type Vehicle struct {
	Address         [6]byte
	Name            string
	Model           Model
	FirmwareVersion uint16

	State State

	TriesSoFar    int
	MaxTries      int
	AddToWaitList bool

	Transport TransportHandles
	Timers    Timers

	Coalesce *CoalesceBuffer

	PendingPings []PendingPing

	Last          Localization
	ManeuverLog   []Maneuver
	LastClockwise bool
	BrakingLights bool
	LaneChangeID  uint8

	// LastVersion/LastBatteryMV cache the most recent VERSION_RESPONSE/
	// BATTERY_LEVEL_RESPONSE for display (e.g. `list-vehicles`, spec.md
	// §6). Unlike FirmwareVersion (catalog-seeded, drives Drive/Overdrive
	// protocol branching) these are purely observational and never fed
	// back into encode/decode decisions.
	LastVersion   uint16
	LastBatteryMV uint16
}

// New constructs a Vehicle in the DISCONNECTED state with a fresh
// coalescing buffer.
func New(addr [6]byte, name string, model Model, firmwareVersion uint16) *Vehicle {
	return &Vehicle{
		Address:         addr,
		Name:            name,
		Model:           model,
		FirmwareVersion: firmwareVersion,
		State:           Disconnected,
		Coalesce:        NewCoalesceBuffer(),
	}
}

// AddressString renders the vehicle's address colon-separated, matching
// the catalog file's key format (spec.md §6).
func (v *Vehicle) AddressString() string {
	a := v.Address
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsDriveFirmware reports whether this vehicle runs "Drive" generation
// firmware (version <= 0x2666; spec.md §3).
func (v *Vehicle) IsDriveFirmware() bool {
	return v.FirmwareVersion <= overdriveFirmwareThreshold
}

// IsOverdriveFirmware is the complement of IsDriveFirmware.
func (v *Vehicle) IsOverdriveFirmware() bool {
	return v.FirmwareVersion > overdriveFirmwareThreshold
}

// ShouldConnect, IsConnecting, IsConnected, IsDisconnected mirror the
// original tool's inline state predicates.
func (v *Vehicle) ShouldConnect() bool  { return v.State == ShouldConnect }
func (v *Vehicle) IsConnecting() bool   { return v.State == Connecting }
func (v *Vehicle) IsConnected() bool    { return v.State == Connected }
func (v *Vehicle) IsDisconnected() bool { return v.State == Disconnected }

// LastManeuver returns the most recent maneuver, or the zero value if
// none has been recorded since the last localization.
func (v *Vehicle) LastManeuver() (Maneuver, bool) {
	if len(v.ManeuverLog) == 0 {
		return Maneuver{}, false
	}
	return v.ManeuverLog[len(v.ManeuverLog)-1], true
}

// RecordManeuver appends to the maneuver log; the log is cleared whenever
// a fresh localization/transition update arrives (see the codec's
// onLocalization/onTransition hooks).
func (v *Vehicle) RecordManeuver(m Maneuver) {
	v.ManeuverLog = append(v.ManeuverLog, m)
}

// ClearSinceLocalization drops the maneuver log, called when a new
// localization or transition event supersedes it.
func (v *Vehicle) ClearSinceLocalization() {
	v.ManeuverLog = v.ManeuverLog[:0]
}

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// Selection mirrors the REPL's notion of "the currently selected
// vehicle" (original_source's VehicleSelection): either every known
// vehicle (the default, "broadcast"), a single resolved address, or
// "dummy" — the error state left behind by a select-vehicle argument
// that didn't resolve to anything, so every subsequent per-vehicle
// command reports "no vehicle selected" instead of acting.
type Selection struct {
	kind selectionKind
	addr [6]byte
}

type selectionKind int

const (
	selectAll selectionKind = iota
	selectOne
	selectDummy
)

// NewSelection returns the default selection: every known vehicle.
func NewSelection() Selection {
	return Selection{kind: selectAll}
}

func (s Selection) IsAll() bool   { return s.kind == selectAll }
func (s Selection) IsDummy() bool { return s.kind == selectDummy }

// Describe renders the selection for the REPL prompt (spec.md §6).
func (s Selection) Describe(reg *vehicle.Registry) string {
	switch s.kind {
	case selectAll:
		return "*"
	case selectDummy:
		return "?"
	default:
		if v, ok := reg.Get(s.addr); ok {
			return v.Name
		}
		return "?"
	}
}

// Targets resolves the selection against the current registry contents
// (resolved at use-time, not at select-vehicle time, so connects/
// disconnects that change the registry since selection are reflected).
func (s Selection) Targets(reg *vehicle.Registry) []*vehicle.Vehicle {
	switch s.kind {
	case selectAll:
		return reg.All()
	case selectDummy:
		return nil
	default:
		if v, ok := reg.Get(s.addr); ok {
			return []*vehicle.Vehicle{v}
		}
		return nil
	}
}

// ResolveSelection implements original_source/src/CommandPrompt.cpp's
// cmd_select_vehicle argument parsing: a 1-based numeric index (0
// selects all, index out of range selects dummy-with-error), a
// 17-character colon-separated MAC address, or a case-insensitive exact
// name match.
func ResolveSelection(arg string, reg *vehicle.Registry) (Selection, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		switch {
		case n < 0 || n > reg.Len():
			return Selection{kind: selectDummy}, fmt.Errorf("invalid vehicle id")
		case n == 0:
			return Selection{kind: selectAll}, nil
		default:
			v, ok := reg.GetByIndex(n - 1)
			if !ok {
				return Selection{kind: selectDummy}, fmt.Errorf("invalid vehicle id")
			}
			return Selection{kind: selectOne, addr: v.Address}, nil
		}
	}

	if len(arg) == 17 {
		if v, ok := reg.GetByAddressString(strings.ToLower(arg)); ok {
			return Selection{kind: selectOne, addr: v.Address}, nil
		}
		var addr [6]byte
		n, err := fmt.Sscanf(arg, "%02x:%02x:%02x:%02x:%02x:%02x",
			&addr[0], &addr[1], &addr[2], &addr[3], &addr[4], &addr[5])
		if err == nil && n == 6 {
			return Selection{kind: selectOne, addr: addr}, nil
		}
	}

	for _, v := range reg.All() {
		if strings.EqualFold(v.Name, arg) {
			return Selection{kind: selectOne, addr: v.Address}, nil
		}
	}

	return Selection{kind: selectDummy}, fmt.Errorf("invalid vehicle name")
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

func newTestRegistry(t *testing.T) *vehicle.Registry {
	t.Helper()
	reg := vehicle.NewRegistry()
	require.True(t, reg.Add(vehicle.New([6]byte{0xaa, 0, 0, 0, 0, 1}, "racer-1", vehicle.ModelKourai, 0)))
	require.True(t, reg.Add(vehicle.New([6]byte{0xaa, 0, 0, 0, 0, 2}, "racer-2", vehicle.ModelBoson, 0)))
	return reg
}

func TestResolveSelectionZeroSelectsAll(t *testing.T) {
	reg := newTestRegistry(t)
	sel, err := ResolveSelection("0", reg)
	require.NoError(t, err)
	assert.True(t, sel.IsAll())
	assert.Len(t, sel.Targets(reg), 2)
}

func TestResolveSelectionIndex(t *testing.T) {
	reg := newTestRegistry(t)
	sel, err := ResolveSelection("1", reg)
	require.NoError(t, err)
	targets := sel.Targets(reg)
	require.Len(t, targets, 1)
	assert.Equal(t, "racer-1", targets[0].Name)
}

func TestResolveSelectionOutOfRangeIsDummy(t *testing.T) {
	reg := newTestRegistry(t)
	sel, err := ResolveSelection("99", reg)
	require.Error(t, err)
	assert.True(t, sel.IsDummy())
	assert.Nil(t, sel.Targets(reg))
}

func TestResolveSelectionByName(t *testing.T) {
	reg := newTestRegistry(t)
	sel, err := ResolveSelection("RACER-2", reg)
	require.NoError(t, err)
	targets := sel.Targets(reg)
	require.Len(t, targets, 1)
	assert.Equal(t, "racer-2", targets[0].Name)
}

func TestResolveSelectionByMAC(t *testing.T) {
	reg := newTestRegistry(t)
	sel, err := ResolveSelection("aa:00:00:00:00:02", reg)
	require.NoError(t, err)
	targets := sel.Targets(reg)
	require.Len(t, targets, 1)
	assert.Equal(t, "racer-2", targets[0].Name)
}

func TestResolveSelectionUnknownNameIsDummy(t *testing.T) {
	reg := newTestRegistry(t)
	sel, err := ResolveSelection("nonexistent", reg)
	require.Error(t, err)
	assert.True(t, sel.IsDummy())
}

package catalog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesRequiredAndOptionalFields(t *testing.T) {
	path := writeTemp(t, "vehiclePoolDefaults.json", `{
		"aa:bb:cc:dd:ee:01": {"name": "Skull", "ankiVehicleType": 7},
		"aa:bb:cc:dd:ee:02": {"name": "Thermo"}
	}`)

	d, err := Load(path)
	require.NoError(t, err)
	require.Len(t, d, 2)
	assert.Equal(t, "Skull", d["aa:bb:cc:dd:ee:01"].Name)
	require.NotNil(t, d["aa:bb:cc:dd:ee:01"].AnkiVehicleType)
	assert.Equal(t, 7, *d["aa:bb:cc:dd:ee:01"].AnkiVehicleType)
	assert.Nil(t, d["aa:bb:cc:dd:ee:02"].AnkiVehicleType)
}

func TestLoadMissingFileReturnsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestPopulateSkipsMissingNameAndMalformedAddress(t *testing.T) {
	d := Defaults{
		"aa:bb:cc:dd:ee:01": {Name: "Good"},
		"aa:bb:cc:dd:ee:02": {Name: ""},
		"not-an-address":    {Name: "Bad"},
	}
	reg := vehicle.NewRegistry()
	n := Populate(reg, d, testLogger())
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reg.Len())
	v, ok := reg.GetByName("Good")
	require.True(t, ok)
	assert.Equal(t, vehicle.ModelUnknown, v.Model)
}

func TestPopulateSkipsDuplicateAddress(t *testing.T) {
	reg := vehicle.NewRegistry()
	seed := vehicle.New([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, "Existing", vehicle.ModelUnknown, 0)
	reg.Add(seed)

	d := Defaults{"aa:bb:cc:dd:ee:01": {Name: "Collides"}}
	n := Populate(reg, d, testLogger())
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, reg.Len())
}

func TestPopulateMapsAnkiVehicleTypeToModel(t *testing.T) {
	typ := 7
	d := Defaults{"aa:bb:cc:dd:ee:03": {Name: "Skull", AnkiVehicleType: &typ}}
	reg := vehicle.NewRegistry()
	Populate(reg, d, testLogger())
	v, ok := reg.GetByName("Skull")
	require.True(t, ok)
	assert.Equal(t, vehicle.ModelSkullCreek, v.Model)
}

func TestLoadChipsetOverridesParsesOUIMap(t *testing.T) {
	path := writeTemp(t, "fleet.yaml", "adapter_capacity:\n  00:1a:7d: 7\n")
	overrides, err := LoadChipsetOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, 7, overrides["00:1a:7d"])
}

func TestLoadChipsetOverridesMissingFileReturnsNotExist(t *testing.T) {
	_, err := LoadChipsetOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestReloaderDiffIsEmptyOnFirstLoadAndOnNoChange(t *testing.T) {
	var r Reloader
	d := Defaults{"aa:bb:cc:dd:ee:01": {Name: "Skull"}}

	diff, err := r.Diff(d)
	require.NoError(t, err)
	assert.Empty(t, diff, "first observation has nothing to diff against")

	diff, err = r.Diff(d)
	require.NoError(t, err)
	assert.Empty(t, diff, "unchanged catalog must report no diff")
}

func TestReloaderDiffReportsChange(t *testing.T) {
	var r Reloader
	_, err := r.Diff(Defaults{"aa:bb:cc:dd:ee:01": {Name: "Skull"}})
	require.NoError(t, err)

	diff, err := r.Diff(Defaults{"aa:bb:cc:dd:ee:01": {Name: "Thermo"}})
	require.NoError(t, err)
	assert.NotEmpty(t, diff)
}

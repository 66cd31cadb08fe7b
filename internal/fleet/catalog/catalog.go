// Package catalog loads the known-vehicle pool and per-chipset adapter
// overrides from disk, and seeds a vehicle.Registry from them at
// startup (spec.md §6 "Catalog").
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// Entry is one vehiclePoolDefaults.json record, keyed by its colon-separated
// BLE address. name is required; ankiVehicleType is optional and defaults
// to ModelUnknown when absent (spec.md §6, and
// original_source/src/VehicleManager.cpp's loadVehicleList, which skips
// any record whose address fails to parse or whose "name" is missing).
type Entry struct {
	Name            string `json:"name"`
	AnkiVehicleType *int   `json:"ankiVehicleType,omitempty"`
}

// Defaults is the parsed form of vehiclePoolDefaults.json: address string
// -> catalog entry.
type Defaults map[string]Entry

// Load reads and parses a vehiclePoolDefaults.json file. A missing file
// is returned as the os.ReadFile error (os.IsNotExist);
// runtime.LoadCatalog treats that as "no catalog configured" and
// continues with an empty pool, as the original tool does
// (loadVehicleList's boost::filesystem::exists guard).
func Load(path string) (Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Defaults
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return d, nil
}

// Populate registers every Defaults entry with addr as a Vehicle in the
// DISCONNECTED state, skipping (and logging) any entry with an empty
// name or an address already present in the registry. Returns the
// number of vehicles actually added.
func Populate(reg *vehicle.Registry, d Defaults, logger *logrus.Logger) int {
	added := 0
	for _, pair := range sortedEntries(d) {
		addrStr, entry := pair.addr, pair.Entry
		if entry.Name == "" {
			logger.WithField("address", addrStr).Warn("catalog entry missing name, skipping")
			continue
		}
		addr, err := parseAddress(addrStr)
		if err != nil {
			logger.WithField("address", addrStr).WithError(err).Warn("catalog entry has malformed address, skipping")
			continue
		}
		model := vehicle.ModelUnknown
		if entry.AnkiVehicleType != nil {
			model = vehicle.ModelFromVehicleType(*entry.AnkiVehicleType)
		}
		v := vehicle.New(addr, entry.Name, model, 0)
		if reg.Add(v) {
			added++
		} else {
			logger.WithField("address", addrStr).Warn("catalog entry duplicates an already-registered vehicle, skipping")
		}
	}
	return added
}

// sortedEntries returns addr/Entry pairs in address order, so Populate's
// log output (and registry insertion order, before anything is scanned)
// is deterministic across runs despite Go's randomized map iteration.
func sortedEntries(d Defaults) []struct {
	addr  string
	Entry Entry
} {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]struct {
		addr  string
		Entry Entry
	}, 0, len(keys))
	for _, k := range keys {
		out = append(out, struct {
			addr  string
			Entry Entry
		}{k, d[k]})
	}
	return out
}

func parseAddress(s string) ([6]byte, error) {
	var a [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return a, fmt.Errorf("not a colon-separated MAC address")
	}
	return a, nil
}

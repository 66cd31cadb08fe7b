package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fleetYAML is fleet.yaml's optional "adapter_capacity" section: an
// OUI (first three MAC octets, colon-separated) mapped to a max
// simultaneous-connection count, overriding internal/fleet/adapter's
// built-in chipset table for locally-known hardware the table doesn't
// recognize (spec.md §4.1 "per-chipset capacity").
type fleetYAML struct {
	AdapterCapacity map[string]int `yaml:"adapter_capacity"`
}

// LoadChipsetOverrides reads fleet.yaml's adapter_capacity map, ready to
// hand to adapter.Pool.MergeChipsets. A missing file is returned as the
// os.ReadFile error (os.IsNotExist); runtime.LoadCatalog treats that as
// "no overrides".
func LoadChipsetOverrides(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fleetYAML
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return f.AdapterCapacity, nil
}

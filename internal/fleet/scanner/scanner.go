// Package scanner performs the advertisement-scanning collaborator
// spec.md §1 and §6 deliberately keep outside the Connection Engine's
// core: a `scan [devid]` command observes nearby vendor vehicles and
// offers each sighting to the Vehicle Registry via AddFromScan, letting
// the registry decide whether it's new.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/transport"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// DefaultBudget is the scan window applied when the REPL doesn't name
// one, matching spec.md §5's "blocking 3-second scan budget".
const DefaultBudget = 3 * time.Second

// ScanFunc performs the raw advertisement scan, matching
// transport.Scan's signature; overridable in tests the same way
// internal/fleet/engine.Dialer lets engine tests avoid a real BLE stack.
type ScanFunc func(ctx context.Context, adapterID int, budget time.Duration, h transport.SightingHandler) error

// Scan observes advertisements on adapterID for budget and merges every
// sighting advertising the vendor service into reg, returning how many
// were newly added (spec.md §6 `scan [devid]`). scanFn may be nil to use
// transport.Scan.
func Scan(ctx context.Context, reg *vehicle.Registry, logger *logrus.Logger, adapterID int, budget time.Duration, scanFn ScanFunc) (int, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if scanFn == nil {
		scanFn = transport.Scan
	}

	added := 0
	err := scanFn(ctx, adapterID, budget, func(s transport.Sighting) {
		if !advertisesVendorService(s) {
			return
		}
		addr, err := parseAddress(s.Address)
		if err != nil {
			logger.WithField("address", s.Address).Debug("scanner: unparseable advertiser address, skipping")
			return
		}
		name := s.LocalName
		if name == "" {
			name = s.Address
		}
		v, isNew := reg.AddFromScan(addr, name)
		if isNew {
			added++
			logger.WithFields(logrus.Fields{
				"vehicle": v.AddressString(),
				"name":    v.Name,
			}).Info("scanner: discovered new vehicle")
		}
	})
	if err != nil {
		return added, fmt.Errorf("scanner: scan hci%d: %w", adapterID, err)
	}
	return added, nil
}

func advertisesVendorService(s transport.Sighting) bool {
	for _, uuid := range s.Services {
		if normalizeUUID(uuid.String()) == transport.ServiceUUID {
			return true
		}
	}
	return false
}

func normalizeUUID(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '-' {
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func parseAddress(s string) ([6]byte, error) {
	var a [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return a, fmt.Errorf("scanner: %q is not a colon-separated MAC address", s)
	}
	return a, nil
}

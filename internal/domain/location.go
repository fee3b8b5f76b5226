package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// LocationType classifies a supply-chain node.
type LocationType string

const (
	LocationSupplier           LocationType = "supplier"
	LocationWarehouse          LocationType = "warehouse"
	LocationDistributionCenter LocationType = "distribution_center"
	LocationPort               LocationType = "port"
)

// Valid reports whether t is a known location type.
func (t LocationType) Valid() bool {
	switch t {
	case LocationSupplier, LocationWarehouse, LocationDistributionCenter, LocationPort:
		return true
	}
	return false
}

// Location is a supplier, warehouse, distribution center or port.
type Location struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Type             LocationType `json:"type"`
	Coordinates      Coordinates  `json:"coordinates"`
	InventoryValue   *float64     `json:"inventory_value_usd"`
	ReliabilityIndex float64      `json:"reliability_index"`
	AvgLeadTimeHours float64      `json:"avg_lead_time_hours"`
	Active           bool         `json:"active"`
}

// ValueOrZero coalesces a nullable amount to zero. It is the single rule for
// missing inventory values.
func ValueOrZero(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

// ValueAtRisk is the inventory value used in every comparison and aggregate.
func (l Location) ValueAtRisk() float64 {
	return ValueOrZero(l.InventoryValue)
}

// Validate checks a location before it is stored.
func (l Location) Validate() error {
	if l.Name == "" {
		return errors.New("location name is required")
	}
	if !l.Type.Valid() {
		return fmt.Errorf("invalid location type %q", l.Type)
	}
	if err := l.Coordinates.Validate(); err != nil {
		return err
	}
	if l.ReliabilityIndex < 0 || l.ReliabilityIndex > 1 {
		return fmt.Errorf("reliability_index %v out of range [0, 1]", l.ReliabilityIndex)
	}
	if l.InventoryValue != nil && *l.InventoryValue < 0 {
		return errors.New("inventory_value_usd must not be negative")
	}
	if l.AvgLeadTimeHours < 0 {
		return errors.New("avg_lead_time_hours must not be negative")
	}
	return nil
}

// HighestValue returns up to n locations ordered by value at risk, highest
// first. Ties keep the lower id first. n <= 0 returns all of them.
// The input slice is not modified.
func HighestValue(locs []Location, n int) []Location {
	sorted := make([]Location, len(locs))
	copy(sorted, locs)
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, vj := sorted[i].ValueAtRisk(), sorted[j].ValueAtRisk()
		if vi != vj {
			return vi > vj
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// TotalValueAtRisk sums value at risk over locations, counting each id once.
func TotalValueAtRisk(locs []Location) float64 {
	seen := make(map[string]struct{}, len(locs))
	var total float64
	for _, l := range locs {
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}
		total += l.ValueAtRisk()
	}
	return total
}

package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/paulmach/orb"
)

type locationRow struct {
	id          string
	name        string
	kind        domain.LocationType
	lat, lon    float64
	inventory   float64
	reliability float64
	leadHours   float64
}

// demoLocations is a grain and cold-chain network across the central and
// southern US, dense enough that every demo hazard has alternates nearby.
var demoLocations = []locationRow{
	{"loc-ks-hutchinson", "Hutchinson Grain Cooperative", domain.LocationSupplier, 38.0608, -97.9298, 18.4e6, 0.912, 36},
	{"loc-ks-dodge-city", "Dodge City Grain Elevators", domain.LocationSupplier, 37.7528, -100.0171, 14.2e6, 0.884, 42},
	{"loc-ks-salina", "Salina Agri-Hub Terminal", domain.LocationSupplier, 38.8403, -97.6114, 22.8e6, 0.941, 30},
	{"loc-ia-ames", "Ames Cooperative Elevator", domain.LocationSupplier, 42.0308, -93.6319, 16.5e6, 0.896, 24},
	{"loc-ia-sioux-city", "Sioux City Grain Terminal", domain.LocationSupplier, 42.4997, -96.4003, 27.3e6, 0.927, 28},
	{"loc-ia-cedar-rapids", "Cedar Rapids Grain Hub", domain.LocationSupplier, 41.9779, -91.6656, 19.1e6, 0.908, 26},
	{"loc-ne-lincoln", "Lincoln Grain Services", domain.LocationSupplier, 40.8136, -96.7026, 15.7e6, 0.875, 38},
	{"loc-ne-columbus", "Columbus Agri Center", domain.LocationSupplier, 41.4297, -97.3683, 12.9e6, 0.861, 44},
	{"loc-il-bloomington", "Bloomington Grain Hub", domain.LocationSupplier, 40.4842, -88.9937, 23.6e6, 0.934, 22},
	{"loc-il-peoria", "Peoria Agri Terminal", domain.LocationSupplier, 40.6936, -89.589, 31.2e6, 0.952, 20},
	{"loc-mn-minneapolis", "Minneapolis Grain Exchange Elevator", domain.LocationSupplier, 44.9778, -93.265, 38.5e6, 0.943, 18},
	{"loc-nd-fargo", "Fargo Wheat Cooperative", domain.LocationSupplier, 46.8772, -96.7898, 11.3e6, 0.842, 52},
	{"loc-sd-sioux-falls", "Sioux Falls Agri Depot", domain.LocationSupplier, 43.546, -96.7313, 10.8e6, 0.857, 48},
	{"loc-mo-st-joseph", "St. Joseph Grain Partners", domain.LocationSupplier, 39.7675, -94.8467, 17.4e6, 0.889, 34},
	{"loc-co-greeley", "Greeley Feedlot Grain Logistics", domain.LocationSupplier, 40.4233, -104.7091, 9.6e6, 0.832, 56},
	{"loc-tx-amarillo", "Amarillo Panhandle Elevator", domain.LocationSupplier, 35.222, -101.8313, 13.7e6, 0.863, 46},
	{"loc-mt-billings", "Billings Hi-Line Grain", domain.LocationSupplier, 45.7833, -108.5007, 8.9e6, 0.821, 64},
	{"loc-ar-little-rock", "Little Rock River Grain Hub", domain.LocationSupplier, 34.7465, -92.2896, 16.8e6, 0.878, 38},
	{"loc-ms-jackson", "Jackson Delta Grain Hub", domain.LocationSupplier, 32.2988, -90.1848, 14.3e6, 0.856, 44},

	{"loc-tx-houston-port", "Port of Houston Grain Terminal", domain.LocationPort, 29.7273, -95.2987, 87.5e6, 0.967, 72},
	{"loc-tx-corpus-christi", "Corpus Christi Bulk Terminal", domain.LocationPort, 27.8006, -97.3964, 54.2e6, 0.944, 96},
	{"loc-la-new-orleans", "Port of New Orleans Export Dock", domain.LocationPort, 29.9511, -90.0715, 112.0e6, 0.958, 48},
	{"loc-la-baton-rouge", "Baton Rouge Grain Port", domain.LocationPort, 30.4515, -91.1871, 63.8e6, 0.936, 60},
	{"loc-ms-gulfport", "Gulfport Agri Export Hub", domain.LocationPort, 30.3674, -89.0928, 39.4e6, 0.912, 84},
	{"loc-tx-beaumont", "Beaumont Gulf Export Terminal", domain.LocationPort, 30.0802, -94.1266, 44.6e6, 0.921, 80},
	{"loc-fl-tampa", "Tampa Port Agricultural Dock", domain.LocationPort, 27.9389, -82.445, 28.7e6, 0.903, 96},
	{"loc-al-mobile", "Mobile Bay Grain Terminal", domain.LocationPort, 30.6954, -88.0399, 31.5e6, 0.914, 88},
	{"loc-oh-toledo", "Toledo Grain Terminal (Lake Erie)", domain.LocationPort, 41.6639, -83.5552, 42.7e6, 0.925, 36},

	{"loc-ca-fresno", "Fresno Cold Chain Hub", domain.LocationDistributionCenter, 36.7468, -119.7726, 41.3e6, 0.948, 16},
	{"loc-ca-stockton", "Stockton Refrigerated DC", domain.LocationDistributionCenter, 37.9577, -121.2908, 35.8e6, 0.939, 12},
	{"loc-ca-bakersfield", "Bakersfield Produce DC", domain.LocationDistributionCenter, 35.3733, -119.0187, 29.4e6, 0.921, 18},
	{"loc-ca-modesto", "Modesto Agri-Cold Center", domain.LocationDistributionCenter, 37.6391, -120.9969, 26.7e6, 0.916, 14},
	{"loc-ca-salinas", "Salinas Valley Cold Hub", domain.LocationDistributionCenter, 36.6777, -121.6555, 33.6e6, 0.944, 10},
	{"loc-ca-los-angeles", "LA Port Cold Chain Facility", domain.LocationDistributionCenter, 33.7298, -118.2639, 68.4e6, 0.961, 8},
	{"loc-ca-long-beach", "Long Beach Refrigerated Terminal", domain.LocationDistributionCenter, 33.7701, -118.1937, 57.9e6, 0.955, 9},
	{"loc-ca-sacramento", "Sacramento Cold Storage Hub", domain.LocationDistributionCenter, 38.5816, -121.4944, 31.2e6, 0.927, 12},
	{"loc-ca-san-jose", "San Jose Agri Logistics Hub", domain.LocationDistributionCenter, 37.3382, -121.8863, 44.7e6, 0.949, 10},

	{"loc-il-chicago", "Chicago Intermodal Agri Warehouse", domain.LocationWarehouse, 41.8526, -87.6534, 56.8e6, 0.953, 18},
	{"loc-tn-memphis", "Memphis Agri Logistics Center", domain.LocationWarehouse, 35.1495, -90.049, 43.2e6, 0.938, 20},
	{"loc-mo-kansas-city", "Kansas City Agricultural Depot", domain.LocationWarehouse, 39.0997, -94.5786, 48.7e6, 0.946, 16},
	{"loc-tx-dallas", "Dallas-Fort Worth Agri Hub", domain.LocationWarehouse, 32.8998, -97.0403, 52.3e6, 0.949, 14},
	{"loc-oh-columbus", "Columbus Agricultural Warehouse", domain.LocationWarehouse, 39.9612, -82.9988, 37.6e6, 0.929, 22},
	{"loc-wi-milwaukee", "Milwaukee Grain Warehouse", domain.LocationWarehouse, 43.0389, -87.9065, 29.8e6, 0.914, 26},
	{"loc-in-indianapolis", "Indianapolis Agri Center", domain.LocationWarehouse, 39.7684, -86.1581, 33.4e6, 0.924, 20},
	{"loc-ga-atlanta", "Atlanta Intermodal Food Hub", domain.LocationWarehouse, 33.749, -84.388, 47.1e6, 0.941, 16},
	{"loc-ky-louisville", "Louisville Agri Crossroads", domain.LocationWarehouse, 38.2527, -85.7585, 38.2e6, 0.932, 22},
	{"loc-ok-oklahoma-city", "Oklahoma City Grain Depot", domain.LocationWarehouse, 35.4676, -97.5164, 21.6e6, 0.887, 32},
	{"loc-mi-detroit", "Detroit Agri Logistics Park", domain.LocationWarehouse, 42.3314, -83.0458, 27.9e6, 0.901, 24},
}

type hazardRow struct {
	id        string
	eventType domain.EventType
	severity  domain.Severity
	headline  string
	// Bounding box as west, south, east, north.
	bbox     [4]float64
	centroid domain.Coordinates
}

var demoHazards = []hazardRow{
	{
		"demo-winter-storm-central-plains", domain.EventWinterStorm, domain.SeveritySevere,
		"Winter Storm Warning: heavy snow and ice across Central Plains",
		[4]float64{-102, 37, -91, 43.5}, domain.Coordinates{Lat: 40.25, Lon: -96.5},
	},
	{
		"demo-hurricane-watch-gulf-coast", domain.EventHurricane, domain.SeverityExtreme,
		"Hurricane Watch: Gulf Coast from Corpus Christi to Mobile",
		[4]float64{-98, 27, -87, 31.5}, domain.Coordinates{Lat: 29.25, Lon: -92.5},
	},
	{
		"demo-wildfire-california-central-valley", domain.EventWildfire, domain.SeveritySevere,
		"Red Flag Warning: California Central Valley and Sierra Foothills",
		[4]float64{-122.5, 34.5, -117.5, 39}, domain.Coordinates{Lat: 36.75, Lon: -120},
	},
	{
		"demo-tornado-watch-southern-plains", domain.EventTornado, domain.SeverityExtreme,
		"Tornado Watch: Oklahoma, Texas Panhandle and Western Missouri",
		[4]float64{-103, 33, -94, 37.5}, domain.Coordinates{Lat: 35.25, Lon: -98.5},
	},
	{
		"demo-flood-warning-mississippi-corridor", domain.EventFlood, domain.SeverityModerate,
		"Flood Warning: Mississippi River from Memphis to New Orleans",
		[4]float64{-92.5, 29, -88, 36}, domain.Coordinates{Lat: 32.5, Lon: -90.25},
	},
	{
		"demo-thunderstorm-great-lakes", domain.EventSevereThunderstorm, domain.SeverityModerate,
		"Severe Thunderstorm Warning: Great Lakes region",
		[4]float64{-89, 40.5, -82, 44.5}, domain.Coordinates{Lat: 42.5, Lon: -85.5},
	},
}

func buildLocations() []domain.Location {
	out := make([]domain.Location, 0, len(demoLocations))
	for _, r := range demoLocations {
		inv := r.inventory
		out = append(out, domain.Location{
			ID:               r.id,
			Name:             r.name,
			Type:             r.kind,
			Coordinates:      domain.Coordinates{Lat: r.lat, Lon: r.lon},
			InventoryValue:   &inv,
			ReliabilityIndex: r.reliability,
			AvgLeadTimeHours: r.leadHours,
			Active:           true,
		})
	}
	return out
}

// buildHazards stamps the demo hazards as effective six hours before now and
// expiring ttl after it.
func buildHazards(now time.Time, ttl time.Duration) []domain.HazardEvent {
	out := make([]domain.HazardEvent, 0, len(demoHazards))
	for _, r := range demoHazards {
		bound := orb.Bound{Min: orb.Point{r.bbox[0], r.bbox[1]}, Max: orb.Point{r.bbox[2], r.bbox[3]}}
		c := r.centroid
		out = append(out, domain.HazardEvent{
			ID:         r.id,
			Source:     "noaa",
			EventType:  r.eventType,
			Severity:   r.severity,
			Zone:       domain.Zone{bound.ToPolygon()},
			Centroid:   &c,
			Headline:   r.headline,
			Effective:  now.Add(-6 * time.Hour),
			Expires:    now.Add(ttl),
			IngestedAt: now,
		})
	}
	return out
}

// buildHistory generates a deterministic delivery history for every supplier:
// roughly one delivery every two days, with the late ratio tracking the
// supplier's reliability index.
func buildHistory(now time.Time, days int, seed uint64) []domain.DeliveryOutcome {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var out []domain.DeliveryOutcome
	for _, r := range demoLocations {
		if r.kind != domain.LocationSupplier {
			continue
		}
		for d := days; d > 0; d-- {
			if rng.Float64() < 0.5 {
				continue
			}
			at := now.Add(-time.Duration(d)*24*time.Hour + time.Duration(rng.IntN(24))*time.Hour)
			o := domain.DeliveryOutcome{
				SupplierID: r.id,
				ProposalID: fmt.Sprintf("seed-%s-%03d", r.id, d),
				OnTime:     rng.Float64() < r.reliability,
				RecordedAt: at,
			}
			if !o.OnTime {
				// Exponential tail centred on a fraction of the lead time.
				o.DelayHours = 2 + rng.ExpFloat64()*r.leadHours/4
			}
			out = append(out, o)
		}
	}
	return out
}

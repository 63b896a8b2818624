// Package geo evaluates geolocation sequences for physically impossible
// travel and high-risk origins.
//
// The detector is stateless: the caller supplies the actor's previous
// location (from the history store) together with the current one, and gets
// back a 0-100 geo anomaly score plus the impossible-travel flag.
package geo

import (
	"math"

	"cartguard/internal/signal"
)

// MaxPlausibleSpeedKMH is the hard physical-travel threshold. Two sightings
// implying movement faster than this are treated as spoofed.
const MaxPlausibleSpeedKMH = 800.0

// Score contributions.
const (
	impossibleTravelScore = 70.0
	highRiskCountryScore  = 20.0
	maxScore              = 100.0
)

const earthRadiusKM = 6371.0

// Result is the outcome of evaluating one location transition.
type Result struct {
	Score            float64 `json:"score"` // 0-100
	DistanceKM       float64 `json:"distanceKm"`
	SpeedKMH         float64 `json:"speedKmh"` // 0 when elapsed time is unusable
	ImpossibleTravel bool    `json:"impossibleTravel"`
	HighRiskCountry  bool    `json:"highRiskCountry"`
}

// Detector evaluates location transitions. The high-risk country set is
// supplied at construction so policy tuning never touches this code.
type Detector struct {
	highRisk map[string]struct{}
}

// DefaultHighRiskCountries is the built-in ISO 3166-1 alpha-2 set used when
// no custom list is configured.
var DefaultHighRiskCountries = []string{"KP", "IR", "SY", "CU", "SD"}

// NewDetector creates a detector flagging the given countries as high risk.
// A nil list uses DefaultHighRiskCountries.
func NewDetector(highRiskCountries []string) *Detector {
	if highRiskCountries == nil {
		highRiskCountries = DefaultHighRiskCountries
	}
	set := make(map[string]struct{}, len(highRiskCountries))
	for _, c := range highRiskCountries {
		set[c] = struct{}{}
	}
	return &Detector{highRisk: set}
}

// Evaluate scores the transition from previous to current.
//
// Elapsed time <= 0 between two distinct points means clock skew or replay
// and is treated as maximal anomaly, never as a division by zero. An unusable
// previous location contributes only the country penalty.
func (d *Detector) Evaluate(current, previous signal.Location) Result {
	res := Result{}

	if _, ok := d.highRisk[current.Country]; ok {
		res.HighRiskCountry = true
		res.Score += highRiskCountryScore
	}

	if previous.Zero() || current.Zero() {
		return res
	}

	res.DistanceKM = haversineKM(
		previous.Latitude, previous.Longitude,
		current.Latitude, current.Longitude,
	)

	elapsed := current.SeenAt.Sub(previous.SeenAt)
	switch {
	case elapsed <= 0:
		// Two sightings at the same instant (or out of order) are only
		// anomalous when they are actually apart.
		if res.DistanceKM > 1.0 {
			res.ImpossibleTravel = true
			res.Score += impossibleTravelScore
		}
	default:
		res.SpeedKMH = res.DistanceKM / elapsed.Hours()
		if res.SpeedKMH > MaxPlausibleSpeedKMH {
			res.ImpossibleTravel = true
			res.Score += impossibleTravelScore
		}
	}

	if res.Score > maxScore {
		res.Score = maxScore
	}
	return res
}

// haversineKM computes the great-circle distance between two points.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

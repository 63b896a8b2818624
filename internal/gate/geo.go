package gate

import (
	"cartguard/internal/geo"
	"cartguard/internal/signal"
)

// GeoEvaluator scores the movement between two observed locations.
// Satisfied by *geo.Detector.
type GeoEvaluator interface {
	Evaluate(current, previous signal.Location) geo.Result
}

// LocationResolver turns an IP into a location. Satisfied by
// *geo.MaxMindResolver. Nil means no database is configured.
type LocationResolver interface {
	Resolve(ip string) (signal.Location, error)
}

// geoDetector pairs the evaluator with the optional IP resolver.
type geoDetector struct {
	evaluator GeoEvaluator
	resolver  LocationResolver
}

// resolve returns the request's location and the timezone the IP implies.
// Client-supplied coordinates win; the resolver fills the gap when the
// client sent none. With neither, the zero location is returned and the
// geo factor stays silent.
func (d *geoDetector) resolve(sc *signal.Context) (signal.Location, string) {
	ipTimezone := ""
	if d.resolver != nil {
		if resolved, err := d.resolver.Resolve(sc.IP); err == nil {
			ipTimezone = resolved.Timezone
			if sc.Location.Zero() {
				resolved.SeenAt = sc.Timestamp
				return resolved, ipTimezone
			}
		}
	}
	loc := sc.Location
	if !loc.Zero() && loc.SeenAt.IsZero() {
		loc.SeenAt = sc.Timestamp
	}
	return loc, ipTimezone
}

// evaluate runs anomaly detection, skipping it entirely when the current
// location is unknown.
func (d *geoDetector) evaluate(current, previous signal.Location) geo.Result {
	if current.Zero() || d.evaluator == nil {
		return geo.Result{}
	}
	return d.evaluator.Evaluate(current, previous)
}

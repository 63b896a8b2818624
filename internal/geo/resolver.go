package geo

import (
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"cartguard/internal/signal"
)

// Resolver turns an IP address into a location. The gate uses it to fill the
// request snapshot when the client supplied no geolocation of its own.
type Resolver interface {
	Resolve(ip string) (signal.Location, error)
	Close() error
}

// MaxMindResolver resolves IPs against a local MaxMind City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the City mmdb at the given path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Resolve looks up the IP. Unparseable or unlisted IPs return an error; the
// caller substitutes an empty location and lets the scorer apply its
// missing-data defaults.
func (r *MaxMindResolver) Resolve(ip string) (signal.Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return signal.Location{}, fmt.Errorf("invalid ip %q", ip)
	}

	city, err := r.reader.City(parsed)
	if err != nil {
		return signal.Location{}, fmt.Errorf("geoip lookup: %w", err)
	}

	loc := signal.Location{
		Country:   city.Country.IsoCode,
		Latitude:  city.Location.Latitude,
		Longitude: city.Location.Longitude,
		Timezone:  city.Location.TimeZone,
		SeenAt:    time.Now(),
	}
	if name, ok := city.City.Names["en"]; ok {
		loc.City = name
	}
	return loc, nil
}

// Close releases the underlying database handle.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}

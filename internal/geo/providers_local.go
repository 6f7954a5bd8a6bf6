package geo

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"

	"ioctaxii/internal/domain"
)

// maxmindReader is adapted from the teacher's geolite database loader:
// an atomically-swapped reader so a reload never races a concurrent
// lookup. Unlike the teacher, this package carries no embedded
// database: the operator points it at a GeoLite2 City file on disk
// (a licensed MaxMind download, not something this repo can ship), and
// the provider simply sits out of the chain if none is loaded.
type maxmindReader struct {
	current atomic.Pointer[geoip2.Reader]
	mu      sync.Mutex
}

var globalMaxmind = &maxmindReader{}

// LoadMaxmind opens the GeoLite2 City database from diskPath. Safe to
// call again later to pick up an updated database on disk; the old
// reader is closed only after the new one is live.
func LoadMaxmind(diskPath string) error {
	globalMaxmind.mu.Lock()
	defer globalMaxmind.mu.Unlock()

	if diskPath == "" {
		return nil
	}

	reader, err := geoip2.Open(diskPath)
	if err != nil {
		log.Warn("geo: GeoLite2 database unavailable, local provider disabled", "path", diskPath, "error", err)
		return nil
	}

	old := globalMaxmind.current.Swap(reader)
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Available reports whether a GeoLite2 reader has been loaded.
func Available() bool {
	return globalMaxmind.current.Load() != nil
}

// MaxmindProvider is the first-tier geo provider: a local database
// lookup with no outbound request, exempt from the pacing constraint.
func MaxmindProvider() Provider {
	return Provider{
		Name:  "maxmind-local",
		Local: true,
		Lookup: func(_ context.Context, ip string) (domain.GeoRecord, bool, error) {
			reader := globalMaxmind.current.Load()
			if reader == nil {
				return domain.GeoRecord{}, false, nil
			}

			parsed := net.ParseIP(ip)
			if parsed == nil {
				return domain.GeoRecord{}, false, nil
			}

			city, err := reader.City(parsed)
			if err != nil {
				return domain.GeoRecord{}, false, nil
			}
			if city.Country.IsoCode == "" {
				return domain.GeoRecord{}, false, nil
			}

			return domain.GeoRecord{
				IP:          ip,
				CountryCode: city.Country.IsoCode,
				CountryName: city.Country.Names["en"],
				City:        city.City.Names["en"],
				Lat:         city.Location.Latitude,
				Lon:         city.Location.Longitude,
			}, true, nil
		},
	}
}

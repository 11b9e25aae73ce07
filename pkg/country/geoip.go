package country

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves IP addresses against a MaxMind City database.
type GeoIP struct {
	log    *slog.Logger
	cityDB *geoip2.Reader
}

func OpenGeoIP(log *slog.Logger, path string) (*GeoIP, error) {
	cityDB, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip city database: %w", err)
	}
	return &GeoIP{log: log, cityDB: cityDB}, nil
}

func (g *GeoIP) CountryCode(ip net.IP) (string, bool) {
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return "", false
	}
	rec, err := g.cityDB.City(ip)
	if err != nil {
		g.log.Debug("country: geoip city lookup failed", "ip", ip.String(), "error", err)
		return "", false
	}
	if rec.Country.IsoCode == "" {
		return "", false
	}
	return rec.Country.IsoCode, true
}

func (g *GeoIP) Close() error {
	return g.cityDB.Close()
}

package geo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// ErrAddressNotFound is returned when the database holds no record for an
// address.
var ErrAddressNotFound = errors.New("geo: address not found in database")

// MaxMindLocator reads GeoIP2 / GeoLite2 City databases.
type MaxMindLocator struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens a City database from a local file.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return &MaxMindLocator{reader: reader}, nil
}

// MaxMindFromBytes parses a City database held in memory.
func MaxMindFromBytes(data []byte) (*MaxMindLocator, error) {
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("geo: parse database: %w", err)
	}
	return &MaxMindLocator{reader: reader}, nil
}

// Locate implements Locator.
func (m *MaxMindLocator) Locate(ip netip.Addr) (Location, error) {
	city, err := m.reader.City(net.IP(ip.Unmap().AsSlice()))
	if err != nil {
		return Location{}, err
	}
	if isEmptyRecord(city) {
		return Location{}, ErrAddressNotFound
	}
	return locationFromCity(city), nil
}

// DatabaseType returns the database type from the file metadata.
func (m *MaxMindLocator) DatabaseType() string {
	return m.reader.Metadata().DatabaseType
}

// Close releases the database.
func (m *MaxMindLocator) Close() error {
	return m.reader.Close()
}

// isEmptyRecord reports whether the reader found no data for the address.
func isEmptyRecord(c *geoip2.City) bool {
	return c.Country.GeoNameID == 0 &&
		c.City.GeoNameID == 0 &&
		len(c.Subdivisions) == 0 &&
		c.Location.Latitude == 0 &&
		c.Location.Longitude == 0 &&
		c.Location.TimeZone == ""
}

func locationFromCity(c *geoip2.City) Location {
	loc := DefaultLocation()
	if name := c.Country.Names["en"]; name != "" {
		loc.Country = name
	}
	if len(c.Subdivisions) > 0 {
		if name := c.Subdivisions[0].Names["en"]; name != "" {
			loc.Region = name
		}
	}
	if name := c.City.Names["en"]; name != "" {
		loc.City = name
	}
	loc.Latitude = c.Location.Latitude
	loc.Longitude = c.Location.Longitude
	if c.Location.TimeZone != "" {
		loc.Timezone = c.Location.TimeZone
	}
	return loc
}

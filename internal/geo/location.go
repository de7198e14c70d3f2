// Package geo resolves client addresses to geographic locations and measures
// great-circle distances between them.
package geo

// Location is the geographic position attributed to an address or replica.
type Location struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

const (
	// Unknown fills any name the database does not provide.
	Unknown = "Unknown"
	// DefaultTimezone fills a missing time zone.
	DefaultTimezone = "UTC"
)

// DefaultLocation is returned when an address cannot be located.
func DefaultLocation() Location {
	return Location{
		Country:  Unknown,
		Region:   Unknown,
		City:     Unknown,
		Timezone: DefaultTimezone,
	}
}

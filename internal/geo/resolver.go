package geo

import (
	"net/netip"

	"github.com/hmssql/georouter/internal/logging"
)

// Locator looks up the location of an address in some dataset.
type Locator interface {
	Locate(ip netip.Addr) (Location, error)
}

// Resolver turns addresses into locations. It never fails: a missing
// locator, an unknown address or a lookup error all yield DefaultLocation.
// A Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	locator Locator
	logger  *logging.Logger
}

// NewResolver returns a Resolver backed by locator. A nil locator disables
// geolocation.
func NewResolver(locator Locator, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Global()
	}
	if m, ok := locator.(*MaxMindLocator); ok && m == nil {
		locator = nil
	}
	return &Resolver{
		locator: locator,
		logger:  logger.Named("geo"),
	}
}

// Enabled reports whether a dataset is loaded.
func (r *Resolver) Enabled() bool {
	return r != nil && r.locator != nil
}

// Resolve returns the location of ip.
func (r *Resolver) Resolve(ip netip.Addr) Location {
	if !r.Enabled() {
		return DefaultLocation()
	}
	loc, err := r.locator.Locate(ip)
	if err != nil {
		r.logger.Debugf("geoip lookup failed", map[string]any{
			"ip":    ip.String(),
			"error": err.Error(),
		})
		return DefaultLocation()
	}
	return loc
}

// Distance returns the distance between two locations in kilometres.
func (r *Resolver) Distance(a, b Location) float64 {
	return Distance(a, b)
}

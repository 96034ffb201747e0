package distance

import (
	"context"
	"errors"
	"fmt"
)

// MetersPerMile converts API distances to miles.
const MetersPerMile = 1609.344

// ErrNoRoute is returned when the service finds no route between the points.
var ErrNoRoute = errors.New("no route found")

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// String formats the point as "lat,lon" the way lookup services expect.
func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// Valid reports whether the point is inside WGS84 bounds and not the zero value.
func (c Coordinates) Valid() bool {
	if c.Latitude == 0 && c.Longitude == 0 {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Result is the outcome of a lookup.
type Result struct {
	Miles           float64 `json:"miles"`
	DurationMinutes float64 `json:"durationMinutes"`
}

// Provider computes road distance from an origin to a destination address.
type Provider interface {
	Lookup(ctx context.Context, origin Coordinates, destination string) (Result, error)
}

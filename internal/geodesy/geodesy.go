// Package geodesy computes distances on the WGS84 ellipsoid.
//
// Points are orb.Point values, so the first coordinate is the longitude and
// the second the latitude, both in decimal degrees.
package geodesy

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/tidwall/geodesic"
)

// WGS84 ellipsoid parameters in kilometers
const (
	SemiMajorAxisKm = 6378.137
	Flattening      = 1 / 298.257223563
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// eccentricity squared
var e2 = Flattening * (2 - Flattening)

// Validate reports whether p is a finite coordinate inside the valid
// latitude and longitude ranges.
func Validate(p orb.Point) error {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, lon)
	}
	return nil
}

// Distance returns the geodesic distance between a and b in kilometers.
func Distance(a, b orb.Point) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return distance(a, b), nil
}

// distance expects validated points.
func distance(a, b orb.Point) float64 {
	if a == b {
		return 0
	}
	var s12 float64
	geodesic.WGS84.Inverse(a.Lat(), a.Lon(), b.Lat(), b.Lon(), &s12, nil, nil)
	return s12 / 1000
}

// MustDistance is Distance for points that were validated before, e.g. the
// members of a spatial index. It panics on invalid input.
func MustDistance(a, b orb.Point) float64 {
	d, err := Distance(a, b)
	if err != nil {
		panic(err)
	}
	return d
}

// Vec3 is an earth-centered, earth-fixed position in kilometers.
type Vec3 [3]float64

// ECEF converts a surface point (height 0) to earth-centered cartesian
// coordinates on the WGS84 ellipsoid.
func ECEF(p orb.Point) Vec3 {
	lat := p.Lat() * math.Pi / 180
	lon := p.Lon() * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	n := SemiMajorAxisKm / math.Sqrt(1-e2*sinLat*sinLat)
	return Vec3{
		n * cosLat * cosLon,
		n * cosLat * sinLon,
		n * (1 - e2) * sinLat,
	}
}

// Chord returns the straight-line distance between two ECEF positions. A
// path along the surface is never shorter, so the chord is a lower bound of
// the geodesic distance between the surface points.
func Chord(a, b Vec3) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

package gojitter

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

//-------------------------------------------------------------------
// Geodetic datum
//-------------------------------------------------------------------

// Geodetic holds geodetic coordinates. Lat and Lon are in radians,
// Height in meters above the ellipsoid.
type Geodetic struct {
	Lat float64
	Lon float64
	Hei float64
}

// Datum is a reference ellipsoid. All ground points and trajectory
// positions are expressed in the Cartesian (ECEF) frame of this datum.
type Datum struct {
	A float64 // Semi-major axis [m]
	F float64 // Flattening
}

// NewWGS84Datum returns the WGS84 reference ellipsoid.
func NewWGS84Datum() *Datum {
	return &Datum{A: Re, F: Fe}
}

// GeodeticToCartesian converts geodetic coordinates to ECEF.
func (d *Datum) GeodeticToCartesian(llh Geodetic) r3.Vector {
	e := math.Sqrt(d.F * (2 - d.F)) // Eccentricity

	// Radius of curvature in the prime vertical
	n := d.A / math.Sqrt(1-e*e*math.Sin(llh.Lat)*math.Sin(llh.Lat))
	return r3.Vector{
		X: (n + llh.Hei) * math.Cos(llh.Lat) * math.Cos(llh.Lon),
		Y: (n + llh.Hei) * math.Cos(llh.Lat) * math.Sin(llh.Lon),
		Z: (n*(1-e*e) + llh.Hei) * math.Sin(llh.Lat),
	}
}

// CartesianToGeodetic converts an ECEF point to geodetic coordinates.
func (d *Datum) CartesianToGeodetic(pos r3.Vector) Geodetic {
	// In case of origin
	if pos.X == 0 && pos.Y == 0 && pos.Z == 0 {
		return Geodetic{Lat: 0, Lon: 0, Hei: -d.A}
	}

	a := d.A
	b := a * (1 - d.F)              // Semi-minor axis
	e := math.Sqrt(d.F * (2 - d.F)) // Eccentricity

	// Bowring's closed-form approximation
	h := a*a - b*b
	p := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y)
	t := math.Atan2(pos.Z*a, p*b)
	sint := math.Sin(t)
	cost := math.Cos(t)

	lat := math.Atan2(pos.Z+h/b*sint*sint*sint, p-h/a*cost*cost*cost)
	lon := math.Atan2(pos.Y, pos.X)
	n := a / math.Sqrt(1-e*e*math.Sin(lat)*math.Sin(lat))
	hei := p/math.Cos(lat) - n
	return Geodetic{Lat: lat, Lon: lon, Hei: hei}
}

// LocalNedRotation returns the rotation from the local North-East-Down
// frame at the given geodetic longitude/latitude to ECEF. The columns
// are the local north, east and down unit vectors. The inverse rotation
// (ECEF to NED) is the transpose.
func (d *Datum) LocalNedRotation(llh Geodetic) *mat.Dense {
	s1 := math.Sin(llh.Lon)
	c1 := math.Cos(llh.Lon)
	s2 := math.Sin(llh.Lat)
	c2 := math.Cos(llh.Lat)

	return mat.NewDense(3, 3, []float64{
		-s2 * c1, -s1, -c2 * c1,
		-s2 * s1, c1, -c2 * s1,
		c2, 0, -s2,
	})
}

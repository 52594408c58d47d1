package gojitter

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Rays closer to parallel than this cannot be intersected reliably.
const minTriangulationDenom = 1e-12

// TriangulatePair intersects two rays given by origin and unit direction.
// It returns the midpoint of the shortest segment between the rays and the
// length of that segment (the triangulation error). On degenerate geometry
// the returned point is non-finite and the error is set.
func TriangulatePair(ctr1, dir1, ctr2, dir2 r3.Vector) (r3.Vector, float64, error) {

	w0 := ctr1.Sub(ctr2)
	a := dir1.Dot(dir1)
	b := dir1.Dot(dir2)
	c := dir2.Dot(dir2)
	d := dir1.Dot(w0)
	e := dir2.Dot(w0)

	denom := a*c - b*b
	if math.Abs(denom) < minTriangulationDenom {
		return NaNVector(), math.NaN(), fmt.Errorf("rays are near parallel, cannot triangulate")
	}

	s := (b*e - c*d) / denom
	t := (a*e - b*d) / denom

	p1 := ctr1.Add(dir1.Mul(s))
	p2 := ctr2.Add(dir2.Mul(t))

	point := p1.Add(p2).Mul(0.5)
	rayErr := p1.Sub(p2).Norm()
	if !IsFinite(point) {
		return NaNVector(), math.NaN(), fmt.Errorf("triangulation produced a non-finite point")
	}
	return point, rayErr, nil
}

// ConvergenceAngle returns the angle between two unit ray directions.
func ConvergenceAngle(dir1, dir2 r3.Vector) float64 {
	d := dir1.Dot(dir2)
	if d > 1 {
		d = 1
	}
	if d < -1 {
		d = -1
	}
	return math.Acos(d)
}

// triangulateObservations produces the initial position of one tie point
// by intersecting the rays of all its observations pairwise, keeping pairs
// whose convergence angle is at least minAngle [rad], and averaging the
// pairwise intersections. A non-finite result means the point cannot be
// triangulated.
func triangulateObservations(cams []Camera, obs []Observation, minAngle float64) (r3.Vector, error) {

	var sum r3.Vector
	numPairs := 0

	for i := 0; i < len(obs); i++ {
		ctr1, dir1, err := cams[obs[i].Cam].PixelToRay(obs[i].Pix)
		if err != nil {
			continue
		}
		for j := i + 1; j < len(obs); j++ {
			ctr2, dir2, err := cams[obs[j].Cam].PixelToRay(obs[j].Pix)
			if err != nil {
				continue
			}
			if ConvergenceAngle(dir1, dir2) < minAngle {
				continue
			}
			point, _, err := TriangulatePair(ctr1, dir1, ctr2, dir2)
			if err != nil || !IsFinite(point) {
				continue
			}
			sum = sum.Add(point)
			numPairs++
		}
	}

	if numPairs == 0 {
		return NaNVector(), fmt.Errorf("no ray pair converged at more than the minimum angle")
	}
	return sum.Mul(1 / float64(numPairs)), nil
}

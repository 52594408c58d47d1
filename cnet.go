package gojitter

import (
	"fmt"
	"math/rand"

	"github.com/golang/geo/r3"
	"golang.org/x/exp/slices"
)

//-------------------------------------------------------------------
// Control network
//-------------------------------------------------------------------

// Observation is one pixel measurement of a tie point in one camera.
type Observation struct {
	Cam int   // Index into the camera list
	Pix Pixel // Measured pixel in line/sample units
}

// TiePoint is a 3D ground point inferred from matching pixel observations
// in at least two cameras. Position is triangulated at network build time
// and refined in place by the solver.
type TiePoint struct {
	Position r3.Vector
	Obs      []Observation
}

// OutlierSet holds the indices of tie points excluded from optimization.
// It only grows during filtering and is never consulted for removal.
type OutlierSet map[int]struct{}

// Contains reports whether tie point ipt is an outlier.
func (s OutlierSet) Contains(ipt int) bool {
	_, ok := s[ipt]
	return ok
}

// Add marks tie point ipt as an outlier.
func (s OutlierSet) Add(ipt int) {
	s[ipt] = struct{}{}
}

// ControlNetwork holds the tie points, their observations, and the set of
// points excluded from the solve.
type ControlNetwork struct {
	Points   []TiePoint
	Outliers OutlierSet
}

// NetworkOpt contains options for building and filtering the network.
type NetworkOpt struct {
	MinMatches            int     // Minimum observations for a tie point to triangulate
	MinTriangulationAngle float64 // Minimum ray convergence angle [deg]
	MaxInitReprojErr      float64 // Initial reprojection error beyond which a point is an outlier [pixels]
	MaxPairwiseMatches    int     // Cap on tie points, random subset kept if exceeded
	DropWholePoint        bool    // If true, one bad observation condemns the entire point
}

// NewNetworkOpt creates a NetworkOpt with default values.
func NewNetworkOpt() *NetworkOpt {
	return &NetworkOpt{
		MinMatches:            2,    // A tie point needs two rays
		MinTriangulationAngle: 0.1,  // Degrees
		MaxInitReprojErr:      5,    // Jitter corrections are small, keep this tight
		MaxPairwiseMatches:    10000,
		DropWholePoint:        true, // Point-level policy, one bad ray condemns the point
	}
}

// BuildControlNetwork triangulates an initial position for every tie point
// and screens the network for outliers using the pre-solve cameras.
// The input points carry observations only; positions are computed here.
func BuildControlNetwork(cams []Camera, points []TiePoint, opt *NetworkOpt) (*ControlNetwork, error) {

	if len(cams) < 2 {
		return nil, fmt.Errorf("expecting at least two cameras, got %d", len(cams))
	}

	// Keep a random subset if there are too many points. This happens
	// before outlier filtering.
	if opt.MaxPairwiseMatches > 0 && len(points) > opt.MaxPairwiseMatches {
		perm := rand.New(rand.NewSource(0)).Perm(len(points))[:opt.MaxPairwiseMatches]
		slices.Sort(perm)
		kept := make([]TiePoint, 0, opt.MaxPairwiseMatches)
		for _, k := range perm {
			kept = append(kept, points[k])
		}
		PrintD(2, "\tkept %d of %d tie points\n", len(kept), len(points))
		points = kept
	}

	cn := &ControlNetwork{
		Points:   points,
		Outliers: OutlierSet{},
	}

	// Triangulate initial positions
	minAngle := ToRad(opt.MinTriangulationAngle)
	for ipt := range cn.Points {
		tp := &cn.Points[ipt]
		for _, o := range tp.Obs {
			if o.Cam < 0 || o.Cam >= len(cams) {
				return nil, fmt.Errorf("observation of tie point %d references camera %d of %d", ipt, o.Cam, len(cams))
			}
		}
		if len(tp.Obs) < opt.MinMatches {
			PrintD(3, "\ttie point %d: %d < %d observations\n", ipt, len(tp.Obs), opt.MinMatches)
			cn.Outliers.Add(ipt)
			continue
		}
		point, err := triangulateObservations(cams, tp.Obs, minAngle)
		if err != nil || !IsFinite(point) {
			PrintD(3, "\ttie point %d: triangulation failed\n", ipt)
			cn.Outliers.Add(ipt)
			continue
		}
		tp.Position = point
	}

	// Screen for points that reproject poorly under the current cameras
	if err := cn.FilterOutliers(cams, opt); err != nil {
		return nil, fmt.Errorf("FilterOutliers() failed, err=%v", err)
	}

	PrintD(2, "\ttie points: %d, outliers: %d\n", len(cn.Points), len(cn.Outliers))
	return cn, nil
}

// FilterOutliers projects every triangulated point into every observing
// camera with the current (pre-solve) models and flags points whose
// reprojection fails or exceeds the configured maximum. With
// DropWholePoint (the default) a single bad observation condemns the
// entire point; otherwise only the offending observation is removed, and
// the point is flagged when fewer than MinMatches observations survive.
// Re-running the filter on an already-filtered network is a no-op.
func (cn *ControlNetwork) FilterOutliers(cams []Camera, opt *NetworkOpt) error {

	for ipt := range cn.Points {
		if cn.Outliers.Contains(ipt) {
			continue
		}
		tp := &cn.Points[ipt]

		bad := []int{}
		for iobs, o := range tp.Obs {
			pix, err := cams[o.Cam].Project(tp.Position)
			if err != nil || pix.Dist(o.Pix) > opt.MaxInitReprojErr {
				if err != nil {
					PrintD(3, "\ttie point %d cam %d: projection failed, %v\n", ipt, o.Cam, err)
				} else {
					PrintD(3, "\ttie point %d cam %d: reprojection error %.3f > %.3f\n",
						ipt, o.Cam, pix.Dist(o.Pix), opt.MaxInitReprojErr)
				}
				bad = append(bad, iobs)
				if opt.DropWholePoint {
					break
				}
			}
		}
		if len(bad) == 0 {
			continue
		}

		if opt.DropWholePoint {
			cn.Outliers.Add(ipt)
			continue
		}

		// Edge-level policy: remove only the offending observations
		kept := tp.Obs[:0]
		for iobs, o := range tp.Obs {
			if !slices.Contains(bad, iobs) {
				kept = append(kept, o)
			}
		}
		tp.Obs = kept
		if len(tp.Obs) < opt.MinMatches {
			cn.Outliers.Add(ipt)
		}
	}
	return nil
}

// NumInliers returns the number of tie points participating in the solve.
func (cn *ControlNetwork) NumInliers() int {
	return len(cn.Points) - len(cn.Outliers)
}

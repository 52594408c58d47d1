package gojitter

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ErrNoCovariance is returned when covariance propagation yields a
// non-finite result. Callers substitute a "no data" sentinel (the zero
// vector) instead of aborting the broader workflow.
var ErrNoCovariance = errors.New("no valid uncertainty data")

// Change in satellite position (measured in meters) and satellite
// orientation (in normalized quaternion components) used for numerical
// differencing. Positions are on the order of 7.0e6 m in ECEF, so the
// position delta must not be too tiny.
const (
	DefaultDeltaPosition = 0.01 // [m]
	DefaultDeltaQuat     = 1e-6 // Quaternions are normalized

	// Upper-triangular entry counts of the symmetric input covariances
	PosCovSize  = 6  // 3x3 position block
	QuatCovSize = 10 // 4x4 orientation block

	// Input variables for one camera pair: 3 positions and 4 quaternion
	// components per camera.
	numCovParams = 14
)

// NumCamsForCovariance returns the number of nominal plus perturbed
// cameras used when the covariance is computed: one nominal camera, then
// one positive and one negative perturbation for each position (3) and
// quaternion (4) component.
func NumCamsForCovariance() int {
	return 1 + 2*(NumXyzParams+NumQuatParams)
}

// CovarianceOpt contains options for covariance propagation.
type CovarianceOpt struct {
	DeltaPosition     float64 // Position perturbation step [m]
	DeltaQuat         float64 // Quaternion component perturbation step
	PositionFactor    float64 // Weight on the position covariance contribution
	OrientationFactor float64 // Weight on the orientation covariance contribution
}

// NewCovarianceOpt creates a CovarianceOpt with default values. The
// factors are useful for seeing which input covariance has the bigger
// effect.
func NewCovarianceOpt() *CovarianceOpt {
	return &CovarianceOpt{
		DeltaPosition:     DefaultDeltaPosition,
		DeltaQuat:         DefaultDeltaQuat,
		PositionFactor:    1,
		OrientationFactor: 1,
	}
}

//-------------------------------------------------------------------
// Perturbation book-keeping
//-------------------------------------------------------------------

// PositionDelta returns the position perturbation for camera variant num
// in [0, 15): variant 0 is the nominal value, variants 1..6 perturb one
// position coordinate in the positive and then negative direction, and
// the remaining variants leave the position at nominal (they perturb the
// quaternion instead).
func PositionDelta(num int, delta float64) r3.Vector {
	var ans r3.Vector
	if num == 0 || num > 2*NumXyzParams {
		return ans
	}

	sign := 1.0 // Sign of the perturbation: 1, -1, 1, -1, etc.
	if num%2 == 0 {
		sign = -1.0
	}

	switch (num - 1) / 2 {
	case 0:
		ans.X = sign * delta
	case 1:
		ans.Y = sign * delta
	case 2:
		ans.Z = sign * delta
	}
	return ans
}

// QuatDelta returns the quaternion-component perturbation for camera
// variant num in [0, 15), with the same alternating book-keeping as
// PositionDelta for variants 7..14.
func QuatDelta(num int, delta float64) [NumQuatParams]float64 {
	var ans [NumQuatParams]float64
	if num <= 2*NumXyzParams {
		return ans
	}

	num = num - 2*NumXyzParams // Now num = 1, ..., 8

	sign := 1.0
	if num%2 == 0 {
		sign = -1.0
	}

	ans[(num-1)/2] = sign * delta
	return ans
}

// SetupPerturbedCameras builds the perturbed camera variants used for the
// covariance Jacobian. Each variant shifts every trajectory sample of one
// position or quaternion coordinate by the configured delta; the nominal
// camera is the receiver itself. Recomputed cheaply whenever the
// trajectory changes; never persisted.
func (c *LinescanCamera) SetupPerturbedCameras(opt *CovarianceOpt) {
	n := NumCamsForCovariance()
	c.PerturbedCams = make([]*LinescanCamera, 0, n-1)
	for num := 1; num < n; num++ {
		pc := c.Copy()
		pc.PerturbedCams = nil
		dp := PositionDelta(num, opt.DeltaPosition)
		dq := QuatDelta(num, opt.DeltaQuat)
		for i := 0; i < pc.Traj.NumPos(); i++ {
			pc.Traj.SetPosition(i, pc.Traj.Position(i).Add(dp))
		}
		for i := 0; i < pc.Traj.NumQuat(); i++ {
			q := pc.Traj.Quaternion(i)
			for k := 0; k < NumQuatParams; k++ {
				q[k] += dq[k]
			}
			pc.Traj.SetQuaternion(i, q)
		}
		c.PerturbedCams = append(c.PerturbedCams, pc)
	}
}

//-------------------------------------------------------------------
// Scaled triangulation Jacobian
//-------------------------------------------------------------------

// rayAt returns the camera center and look direction of the given camera
// variant (0 is nominal, 1.. are the perturbed variants).
func rayAt(rc resolvedCamera, variant int, pix Pixel) (r3.Vector, r3.Vector, error) {
	cam := rc.ls
	if variant > 0 {
		cam = rc.ls.PerturbedCams[variant-1]
	}
	ctr, dir, err := cam.PixelToRay(pix)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	// The external adjustment, when present, applies consistently to all
	// perturbed centers and directions.
	if rc.adj != nil {
		ctr = matRotate(rc.adj.Rot, ctr).Add(rc.adj.Shift)
		dir = matRotate(rc.adj.Rot, dir)
	}
	return ctr, dir, nil
}

// ScaledTriangulationJacobian computes the sensitivity of the
// triangulated point of two matching pixels to the 14 satellite inputs:
// 3 position and 4 quaternion components for camera 1, then the same for
// camera 2. The output rows are in the local North-East-Down frame at the
// nominal triangulated point.
//
// Each entry is a centered difference (plus - minus)/2 that is
// deliberately NOT divided by the perturbation step: the step is tiny and
// dividing would produce huge, ill-conditioned values. The companion
// input covariance is divided by the squared step instead (see
// ScaledSatelliteCovariance), which cancels exactly in J * C * J^T.
func ScaledTriangulationJacobian(cam1, cam2 Camera, pix1, pix2 Pixel, opt *CovarianceOpt) (*mat.Dense, error) {

	rc1, err := resolveCamera(cam1)
	if err != nil {
		return nil, err
	}
	rc2, err := resolveCamera(cam2)
	if err != nil {
		return nil, err
	}

	// The cameras must agree on whether an external adjustment applies
	if (rc1.adj == nil) != (rc2.adj == nil) {
		return nil, fmt.Errorf("the cameras must be either both adjusted or both unadjusted")
	}

	if len(rc1.ls.PerturbedCams) == 0 || len(rc2.ls.PerturbedCams) == 0 {
		return nil, fmt.Errorf("the perturbed cameras were not set up")
	}
	if len(rc1.ls.PerturbedCams) != len(rc2.ls.PerturbedCams) {
		return nil, fmt.Errorf("the number of perturbations in the two cameras do not agree")
	}

	// Centers and directions for the nominal camera and every perturbed
	// variant, for both cameras
	n := NumCamsForCovariance()
	cam1Ctrs := make([]r3.Vector, n)
	cam1Dirs := make([]r3.Vector, n)
	cam2Ctrs := make([]r3.Vector, n)
	cam2Dirs := make([]r3.Vector, n)
	for it := 0; it < n; it++ {
		cam1Ctrs[it], cam1Dirs[it], err = rayAt(rc1, it, pix1)
		if err != nil {
			return nil, fmt.Errorf("camera 1 variant %d: %v", it, err)
		}
		cam2Ctrs[it], cam2Dirs[it], err = rayAt(rc2, it, pix2)
		if err != nil {
			return nil, fmt.Errorf("camera 2 variant %d: %v", it, err)
		}
	}

	// Nominal triangulation point
	triNominal, _, err := TriangulatePair(cam1Ctrs[0], cam1Dirs[0], cam2Ctrs[0], cam2Dirs[0])
	if err != nil || !IsFinite(triNominal) {
		return nil, fmt.Errorf("could not triangulate the nominal rays")
	}

	// Rotation from ECEF differences to the local NED frame computed at
	// the nominal triangulated point
	datum := rc1.ls.Datum
	llh := datum.CartesianToGeodetic(triNominal)
	nedToEcef := datum.LocalNedRotation(llh)

	J := mat.NewDense(NumXyzParams, numCovParams, nil)
	for coord := 0; coord < numCovParams; coord++ {

		var ctr1Plus, dir1Plus, ctr1Minus, dir1Minus r3.Vector
		var ctr2Plus, dir2Plus, ctr2Minus, dir2Minus r3.Vector

		// The perturbed variants store positive and negative
		// perturbations in alternating order; the camera whose inputs do
		// not change stays at its nominal value.
		if coord < numCovParams/2 {
			ctr1Plus, dir1Plus = cam1Ctrs[2*coord+1], cam1Dirs[2*coord+1]
			ctr1Minus, dir1Minus = cam1Ctrs[2*coord+2], cam1Dirs[2*coord+2]
			ctr2Plus, dir2Plus = cam2Ctrs[0], cam2Dirs[0]
			ctr2Minus, dir2Minus = cam2Ctrs[0], cam2Dirs[0]
		} else {
			coord2 := coord - numCovParams/2
			ctr1Plus, dir1Plus = cam1Ctrs[0], cam1Dirs[0]
			ctr1Minus, dir1Minus = cam1Ctrs[0], cam1Dirs[0]
			ctr2Plus, dir2Plus = cam2Ctrs[2*coord2+1], cam2Dirs[2*coord2+1]
			ctr2Minus, dir2Minus = cam2Ctrs[2*coord2+2], cam2Dirs[2*coord2+2]
		}

		triPlus, _, _ := TriangulatePair(ctr1Plus, dir1Plus, ctr2Plus, dir2Plus)
		triMinus, _, _ := TriangulatePair(ctr1Minus, dir1Minus, ctr2Minus, dir2Minus)

		// Express the perturbed points in the local NED frame
		nedPlus := matRotateT(nedToEcef, triPlus.Sub(triNominal))
		nedMinus := matRotateT(nedToEcef, triMinus.Sub(triNominal))

		diff := nedPlus.Sub(nedMinus).Mul(0.5)
		J.Set(0, coord, diff.X)
		J.Set(1, coord, diff.Y)
		J.Set(2, coord, diff.Z)
	}

	return J, nil
}

//-------------------------------------------------------------------
// Scaled satellite covariance
//-------------------------------------------------------------------

// PositionCovariance returns the 6 upper-triangular entries of the 3x3
// satellite position covariance at the record nearest to the pixel's
// line. Nearest-neighbor lookup is deliberate: the input covariances are
// known to only a few digits and are not meant to be smooth.
func (c *LinescanCamera) PositionCovariance(pix Pixel) ([PosCovSize]float64, error) {
	idx, err := c.nearestCovRecord(pix)
	if err != nil {
		return [PosCovSize]float64{}, err
	}
	return c.PosCovTable[idx], nil
}

// OrientationCovariance returns the 10 upper-triangular entries of the
// 4x4 satellite orientation covariance at the record nearest to the
// pixel's line.
func (c *LinescanCamera) OrientationCovariance(pix Pixel) ([QuatCovSize]float64, error) {
	idx, err := c.nearestCovRecord(pix)
	if err != nil {
		return [QuatCovSize]float64{}, err
	}
	return c.QuatCovTable[idx], nil
}

func (c *LinescanCamera) nearestCovRecord(pix Pixel) (int, error) {
	if len(c.CovLines) == 0 ||
		len(c.PosCovTable) != len(c.CovLines) || len(c.QuatCovTable) != len(c.CovLines) {
		return 0, fmt.Errorf("camera carries no satellite covariance records")
	}
	best := 0
	bestDist := math.Abs(c.CovLines[0] - pix.Line)
	for i := 1; i < len(c.CovLines); i++ {
		d := math.Abs(c.CovLines[i] - pix.Line)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, nil
}

// insertBlock mirrors the upper-triangular values of a symmetric block
// into C starting at the given diagonal offset. The input order is
// c11, c12, c13, ..., c22, c23, ...
func insertBlock(C *mat.Dense, start, size int, vals []float64) {
	count := 0
	for row := 0; row < size; row++ {
		for col := row; col < size; col++ {
			C.Set(start+row, start+col, vals[count])
			C.Set(start+col, start+row, vals[count])
			count++
		}
	}
}

// ScaledSatelliteCovariance assembles the 14x14 joint input covariance of
// the two cameras' satellite positions and orientations at the given
// pixels: four symmetric blocks on the diagonal, each divided by the
// square of the matching perturbation step (see
// ScaledTriangulationJacobian) and weighted by the configured factor.
func ScaledSatelliteCovariance(cam1, cam2 Camera, pix1, pix2 Pixel, opt *CovarianceOpt) (*mat.Dense, error) {

	// Adjustments are irrelevant here, only the input covariances matter
	rc1, err := resolveCamera(cam1)
	if err != nil {
		return nil, err
	}
	rc2, err := resolveCamera(cam2)
	if err != nil {
		return nil, err
	}

	pCov1, err := rc1.ls.PositionCovariance(pix1)
	if err != nil {
		return nil, err
	}
	qCov1, err := rc1.ls.OrientationCovariance(pix1)
	if err != nil {
		return nil, err
	}
	pCov2, err := rc2.ls.PositionCovariance(pix2)
	if err != nil {
		return nil, err
	}
	qCov2, err := rc2.ls.OrientationCovariance(pix2)
	if err != nil {
		return nil, err
	}

	pf := opt.PositionFactor
	qf := opt.OrientationFactor
	dp2 := SQ(opt.DeltaPosition)
	dq2 := SQ(opt.DeltaQuat)
	for i := range pCov1 {
		pCov1[i] = pf * pCov1[i] / dp2
		pCov2[i] = pf * pCov2[i] / dp2
	}
	for i := range qCov1 {
		qCov1[i] = qf * qCov1[i] / dq2
		qCov2[i] = qf * qCov2[i] / dq2
	}

	C := mat.NewDense(numCovParams, numCovParams, nil)
	insertBlock(C, 0, NumXyzParams, pCov1[:])
	insertBlock(C, NumXyzParams, NumQuatParams, qCov1[:])
	insertBlock(C, NumXyzParams+NumQuatParams, NumXyzParams, pCov2[:])
	insertBlock(C, 2*NumXyzParams+NumQuatParams, NumQuatParams, qCov2[:])
	return C, nil
}

//-------------------------------------------------------------------
// Propagation
//-------------------------------------------------------------------

// Uncertainty is the propagated positional uncertainty of a triangulated
// point: the geometric mean of the horizontal-plane eigenvalues and the
// down-axis variance.
type Uncertainty struct {
	Horizontal float64
	Vertical   float64
}

// PropagateCovariance maps the satellite position and orientation
// covariances of a camera pair through the triangulation of two matching
// pixels, reporting the result in the local NED frame at the triangulated
// point. A non-finite result returns ErrNoCovariance; callers substitute
// the zero value.
func PropagateCovariance(cam1, cam2 Camera, pix1, pix2 Pixel, opt *CovarianceOpt) (Uncertainty, error) {

	// Jacobian of the triangulated point with respect to the satellite
	// inputs, times the perturbation step
	J, err := ScaledTriangulationJacobian(cam1, cam2, pix1, pix2, opt)
	if err != nil {
		return Uncertainty{}, err
	}

	// Input covariance, divided by the square of the same step
	C, err := ScaledSatelliteCovariance(cam1, cam2, pix1, pix2, opt)
	if err != nil {
		return Uncertainty{}, err
	}

	// P = J * C * J^T
	var JC, P mat.Dense
	JC.Mul(J, C)
	P.Mul(&JC, J.T())

	// Horizontal component: square root of the determinant of the
	// horizontal-plane block, the geometric mean of its eigenvalues. A
	// single number that does not privilege either horizontal axis.
	h := P.At(0, 0)*P.At(1, 1) - P.At(0, 1)*P.At(1, 0)
	ans := Uncertainty{
		Horizontal: math.Sqrt(h),
		Vertical:   P.At(2, 2), // Down-axis variance
	}

	if math.IsNaN(ans.Horizontal) || math.IsInf(ans.Horizontal, 0) ||
		math.IsNaN(ans.Vertical) || math.IsInf(ans.Vertical, 0) {
		return Uncertainty{}, ErrNoCovariance
	}
	return ans, nil
}

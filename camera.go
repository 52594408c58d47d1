package gojitter

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

//-------------------------------------------------------------------
// Camera capability interfaces
//-------------------------------------------------------------------

// Pixel is an image coordinate in line/sample units. For a linescan
// sensor the line determines the imaging time.
type Pixel struct {
	Samp float64
	Line float64
}

// Dist returns the distance to pixel b.
func (p Pixel) Dist(b Pixel) float64 {
	return math.Sqrt(SQ(p.Samp-b.Samp) + SQ(p.Line-b.Line))
}

// Camera is the projection capability the core requires. Implementations
// that wrap a non-reentrant external dependency must report false from
// IsThreadSafe, which degrades the whole solve to one worker.
type Camera interface {
	// Project maps a ground point (ECEF) to a pixel. It fails on
	// ill-posed geometry (point behind the sensor, no imaging time).
	Project(p r3.Vector) (Pixel, error)

	// PixelToRay returns the camera center and unit look direction
	// for the given pixel, both in ECEF.
	PixelToRay(pix Pixel) (origin, dir r3.Vector, err error)

	// ImagingTime returns the acquisition time of the pixel's line.
	ImagingTime(pix Pixel) float64

	// IsThreadSafe reports whether concurrent evaluations are allowed.
	IsThreadSafe() bool
}

//-------------------------------------------------------------------
// Linescan camera model
//-------------------------------------------------------------------

// Projection convergence parameters. The imaging line of a ground point
// is found iteratively; the tolerance is deliberately tight because the
// solver differentiates projections numerically.
const (
	projectPrecision = 1e-12 // Convergence tolerance on the line coordinate
	projectMaxIter   = 100   // Maximum secant iterations
)

// LinescanCamera is a pushbroom sensor model: one image row is acquired
// per time step while the platform moves along its trajectory. The camera
// frame has +x along the sensor line (sample direction) and +z along the
// boresight; a ground point is imaged when it lies in the y=0 plane of
// the camera frame at the imaging time of some line.
type LinescanCamera struct {
	Traj *Trajectory // Owned trajectory samples, mutated by the solver

	FocalLength float64 // Focal length [pixels]
	CenterSamp  float64 // Optical center sample coordinate [pixels]
	NumLines    int     // Number of image lines
	T0Line      float64 // Imaging time of line 0 [s]
	DtLine      float64 // Time per image line [s], > 0

	Datum *Datum // Reference ellipsoid for geodetic conversions

	// Per-record satellite covariances, indexed by image line with
	// nearest-neighbor lookup. Optional; only the covariance propagation
	// path reads them.
	CovLines     []float64
	PosCovTable  [][PosCovSize]float64
	QuatCovTable [][QuatCovSize]float64

	// Perturbed variants used for covariance propagation, one pair of
	// opposite perturbations per position and quaternion component.
	// Set up once by SetupPerturbedCameras; the nominal camera is not
	// stored here.
	PerturbedCams []*LinescanCamera

	SingleThreaded bool // Set when the model must not be evaluated concurrently
}

// ImagingTime returns the acquisition time of the pixel's line.
func (c *LinescanCamera) ImagingTime(pix Pixel) float64 {
	return c.T0Line + c.DtLine*pix.Line
}

// IsThreadSafe reports whether concurrent evaluations are allowed.
func (c *LinescanCamera) IsThreadSafe() bool {
	return !c.SingleThreaded
}

// Copy returns a copy of the camera with its own trajectory arrays.
// Metadata and covariance tables are shared as they are immutable.
func (c *LinescanCamera) Copy() *LinescanCamera {
	c2 := *c
	c2.Traj = c.Traj.Copy()
	return &c2
}

// pointInCameraFrame expresses a ground point in the camera frame at the
// imaging time of the given line.
func (c *LinescanCamera) pointInCameraFrame(p r3.Vector, line float64) r3.Vector {
	t := c.T0Line + c.DtLine*line
	ctr := c.Traj.PositionAt(t)
	q := c.Traj.RotationAt(t)
	return RotateVector(quat.Conj(q), p.Sub(ctr))
}

// Project maps a ground point to a pixel by solving for the line whose
// sensor plane contains the point, then measuring the sample offset on
// that line. The line is found by secant iteration on the across-track
// tangent angle.
func (c *LinescanCamera) Project(p r3.Vector) (Pixel, error) {

	// Across-track tangent at a candidate line. Zero when the point lies
	// in that line's sensor plane.
	g := func(line float64) (float64, error) {
		d := c.pointInCameraFrame(p, line)
		if d.Z <= 0 {
			return 0, fmt.Errorf("point is behind the sensor at line %g", line)
		}
		return d.Y / d.Z, nil
	}

	// Start from the middle of the image
	l0 := float64(c.NumLines) / 2
	l1 := l0 + 1
	g0, err := g(l0)
	if err != nil {
		return Pixel{}, err
	}
	g1, err := g(l1)
	if err != nil {
		return Pixel{}, err
	}

	for it := 0; it < projectMaxIter; it++ {
		if g1 == g0 {
			return Pixel{}, fmt.Errorf("projection stalled, no across-track variation")
		}
		l2 := l1 - g1*(l1-l0)/(g1-g0)
		if math.IsNaN(l2) || math.IsInf(l2, 0) {
			return Pixel{}, fmt.Errorf("projection diverged")
		}
		l0, g0 = l1, g1
		l1 = l2
		g1, err = g(l1)
		if err != nil {
			return Pixel{}, err
		}
		if math.Abs(l1-l0) < projectPrecision {
			break
		}
		if it+1 == projectMaxIter {
			return Pixel{}, fmt.Errorf("projection did not converge after %d iterations", projectMaxIter)
		}
	}

	// Reject solutions far outside the imaged lines
	if l1 < -float64(c.NumLines) || l1 > 2*float64(c.NumLines) {
		return Pixel{}, fmt.Errorf("imaging time out of range, line %g", l1)
	}

	d := c.pointInCameraFrame(p, l1)
	if d.Z <= 0 {
		return Pixel{}, fmt.Errorf("point is behind the sensor")
	}
	return Pixel{
		Samp: c.FocalLength*d.X/d.Z + c.CenterSamp,
		Line: l1,
	}, nil
}

// PixelToRay returns the camera center and unit look direction for the
// given pixel, both in ECEF.
func (c *LinescanCamera) PixelToRay(pix Pixel) (r3.Vector, r3.Vector, error) {
	t := c.ImagingTime(pix)
	ctr := c.Traj.PositionAt(t)
	q := c.Traj.RotationAt(t)
	dirCam := r3.Vector{X: (pix.Samp - c.CenterSamp) / c.FocalLength, Y: 0, Z: 1}
	dir := RotateVector(q, dirCam.Normalize())
	if !IsFinite(dir) || !IsFinite(ctr) {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("non-finite ray for pixel (%g, %g)", pix.Samp, pix.Line)
	}
	return ctr, dir, nil
}

// ApplyTransform bakes a rigid ECEF transform into the trajectory: every
// position sample becomes R*p + shift and every orientation sample is
// composed with the rotation. Used to fold externally computed camera
// adjustments into the model before solving.
func (c *LinescanCamera) ApplyTransform(rot *mat.Dense, shift r3.Vector) {
	qr := quatFromMatrix(rot)
	for i := 0; i < c.Traj.NumPos(); i++ {
		c.Traj.SetPosition(i, matRotate(rot, c.Traj.Position(i)).Add(shift))
	}
	for i := 0; i < c.Traj.NumQuat(); i++ {
		s := c.Traj.Quaternion(i)
		q := quat.Mul(qr, quat.Number{Imag: s[0], Jmag: s[1], Kmag: s[2], Real: s[3]})
		c.Traj.SetQuaternion(i, [NumQuatParams]float64{q.Imag, q.Jmag, q.Kmag, q.Real})
	}
}

// quatFromMatrix converts a 3x3 rotation matrix to a unit quaternion.
func quatFromMatrix(R *mat.Dense) quat.Number {
	tr := R.At(0, 0) + R.At(1, 1) + R.At(2, 2)
	var q quat.Number
	if tr > 0 {
		s := 2 * math.Sqrt(tr+1)
		q.Real = s / 4
		q.Imag = (R.At(2, 1) - R.At(1, 2)) / s
		q.Jmag = (R.At(0, 2) - R.At(2, 0)) / s
		q.Kmag = (R.At(1, 0) - R.At(0, 1)) / s
	} else if R.At(0, 0) > R.At(1, 1) && R.At(0, 0) > R.At(2, 2) {
		s := 2 * math.Sqrt(1+R.At(0, 0)-R.At(1, 1)-R.At(2, 2))
		q.Real = (R.At(2, 1) - R.At(1, 2)) / s
		q.Imag = s / 4
		q.Jmag = (R.At(0, 1) + R.At(1, 0)) / s
		q.Kmag = (R.At(0, 2) + R.At(2, 0)) / s
	} else if R.At(1, 1) > R.At(2, 2) {
		s := 2 * math.Sqrt(1+R.At(1, 1)-R.At(0, 0)-R.At(2, 2))
		q.Real = (R.At(0, 2) - R.At(2, 0)) / s
		q.Imag = (R.At(0, 1) + R.At(1, 0)) / s
		q.Jmag = s / 4
		q.Kmag = (R.At(1, 2) + R.At(2, 1)) / s
	} else {
		s := 2 * math.Sqrt(1+R.At(2, 2)-R.At(0, 0)-R.At(1, 1))
		q.Real = (R.At(1, 0) - R.At(0, 1)) / s
		q.Imag = (R.At(0, 2) + R.At(2, 0)) / s
		q.Jmag = (R.At(1, 2) + R.At(2, 1)) / s
		q.Kmag = s / 4
	}
	n := quat.Abs(q)
	return quat.Scale(1/n, q)
}

//-------------------------------------------------------------------
// Adjusted camera
//-------------------------------------------------------------------

// AdjustedCamera wraps a camera with a rigid ECEF transform produced by a
// prior bundle adjustment. The transform maps unadjusted camera centers
// and look directions into the adjusted frame.
type AdjustedCamera struct {
	Base  Camera
	Rot   *mat.Dense // 3x3 rotation, unadjusted to adjusted
	Shift r3.Vector  // Translation, unadjusted to adjusted
}

// NewAdjustedCamera wraps base with the given rigid transform.
func NewAdjustedCamera(base Camera, rot *mat.Dense, shift r3.Vector) *AdjustedCamera {
	return &AdjustedCamera{Base: base, Rot: rot, Shift: shift}
}

// matRotate applies a 3x3 rotation matrix to a vector.
func matRotate(R mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: R.At(0, 0)*v.X + R.At(0, 1)*v.Y + R.At(0, 2)*v.Z,
		Y: R.At(1, 0)*v.X + R.At(1, 1)*v.Y + R.At(1, 2)*v.Z,
		Z: R.At(2, 0)*v.X + R.At(2, 1)*v.Y + R.At(2, 2)*v.Z,
	}
}

// matRotateT applies the transpose (inverse rotation) of R to a vector.
func matRotateT(R mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: R.At(0, 0)*v.X + R.At(1, 0)*v.Y + R.At(2, 0)*v.Z,
		Y: R.At(0, 1)*v.X + R.At(1, 1)*v.Y + R.At(2, 1)*v.Z,
		Z: R.At(0, 2)*v.X + R.At(1, 2)*v.Y + R.At(2, 2)*v.Z,
	}
}

// Project maps an adjusted-frame ground point through the base camera.
func (a *AdjustedCamera) Project(p r3.Vector) (Pixel, error) {
	return a.Base.Project(matRotateT(a.Rot, p.Sub(a.Shift)))
}

// PixelToRay returns the adjusted-frame camera center and look direction.
func (a *AdjustedCamera) PixelToRay(pix Pixel) (r3.Vector, r3.Vector, error) {
	ctr, dir, err := a.Base.PixelToRay(pix)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	return matRotate(a.Rot, ctr).Add(a.Shift), matRotate(a.Rot, dir), nil
}

// ImagingTime returns the acquisition time of the pixel's line.
func (a *AdjustedCamera) ImagingTime(pix Pixel) float64 {
	return a.Base.ImagingTime(pix)
}

// IsThreadSafe reports whether concurrent evaluations are allowed.
func (a *AdjustedCamera) IsThreadSafe() bool {
	return a.Base.IsThreadSafe()
}

//-------------------------------------------------------------------
// Capability resolution
//-------------------------------------------------------------------

// resolvedCamera is the capability-tagged view of a Camera, resolved once
// at setup instead of re-checked per call.
type resolvedCamera struct {
	ls  *LinescanCamera // Underlying linescan model, never nil
	adj *AdjustedCamera // Non-nil when the camera carries an adjustment
}

// resolveCamera unwraps a Camera into its linescan model and optional
// adjustment. A camera that is neither a linescan model nor an adjusted
// wrapper around one is a configuration error.
func resolveCamera(cam Camera) (resolvedCamera, error) {
	switch c := cam.(type) {
	case *LinescanCamera:
		return resolvedCamera{ls: c}, nil
	case *AdjustedCamera:
		ls, ok := c.Base.(*LinescanCamera)
		if !ok {
			return resolvedCamera{}, fmt.Errorf("adjusted camera does not wrap a linescan model")
		}
		return resolvedCamera{ls: ls, adj: c}, nil
	default:
		return resolvedCamera{}, fmt.Errorf("expecting a linescan camera, got %T", cam)
	}
}

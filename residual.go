package gojitter

import (
	"github.com/golang/geo/r3"
)

// ReprojectionResidual measures the error of projecting a tie point into
// one camera at the observed pixel. The variables are the quaternion and
// position samples of the observation's window plus the tie point itself;
// everything else about the camera is held fixed.
type ReprojectionResidual struct {
	Obs      Pixel           // The pixel observation for this camera/point pair
	Cam      *LinescanCamera // Owning camera, shared and read-only here
	Win      Window          // Trajectory samples this residual depends on
	TiePoint int             // Index of the observed tie point
}

// NewReprojectionResidual creates the residual for one observation.
func NewReprojectionResidual(obs Pixel, cam *LinescanCamera, win Window, tiePoint int) *ReprojectionResidual {
	return &ReprojectionResidual{Obs: obs, Cam: cam, Win: win, TiePoint: tiePoint}
}

// NumParamBlocks returns the number of parameter blocks: one per windowed
// quaternion sample, one per windowed position sample, and the tie point.
func (r *ReprojectionResidual) NumParamBlocks() int {
	return r.Win.NumQuat() + r.Win.NumPos() + 1
}

// Evaluate computes the 2-vector reprojection residual (projected pixel
// minus observed pixel) for candidate parameter values. The parameters
// are, in order, the quaternion samples in [BegQuat, EndQuat), the
// position samples in [BegPos, EndPos), and the tie point coordinates.
//
// The camera's trajectory is copied and only the windowed samples are
// overwritten, so concurrent evaluations never race on shared camera
// state. When the projection is not well-defined for the candidate state,
// a large fixed residual is returned instead of an error, which keeps the
// numeric differentiation of the caller well-defined while still strongly
// penalizing the configuration.
func (r *ReprojectionResidual) Evaluate(params [][]float64, residuals []float64) {

	// Make a copy of the camera state, as the windowed quaternion and
	// position values are overwritten. This may be expensive.
	cam := r.Cam.Copy()

	// Update the relevant quaternions in the local copy
	shift := 0
	for qi := r.Win.BegQuat; qi < r.Win.EndQuat; qi++ {
		copy(cam.Traj.Quaternions[NumQuatParams*qi:NumQuatParams*(qi+1)],
			params[qi+shift-r.Win.BegQuat])
	}

	// Same for the positions, moving forward in the parameter list
	shift += r.Win.NumQuat()
	for pi := r.Win.BegPos; pi < r.Win.EndPos; pi++ {
		copy(cam.Traj.Positions[NumXyzParams*pi:NumXyzParams*(pi+1)],
			params[pi+shift-r.Win.BegPos])
	}

	// The tie point comes after the trajectory samples
	shift += r.Win.NumPos()
	point := r3.Vector{X: params[shift][0], Y: params[shift][1], Z: params[shift][2]}

	pix, err := cam.Project(point)
	if err != nil {
		// Accept the state anyway, with a penalty
		residuals[0] = BigPixelValue
		residuals[1] = BigPixelValue
		return
	}

	residuals[0] = pix.Samp - r.Obs.Samp
	residuals[1] = pix.Line - r.Obs.Line
}

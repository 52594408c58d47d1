package gojitter

import (
	"fmt"
	"math"
)

// Default number of trajectory samples tied to one observation, matching
// the pose interpolation support (InterpOrder).
const DefaultSamplesPerObs = 8

// Window is the half-open range of trajectory sample indices one
// observation depends on. Derived per observation at residual-construction
// time, never stored or mutated.
type Window struct {
	BegQuat int
	EndQuat int // exclusive
	BegPos  int
	EndPos  int // exclusive
}

// NumQuat returns the number of quaternion samples in the window.
func (w Window) NumQuat() int { return w.EndQuat - w.BegQuat }

// NumPos returns the number of position samples in the window.
func (w Window) NumPos() int { return w.EndPos - w.BegPos }

// ResolveWindow maps an observation to the trajectory samples its residual
// depends on. The observation's line is widened by lineExtra rows on each
// side because the optimizer may move trajectory samples, shifting where
// the residual's pixel images; the pair of guard times is converted to
// sample indices and widened by half the interpolation support on each
// side, then clamped to the sampled range.
//
// The position and quaternion sequences are resolved independently as
// their step sizes may differ. An empty window is a book-keeping error:
// it cannot happen for a trajectory that covers the imaged lines.
func ResolveWindow(cam *LinescanCamera, pix Pixel, lineExtra float64, samplesPerObs int) (Window, error) {

	time1 := cam.ImagingTime(Pixel{Samp: pix.Samp, Line: pix.Line - lineExtra})
	time2 := cam.ImagingTime(Pixel{Samp: pix.Samp, Line: pix.Line + lineExtra})

	var w Window
	var err error
	w.BegQuat, w.EndQuat, err = sampleRange(time1, time2, cam.Traj.T0Quat, cam.Traj.DtQuat,
		cam.Traj.NumQuat(), samplesPerObs)
	if err != nil {
		return Window{}, fmt.Errorf("quaternion window for pixel (%g, %g): %v", pix.Samp, pix.Line, err)
	}
	w.BegPos, w.EndPos, err = sampleRange(time1, time2, cam.Traj.T0Pos, cam.Traj.DtPos,
		cam.Traj.NumPos(), samplesPerObs)
	if err != nil {
		return Window{}, fmt.Errorf("position window for pixel (%g, %g): %v", pix.Samp, pix.Line, err)
	}
	return w, nil
}

// sampleRange widens the index interval spanned by [time1, time2] by half
// of samplesPerObs on each side and clamps it to [0, count).
func sampleRange(time1, time2, t0, dt float64, count, samplesPerObs int) (beg, end int, err error) {

	index1 := int(math.Floor((time1 - t0) / dt))
	index2 := int(math.Floor((time2 - t0) / dt))
	if index2 < index1 {
		index1, index2 = index2, index1
	}

	beg = index1 - samplesPerObs/2 + 1
	end = index2 + samplesPerObs/2 + 1

	// Keep in bounds
	beg = max(0, beg)
	end = min(end, count)

	// Must not happen for a trajectory that samples the imaged time range
	if beg >= end {
		return 0, 0, fmt.Errorf("book-keeping error, empty sample window [%d, %d) of %d", beg, end, count)
	}
	return beg, end, nil
}

package gojitter

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Number of samples used for pose interpolation. The observation window
// half-width (InterpOrder/2 on each side of the imaging time) must cover
// this support, or the residual would depend on samples outside its window.
const InterpOrder = 8

//-------------------------------------------------------------------
// Trajectory
//-------------------------------------------------------------------

// Trajectory holds the uniformly time-sampled position and orientation
// history of one linescan camera. Positions are ECEF [m], packed 3 scalars
// per sample. Quaternions are camera-to-world orientations (x, y, z, w),
// packed 4 scalars per sample and normalized. The two sequences may have
// different start times and step sizes.
//
// The solver mutates the sample arrays in place between iterations.
// Residual evaluations work on private copies (see Copy).
type Trajectory struct {
	Positions   []float64 // NumXyzParams scalars per sample
	Quaternions []float64 // NumQuatParams scalars per sample
	T0Pos       float64   // Time of first position sample [s]
	DtPos       float64   // Position sample step [s], > 0
	T0Quat      float64   // Time of first quaternion sample [s]
	DtQuat      float64   // Quaternion sample step [s], > 0
}

// NumPos returns the number of position samples.
func (tr *Trajectory) NumPos() int {
	return len(tr.Positions) / NumXyzParams
}

// NumQuat returns the number of quaternion samples.
func (tr *Trajectory) NumQuat() int {
	return len(tr.Quaternions) / NumQuatParams
}

// Validate checks the sampling invariants.
func (tr *Trajectory) Validate() error {
	if tr.DtPos <= 0 || tr.DtQuat <= 0 {
		return fmt.Errorf("trajectory sample steps must be positive, dtPos=%g, dtQuat=%g", tr.DtPos, tr.DtQuat)
	}
	if len(tr.Positions)%NumXyzParams != 0 || len(tr.Quaternions)%NumQuatParams != 0 {
		return fmt.Errorf("trajectory arrays are not a whole number of samples")
	}
	if tr.NumPos() < InterpOrder || tr.NumQuat() < InterpOrder {
		return fmt.Errorf("trajectory needs at least %d samples for interpolation, numPos=%d, numQuat=%d",
			InterpOrder, tr.NumPos(), tr.NumQuat())
	}
	return nil
}

// Copy returns a deep copy. Each residual evaluation overwrites a window of
// samples in its own copy, so concurrent evaluations never share state.
func (tr *Trajectory) Copy() *Trajectory {
	tr2 := &Trajectory{
		Positions:   make([]float64, len(tr.Positions)),
		Quaternions: make([]float64, len(tr.Quaternions)),
		T0Pos:       tr.T0Pos,
		DtPos:       tr.DtPos,
		T0Quat:      tr.T0Quat,
		DtQuat:      tr.DtQuat,
	}
	copy(tr2.Positions, tr.Positions)
	copy(tr2.Quaternions, tr.Quaternions)
	return tr2
}

// Position returns position sample i.
func (tr *Trajectory) Position(i int) r3.Vector {
	return r3.Vector{
		X: tr.Positions[NumXyzParams*i+0],
		Y: tr.Positions[NumXyzParams*i+1],
		Z: tr.Positions[NumXyzParams*i+2],
	}
}

// SetPosition overwrites position sample i.
func (tr *Trajectory) SetPosition(i int, p r3.Vector) {
	tr.Positions[NumXyzParams*i+0] = p.X
	tr.Positions[NumXyzParams*i+1] = p.Y
	tr.Positions[NumXyzParams*i+2] = p.Z
}

// Quaternion returns quaternion sample i as (x, y, z, w).
func (tr *Trajectory) Quaternion(i int) [NumQuatParams]float64 {
	var q [NumQuatParams]float64
	copy(q[:], tr.Quaternions[NumQuatParams*i:NumQuatParams*(i+1)])
	return q
}

// SetQuaternion overwrites quaternion sample i with (x, y, z, w).
func (tr *Trajectory) SetQuaternion(i int, q [NumQuatParams]float64) {
	copy(tr.Quaternions[NumQuatParams*i:NumQuatParams*(i+1)], q[:])
}

// PositionAt interpolates the position at time t.
func (tr *Trajectory) PositionAt(t float64) r3.Vector {
	var out [NumXyzParams]float64
	lagrangeInterp(tr.Positions, NumXyzParams, tr.T0Pos, tr.DtPos, t, out[:])
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}

// RotationAt interpolates the camera-to-world orientation at time t as a
// unit quaternion. Components are interpolated independently, then the
// result is normalized, matching the sensor-model convention the sample
// arrays come from.
func (tr *Trajectory) RotationAt(t float64) quat.Number {
	var out [NumQuatParams]float64
	lagrangeInterp(tr.Quaternions, NumQuatParams, tr.T0Quat, tr.DtQuat, t, out[:])
	q := quat.Number{Imag: out[0], Jmag: out[1], Kmag: out[2], Real: out[3]}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// lagrangeInterp evaluates an InterpOrder-point Lagrange interpolant of
// uniformly sampled dim-dimensional data at time t. The support is centered
// on the sample interval containing t and clamped at the ends of the series.
func lagrangeInterp(data []float64, dim int, t0, dt, t float64, out []float64) {
	n := len(data) / dim

	order := InterpOrder
	if n < order {
		order = n
	}

	// First sample of the interpolation support
	f := (t - t0) / dt
	i0 := int(math.Floor(f)) - order/2 + 1
	if i0 < 0 {
		i0 = 0
	}
	if i0 > n-order {
		i0 = n - order
	}

	for d := 0; d < dim; d++ {
		out[d] = 0
	}
	for j := 0; j < order; j++ {
		// Lagrange basis weight for node i0+j, in sample-index units
		w := 1.0
		for k := 0; k < order; k++ {
			if k == j {
				continue
			}
			w *= (f - float64(i0+k)) / float64(j-k)
		}
		for d := 0; d < dim; d++ {
			out[d] += w * data[(i0+j)*dim+d]
		}
	}
}

package gojitter

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
)

func TestInterpolationExactAtSamples(t *testing.T) {
	tr := newTestCamera(0).Traj
	for i := 0; i < tr.NumPos(); i++ {
		got := tr.PositionAt(tr.T0Pos + tr.DtPos*float64(i))
		want := tr.Position(i)
		if got.Sub(want).Norm() > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got, want)
		}
	}
}

func TestInterpolationReproducesPolynomial(t *testing.T) {
	// An 8-point Lagrange interpolant is exact for polynomials up to
	// degree 7
	poly := func(x float64) float64 {
		return 3 + 2*x - 0.5*x*x + 0.01*x*x*x
	}
	tr := &Trajectory{T0Pos: 2, DtPos: 0.5}
	for i := 0; i < 20; i++ {
		x := 2 + 0.5*float64(i)
		tr.Positions = append(tr.Positions, poly(x), 0, 0)
	}
	for _, x := range []float64{2.1, 3.333, 5.0, 7.9, 11.4} {
		got := tr.PositionAt(x).X
		want := poly(x)
		if math.Abs(got-want) > 1e-9*math.Abs(want) {
			t.Errorf("at %v: got %v, want %v", x, got, want)
		}
	}
}

func TestRotationAtIsNormalized(t *testing.T) {
	cam := newTestCamera(0)
	addQuatJitter(cam, 1e-3)
	tr := cam.Traj
	for _, dt := range []float64{0, 0.1, 0.37, 1.99, 4.5} {
		q := tr.RotationAt(tr.T0Quat + dt)
		if math.Abs(quat.Abs(q)-1) > 1e-12 {
			t.Errorf("at t0+%v: |q| = %v, want 1", dt, quat.Abs(q))
		}
	}
}

func TestRotateVectorMatchesFrame(t *testing.T) {
	// The test attitude maps camera +x to ECEF +y and camera +z to ECEF -x
	q := quat.Number{Imag: -0.5, Jmag: -0.5, Kmag: 0.5, Real: 0.5}
	cases := []struct {
		in, want [3]float64
	}{
		{[3]float64{1, 0, 0}, [3]float64{0, 1, 0}},
		{[3]float64{0, 0, 1}, [3]float64{-1, 0, 0}},
	}
	for _, c := range cases {
		got := RotateVector(q, vec3(c.in))
		if got.Sub(vec3(c.want)).Norm() > 1e-12 {
			t.Errorf("rotate %v: got %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTrajectoryValidate(t *testing.T) {
	good := newTestCamera(0).Traj
	if err := good.Validate(); err != nil {
		t.Fatalf("valid trajectory rejected: %v", err)
	}

	bad := good.Copy()
	bad.DtPos = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero position step accepted")
	}

	bad = good.Copy()
	bad.Quaternions = bad.Quaternions[:5]
	if err := bad.Validate(); err == nil {
		t.Error("ragged quaternion array accepted")
	}

	bad = good.Copy()
	bad.Positions = bad.Positions[:NumXyzParams]
	if err := bad.Validate(); err == nil {
		t.Error("single-sample trajectory accepted")
	}

	// Fewer samples than the interpolation support is not enough either
	bad = good.Copy()
	bad.Positions = bad.Positions[:NumXyzParams*(InterpOrder-1)]
	if err := bad.Validate(); err == nil {
		t.Error("trajectory shorter than the interpolation support accepted")
	}
}

func TestTrajectoryCopyIsDeep(t *testing.T) {
	tr := newTestCamera(0).Traj
	cp := tr.Copy()
	cp.Positions[0] += 100
	cp.Quaternions[0] += 0.1
	if tr.Positions[0] == cp.Positions[0] || tr.Quaternions[0] == cp.Quaternions[0] {
		t.Error("copy shares storage with the original")
	}
}

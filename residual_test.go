package gojitter

import (
	"math"
	"testing"
)

// residualParams builds the parameter list of a residual from the current
// camera trajectory and the given tie point.
func residualParams(cam *LinescanCamera, win Window, point [3]float64) [][]float64 {
	var params [][]float64
	for qi := win.BegQuat; qi < win.EndQuat; qi++ {
		q := cam.Traj.Quaternion(qi)
		params = append(params, q[:])
	}
	for pi := win.BegPos; pi < win.EndPos; pi++ {
		p := cam.Traj.Position(pi)
		params = append(params, []float64{p.X, p.Y, p.Z})
	}
	params = append(params, point[:])
	return params
}

func TestResidualZeroForConsistentState(t *testing.T) {
	cam := newTestCamera(0)
	g := testGroundPoint(17.5e3, 1e3)
	pix, err := cam.Project(g)
	if err != nil {
		t.Fatalf("Project() failed, err=%v", err)
	}
	win, err := ResolveWindow(cam, pix, 10, DefaultSamplesPerObs)
	if err != nil {
		t.Fatalf("ResolveWindow() failed, err=%v", err)
	}

	res := NewReprojectionResidual(pix, cam, win, 0)
	if res.NumParamBlocks() != win.NumQuat()+win.NumPos()+1 {
		t.Errorf("NumParamBlocks() = %d, want %d", res.NumParamBlocks(), win.NumQuat()+win.NumPos()+1)
	}

	r := make([]float64, PixelSize)
	res.Evaluate(residualParams(cam, win, [3]float64{g.X, g.Y, g.Z}), r)
	if math.Abs(r[0]) > 1e-6 || math.Abs(r[1]) > 1e-6 {
		t.Errorf("residual (%v, %v) for a consistent state, want zero", r[0], r[1])
	}
}

func TestResidualRespondsToPointShift(t *testing.T) {
	cam := newTestCamera(0)
	g := testGroundPoint(17.5e3, 1e3)
	pix, err := cam.Project(g)
	if err != nil {
		t.Fatalf("Project() failed, err=%v", err)
	}
	win, err := ResolveWindow(cam, pix, 10, DefaultSamplesPerObs)
	if err != nil {
		t.Fatalf("ResolveWindow() failed, err=%v", err)
	}

	// A 10 m cross-track shift of the tie point must move the projection
	// by a predictable pixel count: focal * shift / altitude
	res := NewReprojectionResidual(pix, cam, win, 0)
	r := make([]float64, PixelSize)
	res.Evaluate(residualParams(cam, win, [3]float64{g.X, g.Y + 10, g.Z}), r)
	want := testFocal * 10 / (testAltitude + testGroundPoint(17.5e3, 1e3).X - Re)
	if math.Abs(r[0]-want) > 0.1*want {
		t.Errorf("sample residual %v for a 10 m shift, want about %v", r[0], want)
	}
}

func TestResidualPenaltyOnFailedProjection(t *testing.T) {
	cam := newTestCamera(0)
	g := testGroundPoint(17.5e3, 0)
	pix, err := cam.Project(g)
	if err != nil {
		t.Fatalf("Project() failed, err=%v", err)
	}
	win, err := ResolveWindow(cam, pix, 10, DefaultSamplesPerObs)
	if err != nil {
		t.Fatalf("ResolveWindow() failed, err=%v", err)
	}

	// A point behind the sensor cannot be projected
	above := [3]float64{2 * (Re + testAltitude), 0, 17.5e3}
	res := NewReprojectionResidual(pix, cam, win, 0)
	r := make([]float64, PixelSize)
	res.Evaluate(residualParams(cam, win, above), r)
	if r[0] != BigPixelValue || r[1] != BigPixelValue {
		t.Errorf("residual (%v, %v) for a failed projection, want the penalty value", r[0], r[1])
	}
}

func TestResidualDoesNotMutateCamera(t *testing.T) {
	cam := newTestCamera(0)
	g := testGroundPoint(17.5e3, 0)
	pix, err := cam.Project(g)
	if err != nil {
		t.Fatalf("Project() failed, err=%v", err)
	}
	win, err := ResolveWindow(cam, pix, 10, DefaultSamplesPerObs)
	if err != nil {
		t.Fatalf("ResolveWindow() failed, err=%v", err)
	}

	params := residualParams(cam, win, [3]float64{g.X, g.Y, g.Z})
	before := cam.Traj.Copy()

	// Perturb the candidate values; the camera itself must stay intact
	params[0][0] += 0.25
	r := make([]float64, PixelSize)
	res := NewReprojectionResidual(pix, cam, win, 0)
	res.Evaluate(params, r)

	for i := range before.Quaternions {
		if cam.Traj.Quaternions[i] != before.Quaternions[i] {
			t.Fatal("Evaluate() mutated the camera trajectory")
		}
	}
}

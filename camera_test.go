package gojitter

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

func TestProjectPixelToRayConsistency(t *testing.T) {
	cam := newTestCamera(0)
	g := testGroundPoint(17.5e3, 1.2e3)

	pix, err := cam.Project(g)
	if err != nil {
		t.Fatalf("Project() failed, err=%v", err)
	}
	ctr, dir, err := cam.PixelToRay(pix)
	if err != nil {
		t.Fatalf("PixelToRay() failed, err=%v", err)
	}

	// The ray must pass through the ground point
	w := g.Sub(ctr)
	perp := w.Sub(dir.Mul(w.Dot(dir))).Norm()
	if perp > 1e-3 {
		t.Errorf("ray misses the point by %v m", perp)
	}
}

func TestProjectRejectsPointBehindSensor(t *testing.T) {
	cam := newTestCamera(0)
	// A point above the camera is behind the down-looking boresight
	above := r3.Vector{X: 2 * (Re + testAltitude), Y: 0, Z: 17.5e3}
	if _, err := cam.Project(above); err == nil {
		t.Error("point behind the sensor projected without error")
	}
}

func TestImagingTime(t *testing.T) {
	cam := newTestCamera(0)
	got := cam.ImagingTime(Pixel{Samp: 100, Line: 250})
	want := cam.T0Line + cam.DtLine*250
	if math.Abs(got-want) > 1e-15 {
		t.Errorf("got %v, want %v", got, want)
	}
}

// smallZRotation returns a rotation by angle a around the ECEF Z axis.
func smallZRotation(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

func TestAdjustedCameraTransformsRays(t *testing.T) {
	base := newTestCamera(0)
	rot := smallZRotation(1e-4)
	shift := r3.Vector{X: 5, Y: -3, Z: 2}
	adj := NewAdjustedCamera(base, rot, shift)

	g := testGroundPoint(17.5e3, -0.8e3)
	pixBase, err := base.Project(g)
	if err != nil {
		t.Fatalf("Project() failed, err=%v", err)
	}

	// Projecting the transformed point through the adjusted camera must
	// reproduce the base pixel
	gAdj := matRotate(rot, g).Add(shift)
	pixAdj, err := adj.Project(gAdj)
	if err != nil {
		t.Fatalf("adjusted Project() failed, err=%v", err)
	}
	if pixAdj.Dist(pixBase) > 1e-6 {
		t.Errorf("adjusted projection off by %v px", pixAdj.Dist(pixBase))
	}

	// The adjusted ray is the transformed base ray
	ctrB, dirB, err := base.PixelToRay(pixBase)
	if err != nil {
		t.Fatalf("PixelToRay() failed, err=%v", err)
	}
	ctrA, dirA, err := adj.PixelToRay(pixBase)
	if err != nil {
		t.Fatalf("adjusted PixelToRay() failed, err=%v", err)
	}
	if ctrA.Sub(matRotate(rot, ctrB).Add(shift)).Norm() > 1e-9 {
		t.Error("adjusted camera center does not match the transform")
	}
	if dirA.Sub(matRotate(rot, dirB)).Norm() > 1e-12 {
		t.Error("adjusted look direction does not match the transform")
	}
}

func TestApplyTransformMatchesAdjustedCamera(t *testing.T) {
	base := newTestCamera(0)
	rot := smallZRotation(2e-4)
	shift := r3.Vector{X: -4, Y: 7, Z: 1}

	baked := base.Copy()
	baked.ApplyTransform(rot, shift)
	adj := NewAdjustedCamera(base, rot, shift)

	g := testGroundPoint(17.5e3, 0.5e3)
	gAdj := matRotate(rot, g).Add(shift)

	pixBaked, err := baked.Project(gAdj)
	if err != nil {
		t.Fatalf("baked Project() failed, err=%v", err)
	}
	pixAdj, err := adj.Project(gAdj)
	if err != nil {
		t.Fatalf("adjusted Project() failed, err=%v", err)
	}
	if pixBaked.Dist(pixAdj) > 1e-4 {
		t.Errorf("baked and wrapped projections differ by %v px", pixBaked.Dist(pixAdj))
	}
}

func TestResolveCamera(t *testing.T) {
	ls := newTestCamera(0)
	rc, err := resolveCamera(ls)
	if err != nil || rc.ls != ls || rc.adj != nil {
		t.Errorf("plain camera resolved wrong: %+v, err=%v", rc, err)
	}

	adj := NewAdjustedCamera(ls, smallZRotation(0), r3.Vector{})
	rc, err = resolveCamera(adj)
	if err != nil || rc.ls != ls || rc.adj != adj {
		t.Errorf("adjusted camera resolved wrong: %+v, err=%v", rc, err)
	}

	nested := NewAdjustedCamera(adj, smallZRotation(0), r3.Vector{})
	if _, err := resolveCamera(nested); err == nil {
		t.Error("nested adjustment accepted")
	}
}

package gojitter

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestTriangulatePairExact(t *testing.T) {
	want := r3.Vector{X: 10, Y: 20, Z: 30}
	ctr1 := r3.Vector{X: 0, Y: 0, Z: 100}
	ctr2 := r3.Vector{X: 50, Y: 0, Z: 100}
	dir1 := want.Sub(ctr1).Normalize()
	dir2 := want.Sub(ctr2).Normalize()

	got, rayErr, err := TriangulatePair(ctr1, dir1, ctr2, dir2)
	if err != nil {
		t.Fatalf("TriangulatePair() failed, err=%v", err)
	}
	if got.Sub(want).Norm() > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
	if rayErr > 1e-9 {
		t.Errorf("ray error %v for exactly intersecting rays", rayErr)
	}
}

func TestTriangulatePairSkewRays(t *testing.T) {
	// Two skew rays with a closest segment of length 2 centered on origin
	ctr1 := r3.Vector{X: -100, Y: 0, Z: 1}
	dir1 := r3.Vector{X: 1, Y: 0, Z: 0}
	ctr2 := r3.Vector{X: 0, Y: -100, Z: -1}
	dir2 := r3.Vector{X: 0, Y: 1, Z: 0}

	got, rayErr, err := TriangulatePair(ctr1, dir1, ctr2, dir2)
	if err != nil {
		t.Fatalf("TriangulatePair() failed, err=%v", err)
	}
	if got.Norm() > 1e-9 {
		t.Errorf("midpoint %v, want the origin", got)
	}
	if math.Abs(rayErr-2) > 1e-9 {
		t.Errorf("ray error %v, want 2", rayErr)
	}
}

func TestTriangulatePairParallelRays(t *testing.T) {
	dir := r3.Vector{X: 0, Y: 0, Z: -1}
	point, _, err := TriangulatePair(
		r3.Vector{X: 0, Y: 0, Z: 100}, dir,
		r3.Vector{X: 1, Y: 0, Z: 100}, dir)
	if err == nil {
		t.Fatal("parallel rays triangulated without error")
	}
	if IsFinite(point) {
		t.Errorf("parallel rays produced a finite point %v", point)
	}
}

func TestConvergenceAngle(t *testing.T) {
	x := r3.Vector{X: 1}
	y := r3.Vector{Y: 1}
	if a := ConvergenceAngle(x, y); math.Abs(a-PI/2) > 1e-12 {
		t.Errorf("orthogonal rays: angle %v, want %v", a, PI/2)
	}
	if a := ConvergenceAngle(x, x); a > 1e-7 {
		t.Errorf("identical rays: angle %v, want 0", a)
	}
}

package gojitter

import (
	"math"
	"testing"
)

func TestGeodeticCartesianRoundTrip(t *testing.T) {
	d := NewWGS84Datum()
	cases := []Geodetic{
		{Lat: 0, Lon: 0, Hei: 0},
		{Lat: ToRad(35.0), Lon: ToRad(139.0), Hei: 120.5},
		{Lat: ToRad(-45.0), Lon: ToRad(-70.0), Hei: 2500},
		{Lat: ToRad(80.0), Lon: ToRad(10.0), Hei: -50},
	}
	for _, llh := range cases {
		pos := d.GeodeticToCartesian(llh)
		back := d.CartesianToGeodetic(pos)
		if math.Abs(back.Lat-llh.Lat) > 1e-9 || math.Abs(back.Lon-llh.Lon) > 1e-9 {
			t.Errorf("lat/lon round trip: got (%v, %v), want (%v, %v)", back.Lat, back.Lon, llh.Lat, llh.Lon)
		}
		if math.Abs(back.Hei-llh.Hei) > 1e-3 {
			t.Errorf("height round trip: got %v, want %v", back.Hei, llh.Hei)
		}
	}
}

func TestGeodeticToCartesianEquator(t *testing.T) {
	d := NewWGS84Datum()
	pos := d.GeodeticToCartesian(Geodetic{Lat: 0, Lon: 0, Hei: 0})
	if math.Abs(pos.X-Re) > 1e-6 || math.Abs(pos.Y) > 1e-6 || math.Abs(pos.Z) > 1e-6 {
		t.Errorf("equator point: got %v, want (%v, 0, 0)", pos, Re)
	}
}

func TestLocalNedRotationOrthonormal(t *testing.T) {
	d := NewWGS84Datum()
	R := d.LocalNedRotation(Geodetic{Lat: ToRad(37.0), Lon: ToRad(-122.0)})

	// Columns must be unit length and mutually orthogonal
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			dot := 0.0
			for k := 0; k < 3; k++ {
				dot += R.At(k, i) * R.At(k, j)
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > 1e-12 {
				t.Errorf("col %d . col %d = %v, want %v", i, j, dot, want)
			}
		}
	}
}

func TestLocalNedRotationEquator(t *testing.T) {
	d := NewWGS84Datum()
	R := d.LocalNedRotation(Geodetic{Lat: 0, Lon: 0})

	// At lat 0, lon 0: north is +Z, east is +Y, down is -X
	want := [3][3]float64{
		{0, 0, -1},
		{0, 1, 0},
		{1, 0, 0},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(R.At(i, j)-want[i][j]) > 1e-12 {
				t.Errorf("R[%d][%d] = %v, want %v", i, j, R.At(i, j), want[i][j])
			}
		}
	}
}

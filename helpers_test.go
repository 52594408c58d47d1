package gojitter

import (
	"math"

	"github.com/golang/geo/r3"
)

// Synthetic stereo scene used across the tests: two pushbroom cameras fly
// north over the equator at orbital altitude, separated by a cross-track
// baseline, imaging ground points on the ellipsoid below.
const (
	testAltitude = 500e3  // [m]
	testBaseline = 50e3   // [m]
	testSpeed    = 7000.0 // [m/s]
	testFocal    = 1e5    // [px]
	testCtrSamp  = 2500.0
	testTrajDt   = 0.25 // [s]
	testLineDt   = 1e-3 // [s]
	testSamples  = 21
)

// newTestCamera builds a nadir-looking linescan camera at the given
// cross-track offset. The camera frame has +x along ECEF +y and the +z
// boresight along ECEF -x (down over the equator at longitude zero).
func newTestCamera(crossTrack float64) *LinescanCamera {
	duration := testTrajDt * float64(testSamples-1)
	traj := &Trajectory{
		T0Pos: 0, DtPos: testTrajDt,
		T0Quat: 0, DtQuat: testTrajDt,
	}
	for i := 0; i < testSamples; i++ {
		t := testTrajDt * float64(i)
		traj.Positions = append(traj.Positions, Re+testAltitude, crossTrack, testSpeed*t)
		traj.Quaternions = append(traj.Quaternions, -0.5, -0.5, 0.5, 0.5)
	}
	return &LinescanCamera{
		Traj:        traj,
		FocalLength: testFocal,
		CenterSamp:  testCtrSamp,
		NumLines:    int(duration / testLineDt),
		T0Line:      0,
		DtLine:      testLineDt,
		Datum:       NewWGS84Datum(),
	}
}

// testGroundPoint returns an ECEF point on the ellipsoid at the given
// along-track and cross-track offsets [m] from the sub-satellite start.
func testGroundPoint(alongTrack, crossTrack float64) r3.Vector {
	d := NewWGS84Datum()
	return d.GeodeticToCartesian(Geodetic{Lat: alongTrack / Re, Lon: crossTrack / Re, Hei: 0})
}

// testScene builds the standard two-camera setup with a grid of tie
// points observed by both cameras. Observations are exact projections of
// the true ground points.
func testScene(gridSide int) (cams []Camera, points []TiePoint, truth []r3.Vector) {
	cams = []Camera{newTestCamera(0), newTestCamera(testBaseline)}

	duration := testTrajDt * float64(testSamples-1)
	zMid := testSpeed * duration / 2
	for i := 0; i < gridSide; i++ {
		for j := 0; j < gridSide; j++ {
			g := testGroundPoint(
				zMid+2e3*(float64(i)-float64(gridSide-1)/2),
				2e3*(float64(j)-float64(gridSide-1)/2))

			pt := TiePoint{}
			ok := true
			for icam, cam := range cams {
				pix, err := cam.Project(g)
				if err != nil {
					ok = false
					break
				}
				pt.Obs = append(pt.Obs, Observation{Cam: icam, Pix: pix})
			}
			if ok {
				points = append(points, pt)
				truth = append(truth, g)
			}
		}
	}
	return cams, points, truth
}

func vec3(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}

// addQuatJitter perturbs the first quaternion component of every
// trajectory sample with a low-amplitude sinusoid.
func addQuatJitter(cam *LinescanCamera, amp float64) {
	for i := 0; i < cam.Traj.NumQuat(); i++ {
		q := cam.Traj.Quaternion(i)
		q[0] += amp * math.Sin(0.7*float64(i))
		cam.Traj.SetQuaternion(i, q)
	}
}

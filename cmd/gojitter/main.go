package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	m "github.com/okume/gojitter"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs()
	if err != nil {
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		m.PrintE(err)
		os.Exit(1)
	}
}

// Main application processing: build a synthetic stereo linescan scene,
// inject trajectory jitter, refine it away, then propagate the satellite
// covariances through the refined geometry.
func runApplication(args cmdOpt) error {

	rng := rand.New(rand.NewSource(args.seed))

	// Ground-truth cameras and the tie point observations they produce
	truth, points := buildScene(args, rng)

	// Jittered cameras are the solver's starting state
	cams := jitterCameras(truth, args, rng)

	reportResiduals("initial", cams, points)

	cn, err := m.BuildControlNetwork(cams, points, setNetworkOpt(&args))
	if err != nil {
		return fmt.Errorf("failed to build the control network: %w", err)
	}
	m.PrintA("tie points: %d (%d inliers)\n", len(cn.Points), cn.NumInliers())

	summary, err := m.SolveJitter(cams, cn, setSolveOpt(&args))
	if err != nil {
		return fmt.Errorf("failed to solve for jitter: %w", err)
	}
	m.PrintA("solve: %s after %d iterations, cost %.6e -> %.6e\n",
		summary.Status, summary.NumIterations, summary.InitialCost, summary.FinalCost)
	if summary.Status == m.NumericalFailure {
		return fmt.Errorf("the solver failed: %s", summary.Message)
	}

	reportResiduals("refined", cams, points)

	if args.noCov {
		return nil
	}
	return propagateUncertainty(cams, cn, &args)
}

// Report the root-mean-square reprojection error of the tie points under
// the current camera trajectories.
func reportResiduals(tag string, cams []m.Camera, points []m.TiePoint) {
	sum, n := 0.0, 0
	for _, pt := range points {
		for _, o := range pt.Obs {
			pix, err := cams[o.Cam].Project(pt.Position)
			if err != nil {
				continue
			}
			sum += m.SQ(pix.Dist(o.Pix))
			n++
		}
	}
	if n > 0 {
		m.PrintA("%s rms reprojection error: %.6f px over %d observations\n",
			tag, math.Sqrt(sum/float64(n)), n)
	}
}

// Propagate the per-camera satellite covariances through every inlier
// match and report the mean ground uncertainty.
func propagateUncertainty(cams []m.Camera, cn *m.ControlNetwork, args *cmdOpt) error {

	var pix1, pix2 []m.Pixel
	for ipt, pt := range cn.Points {
		if cn.Outliers.Contains(ipt) || len(pt.Obs) < 2 {
			continue
		}
		pix1 = append(pix1, pt.Obs[0].Pix)
		pix2 = append(pix2, pt.Obs[1].Pix)
	}
	if len(pix1) == 0 {
		return fmt.Errorf("no inlier matches left for covariance propagation")
	}

	covOpt := m.NewCovarianceOpt()
	covOpt.PositionFactor = args.posFactor
	covOpt.OrientationFactor = args.oriFactor

	for _, cam := range cams[:2] {
		ls := cam.(*m.LinescanCamera)
		attachCovariances(ls, args.posSigma, args.oriSigma)
		ls.SetupPerturbedCameras(covOpt)
	}

	batchOpt := m.NewBatchOpt()
	batchOpt.Cov = covOpt
	batchOpt.NumThreads = args.numThreads
	unc, err := m.PropagateCovarianceBatch(cams[0], cams[1], pix1, pix2, batchOpt)
	if err != nil {
		return fmt.Errorf("covariance propagation failed: %w", err)
	}

	var hor, ver float64
	for _, u := range unc {
		hor += u.Horizontal
		ver += u.Vertical
	}
	n := float64(len(unc))
	m.PrintA("mean ground uncertainty over %d matches: horizontal %.4f m^2, vertical %.4f m^2\n",
		len(unc), hor/n, ver/n)
	return nil
}

// Attach a constant diagonal satellite covariance to every covariance
// record line of the camera.
func attachCovariances(cam *m.LinescanCamera, posSigma, oriSigma float64) {
	numRec := 5
	cam.CovLines = make([]float64, numRec)
	cam.PosCovTable = make([][m.PosCovSize]float64, numRec)
	cam.QuatCovTable = make([][m.QuatCovSize]float64, numRec)
	for i := 0; i < numRec; i++ {
		cam.CovLines[i] = float64(i) * float64(cam.NumLines) / float64(numRec-1)
		// Upper-triangular order: the diagonal entries are at the start of
		// each row of the triangle
		cam.PosCovTable[i] = [m.PosCovSize]float64{
			m.SQ(posSigma), 0, 0,
			m.SQ(posSigma), 0,
			m.SQ(posSigma)}
		cam.QuatCovTable[i] = [m.QuatCovSize]float64{
			m.SQ(oriSigma), 0, 0, 0,
			m.SQ(oriSigma), 0, 0,
			m.SQ(oriSigma), 0,
			m.SQ(oriSigma)}
	}
}

//-------------------------------------------------------------------
// Synthetic scene
//-------------------------------------------------------------------

// Scene geometry. Two pushbroom cameras fly north over the equator at
// orbital altitude, separated by a cross-track baseline, while the ground
// points sit on the ellipsoid below the shared ground track.
const (
	ALTITUDE     = 500e3  // Satellite altitude [m]
	BASELINE     = 50e3   // Cross-track separation of the two cameras [m]
	GROUND_SPEED = 7000.0 // Along-track satellite speed [m/s]
	FOCAL_LEN    = 1e5    // Focal length [px]
	CENTER_SAMP  = 2500.0 // Optical center sample
	TRAJ_DT      = 0.25   // Trajectory sample spacing [s]
	LINE_DT      = 1e-3   // Line acquisition period [s]
)

// buildScene creates the ground-truth cameras and projects a grid of
// ground points through them to produce matched observations.
func buildScene(args cmdOpt, rng *rand.Rand) ([]m.Camera, []m.TiePoint) {

	datum := m.NewWGS84Datum()

	// Flight duration long enough for the ground grid plus interpolation
	// support on both ends
	duration := TRAJ_DT * float64(args.numSamples-1)
	numLines := int(duration / LINE_DT)

	makeCamera := func(crossTrack float64) *m.LinescanCamera {
		traj := &m.Trajectory{
			T0Pos: 0, DtPos: TRAJ_DT,
			T0Quat: 0, DtQuat: TRAJ_DT,
		}
		for i := 0; i < args.numSamples; i++ {
			t := TRAJ_DT * float64(i)
			traj.Positions = append(traj.Positions,
				m.Re+ALTITUDE, crossTrack, GROUND_SPEED*t)
			// Nadir attitude: camera +x along ECEF +y (cross-track), +z
			// boresight along ECEF -x (down). Stored as (x, y, z, w).
			traj.Quaternions = append(traj.Quaternions, -0.5, -0.5, 0.5, 0.5)
		}
		return &m.LinescanCamera{
			Traj:        traj,
			FocalLength: FOCAL_LEN,
			CenterSamp:  CENTER_SAMP,
			NumLines:    numLines,
			T0Line:      0,
			DtLine:      LINE_DT,
			Datum:       datum,
		}
	}

	cams := []m.Camera{makeCamera(0), makeCamera(BASELINE)}

	// Ground grid under the middle stretch of the flight path
	var points []m.TiePoint
	zMid := GROUND_SPEED * duration / 2
	for i := 0; i < args.numPoints; i++ {
		for j := 0; j < args.numPoints; j++ {
			z := zMid + 2e3*(float64(i)-float64(args.numPoints-1)/2)
			y := 2e3 * (float64(j) - float64(args.numPoints-1)/2)
			llh := m.Geodetic{Lat: z / m.Re, Lon: y / m.Re, Hei: 0}
			g := datum.GeodeticToCartesian(llh)

			pt := m.TiePoint{}
			ok := true
			for icam, cam := range cams {
				pix, err := cam.Project(g)
				if err != nil {
					ok = false
					break
				}
				pix.Samp += args.pixNoise * rng.NormFloat64()
				pix.Line += args.pixNoise * rng.NormFloat64()
				pt.Obs = append(pt.Obs, m.Observation{Cam: icam, Pix: pix})
			}
			if ok {
				points = append(points, pt)
			}
		}
	}
	return cams, points
}

// jitterCameras returns copies of the truth cameras with a sinusoidal
// perturbation added to the trajectory orientations and positions. This
// is the unrefined state the solver starts from.
func jitterCameras(truth []m.Camera, args cmdOpt, rng *rand.Rand) []m.Camera {
	ans := make([]m.Camera, len(truth))
	for icam, cam := range truth {
		ls := cam.(*m.LinescanCamera).Copy()
		phase := 2 * m.PI * rng.Float64()
		for i := 0; i < ls.Traj.NumQuat(); i++ {
			q := ls.Traj.Quaternion(i)
			q[0] += args.jitterAmp * math.Sin(0.7*float64(i)+phase)
			ls.Traj.SetQuaternion(i, q)
		}
		for i := 0; i < ls.Traj.NumPos(); i++ {
			p := ls.Traj.Position(i)
			p.Y += args.posJitter * math.Sin(0.5*float64(i)+phase)
			ls.Traj.SetPosition(i, p)
		}
		ans[icam] = ls
	}
	return ans
}

//-------------------------------------------------------------------
// Command line handling
//-------------------------------------------------------------------

// Structure to hold command line argument information
type cmdOpt struct {
	numPoints  int
	numSamples int
	jitterAmp  float64
	posJitter  float64
	pixNoise   float64
	maxReproj  float64
	numIter    int
	numThreads int
	seed       int64
	noCov      bool
	posSigma   float64
	oriSigma   float64
	posFactor  float64
	oriFactor  float64
}

// Parse command line arguments
func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		m.PrintA(`
[Usage]
	%s [Options]

Refines a synthetically jittered stereo linescan trajectory and
propagates satellite covariances through the refined geometry.

[Options]
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	sOpt := m.NewSolveOpt()
	nOpt := m.NewNetworkOpt()
	flag.IntVar(&a.numPoints, "n", 6, "Ground points per grid side")
	flag.Float64Var(&a.maxReproj, "mr", nOpt.MaxInitReprojErr, "Initial reprojection error beyond which a tie point is an outlier [px]")
	flag.IntVar(&a.numSamples, "ns", 41, "Trajectory samples per camera")
	flag.Float64Var(&a.jitterAmp, "jq", 2e-6, "Amplitude of the injected quaternion jitter")
	flag.Float64Var(&a.posJitter, "jp", 0.5, "Amplitude of the injected position jitter [m]")
	flag.Float64Var(&a.pixNoise, "pn", 0, "Gaussian pixel noise added to the observations [px]")
	flag.IntVar(&a.numIter, "it", sOpt.NumIterations, "Maximum number of solver iterations")
	flag.IntVar(&a.numThreads, "t", sOpt.NumThreads, "Worker count. 0 means use all CPUs.")
	flag.Int64Var(&a.seed, "seed", 42, "Random seed for the synthetic scene")
	flag.BoolVar(&a.noCov, "nc", false, "Skip the covariance propagation stage")
	flag.Float64Var(&a.posSigma, "ps", 0.1, "Satellite position standard deviation [m]")
	flag.Float64Var(&a.oriSigma, "os", 1e-7, "Satellite orientation (quaternion component) standard deviation")
	flag.Float64Var(&a.posFactor, "pf", 1, "Weight on the position covariance contribution")
	flag.Float64Var(&a.oriFactor, "of", 1, "Weight on the orientation covariance contribution")
	var dbg int
	flag.IntVar(&dbg, "x", 1, "Debug information display. Specify level value. 0(OFF), 1(display), 2(detailed display), 3(more detailed), 4(most detailed)")
	flag.Parse()
	if a.numPoints < 2 || a.numSamples < m.InterpOrder {
		return a, fmt.Errorf("too few grid points or trajectory samples")
	}
	m.DBG_ = dbg
	return
}

func setNetworkOpt(args *cmdOpt) *m.NetworkOpt {
	opt := m.NewNetworkOpt()
	opt.MaxInitReprojErr = args.maxReproj
	return opt
}

func setSolveOpt(args *cmdOpt) *m.SolveOpt {
	opt := m.NewSolveOpt()
	opt.NumIterations = args.numIter
	opt.NumThreads = args.numThreads
	opt.MaxInitReprojErr = args.maxReproj // Window guard band follows the filter
	return opt
}

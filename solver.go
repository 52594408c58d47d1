package gojitter

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Calculation constants for the Levenberg-Marquardt loop
const (
	initialLambda   = 1e-4  // Initial damping
	lambdaDecrease  = 0.3   // Damping scale after an accepted step
	lambdaIncrease  = 10.0  // Damping scale after a rejected step
	maxLambda       = 1e32  // Damping beyond this is a numerical failure
	minLambda       = 1e-18 // Damping floor
	numDiffRelStep  = 1e-6  // Relative step for numeric differentiation
)

// SolveStatus is the termination state of the solver.
type SolveStatus int

const (
	// Converged means a tolerance was met. The result is a verified optimum.
	Converged SolveStatus = iota
	// MaxIterationsReached means the iteration budget ran out. The result
	// is usable but unverified; not a fatal condition.
	MaxIterationsReached
	// NumericalFailure means the solve broke down and the result should
	// not be trusted.
	NumericalFailure
)

func (s SolveStatus) String() string {
	switch s {
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max-iterations-reached"
	case NumericalFailure:
		return "numerical-failure"
	default:
		return "UNKNOWN!"
	}
}

// SolveOpt contains options and parameters for the trajectory refinement.
type SolveOpt struct {
	RobustThreshold    float64 // Scale of the Cauchy robust loss [pixels]
	NumIterations      int     // Maximum number of iterations
	ParameterTolerance float64 // Stop when the relative parameter change is below this
	FunctionTolerance  float64 // Stop when the relative cost change is below this
	GradientTolerance  float64 // Stop when the gradient max-norm is below this
	MaxInitReprojErr   float64 // Guard band source for observation windows [pixels]
	SamplesPerObs      int     // Trajectory samples tied to one observation
	NumThreads         int     // Workers for residual evaluation; 0 means all CPUs
}

// NewSolveOpt creates a SolveOpt with default values.
func NewSolveOpt() *SolveOpt {
	return &SolveOpt{
		RobustThreshold:    0.5,   // Focus on small errors, jitter is sub-pixel
		NumIterations:      500,   // Iteration budget
		ParameterTolerance: 1e-12, // Relative parameter change
		FunctionTolerance:  1e-16, // Near machine precision
		GradientTolerance:  1e-16, // Near machine precision
		MaxInitReprojErr:   5,     // Must match the outlier filter
		SamplesPerObs:      DefaultSamplesPerObs,
		NumThreads:         0, // Use all CPUs unless a camera forbids it
	}
}

// Summary reports the outcome of a solve.
type Summary struct {
	Status        SolveStatus
	NumIterations int
	InitialCost   float64
	FinalCost     float64
	NumResiduals  int
	NumParameters int
	Message       string
}

//-------------------------------------------------------------------
// Problem assembly
//-------------------------------------------------------------------

// paramBlock is one contiguous group of optimization variables: a single
// quaternion sample, a single position sample, or one tie point. The
// values slice aliases the camera trajectory arrays (or the solver's tie
// point storage), so accepted steps mutate the cameras in place.
type paramBlock struct {
	values []float64
	offset int // Column offset in the global parameter vector
}

// residualBlock ties one reprojection residual to its parameter blocks,
// ordered as the residual expects: quaternions, positions, tie point.
type residualBlock struct {
	res    *ReprojectionResidual
	blocks []*paramBlock
}

// problem is the assembled least-squares problem.
type problem struct {
	blocks    []*paramBlock
	resBlocks []*residualBlock
	numParams int
	workers   int
	loss      cauchyLoss
}

// SolveJitter refines the trajectory samples of all cameras and the
// positions of all non-outlier tie points so that reprojection residuals
// are minimized under a robust loss. Trajectory arrays and tie point
// positions are mutated in place; the returned summary describes the
// termination state. Only precondition violations return an error;
// exhausting the iteration budget does not.
//
// All cameras must be plain linescan models. Cameras carrying external
// adjustments must have them baked into the trajectory (ApplyTransform)
// before solving.
func SolveJitter(cams []Camera, cn *ControlNetwork, opt *SolveOpt) (*Summary, error) {

	if len(cams) < 2 {
		return nil, fmt.Errorf("expecting at least two cameras, got %d", len(cams))
	}

	// Resolve camera capabilities once
	lsCams := make([]*LinescanCamera, len(cams))
	threadSafe := true
	for icam, cam := range cams {
		rc, err := resolveCamera(cam)
		if err != nil {
			return nil, fmt.Errorf("camera %d: %v", icam, err)
		}
		if rc.adj != nil {
			return nil, fmt.Errorf("camera %d carries an adjustment; bake it with ApplyTransform before solving", icam)
		}
		if err := rc.ls.Traj.Validate(); err != nil {
			return nil, fmt.Errorf("camera %d: %v", icam, err)
		}
		lsCams[icam] = rc.ls
		if !cam.IsThreadSafe() {
			threadSafe = false
		}
	}

	// A single non-reentrant camera degrades the whole run to one worker
	workers := opt.NumThreads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if !threadSafe {
		workers = 1
	}
	PrintD(2, "\tworkers: %d\n", workers)

	prob, triPoints, pointBlocks, err := buildProblem(lsCams, cn, opt, workers)
	if err != nil {
		return nil, err
	}
	if len(prob.resBlocks) == 0 {
		return nil, fmt.Errorf("no residual blocks, all tie points are outliers or inert")
	}

	summary := prob.minimize(opt)

	// Copy refined tie points back into the network
	for ipt, blk := range pointBlocks {
		if blk == nil {
			continue
		}
		cn.Points[ipt].Position.X = triPoints[NumXyzParams*ipt+0]
		cn.Points[ipt].Position.Y = triPoints[NumXyzParams*ipt+1]
		cn.Points[ipt].Position.Z = triPoints[NumXyzParams*ipt+2]
	}

	return summary, nil
}

// buildProblem registers a residual block per non-outlier observation and
// a parameter block per touched trajectory sample and per tie point.
func buildProblem(lsCams []*LinescanCamera, cn *ControlNetwork, opt *SolveOpt, workers int) (
	*problem, []float64, []*paramBlock, error) {

	prob := &problem{
		workers: workers,
		loss:    cauchyLoss{c: opt.RobustThreshold},
	}

	// Flat tie point storage that parameter blocks alias
	triPoints := make([]float64, NumXyzParams*len(cn.Points))
	for ipt := range cn.Points {
		p := cn.Points[ipt].Position
		triPoints[NumXyzParams*ipt+0] = p.X
		triPoints[NumXyzParams*ipt+1] = p.Y
		triPoints[NumXyzParams*ipt+2] = p.Z
	}

	addBlock := func(values []float64) *paramBlock {
		blk := &paramBlock{values: values, offset: prob.numParams}
		prob.blocks = append(prob.blocks, blk)
		prob.numParams += len(values)
		return blk
	}

	// One map per camera from sample index to its registered block
	quatBlocks := make([]map[int]*paramBlock, len(lsCams))
	posBlocks := make([]map[int]*paramBlock, len(lsCams))
	for icam := range lsCams {
		quatBlocks[icam] = map[int]*paramBlock{}
		posBlocks[icam] = map[int]*paramBlock{}
	}
	pointBlocks := make([]*paramBlock, len(cn.Points))

	// The window is widened because during optimization the 3D point and
	// corresponding pixel may move somewhat.
	lineExtra := opt.MaxInitReprojErr + 5.0

	for ipt := range cn.Points {
		if cn.Outliers.Contains(ipt) {
			continue // Skip outliers
		}
		for _, o := range cn.Points[ipt].Obs {
			cam := lsCams[o.Cam]

			win, err := ResolveWindow(cam, o.Pix, lineExtra, opt.SamplesPerObs)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("ResolveWindow() failed, err=%v", err)
			}

			rb := &residualBlock{res: NewReprojectionResidual(o.Pix, cam, win, ipt)}
			for qi := win.BegQuat; qi < win.EndQuat; qi++ {
				blk, ok := quatBlocks[o.Cam][qi]
				if !ok {
					blk = addBlock(cam.Traj.Quaternions[NumQuatParams*qi : NumQuatParams*(qi+1)])
					quatBlocks[o.Cam][qi] = blk
				}
				rb.blocks = append(rb.blocks, blk)
			}
			for pi := win.BegPos; pi < win.EndPos; pi++ {
				blk, ok := posBlocks[o.Cam][pi]
				if !ok {
					blk = addBlock(cam.Traj.Positions[NumXyzParams*pi : NumXyzParams*(pi+1)])
					posBlocks[o.Cam][pi] = blk
				}
				rb.blocks = append(rb.blocks, blk)
			}
			if pointBlocks[ipt] == nil {
				pointBlocks[ipt] = addBlock(triPoints[NumXyzParams*ipt : NumXyzParams*(ipt+1)])
			}
			rb.blocks = append(rb.blocks, pointBlocks[ipt])

			prob.resBlocks = append(prob.resBlocks, rb)
		}
	}

	PrintD(2, "\tresidual blocks: %d, parameters: %d\n", len(prob.resBlocks), prob.numParams)
	return prob, triPoints, pointBlocks, nil
}

//-------------------------------------------------------------------
// Robust loss
//-------------------------------------------------------------------

// cauchyLoss reshapes a squared residual norm s to bound the influence of
// large residuals: rho(s) = c^2 log(1 + s/c^2).
type cauchyLoss struct {
	c float64
}

func (l cauchyLoss) rho(s float64) float64 {
	c2 := l.c * l.c
	return c2 * math.Log1p(s/c2)
}

// weight is sqrt(rho'(s)), applied to residual and Jacobian rows so the
// damped normal equations see the robustified problem.
func (l cauchyLoss) weight(s float64) float64 {
	c2 := l.c * l.c
	return math.Sqrt(1 / (1 + s/c2))
}

//-------------------------------------------------------------------
// Evaluation
//-------------------------------------------------------------------

// parallelFor runs fn(i) for i in [0, n) across the given number of
// workers. With one worker everything runs on the calling goroutine,
// which is the degraded mode for non-reentrant cameras.
func parallelFor(n, workers int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	jobs := make(chan int, workers*2)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// gatherParams copies the current values of a residual block's parameters.
// Each evaluation works on its own copies so perturbations never leak.
func (rb *residualBlock) gatherParams() [][]float64 {
	params := make([][]float64, len(rb.blocks))
	for i, blk := range rb.blocks {
		v := make([]float64, len(blk.values))
		copy(v, blk.values)
		params[i] = v
	}
	return params
}

// residuals evaluates all residual blocks at the current parameter values.
// The result has PixelSize entries per block. Evaluation order does not
// affect the result: every block is a pure function of its own window
// copy, and the cost accumulation below is order-independent.
func (p *problem) residuals() []float64 {
	r := make([]float64, PixelSize*len(p.resBlocks))
	parallelFor(len(p.resBlocks), p.workers, func(i int) {
		p.resBlocks[i].res.Evaluate(p.resBlocks[i].gatherParams(), r[PixelSize*i:PixelSize*(i+1)])
	})
	return r
}

// cost is the robustified total cost of a residual vector.
func (p *problem) cost(r []float64) float64 {
	total := 0.0
	for i := 0; i < len(r); i += PixelSize {
		total += p.loss.rho(SQ(r[i]) + SQ(r[i+1]))
	}
	return 0.5 * total
}

// jacobian computes the robust-weighted residual vector and its Jacobian
// by centered differences over every parameter of every block. Rows come
// in pairs per residual block; columns follow the block offsets.
func (p *problem) jacobian(r []float64) (rw *mat.VecDense, J *mat.Dense) {

	m := PixelSize * len(p.resBlocks)
	J = mat.NewDense(m, p.numParams, nil)
	rw = mat.NewVecDense(m, nil)

	parallelFor(len(p.resBlocks), p.workers, func(i int) {
		rb := p.resBlocks[i]
		params := rb.gatherParams()
		row := PixelSize * i

		var plus, minus [PixelSize]float64
		for bi, blk := range rb.blocks {
			for k := range params[bi] {
				x := params[bi][k]
				h := numDiffRelStep * math.Max(1, math.Abs(x))

				params[bi][k] = x + h
				rb.res.Evaluate(params, plus[:])
				params[bi][k] = x - h
				rb.res.Evaluate(params, minus[:])
				params[bi][k] = x

				col := blk.offset + k
				J.Set(row+0, col, (plus[0]-minus[0])/(2*h))
				J.Set(row+1, col, (plus[1]-minus[1])/(2*h))
			}
		}

		// Scale rows by the robust weight at the current residual
		w := p.loss.weight(SQ(r[row]) + SQ(r[row+1]))
		for col := 0; col < p.numParams; col++ {
			J.Set(row+0, col, w*J.At(row+0, col))
			J.Set(row+1, col, w*J.At(row+1, col))
		}
		rw.SetVec(row+0, w*r[row+0])
		rw.SetVec(row+1, w*r[row+1])
	})
	return rw, J
}

//-------------------------------------------------------------------
// Levenberg-Marquardt loop
//-------------------------------------------------------------------

// applyStep adds dx to every parameter block, returning the previous
// values so a rejected step can be reverted.
func (p *problem) applyStep(dx *mat.VecDense) []float64 {
	saved := make([]float64, p.numParams)
	for _, blk := range p.blocks {
		for k := range blk.values {
			saved[blk.offset+k] = blk.values[k]
			blk.values[k] += dx.AtVec(blk.offset + k)
		}
	}
	return saved
}

// revertStep restores parameter values saved by applyStep.
func (p *problem) revertStep(saved []float64) {
	for _, blk := range p.blocks {
		for k := range blk.values {
			blk.values[k] = saved[blk.offset+k]
		}
	}
}

// paramNorm returns the Euclidean norm of the current parameter vector.
func (p *problem) paramNorm() float64 {
	s := 0.0
	for _, blk := range p.blocks {
		for _, v := range blk.values {
			s += SQ(v)
		}
	}
	return math.Sqrt(s)
}

// minimize runs damped Gauss-Newton (Levenberg-Marquardt) until a
// tolerance is met or the iteration budget runs out.
func (p *problem) minimize(opt *SolveOpt) *Summary {

	summary := &Summary{
		NumResiduals:  PixelSize * len(p.resBlocks),
		NumParameters: p.numParams,
	}

	r := p.residuals()
	cost := p.cost(r)
	summary.InitialCost = cost
	summary.FinalCost = cost
	PrintD(1, "\tinitial cost: %e\n", cost)

	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		summary.Status = NumericalFailure
		summary.Message = "initial cost is not finite"
		return summary
	}

	lambda := initialLambda
	consecutiveBad := 0
	// Try hard before declaring failure
	maxBad := max(5, opt.NumIterations/5)

	for iter := 1; iter <= opt.NumIterations; iter++ {
		summary.NumIterations = iter

		rw, J := p.jacobian(r)

		// Gradient of the robustified cost
		g := mat.NewVecDense(p.numParams, nil)
		g.MulVec(J.T(), rw)
		if mat.Norm(g, math.Inf(1)) < opt.GradientTolerance {
			summary.Status = Converged
			summary.Message = "gradient tolerance reached"
			return summary
		}

		// Damped normal equations (J^T J + lambda diag(J^T J)) dx = -J^T r
		var A mat.Dense
		A.Mul(J.T(), J)
		for k := 0; k < p.numParams; k++ {
			d := A.At(k, k)
			if d == 0 {
				d = 1 // Keep the system solvable for unobserved parameters
			}
			A.Set(k, k, d+lambda*d)
		}
		b := mat.NewVecDense(p.numParams, nil)
		b.ScaleVec(-1, g)

		// A mat.Condition error is a warning: the solution was computed but
		// the system is ill-conditioned. That is the steady state near
		// convergence, as the quaternion norm and the trajectory/point
		// trade-off are unconstrained directions, so the step is kept and
		// judged by the cost it produces like any other.
		var dx mat.VecDense
		if err := dx.SolveVec(&A, b); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				PrintD(2, "\titer %d: normal equations failed, err=%v\n", iter, err)
				lambda *= lambdaIncrease
				consecutiveBad++
				if lambda > maxLambda || consecutiveBad > maxBad {
					summary.Status = NumericalFailure
					summary.Message = fmt.Sprintf("normal equations could not be solved: %v", err)
					return summary
				}
				continue
			}
			PrintD(3, "\titer %d: normal equations ill-conditioned, cond=%e\n", iter, float64(cond))
		}

		prevNorm := p.paramNorm()
		stepNorm := mat.Norm(&dx, 2)
		saved := p.applyStep(&dx)
		rNew := p.residuals()
		costNew := p.cost(rNew)

		// A finite step that changes the cost by less than the tolerance
		// means there is nothing left to gain, whichever way it went.
		if !math.IsNaN(costNew) && !math.IsInf(costNew, 0) &&
			math.Abs(cost-costNew) <= opt.FunctionTolerance*cost {
			if costNew > cost {
				p.revertStep(saved)
			} else {
				summary.FinalCost = costNew
				r = rNew
			}
			summary.Status = Converged
			summary.Message = "function tolerance reached"
			return summary
		}

		if math.IsNaN(costNew) || math.IsInf(costNew, 0) || costNew >= cost {
			// Rejected step
			p.revertStep(saved)
			lambda *= lambdaIncrease
			consecutiveBad++
			PrintD(3, "\titer %d: rejected, cost=%e -> %e, lambda=%e\n", iter, cost, costNew, lambda)
			if lambda > maxLambda {
				summary.Status = NumericalFailure
				summary.Message = "damping exceeded limit without improvement"
				return summary
			}
			if consecutiveBad > maxBad {
				summary.Status = NumericalFailure
				summary.Message = fmt.Sprintf("%d consecutive non-improving steps", consecutiveBad)
				return summary
			}
			continue
		}

		// Accepted step
		consecutiveBad = 0
		lambda = math.Max(lambda*lambdaDecrease, minLambda)
		cost = costNew
		r = rNew
		summary.FinalCost = cost
		PrintD(2, "\titer %d: cost=%e, step=%e, lambda=%e\n", iter, cost, stepNorm, lambda)

		if stepNorm <= opt.ParameterTolerance*(prevNorm+opt.ParameterTolerance) {
			summary.Status = Converged
			summary.Message = "parameter tolerance reached"
			return summary
		}
	}

	// Found a valid solution, but did not reach the actual minimum
	summary.Status = MaxIterationsReached
	summary.Message = "iteration budget exhausted"
	return summary
}

package gojitter

import (
	"fmt"
	"runtime"
)

// BatchOpt contains options for batched covariance propagation.
type BatchOpt struct {
	Cov        *CovarianceOpt
	NumThreads int // 0 means use all CPUs
}

// NewBatchOpt creates a BatchOpt with default values.
func NewBatchOpt() *BatchOpt {
	return &BatchOpt{Cov: NewCovarianceOpt(), NumThreads: 0}
}

// PropagateCovarianceBatch propagates the satellite covariances for many
// matching pixel pairs of one camera pair, in parallel. Pairs whose
// propagation yields no valid data come back as the zero value, matching
// the per-pair behavior of PropagateCovariance. Only genuine failures
// (bad camera setup, missing covariance records) abort the batch.
func PropagateCovarianceBatch(cam1, cam2 Camera, pix1, pix2 []Pixel, opt *BatchOpt) ([]Uncertainty, error) {

	if len(pix1) != len(pix2) {
		return nil, fmt.Errorf("pixel lists for the two cameras have different lengths")
	}

	workers := opt.NumThreads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if !cam1.IsThreadSafe() || !cam2.IsThreadSafe() {
		workers = 1
	}
	if workers > len(pix1) {
		workers = len(pix1)
	}

	PrintD(4, "PropagateCovarianceBatch(): %d pairs, %d workers\n", len(pix1), workers)

	ans := make([]Uncertainty, len(pix1))
	errs := make([]error, len(pix1))
	noData := 0
	parallelFor(len(pix1), workers, func(i int) {
		u, err := PropagateCovariance(cam1, cam2, pix1[i], pix2[i], opt.Cov)
		if err == ErrNoCovariance {
			u, err = Uncertainty{}, nil // No-data sentinel
		}
		ans[i], errs[i] = u, err
	})

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("PropagateCovariance() failed for pair %d, err=%v", i, err)
		}
		if ans[i] == (Uncertainty{}) {
			noData++
		}
	}
	if noData > 0 {
		PrintD(3, "PropagateCovarianceBatch(): no valid data for %d of %d pairs\n",
			noData, len(pix1))
	}

	return ans, nil
}

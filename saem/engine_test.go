package saem

import (
	"context"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/saemfit/minimize"
	"github.com/kshedden/saemfit/resmod"
	"github.com/kshedden/saemfit/transform"
)

// meanEvaluator predicts each observation as its subject's first random
// effect: the simplest structural model, y = phi + noise.
type meanEvaluator struct {
	obsSubject []int
	n, ntotal  int
	nmc        int
}

func (e *meanEvaluator) Predict(phi, events *mat.Dense) (*mat.Dense, error) {
	g := mat.NewDense(e.nmc*e.ntotal, 3, nil)
	for k := 0; k < e.nmc; k++ {
		for j := 0; j < e.ntotal; j++ {
			i := k*e.ntotal + j
			g.Set(i, 0, phi.At(k*e.n+e.obsSubject[j], 0))
			g.Set(i, 2, math.Inf(-1))
		}
	}
	return g, nil
}

func (e *meanEvaluator) ScaleTolerance(factor float64) {}

// constEvaluator ignores the random effects entirely, so every proposal has
// the same data likelihood.
type constEvaluator struct {
	meanEvaluator
}

func (e *constEvaluator) Predict(phi, events *mat.Dense) (*mat.Dense, error) {
	g := mat.NewDense(e.nmc*e.ntotal, 3, nil)
	for i := 0; i < e.nmc*e.ntotal; i++ {
		g.Set(i, 0, 1)
		g.Set(i, 2, math.Inf(-1))
	}
	return g, nil
}

// steps returns a flat-then-decaying Robbins-Monro schedule of length niter.
func steps(niter, flat int) []float64 {
	s := make([]float64, niter)
	for i := range s {
		if i < flat {
			s[i] = 1
		} else {
			s[i] = 1 / float64(i-flat+1)
		}
	}
	return s
}

// additiveConfig builds a single-endpoint, one-random-effect configuration
// with an intercept-only covariate model over simulated data y = phi + eps.
func additiveConfig(n, nobs, niter int, trueMean, trueSD, trueAres float64, seed uint64) (Config, *meanEvaluator) {

	src := rand.NewSource(seed)
	re := distuv.Normal{Mu: trueMean, Sigma: trueSD, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: trueAres, Src: src}

	ntotal := n * nobs
	y := make([]float64, ntotal)
	obsSubject := make([]int, ntotal)
	ixEndpnt := make([]int, ntotal)
	ixSorting := make([]int, ntotal)
	for i := 0; i < n; i++ {
		phi := re.Rand()
		for j := 0; j < nobs; j++ {
			r := i*nobs + j
			y[r] = phi + noise.Rand()
			obsSubject[r] = i
			ixSorting[r] = r
		}
	}

	nmc := 2
	cfg := Config{
		Niter:      niter,
		NMC:        nmc,
		Nu:         [3]int{2, 2, 2},
		RWScale:    0.5,
		StepStat:   steps(niter, niter/2),
		StepSmooth: steps(niter, niter/2),

		NbSA:       niter / 5,
		CoefSA:     0.95,
		NbCorrel:   2,
		NbFixOmega: 0,
		NbFixResid: 0,
		NiterPhi0:  0,
		CoefPhi0:   0.9,

		Itmax:           100,
		Tol:             1e-4,
		OptMethod:       minimize.NelderMead,
		LambdaRange:     3,
		PowRange:        10,
		MaxODERecalc:    0,
		ODERecalcFactor: 1,
		Distribution:    1,

		N:          n,
		Ntotal:     ntotal,
		Y:          y,
		ObsSubject: obsSubject,
		IxEndpnt:   ixEndpnt,
		IxSorting:  ixSorting,
		YOffset:    []int{0, ntotal},

		PhiM: mat.NewDense(nmc*n, 1, nil),

		Endpoints: []Endpoint{{
			Model:     resmod.Add,
			Ares:      0.5,
			TransKind: transform.Identity,
			Lambda:    1,
			Low:       0,
			Hi:        1,
		}},
		ResFixed: []bool{false},
		ResValue: []float64{0},

		I1:         []int{0},
		Gamma2Phi1: mat.NewDense(1, 1, []float64{1}),
		CovStruct1: mat.NewDense(1, 1, []float64{1}),
		Minv:       []float64{1e-6},

		MPriorPhi1:   mat.NewDense(n, 1, nil),
		Mcovariables: ones(n, 1),
		COV1:         ones(n, 1),
		LCOV1:        mat.NewDense(1, 1, []float64{1}),
		COV21:        mat.NewDense(1, 1, []float64{float64(n)}),
		MCOV1:        mat.NewDense(1, 1, nil),
		Jcov1:        [][2]int{{0, 0}},
		IndCov1:      [][2]int{{0, 0}},
		Pc1:          []int{1},

		ParHistThetaKeep: []int{0},
		ParHistOmegaKeep: []int{0},
	}

	ev := &meanEvaluator{obsSubject: obsSubject, n: n, ntotal: ntotal, nmc: nmc}
	return cfg, ev
}

func ones(r, c int) *mat.Dense {
	a := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, 1)
		}
	}
	return a
}

func TestFitAdditive(t *testing.T) {

	trueMean, trueSD, trueAres := 1.0, 0.5, 0.3
	cfg, ev := additiveConfig(20, 5, 50, trueMean, trueSD, trueAres, 12345)

	m := New(cfg, ev).Seed(99).Done()
	rslt, err := m.Fit(context.Background())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	nr, nc := rslt.ParHist.Dims()
	if nr != 50 {
		t.Errorf("history has %d rows, want 50", nr)
	}
	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			v := rslt.ParHist.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite history entry at (%d, %d)", i, j)
			}
		}
	}

	ares := rslt.ResMat.At(0, 0)
	if math.Abs(ares-trueAres) > 0.15 {
		t.Errorf("ares %v, want about %v", ares, trueAres)
	}

	theta := rslt.Plambda[0]
	if math.Abs(theta-trueMean) > 0.4 {
		t.Errorf("theta %v, want about %v", theta, trueMean)
	}

	g2 := rslt.Gamma2Phi1.At(0, 0)
	if g2 < 1e-6 {
		t.Errorf("covariance %v fell below floor", g2)
	}

	// The oscillation amplitude of ares must shrink as the step sizes
	// decay: compare the history spread over the first and last quarters.
	aresCol := 2 // theta, omega, ares
	early := histSpread(rslt.ParHist, 0, nr/4, aresCol)
	late := histSpread(rslt.ParHist, 3*nr/4, nr, aresCol)
	if late > early {
		t.Errorf("ares oscillation grew: early spread %v, late spread %v", early, late)
	}
}

func histSpread(h *mat.Dense, i0, i1, col int) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := i0; i < i1; i++ {
		v := h.At(i, col)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func TestCovarianceFloor(t *testing.T) {

	// Floor above the true random-effect variance: the diagonal must sit
	// on the floor, never below it.
	cfg, ev := additiveConfig(20, 5, 30, 1.0, 0.5, 0.3, 4321)
	cfg.Minv = []float64{0.4}

	m := New(cfg, ev).Seed(7).Done()
	rslt, err := m.Fit(context.Background())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	nr, _ := rslt.ParHist.Dims()
	for i := 0; i < nr; i++ {
		if rslt.ParHist.At(i, 1) < 0.4 {
			t.Errorf("iteration %d: covariance %v below floor", i, rslt.ParHist.At(i, 1))
		}
	}
}

func TestFixedResidualFrozen(t *testing.T) {

	cfg, ev := additiveConfig(10, 4, 20, 1.0, 0.5, 0.3, 555)
	cfg.Endpoints[0].Model = resmod.AddProp
	cfg.Endpoints[0].Ares = 0.5
	cfg.Endpoints[0].Bres = 0.2
	cfg.ResFixed = []bool{true, false}
	cfg.ResValue = []float64{0.37, 0}
	cfg.NbFixResid = 0

	m := New(cfg, ev).Seed(3).Done()
	rslt, err := m.Fit(context.Background())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if rslt.ResMat.At(0, 0) != 0.37 {
		t.Errorf("fixed ares drifted to %v, want exactly 0.37", rslt.ResMat.At(0, 0))
	}
	if rslt.Sig2[0] != 0.37 {
		t.Errorf("reported ares %v, want exactly 0.37", rslt.Sig2[0])
	}
}

func TestCancellation(t *testing.T) {

	cfg, ev := additiveConfig(10, 4, 100, 1.0, 0.5, 0.3, 17)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(cfg, ev).Seed(1).Done()
	rslt, err := m.Fit(ctx)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if rslt == nil {
		t.Fatal("cancellation must preserve the partial results")
	}
	nr, _ := rslt.ParHist.Dims()
	if nr != 1 {
		t.Errorf("partial history has %d rows, want 1", nr)
	}
}

func TestUnsupportedDistribution(t *testing.T) {

	cfg, ev := additiveConfig(5, 2, 5, 1.0, 0.5, 0.3, 2)
	cfg.Distribution = 9

	m := New(cfg, ev).Done()
	if _, err := m.Fit(context.Background()); err == nil {
		t.Fatal("expected an error for an unsupported distribution id")
	}
}

// TestBlockKernelAcceptance verifies that with a constant data likelihood
// the block independence kernel accepts every subject: the log ratio is zero
// and -log(U) is positive almost surely.
func TestBlockKernelAcceptance(t *testing.T) {

	cfg, _ := additiveConfig(20, 5, 5, 1.0, 0.5, 0.3, 33)
	ev := &constEvaluator{meanEvaluator{obsSubject: cfg.ObsSubject, n: cfg.N, ntotal: cfg.Ntotal, nmc: cfg.NMC}}

	m := New(cfg, ev).Seed(5).Done()

	g, err := m.predict(m.phiM)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	m.setPredict(g)
	m.obsLogLik(m.fsave, m.dyf, m.uy)

	it, err := m.iterSetup()
	if err != nil {
		t.Fatalf("iterSetup failed: %v", err)
	}

	before := mat.DenseCopyOf(m.phiM)
	trials := 20
	for u := 0; u < trials; u++ {
		if err := m.mcmcKernel(1, 1, it.ks1, m.uy, nil); err != nil {
			t.Fatalf("kernel failed: %v", err)
		}
		// Every row must take the fresh proposal.
		changed := 0
		for r := 0; r < m.nM; r++ {
			if m.phiM.At(r, 0) != before.At(r, 0) {
				changed++
			}
		}
		if changed != m.nM {
			t.Fatalf("trial %d: %d of %d rows accepted, want all", u, changed, m.nM)
		}
		before.Copy(m.phiM)
	}
}

func TestSmoothMatEdges(t *testing.T) {

	stat := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	avg := mat.NewDense(2, 2, []float64{5, 6, 7, 8})

	// step=0 leaves the statistic unchanged.
	smoothMat(stat, avg, 0, 1)
	want := []float64{1, 2, 3, 4}
	for i, w := range want {
		if stat.At(i/2, i%2) != w {
			t.Fatalf("step=0 modified the statistic")
		}
	}

	// step=1 replaces it with the current average.
	smoothMat(stat, avg, 1, 1)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if stat.At(i, j) != avg.At(i, j) {
				t.Fatalf("step=1 did not replace the statistic")
			}
		}
	}
}

func TestStepScheduleValidation(t *testing.T) {

	cfg, ev := additiveConfig(5, 2, 10, 1.0, 0.5, 0.3, 8)
	cfg.StepStat[3] = 1.5

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an out of range step value")
		}
	}()
	New(cfg, ev).Done()
}

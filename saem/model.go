// Package saem fits nonlinear mixed-effects models with the Stochastic
// Approximation Expectation-Maximization (SAEM) algorithm.  Each iteration
// alternates a simulation step, in which per-subject random effects are
// refreshed by Metropolis-Hastings sampling against the structural model,
// with a maximization step, in which exponentially smoothed sufficient
// statistics drive updates of the population parameters, the random-effect
// covariance, the per-endpoint residual error models and the running
// Fisher information.
//
// The structural model is external: the engine only requires an Evaluator
// that maps a candidate random-effects matrix and the event schedule to
// per-observation predictions.
package saem

import (
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/saemfit/resmod"
)

// Large sentinel substituted for non-finite structural model predictions.
const predSentinel = 1.0e99

// Evaluator is the structural model oracle.  Predict returns an nobs x 3
// matrix whose columns are the prediction, the censoring flag (0 none, 1
// left/below, -1 right/above) and the censoring limit, with rows ordered
// per subject and observation time over the full chain stack.
//
// Predict may return a non-nil matrix together with a non-nil error to
// signal numerical instability; the engine then retries with a widened
// tolerance (ScaleTolerance) up to the configured budget and proceeds with
// whatever result it obtained.  A nil matrix is fatal.
type Evaluator interface {
	Predict(phi, events *mat.Dense) (*mat.Dense, error)
	ScaleTolerance(factor float64)
}

// Model is a configured SAEM fit.  Create with New, adjust with the
// chaining methods, then call Done and Fit.
type Model struct {
	cfg Config
	ev  Evaluator
	lg  *zap.Logger

	norm distuv.Normal
	unif distuv.Uniform

	isdone bool

	// Derived sizes.
	nphi1, nphi0, nphi          int
	nlambda1, nlambda0, nlambda int
	nbParam                     int
	nM, ntotalM, nendpnt, nres  int
	ilambda1, ilambda0          []int
	resOffset                   []int

	// Chain state and observation bookkeeping.
	phiM    *mat.Dense
	yM      []float64
	ys      []float64 // one population copy sorted by endpoint
	ixEndpM []int     // stacked observation -> endpoint
	obsRow  []int     // stacked observation -> chain row
	rowObs  [][]int   // chain row -> stacked observation indices

	fsave []float64
	cens  []float64
	limit []float64

	dyf []float64
	uy  []float64

	// Mutable per-endpoint residual parameters.
	eps []resmod.Params

	// Smoothed sufficient statistics.
	statphi11, statphi12 *mat.Dense
	statphi01, statphi02 *mat.Dense
	statrese             []float64
	sigma2               []float64

	// Population state.
	gamma2Phi1, gamma2Phi0 *mat.Dense
	mpriorPhi1, mpriorPhi0 *mat.Dense
	mcov1, mcov0           *mat.Dense
	dGamma2Phi0            []float64
	plambda                []float64

	// Information and posterior accumulators.
	fisherL      []float64
	fisherHa     *mat.Dense
	fisherHb     *mat.Dense
	mpost, cpost *mat.Dense

	vcsig2  []float64
	resKeep []int
	parHist *mat.Dense
	histLen int

	warnedNaN bool
}

// New creates a model for the given configuration and structural model
// evaluator.
func New(cfg Config, ev Evaluator) *Model {
	return &Model{
		cfg: cfg,
		ev:  ev,
		lg:  zap.NewNop(),
	}
}

// Logger attaches a structured logger used for progress rows and one-time
// numerical warnings.
func (m *Model) Logger(lg *zap.Logger) *Model {
	m.lg = lg
	return m
}

// Seed sets the random source for the Metropolis-Hastings sampler.
func (m *Model) Seed(seed uint64) *Model {
	src := rand.NewSource(seed)
	m.norm = distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	m.unif = distuv.Uniform{Min: 0, Max: 1, Src: src}
	return m
}

// Done validates the configuration and allocates the engine state.  After
// calling Done the model can be fit by calling Fit.
func (m *Model) Done() *Model {

	c := &m.cfg
	c.check()

	if m.norm.Sigma == 0 {
		m.Seed(1)
	}

	m.nphi1 = len(c.I1)
	m.nphi0 = len(c.I0)
	m.nphi = m.nphi1 + m.nphi0
	m.nM = c.N * c.NMC
	m.ntotalM = c.Ntotal * c.NMC
	m.nendpnt = len(c.Endpoints)

	if c.COV1 != nil {
		_, m.nlambda1 = c.COV1.Dims()
	}
	if c.COV0 != nil {
		_, m.nlambda0 = c.COV0.Dims()
	}
	m.nlambda = m.nlambda1 + m.nlambda0
	m.nbParam = m.nphi1 + m.nlambda + 1

	m.ilambda1 = plambdaLayout(c.ILambda1, m.nlambda1, 0)
	m.ilambda0 = plambdaLayout(c.ILambda0, m.nlambda0, m.nlambda1)

	m.resOffset = make([]int, m.nendpnt+1)
	for b, ep := range c.Endpoints {
		m.resOffset[b+1] = m.resOffset[b] + ep.Model.NumParams()
	}
	m.nres = m.resOffset[m.nendpnt]

	// Chain state is owned by the engine; copy so the caller's matrix is
	// not mutated across iterations.
	m.phiM = mat.DenseCopyOf(c.PhiM)

	// Tile the observation arrays across chains.
	m.yM = make([]float64, m.ntotalM)
	m.ixEndpM = make([]int, m.ntotalM)
	m.obsRow = make([]int, m.ntotalM)
	m.rowObs = make([][]int, m.nM)
	for k := 0; k < c.NMC; k++ {
		for j := 0; j < c.Ntotal; j++ {
			i := k*c.Ntotal + j
			m.yM[i] = c.Y[j]
			m.ixEndpM[i] = c.IxEndpnt[j]
			r := k*c.N + c.ObsSubject[j]
			m.obsRow[i] = r
			m.rowObs[r] = append(m.rowObs[r], i)
		}
	}

	m.ys = make([]float64, c.Ntotal)
	for j, src := range c.IxSorting {
		m.ys[j] = c.Y[src]
	}

	m.fsave = make([]float64, m.ntotalM)
	m.cens = make([]float64, m.ntotalM)
	m.limit = make([]float64, m.ntotalM)
	m.dyf = make([]float64, m.ntotalM)
	m.uy = make([]float64, m.nM)

	m.eps = make([]resmod.Params, m.nendpnt)
	m.sigma2 = make([]float64, m.nendpnt)
	m.statrese = make([]float64, m.nendpnt)
	for b, ep := range c.Endpoints {
		m.eps[b] = resmod.Params{Ares: ep.Ares, Bres: ep.Bres, Cres: ep.Cres, Lres: ep.Lres}
		m.sigma2[b] = 10
		switch ep.Model {
		case resmod.Add:
			m.sigma2[b] = math.Max(ep.Ares*ep.Ares, 10)
		case resmod.Prop:
			m.sigma2[b] = math.Max(ep.Bres*ep.Bres, 1)
		}
	}

	m.statphi11 = denseOrZero(c.StatPhi11, c.N, m.nphi1)
	m.statphi12 = denseOrZero(c.StatPhi12, m.nphi1, m.nphi1)
	m.statphi01 = denseOrZero(c.StatPhi01, c.N, m.nphi0)
	m.statphi02 = denseOrZero(c.StatPhi02, m.nphi0, m.nphi0)

	m.gamma2Phi1 = mat.DenseCopyOf(c.Gamma2Phi1)
	if m.nphi0 > 0 {
		m.gamma2Phi0 = mat.DenseCopyOf(c.Gamma2Phi0)
		m.mpriorPhi0 = mat.DenseCopyOf(c.MPriorPhi0)
		m.mcov0 = mat.DenseCopyOf(c.MCOV0)
		m.dGamma2Phi0 = make([]float64, m.nphi0)
	} else {
		m.gamma2Phi0 = mat.NewDense(1, 1, []float64{1})
		m.mpriorPhi0 = mat.NewDense(c.N, 1, nil)
	}
	m.mpriorPhi1 = mat.DenseCopyOf(c.MPriorPhi1)
	m.mcov1 = mat.DenseCopyOf(c.MCOV1)

	m.plambda = make([]float64, m.nlambda)
	m.fisherL = make([]float64, m.nbParam)
	m.fisherHa = mat.NewDense(m.nbParam, m.nbParam, nil)
	m.fisherHb = mat.NewDense(m.nbParam, m.nbParam, nil)
	m.mpost = mat.NewDense(c.N, m.nphi, nil)
	m.cpost = mat.NewDense(c.N, m.nphi, nil)

	m.vcsig2 = make([]float64, m.nres)
	for j, fixed := range c.ResFixed {
		if !fixed {
			m.resKeep = append(m.resKeep, j)
		}
	}

	m.histLen = len(c.ParHistThetaKeep) + len(c.ParHistOmegaKeep) + len(m.resKeep)
	m.parHist = mat.NewDense(c.Niter, m.histLen, nil)

	m.isdone = true
	return m
}

// plambdaLayout returns the positions of a coefficient block inside the
// combined Plambda vector, defaulting to a contiguous block at off.
func plambdaLayout(given []int, n, off int) []int {
	if given != nil {
		return given
	}
	ix := make([]int, n)
	for i := range ix {
		ix[i] = off + i
	}
	return ix
}

// predict calls the structural model over the full chain stack, handling
// evaluator-reported instability: the tolerance is widened and the call
// retried up to the configured budget, then restored.  Non-finite
// predictions are replaced by a large sentinel with a one-time warning.
func (m *Model) predict(phi *mat.Dense) (*mat.Dense, error) {

	g, err := m.ev.Predict(phi, m.cfg.EvtM)

	var j int
	for err != nil && j < m.cfg.MaxODERecalc {
		m.ev.ScaleTolerance(m.cfg.ODERecalcFactor)
		j++
		g, err = m.ev.Predict(phi, m.cfg.EvtM)
	}
	if j > 0 {
		m.ev.ScaleTolerance(math.Pow(m.cfg.ODERecalcFactor, float64(-j)))
	}
	if g == nil {
		return nil, err
	}

	hasNaN := false
	for i := 0; i < m.ntotalM; i++ {
		if math.IsNaN(g.At(i, 0)) || math.IsInf(g.At(i, 0), 0) {
			g.Set(i, 0, predSentinel)
			hasNaN = true
		}
	}
	if hasNaN && !m.warnedNaN {
		m.lg.Warn("non-finite prediction from structural model; substituting sentinel",
			zap.Float64("sentinel", predSentinel))
		m.warnedNaN = true
	}

	return g, nil
}

// setPredict unpacks an evaluator result into the engine's best-prediction
// cache and censoring columns.
func (m *Model) setPredict(g *mat.Dense) {
	for i := 0; i < m.ntotalM; i++ {
		m.fsave[i] = g.At(i, 0)
		m.cens[i] = g.At(i, 1)
		m.limit[i] = g.At(i, 2)
	}
}

func denseOrZero(a *mat.Dense, r, c int) *mat.Dense {
	if a != nil {
		return mat.DenseCopyOf(a)
	}
	if r == 0 {
		r = 1
	}
	if c == 0 {
		c = 1
	}
	return mat.NewDense(r, c, nil)
}

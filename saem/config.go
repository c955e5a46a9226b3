package saem

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/saemfit/minimize"
	"github.com/kshedden/saemfit/resmod"
	"github.com/kshedden/saemfit/transform"
)

// Endpoint describes one observation stream: its residual error model,
// initial residual parameters, and the observation-scale transform.
type Endpoint struct {

	// Residual error model variant.
	Model resmod.Kind

	// Initial residual parameters: additive SD, proportional SD, power
	// exponent, estimated lambda.
	Ares, Bres, Cres, Lres float64

	// Observation-scale transform and its parameters.
	TransKind transform.Kind
	Lambda    float64
	Low, Hi   float64

	// PropT bases proportional noise on the transformed prediction.
	PropT bool

	// Combine selects sum or quadrature combination of additive and
	// proportional/power noise terms.
	Combine resmod.CombineMode
}

// Config specifies an SAEM fit.  Matrices follow the layout produced by the
// host configuration layer: the chain state PhiM stacks NMC copies of the
// N-subject random-effects matrix, and per-observation arrays describe a
// single population copy (the engine tiles them across chains).
type Config struct {

	// Niter is the number of SAEM iterations.
	Niter int

	// NMC is the number of Monte-Carlo chains.
	NMC int

	// Nu gives the repetition counts of the three Metropolis-Hastings
	// kernels per iteration.  The first iteration uses 20 times these
	// counts as a warm start.
	Nu [3]int

	// RWScale scales the diagonal random-walk proposal standard deviations.
	RWScale float64

	// StepStat and StepSmooth are the Robbins-Monro step schedules for the
	// sufficient statistics and for the information/posterior-mean
	// smoothing.  Both must have length Niter with values in (0, 1],
	// non-increasing.
	StepStat   []float64
	StepSmooth []float64

	// Simulated-annealing phase for the estimated covariance: for the
	// first NbSA iterations the previous covariance decays by CoefSA and
	// the diagonal is kept from collapsing.
	NbSA   int
	CoefSA float64

	// NbCorrel forces the estimated covariance diagonal-only for the
	// initial correlation burn-in.
	NbCorrel int

	// NbFixOmega and NbFixResid are the burn-in iteration counts after
	// which externally fixed covariance elements and residual parameters
	// are frozen.
	NbFixOmega int
	NbFixResid int

	// NiterPhi0 and CoefPhi0 control the covariate-only covariance: it is
	// re-estimated for NiterPhi0 iterations, then decays geometrically.
	NiterPhi0 int
	CoefPhi0  float64

	// Print logs the history row every Print iterations (0 disables).
	Print int

	// Residual-model minimizer controls.
	Itmax     int
	Tol       float64
	OptMethod minimize.Method

	// Bounded reparameterization ranges for estimated lambda and power.
	LambdaRange float64
	PowRange    float64

	// Evaluator retry budget: on an evaluator-reported failure the
	// tolerance is widened by ODERecalcFactor up to MaxODERecalc times.
	MaxODERecalc    int
	ODERecalcFactor float64

	// Distribution is the observation likelihood: 1 Gaussian, 2 Poisson,
	// 3 binomial.
	Distribution int

	// N is the number of subjects; Ntotal the number of observations in
	// one population copy.
	N      int
	Ntotal int

	// Y holds the observations of one population copy; ObsSubject[i] is
	// the subject of observation i; IxEndpnt[i] its endpoint.
	Y          []float64
	ObsSubject []int
	IxEndpnt   []int

	// IxSorting reorders one population copy by endpoint; YOffset (length
	// nendpoint+1) gives the endpoint boundaries in sorted order.
	IxSorting []int
	YOffset   []int

	// EvtM is the event/dosing schedule passed through to the evaluator,
	// replicated across chains by the host.
	EvtM *mat.Dense

	// PhiM is the initial chain state, (NMC*N) x nphi.
	PhiM *mat.Dense

	// UE masks proposal noise per chain row and random-effect dimension.
	UE *mat.Dense

	Endpoints []Endpoint

	// ResFixed and ResValue freeze individual residual parameters (laid
	// out per endpoint in the variant's parameter order) after NbFixResid
	// iterations.
	ResFixed []bool
	ResValue []float64

	// I1 and I0 partition the random-effect dimensions into the
	// statistically estimated subset and the covariate-only subset.
	I1, I0 []int

	// Covariance matrices and their controls.
	Gamma2Phi1            *mat.Dense
	Gamma2Phi0            *mat.Dense
	CovStruct1            *mat.Dense // structural mask applied elementwise
	Gamma2Phi1Fixed       bool
	Gamma2Phi1FixedMask   *mat.Dense
	Gamma2Phi1FixedValues *mat.Dense

	// Minv floors the covariance diagonals, indexed by global dimension.
	Minv []float64

	// Prior mean matrices (N x nphi1, N x nphi0).
	MPriorPhi1 *mat.Dense
	MPriorPhi0 *mat.Dense

	// Covariate model for the estimated subset: design COV1 (N x
	// nlambda1), coefficient placement LCOV1/MCOV1/Jcov1, normal-equation
	// mask COV21, score extraction IndCov1, per-dimension coefficient
	// counts Pc1, and externally fixed coefficient indices FixedIx1.
	Mcovariables *mat.Dense
	COV1         *mat.Dense
	LCOV1        *mat.Dense
	COV21        *mat.Dense
	MCOV1        *mat.Dense
	Jcov1        [][2]int
	IndCov1      [][2]int
	Pc1          []int
	FixedIx1     []int

	// Covariate model for the covariate-only subset.
	COV0     *mat.Dense
	LCOV0    *mat.Dense
	COV20    *mat.Dense
	MCOV0    *mat.Dense
	Jcov0    [][2]int
	IndCov0  [][2]int
	FixedIx0 []int

	// Initial sufficient statistics.
	StatPhi11 *mat.Dense
	StatPhi12 *mat.Dense
	StatPhi01 *mat.Dense
	StatPhi02 *mat.Dense

	// ILambda1 and ILambda0 give the positions of the two coefficient
	// blocks inside the combined Plambda vector; nil means contiguous
	// blocks with the estimated subset first.
	ILambda1 []int
	ILambda0 []int

	// History layout: which Plambda entries and which covariance diagonal
	// entries appear in the per-iteration history row.
	ParHistThetaKeep []int
	ParHistOmegaKeep []int

	// PhiMFile, if set, receives a plain-text dump of the chain state
	// once per iteration.
	PhiMFile string
}

// check panics on structurally invalid configurations, in the spirit of
// builder validation.  Data-dependent problems are reported by Fit instead.
func (c *Config) check() {

	if c.Niter <= 0 {
		panic("saem: Niter must be positive")
	}
	if c.NMC <= 0 {
		panic("saem: NMC must be positive")
	}
	if len(c.StepStat) != c.Niter || len(c.StepSmooth) != c.Niter {
		panic("saem: step schedules must have length Niter")
	}
	if len(c.Y) != c.Ntotal || len(c.ObsSubject) != c.Ntotal || len(c.IxEndpnt) != c.Ntotal {
		panic("saem: observation arrays must have length Ntotal")
	}
	if len(c.IxSorting) != c.Ntotal {
		panic("saem: IxSorting must have length Ntotal")
	}
	if len(c.YOffset) != len(c.Endpoints)+1 {
		panic("saem: YOffset must have one entry per endpoint boundary")
	}
	if len(c.Endpoints) == 0 || len(c.Endpoints) > 40 {
		panic(fmt.Sprintf("saem: endpoint count %d out of range [1, 40]", len(c.Endpoints)))
	}
	if c.PhiM == nil {
		panic("saem: PhiM is required")
	}
	r, _ := c.PhiM.Dims()
	if r != c.N*c.NMC {
		panic("saem: PhiM must have NMC*N rows")
	}
	for _, ep := range c.Endpoints {
		if !ep.Model.Valid() {
			panic(fmt.Sprintf("saem: unsupported residual model id %d", int(ep.Model)))
		}
	}
	nres := 0
	for _, ep := range c.Endpoints {
		nres += ep.Model.NumParams()
	}
	if len(c.ResFixed) != nres || len(c.ResValue) != nres {
		panic("saem: ResFixed/ResValue must have one entry per residual parameter")
	}
	if len(c.I1) == 0 {
		panic("saem: at least one estimated random-effect dimension is required")
	}
	for _, s := range [][]float64{c.StepStat, c.StepSmooth} {
		for i, v := range s {
			if v <= 0 || v > 1 {
				panic("saem: step schedule values must lie in (0, 1]")
			}
			if i > 0 && v > s[i-1] {
				panic("saem: step schedules must be non-increasing")
			}
		}
	}
}

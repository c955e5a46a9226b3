package saem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/saemfit/resmod"
	"github.com/kshedden/saemfit/transform"
)

// Per-endpoint residual variance cap.
const sigma2Max = 1.0e99

var errNaNData = errors.New("saem: NaN in data or transformed data; check transformation and data")

// Fit runs the SAEM iterations and returns the fitted population parameters.
// The context is checked once per iteration; on cancellation the partial
// results are returned together with the context's error, preserving the
// history rows written so far.
func (m *Model) Fit(ctx context.Context) (*Results, error) {

	if !m.isdone {
		panic("saem: Fit called before Done")
	}
	c := &m.cfg

	if c.Distribution < 1 || c.Distribution > 3 {
		return nil, fmt.Errorf("saem: unsupported distribution id %d", c.Distribution)
	}

	var phiDump *os.File
	if c.PhiMFile != "" {
		f, err := os.Create(c.PhiMFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		phiDump = f
	}

	fitter := &resmod.Fitter{Itmax: c.Itmax, Tol: c.Tol, Method: c.OptMethod}

	g, err := m.predict(m.phiM)
	if err != nil {
		return nil, err
	}
	m.setPredict(g)

	// One population copy of the observations, sorted by endpoint and
	// tiled across chains; refilled with matching predictions per chain in
	// the statistics step.
	ysM := make([]float64, m.ntotalM)
	for k := 0; k < c.NMC; k++ {
		copy(ysM[k*c.Ntotal:(k+1)*c.Ntotal], m.ys)
	}
	fsM := make([]float64, m.ntotalM)

	for kiter := 0; kiter < c.Niter; kiter++ {

		pas := c.StepStat[kiter]
		pash := c.StepSmooth[kiter]

		it, err := m.iterSetup()
		if err != nil {
			return nil, err
		}

		nu := c.Nu
		if kiter == 0 {
			// Warm start: the first iteration runs every kernel 20
			// times longer.
			nu[0] *= 20
			nu[1] *= 20
			nu[2] *= 20
		}

		// E-step: refresh the subject log-likelihoods under the current
		// chain state, then apply the three Metropolis-Hastings kernels
		// to each random-effect subset.
		m.obsLogLik(m.fsave, m.dyf, m.uy)
		if err := m.runKernels(it.ks1, nu, m.uy); err != nil {
			return nil, err
		}
		if m.nphi0 > 0 {
			if err := m.runKernels(it.ks0, nu, m.uy); err != nil {
				return nil, err
			}
		}

		if phiDump != nil {
			if err := dumpMatrix(phiDump, m.phiM); err != nil {
				return nil, err
			}
		}

		st, err := m.accumulate(it, fsM)
		if err != nil {
			return nil, err
		}

		// Robbins-Monro smoothing of the sufficient statistics.  The
		// parameter updates below consume the smoothed values, so the
		// smoothing must complete before any of them run.
		nmc := float64(c.NMC)
		smoothMat(m.statphi11, st.sphi11, pas, nmc)
		smoothMat(m.statphi12, st.sphi12, pas, nmc)
		smoothMat(m.statphi01, st.sphi01, pas, nmc)
		smoothMat(m.statphi02, st.sphi02, pas, nmc)
		for b := range st.statr {
			m.statrese[b] += pas * (st.statr[b]/nmc - m.statrese[b])
		}

		plam1, plam0, err := m.updatePopulation(it, kiter)
		if err != nil {
			return nil, err
		}

		m.refitResiduals(fitter, fsM, ysM, kiter, pas)

		m.updateInformation(st, pash)
		m.updatePosterior(st, pash)

		m.logIteration(plam1, plam0, kiter)

		if err := ctx.Err(); err != nil {
			return m.results(kiter + 1), err
		}
	}

	return m.results(c.Niter), nil
}

// iterState holds the per-iteration matrices derived from the current
// covariance estimates: inverses, the covariate-model cross products and the
// sampler kernel states.
type iterState struct {
	ig1, ig0     *mat.Dense
	d1g21, d1g20 *mat.Dense
	cg21, cg20   *mat.Dense
	ks1, ks0     *kernelState
}

func (m *Model) iterSetup() (*iterState, error) {

	c := &m.cfg
	it := &iterState{}

	var err error
	it.ig1, err = invSPD(m.gamma2Phi1)
	if err != nil {
		return nil, err
	}
	it.d1g21 = mulNew(c.LCOV1, it.ig1)
	it.cg21 = hadamard(c.COV21, mulNew(it.d1g21, c.LCOV1.T()))

	it.ks1, err = m.kernelState(c.I1, m.gamma2Phi1, it.ig1, m.mpriorPhi1)
	if err != nil {
		return nil, err
	}

	if m.nphi0 > 0 {
		it.ig0, err = invSPD(m.gamma2Phi0)
		if err != nil {
			return nil, err
		}
		if c.LCOV0 != nil {
			it.d1g20 = mulNew(c.LCOV0, it.ig0)
			it.cg20 = hadamard(c.COV20, mulNew(it.d1g20, c.LCOV0.T()))
		}
		it.ks0, err = m.kernelState(c.I0, m.gamma2Phi0, it.ig0, m.mpriorPhi0)
		if err != nil {
			return nil, err
		}
	}

	return it, nil
}

// chainStats holds the current iteration's Monte-Carlo averages before
// smoothing: random-effect first and second moments, per-endpoint residual
// statistics, and the Fisher score/Hessian accumulators.
type chainStats struct {
	sphi11, sphi12 *mat.Dense
	sphi01, sphi02 *mat.Dense
	statr          []float64

	d1  []float64
	d11 *mat.Dense
	d2  *mat.Dense

	// Raw posterior moment sums over chains, N x nphi.
	mpost, cpost *mat.Dense
}

// accumulate computes the per-chain sufficient statistics and Fisher
// information terms for the current chain state, and fills fsM with the
// per-chain predictions sorted by endpoint.
func (m *Model) accumulate(it *iterState, fsM []float64) (*chainStats, error) {

	c := &m.cfg

	st := &chainStats{
		sphi11: mat.NewDense(c.N, maxInt(m.nphi1, 1), nil),
		sphi12: mat.NewDense(maxInt(m.nphi1, 1), maxInt(m.nphi1, 1), nil),
		sphi01: mat.NewDense(c.N, maxInt(m.nphi0, 1), nil),
		sphi02: mat.NewDense(maxInt(m.nphi0, 1), maxInt(m.nphi0, 1), nil),
		statr:  make([]float64, m.nendpnt),
		d1:     make([]float64, m.nbParam),
		d11:    mat.NewDense(m.nbParam, m.nbParam, nil),
		d2:     mat.NewDense(m.nbParam, m.nbParam, nil),
		mpost:  mat.NewDense(c.N, m.nphi, nil),
		cpost:  mat.NewDense(c.N, m.nphi, nil),
	}

	// The cross-derivative blocks of the per-chain Hessian are constant
	// within the iteration.
	d2logk := mat.NewDense(m.nbParam, m.nbParam, nil)
	for i := 0; i < m.nlambda1; i++ {
		for j := 0; j < m.nlambda1; j++ {
			d2logk.Set(i, j, -it.cg21.At(i, j))
		}
	}
	if it.cg20 != nil {
		for i := 0; i < m.nlambda0; i++ {
			for j := 0; j < m.nlambda0; j++ {
				d2logk.Set(m.nlambda1+i, m.nlambda1+j, -it.cg20.At(i, j))
			}
		}
	}

	resy := make([]float64, c.NMC)

	for k := 0; k < c.NMC; k++ {

		phi1k := extractCols(m.phiM, k*c.N, (k+1)*c.N, c.I1)
		phi0k := extractCols(m.phiM, k*c.N, (k+1)*c.N, c.I0)

		st.sphi11.Add(st.sphi11, phi1k)
		st.sphi12.Add(st.sphi12, mulNew(phi1k.T(), phi1k))
		if m.nphi0 > 0 {
			st.sphi01.Add(st.sphi01, phi0k)
			st.sphi02.Add(st.sphi02, mulNew(phi0k.T(), phi0k))
		}

		for i := 0; i < c.N; i++ {
			for j := 0; j < m.nphi; j++ {
				v := m.phiM.At(k*c.N+i, j)
				st.mpost.Set(i, j, st.mpost.At(i, j)+v)
				st.cpost.Set(i, j, st.cpost.At(i, j)+v*v)
			}
		}

		// Predictions of this chain, sorted by endpoint.
		for j, src := range c.IxSorting {
			fsM[k*c.Ntotal+j] = m.fsave[k*c.Ntotal+src]
		}

		if err := m.residStats(fsM, k, st.statr, resy); err != nil {
			return nil, err
		}

		m.fisherChainTerms(it, phi1k, phi0k, resy[k], st, d2logk)
	}

	return st, nil
}

// residStats accumulates the per-endpoint sum of squared standardized
// residuals for chain k into statr, and records the chain's statistic of the
// last endpoint in resy.  A non-finite transformed observation is a fatal
// data error.
func (m *Model) residStats(fsM []float64, k int, statr, resy []float64) error {

	c := &m.cfg

	for b := 0; b < m.nendpnt; b++ {
		ep := &c.Endpoints[b]
		direct := ep.Model == resmod.Add || ep.Model == resmod.Prop

		var ss float64
		for j := c.YOffset[b]; j < c.YOffset[b+1]; j++ {
			fv := fsM[k*c.Ntotal+j]
			yt := transform.Apply(m.ys[j], ep.Lambda, ep.TransKind, ep.Low, ep.Hi)
			if math.IsNaN(yt) {
				return errNaNData
			}
			ft := transform.Apply(fv, ep.Lambda, ep.TransKind, ep.Low, ep.Hi)
			r := yt - ft
			if ep.Model == resmod.Prop {
				fa := resmod.PredBase(ep.PropT, ft, fv, true, true)
				if fa <= 1.0e-200 {
					fa = 1
				}
				r /= fa
			}
			ss += r * r
		}

		// The residual statistic only drives the closed-form additive
		// and proportional refits; other variants are refit by the
		// minimizer from the raw observations.
		resk := 1.0
		if direct {
			resk = ss
			if resk > 1e300 {
				resk = 1e300
			} else if resk < 1.0e-200 {
				resk = 1.0e-200
			}
		}

		statr[b] += resk
		resy[k] = resk
	}

	return nil
}

// updatePopulation solves the covariate normal equations from the smoothed
// first-moment statistics, recomputes the prior means, and re-estimates the
// covariance matrices of both random-effect subsets.  It returns the updated
// coefficient blocks.
func (m *Model) updatePopulation(it *iterState, kiter int) ([]float64, []float64, error) {

	c := &m.cfg

	icg21, err := invSPD(it.cg21)
	if err != nil {
		return nil, nil, err
	}
	rhs := rowSums(hadamard(it.d1g21, mulNew(c.COV1.T(), m.statphi11)))
	plam1 := matVec(icg21, rhs)
	for _, ix := range c.FixedIx1 {
		rc := c.Jcov1[ix]
		plam1[ix] = m.mcov1.At(rc[0], rc[1])
	}
	for i, rc := range c.Jcov1 {
		m.mcov1.Set(rc[0], rc[1], plam1[i])
	}
	m.mpriorPhi1 = mulNew(c.COV1, m.mcov1)

	var plam0 []float64
	if m.nphi0 > 0 && it.cg20 != nil {
		icg20, err := invSPD(it.cg20)
		if err != nil {
			return nil, nil, err
		}
		rhs = rowSums(hadamard(it.d1g20, mulNew(c.COV0.T(), m.statphi01)))
		plam0 = matVec(icg20, rhs)
		for _, ix := range c.FixedIx0 {
			rc := c.Jcov0[ix]
			plam0[ix] = m.mcov0.At(rc[0], rc[1])
		}
		for i, rc := range c.Jcov0 {
			m.mcov0.Set(rc[0], rc[1], plam0[i])
		}
		m.mpriorPhi0 = mulNew(c.COV0, m.mcov0)
	}

	m.updateGamma1(kiter)
	if m.nphi0 > 0 {
		m.updateGamma0(kiter)
	}

	return plam1, plam0, nil
}

// updateGamma1 re-estimates the estimated-subset covariance from the
// smoothed moments:  G = (S2 + mu'mu - S1'mu - mu'S1) / N.
func (m *Model) updateGamma1(kiter int) {

	c := &m.cfg

	g1 := momentCov(m.statphi12, m.statphi11, m.mpriorPhi1, c.N)

	if kiter <= c.NbSA {
		// Simulated-annealing phase: keep the decayed previous
		// covariance wherever it dominates the new diagonal estimate,
		// preventing early collapse.
		for i := 0; i < m.nphi1; i++ {
			for j := 0; j < m.nphi1; j++ {
				v := m.gamma2Phi1.At(i, j) * c.CoefSA
				var w float64
				if i == j {
					w = g1.At(i, j)
				}
				if w > v {
					v = w
				}
				m.gamma2Phi1.Set(i, j, v)
			}
		}
	} else {
		m.gamma2Phi1 = g1
	}

	if c.CovStruct1 != nil {
		m.gamma2Phi1 = hadamard(m.gamma2Phi1, c.CovStruct1)
	}

	if c.Minv != nil {
		for j, gi := range c.I1 {
			if m.gamma2Phi1.At(j, j) < c.Minv[gi] {
				m.gamma2Phi1.Set(j, j, c.Minv[gi])
			}
		}
	}

	// Fixed elements are restored before the diagonal constraint so a
	// fixed off-diagonal survives only outside the correlation burn-in.
	if c.Gamma2Phi1Fixed && kiter > c.NbFixOmega {
		for i := 0; i < m.nphi1; i++ {
			for j := 0; j < m.nphi1; j++ {
				if c.Gamma2Phi1FixedMask.At(i, j) != 0 {
					m.gamma2Phi1.Set(i, j, c.Gamma2Phi1FixedValues.At(i, j))
				}
			}
		}
	}

	if kiter <= c.NbCorrel {
		for i := 0; i < m.nphi1; i++ {
			for j := 0; j < m.nphi1; j++ {
				if i != j {
					m.gamma2Phi1.Set(i, j, 0)
				}
			}
		}
	}
}

// updateGamma0 re-estimates the covariate-only covariance for the first
// NiterPhi0 iterations, then decays its diagonal geometrically.  The matrix
// is always diagonal.
func (m *Model) updateGamma0(kiter int) {

	c := &m.cfg

	if kiter <= c.NiterPhi0 {
		g0 := momentCov(m.statphi02, m.statphi01, m.mpriorPhi0, c.N)
		if c.Minv != nil {
			for j, gi := range c.I0 {
				if g0.At(j, j) < c.Minv[gi] {
					g0.Set(j, j, c.Minv[gi])
				}
			}
		}
		for j := 0; j < m.nphi0; j++ {
			m.dGamma2Phi0[j] = g0.At(j, j)
		}
	} else {
		for j := 0; j < m.nphi0; j++ {
			m.dGamma2Phi0[j] *= c.CoefPhi0
		}
	}

	m.gamma2Phi0.Zero()
	for j := 0; j < m.nphi0; j++ {
		m.gamma2Phi0.Set(j, j, m.dGamma2Phi0[j])
	}
}

// refitResiduals updates each endpoint's residual error parameters from the
// current iteration's best predictions and blends the result with the
// statistic step.
func (m *Model) refitResiduals(fitter *resmod.Fitter, fsM, ysM []float64, kiter int, pas float64) {

	c := &m.cfg

	for b := 0; b < m.nendpnt; b++ {
		ep := &c.Endpoints[b]
		n0, n1 := c.YOffset[b], c.YOffset[b+1]
		sig2 := m.statrese[b] / float64(n1-n0)

		// Endpoint observations and predictions stacked across chains.
		nb := (n1 - n0) * c.NMC
		yb := make([]float64, 0, nb)
		fb := make([]float64, 0, nb)
		for k := 0; k < c.NMC; k++ {
			yb = append(yb, ysM[k*c.Ntotal+n0:k*c.Ntotal+n1]...)
			fb = append(fb, fsM[k*c.Ntotal+n0:k*c.Ntotal+n1]...)
		}

		obj := &resmod.Objective{
			Kind:        ep.Model,
			Y:           yb,
			F:           fb,
			TransKind:   ep.TransKind,
			Lambda:      ep.Lambda,
			Low:         ep.Low,
			Hi:          ep.Hi,
			PropT:       ep.PropT,
			Combine:     ep.Combine,
			LambdaRange: c.LambdaRange,
			PowRange:    c.PowRange,
		}

		off := m.resOffset[b]
		np := ep.Model.NumParams()
		fitter.Update(obj, &m.eps[b], c.ResFixed[off:off+np], c.ResValue[off:off+np],
			kiter > c.NbFixResid, sig2, pas)

		if sig2 > sigma2Max || math.IsNaN(sig2) {
			sig2 = sigma2Max
		}
		m.sigma2[b] = sig2
	}
}

// updatePosterior smooths the per-subject posterior mean and second moment
// with the posterior step schedule.  Covariate-only dimensions report their
// prior mean.
func (m *Model) updatePosterior(st *chainStats, pash float64) {

	c := &m.cfg
	nmc := float64(c.NMC)

	smoothMat(m.mpost, st.mpost, pash, nmc)
	smoothMat(m.cpost, st.cpost, pash, nmc)

	for j, gi := range c.I0 {
		for i := 0; i < c.N; i++ {
			m.mpost.Set(i, gi, m.mpriorPhi0.At(i, j))
		}
	}
}

// logIteration assembles the reported residual parameter vector and the
// combined coefficient vector, appends the history row and logs it.
func (m *Model) logIteration(plam1, plam0 []float64, kiter int) {

	c := &m.cfg

	for b := 0; b < m.nendpnt; b++ {
		resmod.Assemble(c.Endpoints[b].Model, &m.eps[b], m.vcsig2, m.resOffset[b])
	}

	for i, ix := range m.ilambda1 {
		m.plambda[ix] = plam1[i]
	}
	for i, ix := range m.ilambda0 {
		m.plambda[ix] = plam0[i]
	}

	col := 0
	row := make([]float64, m.histLen)
	for _, ix := range c.ParHistThetaKeep {
		row[col] = m.plambda[ix]
		col++
	}
	for _, ix := range c.ParHistOmegaKeep {
		row[col] = m.gamma2Phi1.At(ix, ix)
		col++
	}
	for _, ix := range m.resKeep {
		row[col] = m.vcsig2[ix]
		col++
	}
	m.parHist.SetRow(kiter, row)

	if c.Print != 0 && (kiter == 0 || (kiter+1)%c.Print == 0) {
		m.lg.Info("saem iteration",
			zap.Int("iter", kiter+1),
			zap.Float64s("par", row))
	}
}

// momentCov forms (s2 + mu'mu - s1'mu - mu's1) / n.
func momentCov(s2, s1, mu *mat.Dense, n int) *mat.Dense {
	var g mat.Dense
	g.Mul(mu.T(), mu)
	g.Add(&g, s2)
	g.Sub(&g, mulNew(s1.T(), mu))
	g.Sub(&g, mulNew(mu.T(), s1))
	g.Scale(1/float64(n), &g)
	return &g
}

// smoothMat applies the Robbins-Monro update dst += step*(src/div - dst).
func smoothMat(dst, src *mat.Dense, step, div float64) {
	r, cc := dst.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < cc; j++ {
			dst.Set(i, j, dst.At(i, j)+step*(src.At(i, j)/div-dst.At(i, j)))
		}
	}
}

// matVec returns a*v.
func matVec(a *mat.Dense, v []float64) []float64 {
	r, cc := a.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		for j := 0; j < cc; j++ {
			out[i] += a.At(i, j) * v[j]
		}
	}
	return out
}

// dumpMatrix appends a plain-text rendering of a to w, one row per line.
func dumpMatrix(w *os.File, a *mat.Dense) error {
	r, cc := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < cc; j++ {
			if _, err := fmt.Fprintf(w, " %12.6g", a.At(i, j)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

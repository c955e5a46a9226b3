package saem

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/saemfit/resmod"
	"github.com/kshedden/saemfit/transform"
)

// kernelState holds the proposal ingredients for one random-effect subset:
// the Cholesky factor of its covariance for block proposals, the scaled
// diagonal for random-walk proposals, the covariance inverse for prior
// log-density terms, and the prior means tiled across chains.
type kernelState struct {
	idx    []int
	cholR  *mat.Dense
	gdiag  []float64
	igamma *mat.Dense
	priorM *mat.Dense
}

func (m *Model) kernelState(idx []int, gamma2, igamma, mprior *mat.Dense) (*kernelState, error) {

	R, err := cholUpper(gamma2)
	if err != nil {
		return nil, err
	}

	k := len(idx)
	gd := make([]float64, k)
	for j := 0; j < k; j++ {
		gd[j] = math.Sqrt(gamma2.At(j, j)) * m.cfg.RWScale
	}

	return &kernelState{
		idx:    idx,
		cholR:  R,
		gdiag:  gd,
		igamma: igamma,
		priorM: tileRows(mprior, m.cfg.NMC),
	}, nil
}

// ue returns the proposal exposure mask entry, defaulting to 1.
func (m *Model) ue(r, j int) float64 {
	if m.cfg.UE == nil {
		return 1
	}
	return m.cfg.UE.At(r, j)
}

// obsLogLik fills dyf with the per-observation negative log-likelihood
// contributions for the raw predictions fRaw, and uy with their sums per
// chain row.  For the Gaussian likelihood the residual scale uses only the
// additive and proportional terms, and censored rows are rewritten by the
// censoring adapter.
func (m *Model) obsLogLik(fRaw, dyf, uy []float64) {

	c := &m.cfg

	for i := range fRaw {
		cur := m.ixEndpM[i]
		ep := &c.Endpoints[cur]
		f := fRaw[i]
		ft := transform.Apply(f, ep.Lambda, ep.TransKind, ep.Low, ep.Hi)
		yt := transform.Apply(m.yM[i], ep.Lambda, ep.TransKind, ep.Low, ep.Hi)

		switch c.Distribution {
		case 1:
			fcT := resmod.PredBase(ep.PropT, ft, f, false, true)
			g := m.eps[cur].Ares + m.eps[cur].Bres*math.Abs(fcT)
			if g == 0 {
				// proportional noise stays defined at f=0
				g = 1
			}
			if g < 1.0e-200 {
				g = 1.0e-200
			} else if g > 1e300 {
				g = 1e300
			}
			r := (yt - ft) / g
			dyf[i] = 0.5*r*r + math.Log(g)
			if m.cens[i] != 0 {
				limT := transform.Apply(m.limit[i], ep.Lambda, ep.TransKind, ep.Low, ep.Hi)
				dyf[i] = censNormal(m.cens[i], yt, limT, dyf[i], ft, g)
			}
		case 2:
			dyf[i] = -m.yM[i]*math.Log(f) + f
		case 3:
			dyf[i] = -m.yM[i]*math.Log(f) - (1-m.yM[i])*math.Log(1-f)
		}
	}

	for r := range uy {
		uy[r] = 0
	}
	for i, r := range m.obsRow {
		uy[r] += dyf[i]
	}
}

// priorU fills out with the prior negative log-density terms 0.5 *
// dphi' IGamma dphi per chain row for the subset described by ks.
func (m *Model) priorU(phi *mat.Dense, ks *kernelState, out []float64) {

	k := len(ks.idx)
	d := make([]float64, k)

	for r := 0; r < m.nM; r++ {
		for j := 0; j < k; j++ {
			d[j] = phi.At(r, ks.idx[j]) - ks.priorM.At(r, j)
		}
		var s float64
		for j := 0; j < k; j++ {
			var t float64
			for l := 0; l < k; l++ {
				t += d[l] * ks.igamma.At(l, j)
			}
			s += d[j] * t
		}
		out[r] = 0.5 * s
	}
}

// runKernels applies the three Metropolis-Hastings kernels to one
// random-effect subset: a block independence proposal from the prior, a
// joint random-walk, and per-coordinate random walks.
func (m *Model) runKernels(ks *kernelState, nu [3]int, uy []float64) error {

	if len(ks.idx) == 0 {
		return nil
	}

	if err := m.mcmcKernel(1, nu[0], ks, uy, nil); err != nil {
		return err
	}

	uphi := make([]float64, m.nM)
	m.priorU(m.phiM, ks, uphi)

	if err := m.mcmcKernel(2, nu[1], ks, uy, uphi); err != nil {
		return err
	}
	return m.mcmcKernel(3, nu[2], ks, uy, uphi)
}

// mcmcKernel runs nu repetitions of one proposal kernel.  Rows whose
// proposals are rejected keep their chain state, likelihood terms and
// cached predictions unchanged; accepted rows persist the candidate
// predictions into the best-prediction cache consumed by the residual
// fitter.
func (m *Model) mcmcKernel(method, nu int, ks *kernelState, uy, uphi []float64) error {

	k := len(ks.idx)
	if nu <= 0 || k == 0 {
		return nil
	}

	dyfc := make([]float64, m.ntotalM)
	ucy := make([]float64, m.nM)
	ucphi := make([]float64, m.nM)
	fc := make([]float64, m.ntotalM)
	z := make([]float64, k)

	for u := 0; u < nu; u++ {
		for k1 := 0; k1 < k; k1++ {

			phiMc := mat.DenseCopyOf(m.phiM)

			switch method {
			case 1:
				// Independence proposal: prior mean plus correlated noise.
				for r := 0; r < m.nM; r++ {
					for j := range z {
						z[j] = m.norm.Rand()
					}
					for j := 0; j < k; j++ {
						var p float64
						for l := 0; l <= j; l++ {
							p += z[l] * ks.cholR.At(l, j)
						}
						phiMc.Set(r, ks.idx[j], p*m.ue(r, ks.idx[j])+ks.priorM.At(r, j))
					}
				}
			case 2:
				// Joint random walk scaled by the covariance diagonal.
				for r := 0; r < m.nM; r++ {
					for j := 0; j < k; j++ {
						step := m.norm.Rand() * ks.gdiag[j] * m.ue(r, ks.idx[j])
						phiMc.Set(r, ks.idx[j], m.phiM.At(r, ks.idx[j])+step)
					}
				}
			case 3:
				// One coordinate at a time.
				for r := 0; r < m.nM; r++ {
					step := m.norm.Rand() * ks.gdiag[k1] * m.ue(r, k1)
					phiMc.Set(r, ks.idx[k1], m.phiM.At(r, ks.idx[k1])+step)
				}
			}

			g, err := m.predict(phiMc)
			if err != nil {
				return err
			}
			for i := 0; i < m.ntotalM; i++ {
				fc[i] = g.At(i, 0)
				m.cens[i] = g.At(i, 1)
				m.limit[i] = g.At(i, 2)
			}
			m.obsLogLik(fc, dyfc, ucy)

			if method > 1 {
				m.priorU(phiMc, ks, ucphi)
			}

			for r := 0; r < m.nM; r++ {
				du := ucy[r] - uy[r]
				if method > 1 {
					du += ucphi[r] - uphi[r]
				}
				if du < -math.Log(m.unif.Rand()) {
					for j := 0; j < k; j++ {
						m.phiM.Set(r, ks.idx[j], phiMc.At(r, ks.idx[j]))
					}
					uy[r] = ucy[r]
					if method > 1 {
						uphi[r] = ucphi[r]
					}
					for _, i := range m.rowObs[r] {
						m.fsave[i] = fc[i]
					}
				}
			}

			if method < 3 {
				break
			}
		}
	}

	return nil
}

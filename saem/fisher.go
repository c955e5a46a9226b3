package saem

import (
	"gonum.org/v1/gonum/mat"
)

// fisherChainTerms adds one chain's contribution to the running score (d1),
// score outer product (d11) and Hessian (d2) accumulators.  The score is laid
// out as the covariate coefficients of both subsets, followed by the log
// variance of each estimated dimension, followed by the log residual
// variance.
func (m *Model) fisherChainTerms(it *iterState, phi1k, phi0k *mat.Dense, resk float64, st *chainStats, d2logk *mat.Dense) {

	c := &m.cfg

	dphi1k := mat.DenseCopyOf(phi1k)
	dphi1k.Sub(dphi1k, m.mpriorPhi1)

	// Per-dimension sum of squared deviations over the subject axis,
	// scaled by the current variance.
	sdg1 := make([]float64, m.nphi1)
	for j := 0; j < m.nphi1; j++ {
		var s float64
		for i := 0; i < c.N; i++ {
			v := dphi1k.At(i, j)
			s += v * v
		}
		sdg1[j] = s / m.gamma2Phi1.At(j, j)
	}

	d1 := make([]float64, m.nbParam)

	if c.Mcovariables != nil {
		md1 := mulNew(it.ig1, mulNew(dphi1k.T(), c.Mcovariables))
		for i, rc := range c.IndCov1 {
			// md1 is stored transposed relative to the index pairs.
			d1[i] = md1.At(rc[1], rc[0])
		}
		if m.nphi0 > 0 && m.nlambda0 > 0 {
			dphi0k := mat.DenseCopyOf(phi0k)
			dphi0k.Sub(dphi0k, m.mpriorPhi0)
			md0 := mulNew(it.ig0, mulNew(dphi0k.T(), c.Mcovariables))
			for i, rc := range c.IndCov0 {
				d1[m.nlambda1+i] = md0.At(rc[1], rc[0])
			}
		}
	}

	for j := 0; j < m.nphi1; j++ {
		d1[m.nlambda+j] = 0.5*sdg1[j] - 0.5*float64(c.N)
	}
	d1[m.nbParam-1] = 0.5*resk/m.sigma2[0] - 0.5*float64(c.Ntotal)

	for i := 0; i < m.nbParam; i++ {
		st.d1[i] += d1[i]
		for j := 0; j < m.nbParam; j++ {
			st.d11.Set(i, j, st.d11.At(i, j)+d1[i]*d1[j])
		}
	}

	// Covariate/variance cross derivatives; l walks the coefficient
	// columns in design order.
	l := 0
	for j := 0; j < m.nphi1; j++ {
		for jj := 0; jj < c.Pc1[j]; jj++ {
			var t float64
			for i := 0; i < c.N; i++ {
				t += c.COV1.At(i, l) * dphi1k.At(i, j)
			}
			t = -t / m.gamma2Phi1.At(j, j)
			d2logk.Set(l, m.nlambda+j, t)
			d2logk.Set(m.nlambda+j, l, t)
			l++
		}
		d2logk.Set(m.nlambda+j, m.nlambda+j, -0.5*sdg1[j])
	}
	d2logk.Set(m.nbParam-1, m.nbParam-1, -0.5*resk/m.sigma2[0])

	st.d2.Add(st.d2, d2logk)
}

// updateInformation folds the iteration's chain-averaged score and Hessian
// into the running information estimates with the posterior step schedule.
// Ha includes the outer product of the mean score, Hb does not.
func (m *Model) updateInformation(st *chainStats, pash float64) {

	nmc := float64(m.cfg.NMC)

	d1m := make([]float64, m.nbParam)
	for i := range d1m {
		d1m[i] = st.d1[i] / nmc
	}

	for i := 0; i < m.nbParam; i++ {
		m.fisherL[i] += pash * (d1m[i] - m.fisherL[i])
		for j := 0; j < m.nbParam; j++ {
			ddb := -st.d11.At(i, j)/nmc - st.d2.At(i, j)/nmc
			dda := d1m[i]*d1m[j] + ddb
			m.fisherHa.Set(i, j, m.fisherHa.At(i, j)+pash*(dda-m.fisherHa.At(i, j)))
			m.fisherHb.Set(i, j, m.fisherHb.At(i, j)+pash*(ddb-m.fisherHb.At(i, j)))
		}
	}
}

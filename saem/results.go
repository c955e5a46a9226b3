package saem

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/saemfit/resmod"
)

// EndpointResid summarizes the fitted residual error model of one endpoint.
type EndpointResid struct {
	Model  resmod.Kind
	Sigma2 float64
	Ares   float64
	Bres   float64
	Cres   float64
	Lres   float64
}

// Results holds the fitted population parameters produced by Fit.
type Results struct {

	// ResMat has one row per endpoint with columns ares, bres, cres,
	// lres.
	ResMat *mat.Dense

	// TransMat has one row per endpoint with columns lambda, transform
	// kind, low, hi.
	TransMat *mat.Dense

	// MPriorPhi and MPostPhi are the N x nphi prior and posterior
	// random-effect mean matrices; CPostPhi holds the smoothed posterior
	// second moments.
	MPriorPhi *mat.Dense
	MPostPhi  *mat.Dense
	CPostPhi  *mat.Dense

	// Gamma2Phi1 is the fitted covariance of the estimated random-effect
	// subset.
	Gamma2Phi1 *mat.Dense

	// Plambda is the combined covariate coefficient vector.
	Plambda []float64

	// L, Ha and Hb are the running score and information estimates.  Ha
	// includes the outer product of the mean score.
	L      []float64
	Ha, Hb *mat.Dense

	// Sig2 is the reported residual parameter vector, laid out per
	// endpoint in each variant's parameter order.
	Sig2 []float64

	// Eta holds the per-subject random-effect deviations from the prior
	// mean for the estimated subset, masked by the exposure indicator.
	Eta *mat.Dense

	// ParHist has one row per completed iteration.
	ParHist *mat.Dense

	ResInfo []EndpointResid
}

// results copies the current engine state into a Results value with niter
// history rows.
func (m *Model) results(niter int) *Results {

	c := &m.cfg

	res := mat.NewDense(m.nendpnt, 4, nil)
	trans := mat.NewDense(m.nendpnt, 4, nil)
	info := make([]EndpointResid, m.nendpnt)
	for b, ep := range c.Endpoints {
		res.SetRow(b, []float64{m.eps[b].Ares, m.eps[b].Bres, m.eps[b].Cres, m.eps[b].Lres})
		trans.SetRow(b, []float64{ep.Lambda, float64(ep.TransKind), ep.Low, ep.Hi})
		info[b] = EndpointResid{
			Model:  ep.Model,
			Sigma2: m.sigma2[b],
			Ares:   m.eps[b].Ares,
			Bres:   m.eps[b].Bres,
			Cres:   m.eps[b].Cres,
			Lres:   m.eps[b].Lres,
		}
	}

	mpost := mat.DenseCopyOf(m.mpost)
	mprior := mat.DenseCopyOf(m.mpost)
	for j, gi := range c.I1 {
		for i := 0; i < c.N; i++ {
			mprior.Set(i, gi, m.mpriorPhi1.At(i, j))
		}
	}

	eta := mat.NewDense(c.N, m.nphi1, nil)
	for j, gi := range c.I1 {
		for i := 0; i < c.N; i++ {
			d := m.mpost.At(i, gi) - m.mpriorPhi1.At(i, j)
			if c.UE != nil {
				d *= c.UE.At(i, gi)
			}
			eta.Set(i, j, d)
		}
	}

	hist := mat.NewDense(niter, m.histLen, nil)
	for i := 0; i < niter; i++ {
		for j := 0; j < m.histLen; j++ {
			hist.Set(i, j, m.parHist.At(i, j))
		}
	}

	plambda := make([]float64, len(m.plambda))
	copy(plambda, m.plambda)
	sig2 := make([]float64, len(m.vcsig2))
	copy(sig2, m.vcsig2)
	l := make([]float64, len(m.fisherL))
	copy(l, m.fisherL)

	return &Results{
		ResMat:     res,
		TransMat:   trans,
		MPriorPhi:  mprior,
		MPostPhi:   mpost,
		CPostPhi:   mat.DenseCopyOf(m.cpost),
		Gamma2Phi1: mat.DenseCopyOf(m.gamma2Phi1),
		Plambda:    plambda,
		L:          l,
		Ha:         mat.DenseCopyOf(m.fisherHa),
		Hb:         mat.DenseCopyOf(m.fisherHb),
		Sig2:       sig2,
		Eta:        eta,
		ParHist:    hist,
		ResInfo:    info,
	}
}

// Summary returns a text display of the fitted parameters.
func (rslt *Results) Summary() string {

	var b strings.Builder

	b.WriteString("      SAEM population parameter estimates\n")
	b.WriteString(strings.Repeat("-", 48) + "\n")

	b.WriteString("Coefficients:\n")
	for i, v := range rslt.Plambda {
		fmt.Fprintf(&b, "  theta%-4d %12.5f\n", i+1, v)
	}

	b.WriteString("Random effect covariance (estimated subset):\n")
	r, _ := rslt.Gamma2Phi1.Dims()
	for i := 0; i < r; i++ {
		b.WriteString(" ")
		for j := 0; j < r; j++ {
			fmt.Fprintf(&b, " %12.5f", rslt.Gamma2Phi1.At(i, j))
		}
		b.WriteString("\n")
	}

	b.WriteString("Residual error models:\n")
	for i, ri := range rslt.ResInfo {
		fmt.Fprintf(&b, "  endpoint %d (%v): ", i+1, ri.Model)
		for j, p := range ri.Model.Params() {
			if j > 0 {
				b.WriteString(", ")
			}
			var v float64
			switch p {
			case resmod.Ares:
				v = ri.Ares
			case resmod.Bres:
				v = ri.Bres
			case resmod.Cres:
				v = ri.Cres
			case resmod.Lres:
				v = ri.Lres
			}
			fmt.Fprintf(&b, "%v=%.5f", p, v)
		}
		b.WriteString("\n")
	}

	return b.String()
}

package resmod

import (
	"math"

	"github.com/kshedden/saemfit/minimize"
	"github.com/kshedden/saemfit/transform"
)

// Params holds the residual parameters of one endpoint in their natural
// domain: additive SD, proportional SD, power exponent and estimated
// lambda.
type Params struct {
	Ares, Bres, Cres, Lres float64
}

// get returns the current natural-domain value of p.
func (ep *Params) get(p Param) float64 {
	switch p {
	case Ares:
		return ep.Ares
	case Bres:
		return ep.Bres
	case Cres:
		return ep.Cres
	}
	return ep.Lres
}

func (ep *Params) set(p Param, v float64) {
	switch p {
	case Ares:
		ep.Ares = v
	case Bres:
		ep.Bres = v
	case Cres:
		ep.Cres = v
	case Lres:
		ep.Lres = v
	}
}

// Fitter refits endpoint residual parameters once per SAEM iteration.
type Fitter struct {
	// Minimizer controls.
	Itmax  int
	Tol    float64
	Method minimize.Method
}

// estStart maps the current natural value of p into the estimation
// parameterization used by the minimizer.
func estStart(p Param, v float64, o *Objective) float64 {
	switch p {
	case Ares, Bres:
		return math.Sqrt(math.Abs(v))
	case Cres:
		return transform.FromRange(v, o.PowRange)
	}
	return transform.FromRange(v, o.LambdaRange)
}

// estDecode maps a minimizer coordinate back to the natural domain.
func estDecode(p Param, x float64, o *Objective) float64 {
	switch p {
	case Ares, Bres:
		return x * x
	case Cres:
		return transform.ToRange(x, o.PowRange)
	}
	return transform.ToRange(x, o.LambdaRange)
}

// Update refits the residual parameters of one endpoint and blends the
// result into ep with the Robbins-Monro step.
//
// sig2 is the smoothed mean squared standardized residual for the endpoint,
// used by the closed-form additive and proportional variants.  fixed and
// fixedVal give the externally frozen parameters, indexed by the variant's
// parameter positions, in the natural domain; they take effect only when
// applyFixed is set (the freeze burn-in has passed).  Frozen parameters are
// excluded from the minimizer's candidate vector and reinserted at their
// fixed value; if the minimizer fails, ep is left unblended for this
// iteration.
func (ft *Fitter) Update(o *Objective, ep *Params, fixed []bool, fixedVal []float64, applyFixed bool, sig2, step float64) {

	v := variants[o.Kind]

	if v.direct {
		switch o.Kind {
		case Add:
			if applyFixed && fixed[0] {
				ep.Ares = fixedVal[0]
			} else {
				ep.Ares = math.Sqrt(sig2)
			}
		case Prop:
			if applyFixed && fixed[0] {
				ep.Bres = fixedVal[0]
			} else {
				if sig2 == 0 {
					sig2 = 1
				}
				ep.Bres = math.Sqrt(sig2)
			}
		}
		return
	}

	// Build the start vector over the free parameter positions; frozen
	// positions are pinned in the objective context instead.
	o.Fixed = [4]bool{}
	o.FixedVal = [4]float64{}

	var start, steps []float64
	free := make([]Param, 0, 4)
	for i, p := range v.params {
		if applyFixed && fixed[i] {
			ep.set(p, fixedVal[i])
			o.Fixed[i] = true
			o.FixedVal[i] = estStart(p, ep.get(p), o)
			continue
		}
		start = append(start, estStart(p, ep.get(p), o))
		steps = append(steps, -0.2)
		free = append(free, p)
	}

	xmin, err := minimize.Minimize(o.Value, start, steps, ft.Tol, ft.Itmax, ft.Method)
	if err != nil {
		// Leave the current estimate unblended for this iteration.
		return
	}

	for j, p := range free {
		cand := estDecode(p, xmin[j], o)
		ep.set(p, ep.get(p)+step*(cand-ep.get(p)))
	}
}

// Assemble writes the endpoint's reported parameter values into dst
// starting at offset, following the variant's parameter order.  The same
// table drives Update, so the reported layout cannot drift from the fit
// layout.
func Assemble(k Kind, ep *Params, dst []float64, offset int) {
	for i, p := range k.Params() {
		dst[offset+i] = ep.get(p)
	}
}

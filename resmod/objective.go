package resmod

import (
	"math"

	"github.com/kshedden/saemfit/transform"
)

// Residual scale clamps.  These exact values are load-bearing: changing
// them changes the convergence path of a fit.
const (
	scaleMin = 1.0e-200
	scaleMax = 1e300
)

// CombineMode selects how additive and proportional/power terms are
// combined into one residual scale.
type CombineMode int

const (
	// CombineSum adds the terms: g = a + b*|f|^p.
	CombineSum CombineMode = iota

	// CombineQuad combines the terms in quadrature:
	// g = sqrt(a^2 + (b*|f|^p)^2).
	CombineQuad
)

// Objective carries everything one residual-model likelihood evaluation
// needs: the endpoint's observations and current best predictions, the
// observation-scale transform, the fixed-parameter mask, and the
// combination flags.  It replaces the process-wide variables the reference
// implementation stashed for its objective callbacks, so endpoint fits
// share no mutable state.
type Objective struct {
	Kind Kind

	// Observations and predictions for this endpoint, stacked across
	// Monte-Carlo chains.
	Y, F []float64

	// Observation-scale transform.  Lambda is the configured value; it is
	// overridden by the candidate when the variant estimates lambda.
	TransKind transform.Kind
	Lambda    float64
	Low, Hi   float64

	// PropT selects the transformed prediction as the proportional base.
	PropT bool

	// Combine selects sum or quadrature combination for variants with both
	// an additive and a proportional/power term.
	Combine CombineMode

	// Bounded reparameterization ranges for lambda and the power exponent.
	LambdaRange float64
	PowRange    float64

	// Fixed marks parameter positions excluded from the candidate vector;
	// FixedVal holds their values in the estimation parameterization.
	Fixed    [4]bool
	FixedVal [4]float64
}

// expand reinserts fixed parameters into the candidate vector, producing
// one value per variant parameter position.
func (o *Objective) expand(p []float64) [4]float64 {
	var full [4]float64
	np := o.Kind.NumParams()
	j := 0
	for i := 0; i < np; i++ {
		if o.Fixed[i] {
			full[i] = o.FixedVal[i]
		} else {
			full[i] = p[j]
			j++
		}
	}
	return full
}

// Value computes the negative log-likelihood (up to a constant) of the
// candidate parameter vector p.  Scale parameters arrive as square roots of
// their natural values; power and lambda parameters arrive unconstrained
// and are mapped onto their bounded ranges.
func (o *Objective) Value(p []float64) float64 {

	v := variants[o.Kind]
	full := o.expand(p)

	// Decode the candidate into natural-domain terms following the
	// variant's parameter order.
	var a, b, pw, lam float64
	lam = o.Lambda
	pos := 0
	if v.hasAdd {
		a = full[pos] * full[pos]
		pos++
	}
	if v.hasProp || v.hasPow {
		b = full[pos] * full[pos]
		pos++
	}
	if v.hasPow {
		pw = transform.ToRange(full[pos], o.PowRange)
		pos++
	}
	if v.hasLam {
		lam = transform.ToRange(full[pos], o.LambdaRange)
	}

	var sum float64
	for i := range o.Y {
		ft := transform.Apply(o.F[i], lam, o.TransKind, o.Low, o.Hi)
		ytr := transform.Apply(o.Y[i], lam, o.TransKind, o.Low, o.Hi)
		fa := PredBase(o.PropT, ft, o.F[i], false, v.adjustF)

		g := o.scale(v, a, b, pw, fa)
		if v.zeroScaleToOne && g == 0 {
			g = 1
		}
		if g < scaleMin {
			g = scaleMin
		} else if g > scaleMax {
			g = scaleMax
		}

		r := (ytr - ft) / g
		sum += r*r + 2*math.Log(g)
	}

	return sum
}

// scale computes the residual scale for one observation given the decoded
// natural-domain terms and the prediction base fa.
func (o *Objective) scale(v variant, a, b, pw, fa float64) float64 {

	switch {
	case v.hasAdd && v.hasProp:
		if o.Combine == CombineSum {
			return a + b*fa
		}
		return math.Sqrt(a*a + b*b*fa*fa)
	case v.hasAdd && v.hasPow:
		if o.Combine == CombineSum {
			return a + b*math.Pow(fa, pw)
		}
		if v.quadNoSqrt {
			return a*a + b*b*math.Pow(fa, 2*pw)
		}
		fp := math.Pow(fa, pw)
		return math.Sqrt(a*a + b*b*fp*fp)
	case v.hasPow:
		return b * math.Pow(fa, pw)
	case v.hasProp:
		return b * fa
	default:
		return a
	}
}

// Package transform provides the observation-scale transforms used when
// fitting residual error models: Box-Cox and Yeo-Johnson power transforms,
// log and logit transforms, and the bounded reparameterization that maps an
// unconstrained optimizer variable onto a fixed symmetric range.
//
// All transforms are bijections on their domain and come with guarded
// inverses: arguments slightly outside the domain are clamped rather than
// producing infinities, so that repeated application inside an iterative
// fitting loop stays bounded.
package transform

import "math"

// Kind identifies a transform family.  The numeric values match the
// transform identifiers used in the host configuration.
type Kind int

const (
	// YeoJohnson is the Yeo-Johnson power transform, defined for all real x.
	YeoJohnson Kind = iota

	// BoxCox is the Box-Cox power transform, defined for positive x.
	BoxCox

	// Identity applies no transform.
	Identity

	// Log is the natural log transform.
	Log

	// Logit maps the interval (low, hi) onto the real line.
	Logit
)

// epsilon used to keep guarded inverses away from domain boundaries.
const tiny = 1e-10

func (k Kind) String() string {
	switch k {
	case YeoJohnson:
		return "yeoJohnson"
	case BoxCox:
		return "boxCox"
	case Identity:
		return "identity"
	case Log:
		return "log"
	case Logit:
		return "logit"
	}
	return "invalid"
}

// Valid reports whether k is a supported transform kind.
func (k Kind) Valid() bool {
	return k >= YeoJohnson && k <= Logit
}

// Apply transforms x.  The lambda parameter is used by the BoxCox and
// YeoJohnson kinds; low and hi are used by the Logit kind.
func Apply(x, lambda float64, k Kind, low, hi float64) float64 {

	switch k {
	case Identity:
		return x
	case Log:
		if x < tiny {
			x = tiny
		}
		return math.Log(x)
	case BoxCox:
		if x < tiny {
			x = tiny
		}
		if lambda == 0 {
			return math.Log(x)
		}
		return (math.Pow(x, lambda) - 1) / lambda
	case YeoJohnson:
		if x >= 0 {
			if lambda == 0 {
				return math.Log1p(x)
			}
			return (math.Pow(x+1, lambda) - 1) / lambda
		}
		if lambda == 2 {
			return -math.Log1p(-x)
		}
		return -(math.Pow(1-x, 2-lambda) - 1) / (2 - lambda)
	case Logit:
		w := hi - low
		if x < low+tiny*w {
			x = low + tiny*w
		} else if x > hi-tiny*w {
			x = hi - tiny*w
		}
		return math.Log((x - low) / (hi - x))
	}

	return math.NaN()
}

// Invert applies the inverse transform to z, recovering the natural-scale
// value.  The inverse is guarded: values of z that would fall outside the
// domain of the forward transform are clamped to the domain boundary.
func Invert(z, lambda float64, k Kind, low, hi float64) float64 {

	switch k {
	case Identity:
		return z
	case Log:
		return math.Exp(z)
	case BoxCox:
		if lambda == 0 {
			return math.Exp(z)
		}
		u := lambda*z + 1
		if u < tiny {
			u = tiny
		}
		return math.Pow(u, 1/lambda)
	case YeoJohnson:
		if z >= 0 {
			if lambda == 0 {
				return math.Expm1(z)
			}
			u := lambda*z + 1
			if u < tiny {
				u = tiny
			}
			return math.Pow(u, 1/lambda) - 1
		}
		if lambda == 2 {
			return -math.Expm1(-z)
		}
		u := 1 - (2-lambda)*z
		if u < tiny {
			u = tiny
		}
		return 1 - math.Pow(u, 1/(2-lambda))
	case Logit:
		return low + (hi-low)/(1+math.Exp(-z))
	}

	return math.NaN()
}

// ToRange maps an unconstrained value x onto the open interval (-r, r) via
// the inverse logit.  It is used to estimate power exponents and Box-Cox
// lambda values with an unconstrained minimizer.
func ToRange(x, r float64) float64 {
	return Invert(x, 1, Logit, -r, r)
}

// FromRange maps v in (-r, r) back onto the real line.  The argument is
// clamped to 99% of the range first so that starting values sitting on the
// boundary do not produce infinite optimizer coordinates.
func FromRange(v, r float64) float64 {
	if v < -0.99*r {
		v = -0.99 * r
	} else if v > 0.99*r {
		v = 0.99 * r
	}
	return Apply(v, 1, Logit, -r, r)
}

// Package resmod implements the residual error models available to each
// observation endpoint: additive, proportional and power noise terms,
// optionally combined and optionally paired with an estimated Box-Cox
// lambda on the observation scale.
//
// Each model variant is described once in a table giving its free
// parameters in optimizer order together with the flags controlling its
// likelihood evaluation.  The same table drives both the per-iteration
// refit and the assembly of the reported parameter vector, so the two can
// never drift apart.
package resmod

import "fmt"

// Kind identifies a residual error model variant.  The numeric values match
// the model identifiers used in the host configuration.
type Kind int

const (
	Add        Kind = 1  // additive
	Prop       Kind = 2  // proportional
	Pow        Kind = 3  // power
	AddProp    Kind = 4  // additive + proportional
	AddPow     Kind = 5  // additive + power
	AddLam     Kind = 6  // additive + estimated lambda
	PropLam    Kind = 7  // proportional + estimated lambda
	PowLam     Kind = 8  // power + estimated lambda
	AddPropLam Kind = 9  // additive + proportional + estimated lambda
	AddPowLam  Kind = 10 // additive + power + estimated lambda
)

// Param identifies one of the four residual parameters.
type Param int

const (
	Ares Param = iota // additive standard deviation
	Bres              // proportional standard deviation
	Cres              // power exponent
	Lres              // estimated Box-Cox lambda
)

func (p Param) String() string {
	switch p {
	case Ares:
		return "ares"
	case Bres:
		return "bres"
	case Cres:
		return "cres"
	case Lres:
		return "lres"
	}
	return "invalid"
}

// variant describes one residual model.
type variant struct {
	name string

	// Free parameters in optimizer and reporting order.
	params []Param

	// hasAdd/hasProp/hasPow select the scale terms; hasLam selects an
	// estimated observation-scale lambda.
	hasAdd, hasProp, hasPow, hasLam bool

	// direct variants are solved in closed form from the smoothed residual
	// statistic rather than with the minimizer.
	direct bool

	// adjustF substitutes 1 for a zero prediction base.
	adjustF bool

	// zeroScaleToOne substitutes 1 for an exactly zero residual scale.
	zeroScaleToOne bool

	// quadNoSqrt omits the final square root when combining additive and
	// power terms in quadrature.  Compatibility quirk of the additive+power
	// variant; do not "fix".
	quadNoSqrt bool
}

var variants = map[Kind]variant{
	Add: {
		name:    "additive",
		params:  []Param{Ares},
		hasAdd:  true,
		direct:  true,
		adjustF: false,
	},
	Prop: {
		name:    "proportional",
		params:  []Param{Bres},
		hasProp: true,
		direct:  true,
		adjustF: true,
	},
	Pow: {
		name:    "power",
		params:  []Param{Bres, Cres},
		hasPow:  true,
		adjustF: true,
	},
	AddProp: {
		name:    "additive+proportional",
		params:  []Param{Ares, Bres},
		hasAdd:  true,
		hasProp: true,
	},
	AddPow: {
		name:       "additive+power",
		params:     []Param{Ares, Bres, Cres},
		hasAdd:     true,
		hasPow:     true,
		quadNoSqrt: true,
	},
	AddLam: {
		name:   "additive+lambda",
		params: []Param{Ares, Lres},
		hasAdd: true,
		hasLam: true,
	},
	PropLam: {
		name:           "proportional+lambda",
		params:         []Param{Bres, Lres},
		hasProp:        true,
		hasLam:         true,
		adjustF:        true,
		zeroScaleToOne: true,
	},
	PowLam: {
		name:           "power+lambda",
		params:         []Param{Bres, Cres, Lres},
		hasPow:         true,
		hasLam:         true,
		adjustF:        true,
		zeroScaleToOne: true,
	},
	AddPropLam: {
		name:    "additive+proportional+lambda",
		params:  []Param{Ares, Bres, Lres},
		hasAdd:  true,
		hasProp: true,
		hasLam:  true,
	},
	AddPowLam: {
		name:   "additive+power+lambda",
		params: []Param{Ares, Bres, Cres, Lres},
		hasAdd: true,
		hasPow: true,
		hasLam: true,
	},
}

// Valid reports whether k is a supported residual model.
func (k Kind) Valid() bool {
	_, ok := variants[k]
	return ok
}

func (k Kind) String() string {
	if v, ok := variants[k]; ok {
		return v.name
	}
	return fmt.Sprintf("resmod.Kind(%d)", int(k))
}

// NumParams returns the number of free parameters of the variant.
func (k Kind) NumParams() int {
	return len(variants[k].params)
}

// Params returns the variant's free parameters in optimizer and reporting
// order.  The returned slice must not be modified.
func (k Kind) Params() []Param {
	return variants[k].params
}

// Direct reports whether the variant is refit in closed form from the
// smoothed residual statistic instead of with the minimizer.
func (k Kind) Direct() bool {
	return variants[k].direct
}

// PredBase returns the prediction base entering a proportional or power
// scale term: the transformed prediction ft when propT is set, the raw
// prediction f otherwise.  With adjust set, an exactly zero base becomes 1
// so proportional noise remains defined at f=0; with trunc set the base is
// clamped into [1e-200, 1e300].
func PredBase(propT bool, ft, f float64, trunc, adjust bool) float64 {
	fa := f
	if propT {
		fa = ft
	}
	if adjust && fa == 0 {
		fa = 1
	}
	if trunc {
		if fa < scaleMin {
			fa = scaleMin
		} else if fa > scaleMax {
			fa = scaleMax
		}
	}
	return fa
}

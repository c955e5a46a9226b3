package saem

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Floor for censoring probabilities before taking logs.
const censProbMin = 1e-300

// censNormal replaces the Gaussian point-density contribution cur of a
// censored observation with the negative log-probability of the censoring
// region under the current prediction f and residual scale r.  All
// quantities are on the transformed observation scale.
//
// For a left-censored row (cens=1) the observed value yT is the detection
// limit and the region is (-inf, yT], narrowed to [limitT, yT] when a
// finite lower limit is supplied.  Right censoring (cens=-1) mirrors this.
// Uncensored rows are returned untouched.
func censNormal(cens, yT, limitT, cur, f, r float64) float64 {

	if cens == 0 {
		return cur
	}

	var p float64
	switch {
	case cens > 0:
		p = distuv.UnitNormal.CDF((yT - f) / r)
		if !math.IsInf(limitT, -1) && !math.IsNaN(limitT) {
			p -= distuv.UnitNormal.CDF((limitT - f) / r)
		}
	default:
		p = 1 - distuv.UnitNormal.CDF((yT-f)/r)
		if !math.IsInf(limitT, 1) && !math.IsNaN(limitT) {
			p -= 1 - distuv.UnitNormal.CDF((limitT-f)/r)
		}
	}

	if p < censProbMin {
		p = censProbMin
	}
	return -math.Log(p)
}

package resmod

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/saemfit/minimize"
	"github.com/kshedden/saemfit/transform"
)

func allKinds() []Kind {
	return []Kind{Add, Prop, Pow, AddProp, AddPow, AddLam, PropLam, PowLam, AddPropLam, AddPowLam}
}

func TestTable(t *testing.T) {

	want := map[Kind][]Param{
		Add:        {Ares},
		Prop:       {Bres},
		Pow:        {Bres, Cres},
		AddProp:    {Ares, Bres},
		AddPow:     {Ares, Bres, Cres},
		AddLam:     {Ares, Lres},
		PropLam:    {Bres, Lres},
		PowLam:     {Bres, Cres, Lres},
		AddPropLam: {Ares, Bres, Lres},
		AddPowLam:  {Ares, Bres, Cres, Lres},
	}

	for k, wp := range want {
		if !k.Valid() {
			t.Errorf("%v not valid", k)
		}
		gp := k.Params()
		if len(gp) != k.NumParams() {
			t.Errorf("%v: NumParams disagrees with Params", k)
		}
		if len(gp) != len(wp) {
			t.Errorf("%v: wrong parameter count", k)
			continue
		}
		for i := range wp {
			if gp[i] != wp[i] {
				t.Errorf("%v: parameter %d is %v, want %v", k, i, gp[i], wp[i])
			}
		}
	}

	if Kind(0).Valid() || Kind(11).Valid() {
		t.Errorf("out of range kinds must be invalid")
	}
}

// baseObjective returns an objective over simulated additive-noise data.
func baseObjective(k Kind, n int, sd float64, seed uint64) *Objective {

	src := rand.NewSource(seed)
	noise := distuv.Normal{Mu: 0, Sigma: sd, Src: src}

	y := make([]float64, n)
	f := make([]float64, n)
	for i := range y {
		f[i] = 2 + 0.1*float64(i%17)
		y[i] = f[i] + noise.Rand()
	}

	return &Objective{
		Kind:        k,
		Y:           y,
		F:           f,
		TransKind:   transform.Identity,
		Lambda:      1,
		Low:         0,
		Hi:          1e10,
		Combine:     CombineSum,
		LambdaRange: 3,
		PowRange:    10,
	}
}

// TestObjectiveExpectation checks that at the generating parameters the
// objective is close to nObs*(1 + 2 E[log g]): each standardized residual
// contributes r^2 + 2 log g with E[r^2]=1.
func TestObjectiveExpectation(t *testing.T) {

	n := 20000
	sd := 0.7
	o := baseObjective(AddProp, n, sd, 42)

	// additive-only parameters inside the add+prop variant
	p := []float64{math.Sqrt(sd), 0}
	got := o.Value(p) / float64(n)
	want := 1 + 2*math.Log(sd)
	if math.Abs(got-want) > 0.05 {
		t.Errorf("objective mean %v, want about %v", got, want)
	}
}

func TestObjectiveFixedExclusion(t *testing.T) {

	o := baseObjective(AddProp, 200, 0.5, 3)

	// Full vector vs fixing the proportional slot at the same value.
	full := o.Value([]float64{0.8, 0.3})

	o.Fixed[1] = true
	o.FixedVal[1] = 0.3
	part := o.Value([]float64{0.8})
	if full != part {
		t.Errorf("fixed reinsertion changed the objective: %v != %v", full, part)
	}
	o.Fixed[1] = false
}

func TestObjectiveFiniteEverywhere(t *testing.T) {

	for _, k := range allKinds() {
		if k.Direct() {
			continue
		}
		o := baseObjective(k, 50, 0.4, uint64(k))
		np := k.NumParams()
		p := make([]float64, np)
		for i := range p {
			p[i] = 0.4
		}
		v := o.Value(p)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%v: objective not finite: %v", k, v)
		}

		// Zero scales must clamp, not divide by zero.
		for i := range p {
			p[i] = 0
		}
		v = o.Value(p)
		if math.IsNaN(v) {
			t.Errorf("%v: objective NaN at zero scales", k)
		}
	}
}

func TestDirectFits(t *testing.T) {

	ft := &Fitter{Itmax: 100, Tol: 1e-4, Method: minimize.NelderMead}

	oAdd := baseObjective(Add, 10, 0.3, 1)
	ep := &Params{Ares: 1}
	ft.Update(oAdd, ep, []bool{false}, []float64{0}, false, 0.25, 1)
	if math.Abs(ep.Ares-0.5) > 1e-12 {
		t.Errorf("additive direct fit: got %v, want 0.5", ep.Ares)
	}

	// Proportional: zero statistic is replaced by 1.
	oProp := baseObjective(Prop, 10, 0.3, 1)
	ep = &Params{Bres: 2}
	ft.Update(oProp, ep, []bool{false}, []float64{0}, false, 0, 1)
	if ep.Bres != 1 {
		t.Errorf("proportional direct fit with zero statistic: got %v, want 1", ep.Bres)
	}

	// Frozen values win over the statistic.
	ep = &Params{Ares: 1}
	ft.Update(oAdd, ep, []bool{true}, []float64{0.123}, true, 0.25, 1)
	if ep.Ares != 0.123 {
		t.Errorf("frozen additive parameter: got %v, want 0.123", ep.Ares)
	}
}

func TestFitterRecoversAdditiveSD(t *testing.T) {

	ft := &Fitter{Itmax: 200, Tol: 1e-8, Method: minimize.NelderMead}
	sd := 0.6
	o := baseObjective(AddProp, 5000, sd, 7)

	ep := &Params{Ares: 0.3, Bres: 0.2}
	fixed := []bool{false, false}
	fv := []float64{0, 0}

	// step=1 applies the minimizer result outright.
	ft.Update(o, ep, fixed, fv, false, 0, 1)
	if math.Abs(ep.Ares-sd) > 0.1 {
		t.Errorf("ares %v, want about %v", ep.Ares, sd)
	}
	if ep.Bres > 0.15 {
		t.Errorf("bres %v, want near zero", ep.Bres)
	}
}

func TestFitterFrozenParamsUntouched(t *testing.T) {

	ft := &Fitter{Itmax: 200, Tol: 1e-6, Method: minimize.NelderMead}
	o := baseObjective(AddPowLam, 500, 0.5, 9)

	ep := &Params{Ares: 0.4, Bres: 0.2, Cres: 1.5, Lres: 0.3}
	fixed := []bool{false, true, true, false}
	fv := []float64{0, 0.25, 1.25, 0}

	ft.Update(o, ep, fixed, fv, true, 0, 0.5)

	if ep.Bres != 0.25 || ep.Cres != 1.25 {
		t.Errorf("frozen parameters moved: bres=%v cres=%v", ep.Bres, ep.Cres)
	}
}

func TestBlendStep(t *testing.T) {

	// step=0 must leave all free parameters unchanged regardless of the
	// minimizer output.
	ft := &Fitter{Itmax: 100, Tol: 1e-6, Method: minimize.NelderMead}
	o := baseObjective(AddProp, 300, 0.5, 11)

	ep := &Params{Ares: 0.9, Bres: 0.4}
	before := *ep
	ft.Update(o, ep, []bool{false, false}, []float64{0, 0}, false, 0, 0)
	if *ep != before {
		t.Errorf("step=0 changed parameters: %+v -> %+v", before, *ep)
	}
}

func TestAssemble(t *testing.T) {

	ep := &Params{Ares: 1, Bres: 2, Cres: 3, Lres: 4}
	dst := make([]float64, 6)
	Assemble(AddPowLam, ep, dst, 1)
	want := []float64{0, 1, 2, 3, 4, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("assemble slot %d: got %v, want %v", i, dst[i], want[i])
		}
	}
}

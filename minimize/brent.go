package minimize

import "math"

const (
	gold   = 1.618034
	cgold  = 0.3819660
	glimit = 100.0
	zeps   = 1e-12
)

// brent minimizes a scalar function.  A bracket around a minimum is grown
// from the start point and the initial step by golden-ratio expansion, then
// refined with Brent's parabolic interpolation.
func brent(f func(float64) float64, x0, step float64, tol float64, itmax int) float64 {

	if step == 0 {
		step = -0.1
	}
	ax, bx, cx := bracket(f, x0, x0+step)

	a := math.Min(ax, cx)
	b := math.Max(ax, cx)

	x := bx
	w, v := bx, bx
	fx := f(x)
	fw, fv := fx, fx

	var d, e float64

	if itmax < 1 {
		itmax = 100
	}

	for it := 0; it < itmax; it++ {
		xm := 0.5 * (a + b)
		tol1 := tol*math.Abs(x) + zeps
		tol2 := 2 * tol1
		if math.Abs(x-xm) <= tol2-0.5*(b-a) {
			return x
		}

		use := false
		var u float64
		if math.Abs(e) > tol1 {
			// Try a parabolic step through x, v, w.
			r := (x - w) * (fx - fv)
			q := (x - v) * (fx - fw)
			p := (x-v)*q - (x-w)*r
			q = 2 * (q - r)
			if q > 0 {
				p = -p
			}
			q = math.Abs(q)
			eold := e
			e = d
			if math.Abs(p) < math.Abs(0.5*q*eold) && p > q*(a-x) && p < q*(b-x) {
				d = p / q
				u = x + d
				if u-a < tol2 || b-u < tol2 {
					d = math.Copysign(tol1, xm-x)
				}
				use = true
			}
		}
		if !use {
			if x >= xm {
				e = a - x
			} else {
				e = b - x
			}
			d = cgold * e
		}

		if math.Abs(d) >= tol1 {
			u = x + d
		} else {
			u = x + math.Copysign(tol1, d)
		}
		fu := f(u)

		if fu <= fx {
			if u >= x {
				a = x
			} else {
				b = x
			}
			v, w = w, x
			fv, fw = fw, fx
			x, fx = u, fu
		} else {
			if u < x {
				a = u
			} else {
				b = u
			}
			if fu <= fw || w == x {
				v, fv = w, fw
				w, fw = u, fu
			} else if fu <= fv || v == x || v == w {
				v, fv = u, fu
			}
		}
	}

	return x
}

// bracket expands (a, b) downhill until three abscissas bracket a minimum.
func bracket(f func(float64) float64, a, b float64) (float64, float64, float64) {

	fa := f(a)
	fb := f(b)
	if fb > fa {
		a, b = b, a
		fa, fb = fb, fa
	}
	c := b + gold*(b-a)
	fc := f(c)

	for iter := 0; fb > fc && iter < 200; iter++ {
		r := (b - a) * (fb - fc)
		q := (b - c) * (fb - fa)
		den := 2 * math.Copysign(math.Max(math.Abs(q-r), zeps), q-r)
		u := b - ((b-c)*q-(b-a)*r)/den
		ulim := b + glimit*(c-b)

		var fu float64
		switch {
		case (b-u)*(u-c) > 0:
			fu = f(u)
			if fu < fc {
				return b, u, c
			} else if fu > fb {
				return a, b, u
			}
			u = c + gold*(c-b)
			fu = f(u)
		case (c-u)*(u-ulim) > 0:
			fu = f(u)
			if fu < fc {
				b, c = c, u
				fb, fc = fc, fu
				u = c + gold*(c-b)
				fu = f(u)
			}
		case (u-ulim)*(ulim-c) >= 0:
			u = ulim
			fu = f(u)
		default:
			u = c + gold*(c-b)
			fu = f(u)
		}

		a, b, c = b, c, u
		fa, fb, fc = fb, fc, fu
	}

	return a, b, c
}

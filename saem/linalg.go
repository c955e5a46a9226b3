package saem

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var errNotPosDef = errors.New("saem: covariance matrix is not positive definite")

// toSym symmetrizes a into a SymDense.
func toSym(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

// invSPD inverts a symmetric positive-definite matrix via its Cholesky
// factorization.
func invSPD(a *mat.Dense) (*mat.Dense, error) {
	var ch mat.Cholesky
	if !ch.Factorize(toSym(a)) {
		return nil, errNotPosDef
	}
	n, _ := a.Dims()
	var s mat.SymDense
	if err := ch.InverseTo(&s); err != nil {
		return nil, err
	}
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, s.At(i, j))
		}
	}
	return out, nil
}

// cholUpper returns the upper triangular factor R with R'R = a.
func cholUpper(a *mat.Dense) (*mat.Dense, error) {
	var ch mat.Cholesky
	if !ch.Factorize(toSym(a)) {
		return nil, errNotPosDef
	}
	var u mat.TriDense
	ch.UTo(&u)
	n, _ := a.Dims()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, u.At(i, j))
		}
	}
	return out, nil
}

// mulNew returns a*b as a new matrix.
func mulNew(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// hadamard returns the elementwise product of a and b.
func hadamard(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.MulElem(a, b)
	return &out
}

// rowSums returns the vector of row sums of a.
func rowSums(a *mat.Dense) []float64 {
	r, c := a.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i] += a.At(i, j)
		}
	}
	return out
}

// extractCols copies the listed columns of the row block [r0, r1) of a into
// a new matrix.
func extractCols(a *mat.Dense, r0, r1 int, cols []int) *mat.Dense {
	out := mat.NewDense(r1-r0, maxInt(len(cols), 1), nil)
	for i := r0; i < r1; i++ {
		for j, c := range cols {
			out.Set(i-r0, j, a.At(i, c))
		}
	}
	return out
}

// tileRows stacks n copies of a vertically.
func tileRows(a *mat.Dense, n int) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r*n, c, nil)
	for k := 0; k < n; k++ {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.Set(k*r+i, j, a.At(i, j))
			}
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

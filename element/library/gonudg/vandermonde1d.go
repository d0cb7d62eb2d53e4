package gonudg

import "gonum.org/v1/gonum/mat"

// Vandermonde1D builds V_{ij} = P_j(r_i) for the orthonormal Legendre basis
func Vandermonde1D(N int, r []float64) *mat.Dense {
	V1D := mat.NewDense(len(r), N+1, nil)
	for j := 0; j <= N; j++ {
		V1D.SetCol(j, JacobiP(r, 0, 0, j))
	}
	return V1D
}

// GradVandermonde1D builds Vr_{ij} = dP_j/dr at r_i
func GradVandermonde1D(N int, r []float64) *mat.Dense {
	Vr := mat.NewDense(len(r), N+1, nil)
	for j := 0; j <= N; j++ {
		Vr.SetCol(j, GradJacobiP(r, 0, 0, j))
	}
	return Vr
}

package gonudg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// collapseTol guards the collapsed-coordinate singularities at the top vertex
const collapseTol = 1.e-12

// Vandermonde2D initializes the 2D Vandermonde Matrix V_{ij} = phi_j(r_i, s_i)
func Vandermonde2D(N int, R, S []float64) *mat.Dense {
	Np := (N + 1) * (N + 2) / 2
	Nr := len(R)

	V2D := mat.NewDense(Nr, Np, nil)
	a, b := RStoAB(R, S)

	sk := 0
	for i := 0; i <= N; i++ {
		for j := 0; j <= (N - i); j++ {
			V2D.SetCol(sk, Simplex2DP(a, b, i, j))
			sk++
		}
	}
	return V2D
}

// GradVandermonde2D builds Vr, Vs where (Vr)_{ij} = dphi_j/dr at point i
func GradVandermonde2D(N int, R, S []float64) (Vr, Vs *mat.Dense) {
	Np := (N + 1) * (N + 2) / 2
	Nr := len(R)

	Vr = mat.NewDense(Nr, Np, nil)
	Vs = mat.NewDense(Nr, Np, nil)
	a, b := RStoAB(R, S)

	sk := 0
	for i := 0; i <= N; i++ {
		for j := 0; j <= (N - i); j++ {
			dr, ds := GradSimplex2DP(a, b, i, j)
			Vr.SetCol(sk, dr)
			Vs.SetCol(sk, ds)
			sk++
		}
	}
	return
}

// Simplex2DP evaluates the 2D orthonormal polynomial on the simplex at
// collapsed coordinates (a, b) of order (i,j)
func Simplex2DP(a, b []float64, i, j int) []float64 {
	Np := len(a)
	h1 := JacobiP(a, 0, 0, i)
	h2 := JacobiP(b, float64(2*i+1), 0, j)

	P := make([]float64, Np)
	for ii := range h1 {
		P[ii] = math.Sqrt2 * h1[ii] * h2[ii] * pow(1-b[ii], i)
	}
	return P
}

// GradSimplex2DP evaluates the (r,s) derivatives of the 2D orthonormal
// polynomial of order (id,jd) at collapsed coordinates (a, b)
func GradSimplex2DP(a, b []float64, id, jd int) (dmodedr, dmodeds []float64) {
	Np := len(a)
	fa := JacobiP(a, 0, 0, id)
	dfa := GradJacobiP(a, 0, 0, id)
	gb := JacobiP(b, float64(2*id+1), 0, jd)
	dgb := GradJacobiP(b, float64(2*id+1), 0, jd)

	dmodedr = make([]float64, Np)
	dmodeds = make([]float64, Np)
	scale := math.Pow(2, float64(id)+0.5)
	for n := 0; n < Np; n++ {
		hb := 0.5 * (1 - b[n])
		dr := dfa[n] * gb[n]
		if id > 0 {
			dr *= pow(hb, id-1)
		}
		ds := dr * 0.5 * (1 + a[n])
		tmp := dgb[n] * pow(hb, id)
		if id > 0 {
			tmp -= 0.5 * float64(id) * gb[n] * pow(hb, id-1)
		}
		ds += fa[n] * tmp
		dmodedr[n] = dr * scale
		dmodeds[n] = ds * scale
	}
	return
}

// RStoAB converts from (r,s) to collapsed (a,b) coordinates
func RStoAB(R, S []float64) (a, b []float64) {
	Np := len(R)
	a = make([]float64, Np)
	b = make([]float64, Np)

	for n := 0; n < Np; n++ {
		if math.Abs(1-S[n]) > collapseTol {
			a[n] = 2*(1+R[n])/(1-S[n]) - 1
		} else {
			a[n] = -1
		}
		b[n] = S[n]
	}
	return
}

// pow computes x^n for integer n
func pow(x float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= x
	}
	return result
}

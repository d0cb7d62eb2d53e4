package gonudg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vandermonde3D initializes the 3D Vandermonde Matrix V_{ij} = phi_j(r_i, s_i, t_i)
func Vandermonde3D(N int, r, s, t []float64) *mat.Dense {
	Np := len(r)
	Ncol := (N + 1) * (N + 2) * (N + 3) / 6

	V3D := mat.NewDense(Np, Ncol, nil)

	// Transfer to (a,b,c) coordinates
	a, b, c := RSTtoABC(r, s, t)

	sk := 0
	for i := 0; i <= N; i++ {
		for j := 0; j <= N-i; j++ {
			for k := 0; k <= N-i-j; k++ {
				V3D.SetCol(sk, Simplex3DP(a, b, c, i, j, k))
				sk++
			}
		}
	}

	return V3D
}

// GradVandermonde3D builds the gradient Vandermonde matrices
// Returns Vr, Vs, Vt where (Vr)_{ij} = dphi_j/dr at point i
func GradVandermonde3D(N int, r, s, t []float64) (Vr, Vs, Vt *mat.Dense) {
	Np := len(r)
	Ncol := (N + 1) * (N + 2) * (N + 3) / 6

	Vr = mat.NewDense(Np, Ncol, nil)
	Vs = mat.NewDense(Np, Ncol, nil)
	Vt = mat.NewDense(Np, Ncol, nil)

	a, b, c := RSTtoABC(r, s, t)

	sk := 0
	for i := 0; i <= N; i++ {
		for j := 0; j <= N-i; j++ {
			for k := 0; k <= N-i-j; k++ {
				dr, ds, dt := GradSimplex3DP(a, b, c, i, j, k)
				Vr.SetCol(sk, dr)
				Vs.SetCol(sk, ds)
				Vt.SetCol(sk, dt)
				sk++
			}
		}
	}

	return Vr, Vs, Vt
}

// Simplex3DP evaluates the 3D orthonormal polynomial on the simplex at
// collapsed coordinates (a,b,c) of order (i,j,k)
func Simplex3DP(a, b, c []float64, i, j, k int) []float64 {
	h1 := JacobiP(a, 0, 0, i)
	h2 := JacobiP(b, float64(2*i+1), 0, j)
	h3 := JacobiP(c, float64(2*(i+j)+2), 0, k)

	P := make([]float64, len(a))
	for n := range P {
		P[n] = 2 * math.Sqrt2 * h1[n] * h2[n] * pow(1-b[n], i) * h3[n] * pow(1-c[n], i+j)
	}
	return P
}

// GradSimplex3DP evaluates the (r,s,t) derivatives of the 3D orthonormal
// polynomial of order (id,jd,kd) at collapsed coordinates (a,b,c)
func GradSimplex3DP(a, b, c []float64, id, jd, kd int) (dr, ds, dt []float64) {
	Np := len(a)
	fa := JacobiP(a, 0, 0, id)
	dfa := GradJacobiP(a, 0, 0, id)
	gb := JacobiP(b, float64(2*id+1), 0, jd)
	dgb := GradJacobiP(b, float64(2*id+1), 0, jd)
	hc := JacobiP(c, float64(2*(id+jd)+2), 0, kd)
	dhc := GradJacobiP(c, float64(2*(id+jd)+2), 0, kd)

	dr = make([]float64, Np)
	ds = make([]float64, Np)
	dt = make([]float64, Np)
	scale := math.Pow(2, float64(2*id+jd)+1.5)
	ij := id + jd
	for n := 0; n < Np; n++ {
		hb := 0.5 * (1 - b[n])
		hcc := 0.5 * (1 - c[n])

		vr := dfa[n] * gb[n] * hc[n]
		if id > 0 {
			vr *= pow(hb, id-1)
		}
		if ij > 0 {
			vr *= pow(hcc, ij-1)
		}

		vs := 0.5 * (1 + a[n]) * vr
		tmp := dgb[n] * pow(hb, id)
		if id > 0 {
			tmp -= 0.5 * float64(id) * gb[n] * pow(hb, id-1)
		}
		if ij > 0 {
			tmp *= pow(hcc, ij-1)
		}
		tmp = fa[n] * tmp * hc[n]
		vs += tmp

		vt := 0.5*(1+a[n])*vr + 0.5*(1+b[n])*tmp
		tmp = dhc[n] * pow(hcc, ij)
		if ij > 0 {
			tmp -= 0.5 * float64(ij) * hc[n] * pow(hcc, ij-1)
		}
		tmp = fa[n] * gb[n] * tmp * pow(hb, id)
		vt += tmp

		dr[n] = vr * scale
		ds[n] = vs * scale
		dt[n] = vt * scale
	}
	return
}

// RSTtoABC converts from (r,s,t) to collapsed (a,b,c) coordinates
func RSTtoABC(r, s, t []float64) (a, b, c []float64) {
	Np := len(r)
	a = make([]float64, Np)
	b = make([]float64, Np)
	c = make([]float64, Np)
	for n := 0; n < Np; n++ {
		if math.Abs(s[n]+t[n]) > collapseTol {
			a[n] = 2*(1+r[n])/(-s[n]-t[n]) - 1
		} else {
			a[n] = -1
		}
		if math.Abs(1-t[n]) > collapseTol {
			b[n] = 2*(1+s[n])/(1-t[n]) - 1
		} else {
			b[n] = -1
		}
		c[n] = t[n]
	}
	return
}

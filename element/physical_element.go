package element

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// AffineMap maps the reference simplex onto a physical cell
//
//	x(ξ) = X0 + J (ξ - ξ0)
//
// where the columns of J are (x_k - x_0)/2 for the biunit reference cell.
type AffineMap struct {
	Dim  int
	X0   []float64  // physical coordinates of vertex 0
	J    *mat.Dense // ∂x/∂ξ, J(i, r)
	DetJ float64
	Kinv *mat.Dense // ∂ξ/∂x, Kinv(r, i)
}

// NewAffineMap builds the map of a d-simplex from its vertex coordinates
func NewAffineMap(coords [][]float64) (AffineMap, error) {
	d := len(coords) - 1
	if d < 1 || d > 3 {
		return AffineMap{}, fmt.Errorf("affine map needs 2 to 4 vertices, got %d", len(coords))
	}
	for k, x := range coords {
		if len(x) < d {
			return AffineMap{}, fmt.Errorf("vertex %d has %d coordinates, need %d", k, len(x), d)
		}
	}
	am := AffineMap{Dim: d, X0: append([]float64(nil), coords[0][:d]...)}
	am.J = mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for r := 0; r < d; r++ {
			am.J.Set(i, r, 0.5*(coords[r+1][i]-coords[0][i]))
		}
	}
	am.DetJ = mat.Det(am.J)
	if math.Abs(am.DetJ) < 1.e-300 {
		return AffineMap{}, fmt.Errorf("degenerate cell with zero Jacobian")
	}
	am.Kinv = mat.NewDense(d, d, nil)
	if err := am.Kinv.Inverse(am.J); err != nil {
		return AffineMap{}, fmt.Errorf("degenerate cell: %w", err)
	}
	return am, nil
}

// Push maps a reference point to physical space
func (am AffineMap) Push(xi []float64) []float64 {
	x := mat.NewVecDense(am.Dim, nil)
	shifted := make([]float64, am.Dim)
	for r := range shifted {
		shifted[r] = xi[r] + 1
	}
	x.MulVec(am.J, mat.NewVecDense(am.Dim, shifted))
	x.AddVec(x, mat.NewVecDense(am.Dim, am.X0))
	return x.RawVector().Data
}

// PhysicalGradient converts reference derivatives into physical derivatives:
// ∂φ/∂x_i = Σ_r ∂ξ_r/∂x_i ∂φ/∂ξ_r
func (am AffineMap) PhysicalGradient(dref []float64, dst []float64) {
	for i := 0; i < am.Dim; i++ {
		var sum float64
		for r := 0; r < am.Dim; r++ {
			sum += am.Kinv.At(r, i) * dref[r]
		}
		dst[i] = sum
	}
}

// FacetMeasure returns the physical measure of the simplex spanned by coords
// (a point, segment or triangle)
func FacetMeasure(coords [][]float64) float64 {
	switch len(coords) {
	case 1:
		return 1
	case 2:
		return floats.Distance(coords[1], coords[0], 2)
	default:
		return 0.5 * floats.Norm(cross(sub(coords[1], coords[0]), sub(coords[2], coords[0])), 2)
	}
}

// OutwardNormal returns the unit normal of the facet spanned by facet,
// oriented away from the opposite vertex
func OutwardNormal(facet [][]float64, opposite []float64) []float64 {
	d := len(opposite)
	n := make([]float64, d)
	switch d {
	case 1:
		n[0] = 1
	case 2:
		t := sub(facet[1], facet[0])
		n[0], n[1] = t[1], -t[0]
	default:
		n = cross(sub(facet[1], facet[0]), sub(facet[2], facet[0]))
	}
	scale := 1 / floats.Norm(n, 2)
	if floats.Dot(n, sub(facet[0], opposite)) < 0 {
		scale = -scale
	}
	floats.Scale(scale, n)
	return n
}

func sub(a, b []float64) []float64 {
	return floats.SubTo(make([]float64, len(a)), a, b)
}

func cross(u, v []float64) []float64 {
	return []float64{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
}

package element

import (
	"gonum.org/v1/gonum/mat"
)

var refDirections = []string{"Dr", "Ds", "Dt"}

// BasisTable names the basis values table of name
func BasisTable(name string) string { return "Phi_" + name }

// DerivativeTable names the table of reference derivative r of name
func DerivativeTable(r int, name string) string { return refDirections[r] + "_" + name }

// TabulationMatrices returns the basis tables of el at points keyed by the
// names device kernels use for them, each [npoints x Np]
func TabulationMatrices(name string, el FiniteElement, points [][]float64) (refMats map[string]mat.Matrix) {
	phi, dphi := el.Tabulate(points)
	refMats = map[string]mat.Matrix{BasisTable(name): phi}
	for r, D := range dphi {
		refMats[DerivativeTable(r, name)] = D
	}
	return
}

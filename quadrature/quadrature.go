// Package quadrature provides collapsed Gauss-Jacobi rules on the biunit
// reference simplices.
package quadrature

import (
	"fmt"

	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/element/library/gonudg"
)

// Rule is a quadrature rule on a reference cell, exact for polynomials up to
// Degree
type Rule struct {
	Cell    element.GeometryType
	Degree  int
	Points  [][]float64
	Weights []float64
}

// NumPoints returns the number of points of the rule
func (r Rule) NumPoints() int { return len(r.Weights) }

// PointsPerDirection is the Gauss-Jacobi order needed for exactness
func PointsPerDirection(degree int) int {
	if degree < 0 {
		degree = 0
	}
	return degree/2 + 1
}

// New builds a rule on cell that integrates polynomials of total degree
// <= degree exactly
func New(cell element.GeometryType, degree int) (Rule, error) {
	if degree < 0 {
		return Rule{}, fmt.Errorf("quadrature degree must be >= 0, got %d", degree)
	}
	n := PointsPerDirection(degree) - 1
	rule := Rule{Cell: cell, Degree: degree}
	switch cell {
	case element.Point:
		rule.Points = [][]float64{{}}
		rule.Weights = []float64{1}
	case element.Line:
		x, w := gonudg.JacobiGQ(0, 0, n)
		for i := range x {
			rule.Points = append(rule.Points, []float64{x[i]})
			rule.Weights = append(rule.Weights, w[i])
		}
	case element.Tri:
		xa, wa := gonudg.JacobiGQ(0, 0, n)
		xb, wb := gonudg.JacobiGQ(1, 0, n)
		for i := range xa {
			for j := range xb {
				a, b := xa[i], xb[j]
				rule.Points = append(rule.Points, []float64{0.5*(1+a)*(1-b) - 1, b})
				rule.Weights = append(rule.Weights, 0.5*wa[i]*wb[j])
			}
		}
	case element.Tet:
		xa, wa := gonudg.JacobiGQ(0, 0, n)
		xb, wb := gonudg.JacobiGQ(1, 0, n)
		xc, wc := gonudg.JacobiGQ(2, 0, n)
		for i := range xa {
			for j := range xb {
				for k := range xc {
					a, b, c := xa[i], xb[j], xc[k]
					rule.Points = append(rule.Points, []float64{
						0.25*(1+a)*(1-b)*(1-c) - 1,
						0.5*(1+b)*(1-c) - 1,
						c,
					})
					rule.Weights = append(rule.Weights, 0.125*wa[i]*wb[j]*wc[k])
				}
			}
		}
	default:
		return Rule{}, fmt.Errorf("no quadrature rule for %v", cell)
	}
	return rule, nil
}

// Barycentric returns the barycentric coordinates of a reference point with
// respect to the reference cell's vertices
func Barycentric(cell element.GeometryType, x []float64) []float64 {
	d := int(cell)
	lambda := make([]float64, d+1)
	lambda[0] = 1
	for i := 0; i < d; i++ {
		lambda[i+1] = 0.5 * (1 + x[i])
		lambda[0] -= lambda[i+1]
	}
	return lambda
}

// FacetPoints maps a rule on the reference facet onto facet f of cell.
// order lists the cell-local vertices of the facet in the sequence that
// reference facet vertices 0,1,.. should land on.
func FacetPoints(cell element.GeometryType, facetRule Rule, order []int) [][]float64 {
	ref := element.Reference(cell)
	pts := make([][]float64, facetRule.NumPoints())
	for q, xi := range facetRule.Points {
		lambda := Barycentric(facetRule.Cell, xi)
		pts[q] = ref.Barycentric(order, lambda)
	}
	return pts
}

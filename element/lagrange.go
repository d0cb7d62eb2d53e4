package element

import (
	"fmt"

	"github.com/notargets/FEKernel/element/library/gonudg"
	"gonum.org/v1/gonum/mat"
)

// maxContinuousTetOrder keeps face interiors to a single node, so shared
// faces need no orientation permutation
const maxContinuousTetOrder = 3

// LagrangeElement is a scalar nodal element on equispaced nodes. The basis
// is the orthonormal simplex basis transformed by the inverse Vandermonde
// matrix, so phi_i(node_j) = delta_ij.
type LagrangeElement struct {
	props  ElementProperties
	ref    ReferenceCell
	nodes  [][]float64
	layout DOFLayout
	vinv   *mat.Dense
}

var _ FiniteElement = (*LagrangeElement)(nil)

// NewLagrange creates a continuous Lagrange element of the given order
func NewLagrange(cell GeometryType, order int) (*LagrangeElement, error) {
	if order < 1 {
		return nil, fmt.Errorf("continuous Lagrange requires order >= 1, got %d", order)
	}
	if cell == Tet && order > maxContinuousTetOrder {
		return nil, fmt.Errorf("continuous Lagrange on tetrahedra is limited to order %d, got %d",
			maxContinuousTetOrder, order)
	}
	return newNodal(cell, order, Lagrange)
}

// NewDG creates a discontinuous Lagrange element of the given order
func NewDG(cell GeometryType, order int) (*LagrangeElement, error) {
	if order < 0 {
		return nil, fmt.Errorf("DG order must be >= 0, got %d", order)
	}
	return newNodal(cell, order, DiscontinuousLagrange)
}

func newNodal(cell GeometryType, order int, family Family) (*LagrangeElement, error) {
	if cell == Point || cell > Tet {
		return nil, fmt.Errorf("no nodal element on %v", cell)
	}
	ref := Reference(cell)
	d := ref.Dim()

	nodes, entityNodes := equispacedNodes(ref, order)
	if family == DiscontinuousLagrange {
		entityNodes = make([][][]int, d+1)
		for dim := 0; dim < d; dim++ {
			entityNodes[dim] = make([][]int, ref.NumEntities(dim))
			for e := range entityNodes[dim] {
				entityNodes[dim][e] = []int{}
			}
		}
		all := make([]int, len(nodes))
		for i := range all {
			all[i] = i
		}
		entityNodes[d] = [][]int{all}
	}

	V := vandermonde(cell, order, nodes)
	var vinv mat.Dense
	if err := vinv.Inverse(V); err != nil {
		return nil, fmt.Errorf("singular Vandermonde for %v order %d: %w", cell, order, err)
	}

	el := &LagrangeElement{
		ref:    ref,
		nodes:  nodes,
		layout: DOFLayout{EntityNodes: entityNodes, BlockSize: 1},
		vinv:   &vinv,
	}
	count := func(dim int) int {
		if dim > d || len(entityNodes[dim]) == 0 {
			return 0
		}
		return len(entityNodes[dim][0])
	}
	el.props = ElementProperties{
		Name:       fmt.Sprintf("%s %s Order %d", familyName(family), cell, order),
		ShortName:  fmt.Sprintf("%s%d%s", family, order, shortCell(cell)),
		Type:       cell,
		Family:     family,
		Order:      order,
		Np:         len(nodes),
		NVp:        count(0),
		NEp:        count(1),
		NIp:        count(d),
		NFaces:     ref.NumEntities(d - 1),
		NEdges:     ref.NumEntities(1),
		Dimensions: cell.Dimensions(),
		BlockSize:  1,
	}
	if d == 3 {
		el.props.NFp = count(2)
	}
	if d == 1 {
		el.props.NEp = 0
	}
	return el, nil
}

func familyName(f Family) string {
	if f == DiscontinuousLagrange {
		return "Discontinuous Lagrange"
	}
	return "Lagrange"
}

func shortCell(g GeometryType) string {
	switch g {
	case Line:
		return "Line"
	case Tri:
		return "Tri"
	case Tet:
		return "Tet"
	}
	return "Pt"
}

// equispacedNodes orders nodes by entity: vertices, then edge interiors,
// then face interiors, then the cell interior
func equispacedNodes(ref ReferenceCell, order int) (nodes [][]float64, entityNodes [][][]int) {
	d := ref.Dim()
	entityNodes = make([][][]int, d+1)
	if order == 0 {
		for dim := 0; dim < d; dim++ {
			entityNodes[dim] = make([][]int, ref.NumEntities(dim))
			for e := range entityNodes[dim] {
				entityNodes[dim][e] = []int{}
			}
		}
		lambda := make([]float64, d+1)
		for i := range lambda {
			lambda[i] = 1. / float64(d+1)
		}
		nodes = [][]float64{ref.Barycentric(ref.Entities[d][0], lambda)}
		entityNodes[d] = [][]int{{0}}
		return
	}
	for dim := 0; dim <= d; dim++ {
		entityNodes[dim] = make([][]int, ref.NumEntities(dim))
		for e, verts := range ref.Entities[dim] {
			ids := []int{}
			for _, x := range interiorLattice(ref, verts, order) {
				ids = append(ids, len(nodes))
				nodes = append(nodes, x)
			}
			entityNodes[dim][e] = ids
		}
	}
	return
}

// interiorLattice returns the points v0 + sum_i m_i/p (v_i - v0) with every
// m_i >= 1 and sum m_i <= p-1, in lexicographic order of m. A vertex yields
// itself.
func interiorLattice(ref ReferenceCell, verts []int, p int) (pts [][]float64) {
	k := len(verts) - 1
	if k == 0 {
		x := make([]float64, ref.Dim())
		copy(x, ref.Vertices[verts[0]])
		return [][]float64{x}
	}
	m := make([]int, k)
	var rec func(i, remaining int)
	rec = func(i, remaining int) {
		if i == k {
			lambda := make([]float64, k+1)
			sum := 0
			for j, mj := range m {
				lambda[j+1] = float64(mj) / float64(p)
				sum += mj
			}
			lambda[0] = float64(p-sum) / float64(p)
			pts = append(pts, ref.Barycentric(verts, lambda))
			return
		}
		for mi := 1; mi <= remaining-(k-1-i); mi++ {
			m[i] = mi
			rec(i+1, remaining-mi)
		}
	}
	rec(0, p-1)
	return
}

func vandermonde(cell GeometryType, order int, pts [][]float64) *mat.Dense {
	r, s, t := splitCoords(pts, int(cell))
	switch cell {
	case Line:
		return gonudg.Vandermonde1D(order, r)
	case Tri:
		return gonudg.Vandermonde2D(order, r, s)
	default:
		return gonudg.Vandermonde3D(order, r, s, t)
	}
}

func gradVandermonde(cell GeometryType, order int, pts [][]float64) []*mat.Dense {
	r, s, t := splitCoords(pts, int(cell))
	switch cell {
	case Line:
		return []*mat.Dense{gonudg.GradVandermonde1D(order, r)}
	case Tri:
		Vr, Vs := gonudg.GradVandermonde2D(order, r, s)
		return []*mat.Dense{Vr, Vs}
	default:
		Vr, Vs, Vt := gonudg.GradVandermonde3D(order, r, s, t)
		return []*mat.Dense{Vr, Vs, Vt}
	}
}

func splitCoords(pts [][]float64, d int) (r, s, t []float64) {
	r = make([]float64, len(pts))
	if d > 1 {
		s = make([]float64, len(pts))
	}
	if d > 2 {
		t = make([]float64, len(pts))
	}
	for i, p := range pts {
		r[i] = p[0]
		if d > 1 {
			s[i] = p[1]
		}
		if d > 2 {
			t[i] = p[2]
		}
	}
	return
}

func (el *LagrangeElement) Properties() ElementProperties { return el.props }
func (el *LagrangeElement) Cell() GeometryType           { return el.props.Type }
func (el *LagrangeElement) Degree() int                  { return el.props.Order }
func (el *LagrangeElement) Family() Family               { return el.props.Family }
func (el *LagrangeElement) BlockSize() int               { return 1 }
func (el *LagrangeElement) LocalDOFCount() int           { return el.props.Np }
func (el *LagrangeElement) Layout() DOFLayout            { return el.layout }
func (el *LagrangeElement) Nodes() [][]float64           { return el.nodes }
func (el *LagrangeElement) Reference() ReferenceCell     { return el.ref }

func (el *LagrangeElement) Signature() string {
	return fmt.Sprintf("%s%d(%s)", el.props.Family, el.props.Order, el.props.Type)
}

func (el *LagrangeElement) Tabulate(points [][]float64) (phi *mat.Dense, dphi []*mat.Dense) {
	V := vandermonde(el.props.Type, el.props.Order, points)
	phi = mat.NewDense(len(points), el.props.Np, nil)
	phi.Mul(V, el.vinv)
	for _, Vr := range gradVandermonde(el.props.Type, el.props.Order, points) {
		D := mat.NewDense(len(points), el.props.Np, nil)
		D.Mul(Vr, el.vinv)
		dphi = append(dphi, D)
	}
	return
}

// VectorElement blocks a scalar element over BlockSize value components
type VectorElement struct {
	Scalar FiniteElement
	props  ElementProperties
}

var _ FiniteElement = (*VectorElement)(nil)

// NewVector creates an element with ncomp copies of the scalar element
// interleaved per node
func NewVector(scalar FiniteElement, ncomp int) (*VectorElement, error) {
	if scalar.BlockSize() != 1 {
		return nil, fmt.Errorf("vector element requires a scalar base, got block size %d", scalar.BlockSize())
	}
	if ncomp < 1 {
		return nil, fmt.Errorf("vector element requires at least one component, got %d", ncomp)
	}
	props := scalar.Properties()
	props.Name = fmt.Sprintf("Vector %s x%d", props.Name, ncomp)
	props.ShortName = fmt.Sprintf("V%d%s", ncomp, props.ShortName)
	props.BlockSize = ncomp
	return &VectorElement{Scalar: scalar, props: props}, nil
}

func (v *VectorElement) Properties() ElementProperties { return v.props }
func (v *VectorElement) Cell() GeometryType           { return v.Scalar.Cell() }
func (v *VectorElement) Degree() int                  { return v.Scalar.Degree() }
func (v *VectorElement) Family() Family               { return v.Scalar.Family() }
func (v *VectorElement) BlockSize() int               { return v.props.BlockSize }
func (v *VectorElement) LocalDOFCount() int           { return v.Scalar.LocalDOFCount() * v.props.BlockSize }
func (v *VectorElement) Nodes() [][]float64           { return v.Scalar.Nodes() }

func (v *VectorElement) Signature() string {
	return fmt.Sprintf("%s^%d", v.Scalar.Signature(), v.props.BlockSize)
}

func (v *VectorElement) Layout() DOFLayout {
	l := v.Scalar.Layout()
	l.BlockSize = v.props.BlockSize
	return l
}

func (v *VectorElement) Tabulate(points [][]float64) (*mat.Dense, []*mat.Dense) {
	return v.Scalar.Tabulate(points)
}

// New builds an element from a family name as used in configuration and
// examples: "P"/"CG"/"Lagrange" or "DG". ncomp > 1 produces a vector element.
func New(family string, cell GeometryType, order, ncomp int) (FiniteElement, error) {
	var (
		scalar *LagrangeElement
		err    error
	)
	switch family {
	case "P", "CG", "Lagrange":
		scalar, err = NewLagrange(cell, order)
	case "DG", "Discontinuous Lagrange":
		scalar, err = NewDG(cell, order)
	default:
		return nil, fmt.Errorf("unknown element family %q", family)
	}
	if err != nil {
		return nil, err
	}
	if ncomp > 1 {
		return NewVector(scalar, ncomp)
	}
	return scalar, nil
}

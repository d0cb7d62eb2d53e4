package element

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dimensionality represents the spatial dimension of an element
type Dimensionality uint8

const (
	D0 Dimensionality = iota // 0D elements (points)
	D1                       // 1D elements (lines, edges)
	D2                       // 2D elements (triangles)
	D3                       // 3D elements (tetrahedra)
)

// GeometryType identifies the shape of a reference cell
type GeometryType uint8

const (
	Point GeometryType = iota
	Line
	Tri
	Tet
)

func (g GeometryType) String() string {
	switch g {
	case Point:
		return "point"
	case Line:
		return "interval"
	case Tri:
		return "triangle"
	case Tet:
		return "tetrahedron"
	}
	return fmt.Sprintf("GeometryType(%d)", uint8(g))
}

func (g GeometryType) Dimensions() Dimensionality { return Dimensionality(g) }

// NumVertices is d+1 for a d-simplex
func (g GeometryType) NumVertices() int { return int(g) + 1 }

// Facet returns the geometry of the codimension one entities
func (g GeometryType) Facet() GeometryType {
	if g == Point {
		return Point
	}
	return g - 1
}

// Family identifies a finite element family
type Family uint8

const (
	Lagrange Family = iota
	DiscontinuousLagrange
)

func (f Family) String() string {
	if f == DiscontinuousLagrange {
		return "DG"
	}
	return "P"
}

// ElementProperties contains metadata describing an element type
type ElementProperties struct {
	Name       string       // Full descriptive name (e.g., "Lagrange Triangle Order 2")
	ShortName  string       // Abbreviated name (e.g., "P2Tri")
	Type       GeometryType // Element shape
	Family     Family
	Order      int            // Polynomial order
	Np         int            // Number of scalar nodes
	NVp        int            // Nodes per vertex
	NEp        int            // Interior nodes per edge
	NFp        int            // Interior nodes per face (3D only)
	NIp        int            // Interior nodes of the cell
	NFaces     int            // Number of facets of the cell
	NEdges     int            // Number of edges of the cell
	Dimensions Dimensionality // Spatial dimension
	BlockSize  int            // Value components per node (1 for scalar elements)
}

// DOFLayout associates scalar nodes with reference cell entities.
// EntityNodes[dim][entity] lists the node indices owned by that entity, in
// the direction from the entity's lowest to highest local vertex. Local DOF
// index of component c at node n is n*BlockSize + c.
type DOFLayout struct {
	EntityNodes [][][]int
	BlockSize   int
}

// EntityDOFCount returns the number of DOFs attached to one entity of dim
func (l DOFLayout) EntityDOFCount(dim int) int {
	if dim >= len(l.EntityNodes) || len(l.EntityNodes[dim]) == 0 {
		return 0
	}
	return len(l.EntityNodes[dim][0]) * l.BlockSize
}

// FiniteElement is the capability interface shared by every element variant
type FiniteElement interface {
	Properties() ElementProperties
	// Signature is a canonical string identifying the element
	Signature() string
	Cell() GeometryType
	Degree() int
	Family() Family
	// BlockSize is the number of value components per node
	BlockSize() int
	LocalDOFCount() int
	Layout() DOFLayout
	// Nodes are the reference coordinates of the scalar nodes
	Nodes() [][]float64
	// Tabulate evaluates the scalar basis at reference points. phi is
	// [len(points) x Np] and dphi[r] holds the derivatives along reference
	// direction r with the same layout.
	Tabulate(points [][]float64) (phi *mat.Dense, dphi []*mat.Dense)
}

// ReferenceCell holds vertex coordinates and the sub-entity topology of the
// biunit reference simplex
type ReferenceCell struct {
	Type     GeometryType
	Vertices [][]float64
	// Entities[dim][i] lists the local vertices of entity i, ascending
	Entities [][][]int
}

// Reference returns the reference cell for g. On triangles and tetrahedra
// facet i is the entity opposite vertex i; on the interval facet i is vertex i.
func Reference(g GeometryType) ReferenceCell {
	switch g {
	case Point:
		return ReferenceCell{Type: Point, Vertices: [][]float64{{}},
			Entities: [][][]int{{{0}}}}
	case Line:
		return ReferenceCell{
			Type:     Line,
			Vertices: [][]float64{{-1}, {1}},
			Entities: [][][]int{{{0}, {1}}, {{0, 1}}},
		}
	case Tri:
		return ReferenceCell{
			Type:     Tri,
			Vertices: [][]float64{{-1, -1}, {1, -1}, {-1, 1}},
			Entities: [][][]int{
				{{0}, {1}, {2}},
				{{1, 2}, {0, 2}, {0, 1}},
				{{0, 1, 2}},
			},
		}
	case Tet:
		return ReferenceCell{
			Type:     Tet,
			Vertices: [][]float64{{-1, -1, -1}, {1, -1, -1}, {-1, 1, -1}, {-1, -1, 1}},
			Entities: [][][]int{
				{{0}, {1}, {2}, {3}},
				{{2, 3}, {1, 3}, {1, 2}, {0, 3}, {0, 2}, {0, 1}},
				{{1, 2, 3}, {0, 2, 3}, {0, 1, 3}, {0, 1, 2}},
				{{0, 1, 2, 3}},
			},
		}
	}
	panic(fmt.Sprintf("no reference cell for %v", g))
}

// Dim is the topological dimension of the cell
func (rc ReferenceCell) Dim() int { return int(rc.Type) }

// NumEntities returns the number of sub-entities of dimension dim
func (rc ReferenceCell) NumEntities(dim int) int { return len(rc.Entities[dim]) }

// FacetVertices returns the local vertices of facet f
func (rc ReferenceCell) FacetVertices(f int) []int {
	if rc.Type == Point {
		return nil
	}
	return rc.Entities[rc.Dim()-1][f]
}

// Volume of the reference cell (2 for the biunit interval and triangle)
func (rc ReferenceCell) Volume() float64 {
	switch rc.Type {
	case Line, Tri:
		return 2
	case Tet:
		return 4. / 3.
	}
	return 1
}

// Barycentric maps barycentric weights over the given local vertices to a
// reference point
func (rc ReferenceCell) Barycentric(verts []int, lambda []float64) []float64 {
	x := make([]float64, rc.Dim())
	for k, v := range verts {
		for d := range x {
			x[d] += lambda[k] * rc.Vertices[v][d]
		}
	}
	return x
}

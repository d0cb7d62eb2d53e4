// Package mesh holds simplicial mesh topology: vertices, cells, the derived
// edges, faces and facets, facet-to-cell adjacency and boundary markers.
package mesh

import (
	"fmt"
	"sort"

	"github.com/notargets/FEKernel/element"
)

// FacetSide identifies one side of a facet: the adjacent cell and the local
// index of the facet within that cell
type FacetSide struct {
	Cell       int
	LocalFacet int
}

// Mesh is a conforming simplicial mesh. Topology is fixed at construction;
// only boundary markers may be changed afterwards.
type Mesh struct {
	CellType element.GeometryType
	Coords   [][]float64 // [vertex][dim]
	Cells    [][]int     // [cell][local vertex] = global vertex (EToV)

	ref          element.ReferenceCell
	cellEntities [][][]int // [dim][cell][local entity] = global entity
	entityVerts  [][][]int // [dim][entity] = sorted global vertices
	entityCells  [][][]int // [dim][entity] = ascending cells containing it
	facetSides   [][]FacetSide
	facetMarkers []int
	cellMarkers  []int
}

// New builds the topology of a mesh from vertex coordinates and cell
// connectivity
func New(cellType element.GeometryType, coords [][]float64, cells [][]int) (*Mesh, error) {
	if cellType == element.Point || cellType > element.Tet {
		return nil, fmt.Errorf("unsupported cell type %v", cellType)
	}
	d := int(cellType)
	nv := cellType.NumVertices()
	for i, x := range coords {
		if len(x) != d {
			return nil, fmt.Errorf("vertex %d has %d coordinates, mesh dimension is %d", i, len(x), d)
		}
	}
	for c, verts := range cells {
		if len(verts) != nv {
			return nil, fmt.Errorf("cell %d has %d vertices, %v needs %d", c, len(verts), cellType, nv)
		}
		seen := map[int]bool{}
		for _, v := range verts {
			if v < 0 || v >= len(coords) {
				return nil, fmt.Errorf("cell %d references vertex %d out of range", c, v)
			}
			if seen[v] {
				return nil, fmt.Errorf("cell %d repeats vertex %d", c, v)
			}
			seen[v] = true
		}
	}

	m := &Mesh{
		CellType:    cellType,
		Coords:      coords,
		Cells:       cells,
		ref:         element.Reference(cellType),
		cellMarkers: make([]int, len(cells)),
	}
	m.buildEntities()
	if err := m.buildFacets(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mesh) buildEntities() {
	d := m.Dim()
	m.cellEntities = make([][][]int, d+1)
	m.entityVerts = make([][][]int, d+1)
	m.entityCells = make([][][]int, d+1)
	for dim := 0; dim <= d; dim++ {
		m.cellEntities[dim] = make([][]int, len(m.Cells))
		switch dim {
		case 0:
			m.entityVerts[0] = make([][]int, len(m.Coords))
			for v := range m.Coords {
				m.entityVerts[0][v] = []int{v}
			}
			for c, verts := range m.Cells {
				m.cellEntities[0][c] = append([]int(nil), verts...)
			}
		case d:
			m.entityVerts[d] = make([][]int, len(m.Cells))
			for c, verts := range m.Cells {
				m.entityVerts[d][c] = sortedCopy(verts)
				m.cellEntities[d][c] = []int{c}
			}
		default:
			// global ids by first touch over cells
			index := map[string]int{}
			for c, verts := range m.Cells {
				local := m.ref.Entities[dim]
				ids := make([]int, len(local))
				for e, lv := range local {
					gv := make([]int, len(lv))
					for k, l := range lv {
						gv[k] = verts[l]
					}
					gv = sortedCopy(gv)
					key := fmt.Sprint(gv)
					id, ok := index[key]
					if !ok {
						id = len(m.entityVerts[dim])
						index[key] = id
						m.entityVerts[dim] = append(m.entityVerts[dim], gv)
					}
					ids[e] = id
				}
				m.cellEntities[dim][c] = ids
			}
		}
		m.entityCells[dim] = make([][]int, len(m.entityVerts[dim]))
		for c := range m.Cells {
			for _, e := range m.cellEntities[dim][c] {
				m.entityCells[dim][e] = append(m.entityCells[dim][e], c)
			}
		}
	}
}

func (m *Mesh) buildFacets() error {
	fd := m.Dim() - 1
	m.facetSides = make([][]FacetSide, m.NumEntities(fd))
	for c := range m.Cells {
		for lf, f := range m.cellEntities[fd][c] {
			m.facetSides[f] = append(m.facetSides[f], FacetSide{Cell: c, LocalFacet: lf})
		}
	}
	for f, sides := range m.facetSides {
		if len(sides) > 2 {
			return fmt.Errorf("facet %d is shared by %d cells, mesh is not conforming", f, len(sides))
		}
	}
	m.facetMarkers = make([]int, len(m.facetSides))
	return nil
}

func sortedCopy(a []int) []int {
	o := append([]int(nil), a...)
	sort.Ints(o)
	return o
}

func (m *Mesh) Dim() int                          { return int(m.CellType) }
func (m *Mesh) NumCells() int                     { return len(m.Cells) }
func (m *Mesh) NumVertices() int                  { return len(m.Coords) }
func (m *Mesh) NumEntities(dim int) int           { return len(m.entityVerts[dim]) }
func (m *Mesh) NumFacets() int                    { return len(m.facetSides) }
func (m *Mesh) Reference() element.ReferenceCell { return m.ref }

// CellEntities returns the global ids of the dim-dimensional entities of
// cell, in the reference cell's local order
func (m *Mesh) CellEntities(cell, dim int) []int { return m.cellEntities[dim][cell] }

// EntityVertices returns the ascending global vertices of an entity
func (m *Mesh) EntityVertices(dim, entity int) []int { return m.entityVerts[dim][entity] }

// EntityCells returns the ascending cells that contain an entity
func (m *Mesh) EntityCells(dim, entity int) []int { return m.entityCells[dim][entity] }

// CellCoords returns the vertex coordinates of a cell in local order
func (m *Mesh) CellCoords(cell int) [][]float64 {
	verts := m.Cells[cell]
	x := make([][]float64, len(verts))
	for i, v := range verts {
		x[i] = m.Coords[v]
	}
	return x
}

// FacetSides returns the one (exterior) or two (interior) sides of a facet,
// ascending by cell
func (m *Mesh) FacetSides(facet int) []FacetSide { return m.facetSides[facet] }

func (m *Mesh) IsExterior(facet int) bool { return len(m.facetSides[facet]) == 1 }

// CellNeighbors returns the cells sharing a facet with cell, ascending
func (m *Mesh) CellNeighbors(cell int) []int {
	var nbrs []int
	for _, f := range m.cellEntities[m.Dim()-1][cell] {
		for _, s := range m.facetSides[f] {
			if s.Cell != cell {
				nbrs = append(nbrs, s.Cell)
			}
		}
	}
	sort.Ints(nbrs)
	return nbrs
}

// FacetMarker returns the boundary marker of a facet (0 when unmarked)
func (m *Mesh) FacetMarker(facet int) int { return m.facetMarkers[facet] }

func (m *Mesh) CellMarker(cell int) int { return m.cellMarkers[cell] }

// SetCellMarker assigns a subdomain marker to a cell
func (m *Mesh) SetCellMarker(cell, marker int) { m.cellMarkers[cell] = marker }

// MarkBoundary assigns marker to every exterior facet whose vertices all
// satisfy inside
func (m *Mesh) MarkBoundary(marker int, inside func(x []float64) bool) int {
	count := 0
	fd := m.Dim() - 1
	for f := range m.facetSides {
		if !m.IsExterior(f) {
			continue
		}
		all := true
		for _, v := range m.entityVerts[fd][f] {
			if !inside(m.Coords[v]) {
				all = false
				break
			}
		}
		if all {
			m.facetMarkers[f] = marker
			count++
		}
	}
	return count
}

// ExteriorFacets returns the exterior facets, ascending
func (m *Mesh) ExteriorFacets() []int {
	var out []int
	for f := range m.facetSides {
		if m.IsExterior(f) {
			out = append(out, f)
		}
	}
	return out
}

// InteriorFacets returns the interior facets, ascending
func (m *Mesh) InteriorFacets() []int {
	var out []int
	for f := range m.facetSides {
		if !m.IsExterior(f) {
			out = append(out, f)
		}
	}
	return out
}

// Volume is the total measure of the mesh
func (m *Mesh) Volume() (vol float64, err error) {
	refVol := m.ref.Volume()
	for c := range m.Cells {
		am, err := element.NewAffineMap(m.CellCoords(c))
		if err != nil {
			return 0, fmt.Errorf("cell %d: %w", c, err)
		}
		v := am.DetJ * refVol
		if v < 0 {
			v = -v
		}
		vol += v
	}
	return
}

package partitions

import (
	"fmt"
	"sort"

	"github.com/notargets/FEKernel/mesh"
)

// View is one rank's window onto a partitioned mesh: its owned cells plus a
// single layer of ghost cells sharing a facet with an owned cell
type View struct {
	Mesh   *mesh.Mesh
	Layout *PartitionLayout
	Rank   int

	owned   []int
	ghost   []int
	isOwned map[int]bool
	isLocal map[int]bool
}

// NewView builds the view of rank on m
func NewView(m *mesh.Mesh, layout *PartitionLayout, rank int) (*View, error) {
	if layout.TotalElements != m.NumCells() {
		return nil, fmt.Errorf("layout covers %d elements, mesh has %d cells", layout.TotalElements, m.NumCells())
	}
	if rank < 0 || rank >= layout.NumPartitions {
		return nil, fmt.Errorf("rank %d outside [0,%d)", rank, layout.NumPartitions)
	}
	v := &View{
		Mesh:    m,
		Layout:  layout,
		Rank:    rank,
		owned:   append([]int(nil), layout.Partitions[rank].Elements...),
		isOwned: make(map[int]bool),
		isLocal: make(map[int]bool),
	}
	sort.Ints(v.owned)
	for _, c := range v.owned {
		v.isOwned[c] = true
		v.isLocal[c] = true
	}
	for _, c := range v.owned {
		for _, n := range m.CellNeighbors(c) {
			if !v.isLocal[n] {
				v.isLocal[n] = true
				v.ghost = append(v.ghost, n)
			}
		}
	}
	sort.Ints(v.ghost)
	return v, nil
}

// Single returns the view of a one-partition layout over m
func Single(m *mesh.Mesh) *View {
	layout, err := FromEToP(make([]int, m.NumCells()), 1)
	if err != nil {
		panic(err)
	}
	v, err := NewView(m, layout, 0)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *View) Size() int { return v.Layout.NumPartitions }

// OwnedCells returns the ascending cells of this rank
func (v *View) OwnedCells() []int { return v.owned }

// GhostCells returns the ascending ghost layer
func (v *View) GhostCells() []int { return v.ghost }

// Cells returns owned cells followed by ghost cells
func (v *View) Cells() []int {
	out := make([]int, 0, len(v.owned)+len(v.ghost))
	out = append(out, v.owned...)
	return append(out, v.ghost...)
}

func (v *View) IsOwnedCell(cell int) bool { return v.isOwned[cell] }

// IsLocalCell reports whether cell is owned or in the ghost layer
func (v *View) IsLocalCell(cell int) bool { return v.isLocal[cell] }

// CellOwner returns the rank owning cell
func (v *View) CellOwner(cell int) int { return v.Layout.EToP[cell] }

// EntityOwner returns the lowest rank among the owners of the cells
// containing the entity
func (v *View) EntityOwner(dim, entity int) int {
	owner := -1
	for _, c := range v.Mesh.EntityCells(dim, entity) {
		if p := v.Layout.EToP[c]; owner < 0 || p < owner {
			owner = p
		}
	}
	return owner
}

// EntityRanks returns the ascending ranks that hold a cell containing the
// entity in their owned set or their ghost layer
func (v *View) EntityRanks(dim, entity int) []int {
	seen := map[int]bool{}
	for _, c := range v.Mesh.EntityCells(dim, entity) {
		seen[v.Layout.EToP[c]] = true
		for _, n := range v.Mesh.CellNeighbors(c) {
			seen[v.Layout.EToP[n]] = true
		}
	}
	ranks := make([]int, 0, len(seen))
	for r := range seen {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

// Neighbors returns the ascending ranks, other than this one, that own a
// cell of the ghost layer or hold one of our owned cells as a ghost
func (v *View) Neighbors() []int {
	seen := map[int]bool{}
	for _, c := range v.ghost {
		seen[v.Layout.EToP[c]] = true
	}
	for _, c := range v.owned {
		for _, n := range v.Mesh.CellNeighbors(c) {
			seen[v.Layout.EToP[n]] = true
		}
	}
	delete(seen, v.Rank)
	out := make([]int, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

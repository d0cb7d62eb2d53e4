// Package entities lists the cells and facets a rank assembles over, split
// into core entities that only touch owned DOFs and halo entities that touch
// at least one ghost DOF.
package entities

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/notargets/FEKernel/dofmap"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/partitions"
)

// Entity is a cell or facet with the cells adjacent to it. A cell has one
// side with LocalFacet -1; an exterior facet has one side and an interior
// facet two, the + side first.
type Entity struct {
	ID    int
	Sides []mesh.FacetSide
}

type result struct {
	core, halo []Entity
}

// Iterator enumerates the entities owned by one rank. Results are cached per
// request and returned in ascending entity id; call Reset after changing
// mesh markers.
type Iterator struct {
	view  *partitions.View
	mu    sync.Mutex
	cache map[string]result
}

func New(view *partitions.View) *Iterator {
	return &Iterator{view: view, cache: make(map[string]result)}
}

func (it *Iterator) View() *partitions.View { return it.view }

// Reset drops cached results
func (it *Iterator) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.cache = make(map[string]result)
}

// Entities returns the entities of domain carrying marker (form.Everywhere
// for all). An entity is halo when a DOF of any of the maps on one of its
// adjacent cells is a ghost on this rank. Cells are owned by the rank owning
// them; facets by the lowest rank owning an adjacent cell.
func (it *Iterator) Entities(domain form.IntegralType, marker int, maps ...*dofmap.DOFMap) (core, halo []Entity, err error) {
	var kb strings.Builder
	fmt.Fprintf(&kb, "%d:%d", domain, marker)
	for _, dm := range maps {
		fmt.Fprintf(&kb, ":%p", dm)
	}
	key := kb.String()

	it.mu.Lock()
	defer it.mu.Unlock()
	if r, ok := it.cache[key]; ok {
		return r.core, r.halo, nil
	}
	all, err := it.enumerate(domain, marker)
	if err != nil {
		return nil, nil, err
	}
	var r result
	for _, e := range all {
		if touchesGhost(e, maps) {
			r.halo = append(r.halo, e)
		} else {
			r.core = append(r.core, e)
		}
	}
	it.cache[key] = r
	return r.core, r.halo, nil
}

func (it *Iterator) enumerate(domain form.IntegralType, marker int) ([]Entity, error) {
	v := it.view
	m := v.Mesh
	var out []Entity
	switch domain {
	case form.Cell:
		for _, c := range v.OwnedCells() {
			if marker != form.Everywhere && m.CellMarker(c) != marker {
				continue
			}
			out = append(out, Entity{ID: c, Sides: []mesh.FacetSide{{Cell: c, LocalFacet: -1}}})
		}
		return out, nil
	case form.ExteriorFacet, form.InteriorFacet:
	default:
		return nil, fmt.Errorf("unknown integration domain %v", domain)
	}

	fd := m.Dim() - 1
	seen := map[int]bool{}
	var facets []int
	for _, c := range v.OwnedCells() {
		for _, f := range m.CellEntities(c, fd) {
			if !seen[f] {
				seen[f] = true
				facets = append(facets, f)
			}
		}
	}
	sort.Ints(facets)
	wantExterior := domain == form.ExteriorFacet
	for _, f := range facets {
		if m.IsExterior(f) != wantExterior {
			continue
		}
		if marker != form.Everywhere && m.FacetMarker(f) != marker {
			continue
		}
		if v.EntityOwner(fd, f) != v.Rank {
			continue
		}
		sides := m.FacetSides(f)
		for _, s := range sides {
			if !v.IsLocalCell(s.Cell) {
				return nil, fmt.Errorf("facet %d: adjacent cell %d is not visible to rank %d", f, s.Cell, v.Rank)
			}
		}
		out = append(out, Entity{ID: f, Sides: sides})
	}
	return out, nil
}

func touchesGhost(e Entity, maps []*dofmap.DOFMap) bool {
	for _, dm := range maps {
		n := dm.NumOwned()
		for _, s := range e.Sides {
			for _, l := range dm.CellDOFs(s.Cell) {
				if l >= n {
					return true
				}
			}
		}
	}
	return false
}

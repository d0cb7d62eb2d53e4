// Package dofmap numbers the degrees of freedom of a finite element over a
// partitioned mesh.
//
// Every DOF belongs to exactly one rank: the lowest rank owning a cell that
// contains the DOF's mesh entity. Owned DOFs get a contiguous global range per
// rank, assigned by walking owned cells in ascending order and their basis
// functions in local order. Ranks that share an entity learn its indices from
// the owner and the owner verifies what they received, so a disagreement is
// caught before any assembly runs.
package dofmap

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/partitions"
	"github.com/notargets/FEKernel/quadrature"
)

// entityKey identifies a mesh entity by dimension and global id
type entityKey struct {
	Dim, Entity int
}

func (k entityKey) String() string { return fmt.Sprintf("entity(dim=%d,id=%d)", k.Dim, k.Entity) }

// entityIndex carries the first global DOF of an entity between ranks
type entityIndex struct {
	Key  entityKey
	Base int
}

// nodeSlot locates a scalar node on a reference entity
type nodeSlot struct {
	dim, entity, pos int
}

// DOFMap is one rank's view of a global DOF numbering
type DOFMap struct {
	elem element.FiniteElement
	view *partitions.View
	rank int
	bs   int

	ranges     []int // ranges[r]..ranges[r+1] is rank r's owned global range
	nOwned     int
	ghosts     []int // ascending global indices of ghost DOFs
	ghostOwner []int
	g2l        map[int]int // ghost global -> local

	cellLocal map[int][]int // cell -> local DOF indices in element order

	slots []nodeSlot
	Halo  *HaloPlan
}

// Build numbers elem over view collectively. Every rank of c must call Build
// with views of the same layout, and in the same order relative to other
// collective calls.
func Build(ctx context.Context, view *partitions.View, c *comm.Comm, elem element.FiniteElement) (*DOFMap, error) {
	if view.Mesh.CellType != elem.Cell() {
		return nil, fmt.Errorf("element on %v cannot number a %v mesh", elem.Cell(), view.Mesh.CellType)
	}
	if c.Size() != view.Size() || c.Rank() != view.Rank {
		return nil, fmt.Errorf("communicator rank %d/%d does not match partition view %d/%d",
			c.Rank(), c.Size(), view.Rank, view.Size())
	}
	dm := &DOFMap{
		elem:      elem,
		view:      view,
		rank:      view.Rank,
		bs:        elem.BlockSize(),
		g2l:       make(map[int]int),
		cellLocal: make(map[int][]int),
	}
	dm.slots = nodeSlots(elem)
	m := view.Mesh
	layout := elem.Layout()

	// owned entities by first touch
	base := make(map[entityKey]int)
	var ownedOrder []entityKey
	count := 0
	for _, cell := range view.OwnedCells() {
		for _, s := range dm.slots {
			key := entityKey{s.dim, m.CellEntities(cell, s.dim)[s.entity]}
			if _, ok := base[key]; ok || view.EntityOwner(key.Dim, key.Entity) != dm.rank {
				continue
			}
			base[key] = count
			ownedOrder = append(ownedOrder, key)
			count += len(layout.EntityNodes[s.dim][s.entity]) * dm.bs
		}
	}
	offset, total, err := c.ExscanSum(ctx, count)
	if err != nil {
		return nil, err
	}
	for k := range base {
		base[k] += offset
	}
	counts, err := c.AllgatherInt(ctx, count)
	if err != nil {
		return nil, err
	}
	dm.ranges = make([]int, len(counts)+1)
	for r, n := range counts {
		dm.ranges[r+1] = dm.ranges[r] + n
	}
	dm.nOwned = count

	// owners publish their bases to every rank that sees the entity
	send := make([][]entityIndex, c.Size())
	for _, key := range ownedOrder {
		for _, r := range view.EntityRanks(key.Dim, key.Entity) {
			if r != dm.rank {
				send[r] = append(send[r], entityIndex{Key: key, Base: base[key]})
			}
		}
	}
	recv, err := c.Alltoall(ctx, toAny(send))
	if err != nil {
		return nil, err
	}
	var local error
	for src, p := range recv {
		if src == dm.rank {
			continue
		}
		for _, ei := range p.([]entityIndex) {
			if owner := view.EntityOwner(ei.Key.Dim, ei.Key.Entity); owner != src {
				local = inconsistency(dm.rank, src, ei.Key, fmt.Sprintf("received indices from rank %d but entity owner is %d", src, owner))
				break
			}
			if prev, ok := base[ei.Key]; ok && prev != ei.Base {
				local = inconsistency(dm.rank, src, ei.Key, fmt.Sprintf("conflicting bases %d and %d", prev, ei.Base))
				break
			}
			base[ei.Key] = ei.Base
		}
		if local != nil {
			break
		}
	}

	// cell maps over owned and ghost cells
	var ghostSet map[int]int
	if local == nil {
		ghostSet, local = dm.buildCells(base)
	}
	if err := agree(ctx, c, dm.rank, local); err != nil {
		return nil, err
	}

	for g := range ghostSet {
		dm.ghosts = append(dm.ghosts, g)
	}
	sort.Ints(dm.ghosts)
	dm.ghostOwner = make([]int, len(dm.ghosts))
	for i, g := range dm.ghosts {
		dm.g2l[g] = dm.nOwned + i
		dm.ghostOwner[i] = ghostSet[g]
	}
	for cell, globals := range dm.cellLocal {
		for i, g := range globals {
			globals[i] = dm.toLocal(g)
		}
		dm.cellLocal[cell] = globals
	}

	if err := dm.buildHalo(ctx, c); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("dof map built",
		"element", elem.Signature(), "owned", dm.nOwned, "ghosts", len(dm.ghosts), "global", total)
	return dm, nil
}

// buildCells fills cellLocal with global indices and returns the ghost DOFs
// with their owners
func (dm *DOFMap) buildCells(base map[entityKey]int) (map[int]int, error) {
	m := dm.view.Mesh
	layout := dm.elem.Layout()
	ghosts := make(map[int]int)
	for _, cell := range dm.view.Cells() {
		verts := m.Cells[cell]
		ref := m.Reference()
		globals := make([]int, dm.elem.LocalDOFCount())
		for n, s := range dm.slots {
			key := entityKey{s.dim, m.CellEntities(cell, s.dim)[s.entity]}
			b, ok := base[key]
			if !ok {
				return nil, inconsistency(dm.rank, dm.view.EntityOwner(key.Dim, key.Entity), key,
					fmt.Sprintf("no index received for ghost entity of cell %d", cell))
			}
			k := s.pos
			nn := len(layout.EntityNodes[s.dim][s.entity])
			if s.dim == 1 && ref.Dim() > 1 {
				lv := ref.Entities[1][s.entity]
				if verts[lv[0]] > verts[lv[1]] {
					k = nn - 1 - s.pos
				}
			}
			owner := dm.view.EntityOwner(key.Dim, key.Entity)
			for c := 0; c < dm.bs; c++ {
				g := b + k*dm.bs + c
				globals[n*dm.bs+c] = g
				if owner != dm.rank {
					ghosts[g] = owner
				}
			}
		}
		dm.cellLocal[cell] = globals
	}
	return ghosts, nil
}

// nodeSlots maps each scalar node to its reference entity and position
func nodeSlots(elem element.FiniteElement) []nodeSlot {
	layout := elem.Layout()
	n := len(elem.Nodes())
	slots := make([]nodeSlot, n)
	for dim, ents := range layout.EntityNodes {
		for e, nodes := range ents {
			for pos, node := range nodes {
				slots[node] = nodeSlot{dim: dim, entity: e, pos: pos}
			}
		}
	}
	return slots
}

func toAny[T any](send [][]T) []any {
	out := make([]any, len(send))
	for i, s := range send {
		out[i] = s
	}
	return out
}

func inconsistency(rank, peer int, key entityKey, reason string) error {
	return &ferrors.PartitionInconsistencyError{Rank: rank, Peer: peer, Entity: key.String(), Reason: reason}
}

// agree turns a failure on any rank into a PartitionInconsistencyError on
// every rank
func agree(ctx context.Context, c *comm.Comm, rank int, local error) error {
	err := c.AllAgree(ctx, local)
	if err == nil || local != nil {
		return err
	}
	if _, ok := err.(*ferrors.CommunicationTimeoutError); ok {
		return err
	}
	return &ferrors.PartitionInconsistencyError{Rank: rank, Peer: -1, Reason: err.Error()}
}

func (dm *DOFMap) toLocal(g int) int {
	if dm.IsOwned(g) {
		return g - dm.ranges[dm.rank]
	}
	return dm.g2l[g]
}

func (dm *DOFMap) Element() element.FiniteElement { return dm.elem }
func (dm *DOFMap) View() *partitions.View         { return dm.view }
func (dm *DOFMap) BlockSize() int                 { return dm.bs }

// OwnedRange returns the half-open global range owned by this rank
func (dm *DOFMap) OwnedRange() (start, end int) {
	return dm.ranges[dm.rank], dm.ranges[dm.rank+1]
}

// Ranges returns the owned range boundaries of every rank
func (dm *DOFMap) Ranges() []int { return dm.ranges }

func (dm *DOFMap) GlobalSize() int { return dm.ranges[len(dm.ranges)-1] }
func (dm *DOFMap) NumOwned() int   { return dm.nOwned }
func (dm *DOFMap) NumGhosts() int  { return len(dm.ghosts) }

// NumLocal is the length of a local vector: owned then ghost entries
func (dm *DOFMap) NumLocal() int { return dm.nOwned + len(dm.ghosts) }

// Ghosts returns the ascending global indices of the ghost DOFs
func (dm *DOFMap) Ghosts() []int { return dm.ghosts }

// SameNumbering reports whether o numbers the same DOFs the same way: the
// same map, or the same element on the same view with equal owned ranges
func (dm *DOFMap) SameNumbering(o *DOFMap) bool {
	if o == nil {
		return false
	}
	if dm == o {
		return true
	}
	if dm.elem.Signature() != o.elem.Signature() || dm.view != o.view || len(dm.ranges) != len(o.ranges) {
		return false
	}
	for i := range dm.ranges {
		if dm.ranges[i] != o.ranges[i] {
			return false
		}
	}
	return true
}

// IsOwned reports whether global index g belongs to this rank
func (dm *DOFMap) IsOwned(g int) bool {
	return g >= dm.ranges[dm.rank] && g < dm.ranges[dm.rank+1]
}

// Owner returns the rank owning global index g
func (dm *DOFMap) Owner(g int) int {
	r := sort.SearchInts(dm.ranges, g+1) - 1
	if r < 0 || r >= len(dm.ranges)-1 {
		return -1
	}
	return r
}

// LocalIndex returns the local index of global g when this rank holds it
func (dm *DOFMap) LocalIndex(g int) (int, bool) {
	if dm.IsOwned(g) {
		return g - dm.ranges[dm.rank], true
	}
	l, ok := dm.g2l[g]
	return l, ok
}

// GlobalIndex maps a local index to its global index
func (dm *DOFMap) GlobalIndex(l int) int {
	if l < dm.nOwned {
		return dm.ranges[dm.rank] + l
	}
	return dm.ghosts[l-dm.nOwned]
}

// CellDOFs returns the local indices of the DOFs of an owned or ghost cell,
// in element order (node n component c at n*BlockSize+c)
func (dm *DOFMap) CellDOFs(cell int) []int { return dm.cellLocal[cell] }

// CellGlobalDOFs returns the global indices of a cell's DOFs
func (dm *DOFMap) CellGlobalDOFs(cell int) []int {
	loc := dm.cellLocal[cell]
	if loc == nil {
		return nil
	}
	out := make([]int, len(loc))
	for i, l := range loc {
		out[i] = dm.GlobalIndex(l)
	}
	return out
}

// LocalToGlobal maps the element-local DOF index of a cell to its global
// index, or -1 when the cell is not visible to this rank
func (dm *DOFMap) LocalToGlobal(cell, localIndex int) int {
	loc := dm.cellLocal[cell]
	if loc == nil || localIndex < 0 || localIndex >= len(loc) {
		return -1
	}
	return dm.GlobalIndex(loc[localIndex])
}

// FacetDOFs returns the element-local DOF indices lying on local facet f of
// the reference cell
func (dm *DOFMap) FacetDOFs(f int) []int {
	cell := dm.elem.Cell()
	ref := element.Reference(cell)
	on := make(map[int]bool)
	for _, v := range ref.FacetVertices(f) {
		on[v] = true
	}
	var out []int
	for n, x := range dm.elem.Nodes() {
		lambda := quadrature.Barycentric(cell, x)
		inside := true
		for v, l := range lambda {
			if !on[v] && math.Abs(l) > 1.e-10 {
				inside = false
				break
			}
		}
		if inside {
			for c := 0; c < dm.bs; c++ {
				out = append(out, n*dm.bs+c)
			}
		}
	}
	return out
}

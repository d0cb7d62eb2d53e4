// Package space binds finite elements to a rank's partition of a mesh and
// holds discrete functions on them.
package space

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/dofmap"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/partitions"
)

var (
	spaceSeq    atomic.Int64
	functionSeq atomic.Int64
)

// FunctionSpace is an element on the cells visible to one rank, with the
// DOF numbering shared by every rank of the mesh
type FunctionSpace struct {
	id   string
	elem element.FiniteElement
	view *partitions.View
	comm *comm.Comm
	dofs *dofmap.DOFMap
}

var _ form.Space = (*FunctionSpace)(nil)

// New numbers the DOFs of elem over the mesh. It is collective: every rank
// of the view's layout must call it with the same element.
func New(ctx context.Context, view *partitions.View, c *comm.Comm, elem element.FiniteElement) (*FunctionSpace, error) {
	if elem.Cell() != view.Mesh.CellType {
		return nil, fmt.Errorf("element %s on a mesh of %v cells", elem.Signature(), view.Mesh.CellType)
	}
	dm, err := dofmap.Build(ctx, view, c, elem)
	if err != nil {
		return nil, err
	}
	return &FunctionSpace{
		id:   fmt.Sprintf("%s#%d", elem.Signature(), spaceSeq.Add(1)),
		elem: elem,
		view: view,
		comm: c,
		dofs: dm,
	}, nil
}

func (V *FunctionSpace) ID() string                     { return V.id }
func (V *FunctionSpace) Element() element.FiniteElement { return V.elem }
func (V *FunctionSpace) DOFMap() *dofmap.DOFMap         { return V.dofs }
func (V *FunctionSpace) View() *partitions.View         { return V.view }
func (V *FunctionSpace) Mesh() *mesh.Mesh               { return V.view.Mesh }
func (V *FunctionSpace) Comm() *comm.Comm               { return V.comm }

// Compatible reports whether two spaces number their DOFs identically
func (V *FunctionSpace) Compatible(W *FunctionSpace) bool {
	return W != nil && V.dofs.SameNumbering(W.dofs)
}

// NodeCoords returns the physical coordinates of the scalar nodes of a cell
func (V *FunctionSpace) NodeCoords(cell int) ([][]float64, error) {
	am, err := element.NewAffineMap(V.Mesh().CellCoords(cell))
	if err != nil {
		return nil, fmt.Errorf("cell %d: %w", cell, err)
	}
	nodes := V.elem.Nodes()
	x := make([][]float64, len(nodes))
	for i, xi := range nodes {
		x[i] = am.Push(xi)
	}
	return x, nil
}

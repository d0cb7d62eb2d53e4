package space

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/FEKernel/dofmap"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/form"
)

// Function is a discrete field: one value per owned and ghost DOF of a
// space, in the space's local numbering
type Function struct {
	id     int
	name   string
	space  *FunctionSpace
	values []float64
}

var _ form.Source = (*Function)(nil)

// NewFunction creates a zero function on V
func NewFunction(V *FunctionSpace, name string) *Function {
	return &Function{
		id:     int(functionSeq.Add(1)),
		name:   name,
		space:  V,
		values: make([]float64, V.dofs.NumLocal()),
	}
}

func (u *Function) CoefficientID() int             { return u.id }
func (u *Function) Element() element.FiniteElement { return u.space.elem }
func (u *Function) Space() *FunctionSpace          { return u.space }
func (u *Function) Name() string                   { return u.name }

// Values returns the local values, owned entries first. Callers that change
// owned entries must Update before ghosts are read.
func (u *Function) Values() []float64 { return u.values }

// Owned returns the owned part of Values
func (u *Function) Owned() []float64 { return u.values[:u.space.dofs.NumOwned()] }

// Expr is the function as a form coefficient
func (u *Function) Expr() form.Expr {
	if u.name != "" {
		return form.Named(u, u.name)
	}
	return form.Coefficient(u)
}

// Set assigns v to every entry
func (u *Function) Set(v float64) {
	for i := range u.values {
		u.values[i] = v
	}
}

// Copy returns a new function with the same values
func (u *Function) Copy(name string) *Function {
	w := NewFunction(u.space, name)
	copy(w.values, u.values)
	return w
}

// Assign copies the values of w, which must live on a compatible space
func (u *Function) Assign(w *Function) error {
	if !u.space.Compatible(w.space) {
		return fmt.Errorf("assign %s to %s: incompatible spaces", w.space.ID(), u.space.ID())
	}
	copy(u.values, w.values)
	return nil
}

// Axpy adds a*x to u on every local entry
func (u *Function) Axpy(a float64, x *Function) error {
	if !u.space.Compatible(x.space) {
		return fmt.Errorf("axpy %s into %s: incompatible spaces", x.space.ID(), u.space.ID())
	}
	floats.AddScaled(u.values, a, x.values)
	return nil
}

// Interpolate sets every owned and ghost DOF to f at its node. f returns
// BlockSize values.
func (u *Function) Interpolate(f func(x []float64) []float64) error {
	dm := u.space.dofs
	bs := dm.BlockSize()
	for _, cell := range u.space.view.Cells() {
		xs, err := u.space.NodeCoords(cell)
		if err != nil {
			return err
		}
		dofs := dm.CellDOFs(cell)
		for n, x := range xs {
			v := f(x)
			if len(v) != bs {
				return fmt.Errorf("interpolant returned %d values, element has %d components", len(v), bs)
			}
			for c := 0; c < bs; c++ {
				u.values[dofs[n*bs+c]] = v[c]
			}
		}
	}
	return nil
}

// CellValues gathers the values of a cell's DOFs in element order
func (u *Function) CellValues(cell int, dst []float64) []float64 {
	dofs := u.space.dofs.CellDOFs(cell)
	if dst == nil {
		dst = make([]float64, len(dofs))
	}
	for i, l := range dofs {
		dst[i] = u.values[l]
	}
	return dst
}

// BeginUpdate starts sending owned values to the ranks holding them as
// ghosts. The ghost entries are valid once the exchange's Wait returns.
func (u *Function) BeginUpdate() (*dofmap.Exchange, error) {
	return u.space.dofs.Halo.BeginForward(u.space.comm, u.values)
}

// Update refreshes the ghost entries from their owners
func (u *Function) Update(ctx context.Context) error {
	ex, err := u.BeginUpdate()
	if err != nil {
		return err
	}
	return ex.Wait(ctx)
}

// Gather returns the full global vector on every rank. It is collective.
func (u *Function) Gather(ctx context.Context) ([]float64, error) {
	dm := u.space.dofs
	parts, err := u.space.comm.Allgather(ctx, append([]float64(nil), u.Owned()...))
	if err != nil {
		return nil, err
	}
	out := make([]float64, dm.GlobalSize())
	ranges := dm.Ranges()
	for r, p := range parts {
		copy(out[ranges[r]:], p.([]float64))
	}
	return out, nil
}

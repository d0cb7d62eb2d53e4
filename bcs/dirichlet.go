// Package bcs enforces Dirichlet conditions on assembled systems.
package bcs

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/la"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/space"
)

// DirichletBC prescribes the values of the DOFs on marked boundary facets.
// It changes values of finalized structures only, never their pattern.
type DirichletBC struct {
	Space *space.FunctionSpace
	// G holds the prescribed values on Space
	G       *space.Function
	Markers []int
	// Diagonal is put on constrained matrix rows, 1 when zero
	Diagonal float64

	dofs   []int // local constrained DOFs, ascending so owned come first
	nOwned int
}

// New finds the DOFs on exterior facets carrying one of markers
// (form.Everywhere for the whole boundary). A DOF constrained on any rank is
// constrained on every rank that holds it. It is collective.
func New(ctx context.Context, V *space.FunctionSpace, g *space.Function, markers ...int) (*DirichletBC, error) {
	if !V.Compatible(g.Space()) {
		return nil, fmt.Errorf("boundary values on %s for a condition on %s", g.Space().ID(), V.ID())
	}
	if len(markers) == 0 {
		markers = []int{form.Everywhere}
	}
	m := V.Mesh()
	dm := V.DOFMap()
	view := V.View()

	flags := make([]float64, dm.NumLocal())
	for _, f := range m.ExteriorFacets() {
		if !slices.Contains(markers, form.Everywhere) && !slices.Contains(markers, m.FacetMarker(f)) {
			continue
		}
		s := m.FacetSides(f)[0]
		if !view.IsLocalCell(s.Cell) {
			continue
		}
		cell := dm.CellDOFs(s.Cell)
		for _, i := range dm.FacetDOFs(s.LocalFacet) {
			flags[cell[i]] = 1
		}
	}
	// owners learn about constraints seen only by ghost holders, then
	// every holder learns the owner's answer
	if err := dm.Halo.Reverse(ctx, V.Comm(), flags); err != nil {
		return nil, fmt.Errorf("dirichlet dof exchange: %w", err)
	}
	if err := dm.Halo.Forward(ctx, V.Comm(), flags); err != nil {
		return nil, fmt.Errorf("dirichlet dof exchange: %w", err)
	}
	bc := &DirichletBC{Space: V, G: g, Markers: append([]int(nil), markers...)}
	for l, v := range flags {
		if v > 0 {
			bc.dofs = append(bc.dofs, l)
			if l < dm.NumOwned() {
				bc.nOwned++
			}
		}
	}
	logging.FromContext(ctx).Debug("dirichlet condition", "markers", markers,
		"owned", bc.nOwned, "local", len(bc.dofs))
	return bc, nil
}

// DOFs returns the local constrained DOFs, owned ones first
func (bc *DirichletBC) DOFs() []int { return bc.dofs }

// OwnedDOFs returns the constrained DOFs this rank owns
func (bc *DirichletBC) OwnedDOFs() []int { return bc.dofs[:bc.nOwned] }

func (bc *DirichletBC) diagonal() float64 {
	if bc.Diagonal == 0 {
		return 1
	}
	return bc.Diagonal
}

// Apply zeroes constrained matrix rows and sets their diagonal, or sets
// constrained vector entries to the prescribed values. Applying twice
// changes nothing. Vectors are collective.
func (bc *DirichletBC) Apply(ctx context.Context, target la.Structure) error {
	switch t := target.(type) {
	case *la.Matrix:
		if !t.Pattern().Rows.SameNumbering(bc.Space.DOFMap()) {
			return fmt.Errorf("condition on %s applied to a matrix over other rows", bc.Space.ID())
		}
		return t.ZeroRows(bc.OwnedDOFs(), bc.diagonal())
	case *la.Vector:
		return bc.setVector(ctx, t, bc.G.Values())
	}
	return fmt.Errorf("cannot apply a Dirichlet condition to %T", target)
}

// ApplyResidual sets F = u - g on the constrained rows of a residual
func (bc *DirichletBC) ApplyResidual(ctx context.Context, F *la.Vector, u *space.Function) error {
	if !bc.Space.Compatible(u.Space()) {
		return fmt.Errorf("residual state on %s for a condition on %s", u.Space().ID(), bc.Space.ID())
	}
	r := make([]float64, len(u.Values()))
	g := bc.G.Values()
	for _, l := range bc.OwnedDOFs() {
		r[l] = u.Values()[l] - g[l]
	}
	return bc.setVector(ctx, F, r)
}

func (bc *DirichletBC) setVector(ctx context.Context, b *la.Vector, src []float64) error {
	if !b.DOFMap().SameNumbering(bc.Space.DOFMap()) {
		return fmt.Errorf("condition on %s applied to a vector over other DOFs", bc.Space.ID())
	}
	owned := bc.OwnedDOFs()
	vals := make([]float64, len(owned))
	for i, l := range owned {
		vals[i] = src[l]
	}
	if err := b.SetValues(owned, vals); err != nil {
		return err
	}
	return b.UpdateGhosts(ctx)
}

// Assign copies the prescribed values into u and refreshes its ghosts. It
// is collective.
func (bc *DirichletBC) Assign(ctx context.Context, u *space.Function) error {
	if !bc.Space.Compatible(u.Space()) {
		return fmt.Errorf("assign condition on %s to %s", bc.Space.ID(), u.Space().ID())
	}
	for _, l := range bc.OwnedDOFs() {
		u.Values()[l] = bc.G.Values()[l]
	}
	return u.Update(ctx)
}

// Homogenize returns the same condition with zero values
func (bc *DirichletBC) Homogenize() *DirichletBC {
	h := *bc
	h.G = space.NewFunction(bc.Space, bc.G.Name()+"_0")
	return &h
}

// Constrained reports whether local DOF l is constrained
func (bc *DirichletBC) Constrained(l int) bool {
	i := sort.SearchInts(bc.dofs, l)
	return i < len(bc.dofs) && bc.dofs[i] == l
}

package assemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/notargets/FEKernel/entities"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/la"
)

// CreateMatrix builds an empty matrix whose pattern covers every entity the
// integrals of f touch. Square matrices always store their diagonal. With
// ReuseSparsity the pattern is kept for later forms over the same spaces
// and domains. It is collective.
func (a *Assembler) CreateMatrix(ctx context.Context, f *form.Form) (*la.Matrix, error) {
	b, err := a.bind(f)
	if err != nil {
		return nil, err
	}
	if f.Rank() != 2 {
		return nil, &ferrors.IncompatibleSpaceError{Form: f.String(), Argument: f.Rank(),
			Want: rankName(2), Got: rankName(f.Rank())}
	}
	rows, cols := b.args[0].DOFMap(), b.args[1].DOFMap()

	var kb strings.Builder
	fmt.Fprintf(&kb, "%p:%p", rows, cols)
	for _, it := range f.Integrals() {
		fmt.Fprintf(&kb, ":%d/%d", it.Type, it.Subdomain)
	}
	key := kb.String()
	reuse := a.options().ReuseSparsity
	if p, ok := a.patterns[key]; ok && reuse {
		return la.NewMatrix(p, a.Comm), nil
	}

	pb := la.NewPatternBuilder(rows, cols)
	if rows.SameNumbering(cols) {
		pb.InsertDiagonal()
	}
	for _, it := range f.Integrals() {
		core, halo, err := a.entities.Entities(it.Type, it.Subdomain, rows, cols)
		if err != nil {
			return nil, err
		}
		for _, es := range [][]entities.Entity{core, halo} {
			for _, e := range es {
				pb.Insert(sideDOFs(rows, e), sideDOFs(cols, e))
			}
		}
	}
	p, err := pb.Build(ctx, a.Comm)
	if err != nil {
		return nil, err
	}
	if reuse {
		a.patterns[key] = p
	}
	return la.NewMatrix(p, a.Comm), nil
}

// AssembleMatrix creates and assembles the matrix of a bilinear form
func (a *Assembler) AssembleMatrix(ctx context.Context, f *form.Form) (*la.Matrix, error) {
	A, err := a.CreateMatrix(ctx, f)
	if err != nil {
		return nil, err
	}
	if err := a.Assemble(ctx, f, A); err != nil {
		return nil, err
	}
	return A, nil
}

// AssembleVector creates and assembles the vector of a linear form
func (a *Assembler) AssembleVector(ctx context.Context, f *form.Form) (*la.Vector, error) {
	b, err := a.bind(f)
	if err != nil {
		return nil, err
	}
	if f.Rank() != 1 {
		return nil, &ferrors.IncompatibleSpaceError{Form: f.String(), Argument: f.Rank(),
			Want: rankName(1), Got: rankName(f.Rank())}
	}
	v := la.NewVector(b.args[0].DOFMap(), a.Comm)
	if err := a.Assemble(ctx, f, v); err != nil {
		return nil, err
	}
	return v, nil
}

// AssembleScalar evaluates a functional, identical on every rank
func (a *Assembler) AssembleScalar(ctx context.Context, f *form.Form) (float64, error) {
	s := la.NewScalar(a.Comm)
	if err := a.Assemble(ctx, f, s); err != nil {
		return 0, err
	}
	return s.Value()
}

// Package solving drives linear and nonlinear variational problems through
// assembly, boundary conditions and a pluggable linear solver.
package solving

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/FEKernel/assemble"
	"github.com/notargets/FEKernel/bcs"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/la"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/space"
)

// LinearSolver solves A x = b for a finalized system and writes the owned
// and ghost values of x. It is collective.
type LinearSolver interface {
	Solve(ctx context.Context, A *la.Matrix, b *la.Vector, x *space.Function) error
}

// GatheredLU assembles the whole system on every rank and factors it with a
// dense LU. Every rank computes the same solution, so it suits small
// problems and tests.
type GatheredLU struct{}

func (GatheredLU) Solve(ctx context.Context, A *la.Matrix, b *la.Vector, x *space.Function) error {
	D, err := A.ToDense(ctx)
	if err != nil {
		return err
	}
	rhs, err := b.Gather(ctx)
	if err != nil {
		return err
	}
	var lu mat.LU
	lu.Factorize(D)
	if c := lu.Cond(); c > 1e15 {
		return fmt.Errorf("matrix is singular to working precision (condition %.3g)", c)
	}
	var sol mat.VecDense
	if err := lu.SolveVecTo(&sol, false, mat.NewVecDense(len(rhs), rhs)); err != nil {
		return fmt.Errorf("lu solve: %w", err)
	}
	dm := x.Space().DOFMap()
	start, end := dm.OwnedRange()
	for g := start; g < end; g++ {
		x.Values()[g-start] = sol.AtVec(g)
	}
	return x.Update(ctx)
}

// LinearProblem is a(u, v) = L(v) with Dirichlet conditions
type LinearProblem struct {
	A, L *form.Form
	BCs  []*bcs.DirichletBC
}

// Solve assembles and solves the problem into u. It is collective.
func (p LinearProblem) Solve(ctx context.Context, asm *assemble.Assembler, solver LinearSolver, u *space.Function) error {
	A, err := asm.AssembleMatrix(ctx, p.A)
	if err != nil {
		return err
	}
	b, err := asm.AssembleVector(ctx, p.L)
	if err != nil {
		return err
	}
	for _, bc := range p.BCs {
		if err := bc.Apply(ctx, A); err != nil {
			return err
		}
		if err := bc.Apply(ctx, b); err != nil {
			return err
		}
	}
	return solver.Solve(ctx, A, b, u)
}

// NewtonOptions controls NonlinearProblem.Solve
type NewtonOptions struct {
	AbsTol  float64
	RelTol  float64
	MaxIter int
}

func DefaultNewtonOptions() NewtonOptions {
	return NewtonOptions{AbsTol: 1e-10, RelTol: 1e-9, MaxIter: 25}
}

// NonlinearProblem is F(u; v) = 0 with Jacobian J(u; du, v). Both forms
// hold U as a coefficient.
type NonlinearProblem struct {
	F, J *form.Form
	U    *space.Function
	BCs  []*bcs.DirichletBC
}

// Solve runs Newton's method from the current value of U, after imposing
// the boundary values. It returns the number of iterations taken.
func (p NonlinearProblem) Solve(ctx context.Context, asm *assemble.Assembler, solver LinearSolver,
	opts NewtonOptions) (int, error) {
	logger := logging.FromContext(ctx)
	for _, bc := range p.BCs {
		if err := bc.Assign(ctx, p.U); err != nil {
			return 0, err
		}
	}
	homog := make([]*bcs.DirichletBC, len(p.BCs))
	for i, bc := range p.BCs {
		homog[i] = bc.Homogenize()
	}
	J, err := asm.CreateMatrix(ctx, p.J)
	if err != nil {
		return 0, err
	}
	du := space.NewFunction(p.U.Space(), "du")

	var r0 float64
	for it := 0; ; it++ {
		R, err := asm.AssembleVector(ctx, p.F)
		if err != nil {
			return it, err
		}
		for _, bc := range p.BCs {
			if err := bc.ApplyResidual(ctx, R, p.U); err != nil {
				return it, err
			}
		}
		norm, err := R.Norm(ctx)
		if err != nil {
			return it, err
		}
		if it == 0 {
			r0 = norm
		}
		logger.Info("newton iteration", "iteration", it, "residual", norm)
		if norm <= opts.AbsTol || (r0 > 0 && norm <= opts.RelTol*r0) {
			return it, nil
		}
		if it >= opts.MaxIter {
			return it, fmt.Errorf("newton did not converge in %d iterations, residual %g", it, norm)
		}

		J.Reset()
		if err := asm.Assemble(ctx, p.J, J); err != nil {
			return it, err
		}
		for _, bc := range homog {
			if err := bc.Apply(ctx, J); err != nil {
				return it, err
			}
		}
		if err := solver.Solve(ctx, J, R, du); err != nil {
			return it, err
		}
		if err := p.U.Axpy(-1, du); err != nil {
			return it, err
		}
	}
}

package solving

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/FEKernel/assemble"
	"github.com/notargets/FEKernel/bcs"
	"github.com/notargets/FEKernel/config"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/kernel"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/parallel"
	"github.com/notargets/FEKernel/partitions"
	"github.com/notargets/FEKernel/space"
)

func quadratic(x []float64) []float64 { return []float64{1 + x[0]*x[0] + 2*x[1]*x[1]} }
func plane(x []float64) []float64     { return []float64{1 + x[0] + 2*x[1]} }

func TestPoissonReproducesQuadratic(t *testing.T) {
	m, err := mesh.UnitSquare(3, 3)
	require.NoError(t, err)
	p2, err := element.NewLagrange(element.Tri, 2)
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	for _, np := range []int{1, 2} {
		layout, err := (&partitions.PartitionBuilder{NumElements: m.NumCells(), NumPartitions: np}).BuildPartitions()
		require.NoError(t, err)
		err = parallel.Run(context.Background(), m, layout, func(ctx context.Context, r parallel.Rank) error {
			V, err := space.New(ctx, r.View, r.Comm, p2)
			if err != nil {
				return err
			}
			exact := space.NewFunction(V, "exact")
			if err := exact.Interpolate(quadratic); err != nil {
				return err
			}
			bc, err := bcs.New(ctx, V, exact)
			if err != nil {
				return err
			}
			u, v := form.TrialFunction(V), form.TestFunction(V)
			a, err := form.New(form.Dx(form.Inner(form.Grad(u), form.Grad(v))))
			if err != nil {
				return err
			}
			L, err := form.New(form.Dx(form.Mul(form.Lit(-6), v)))
			if err != nil {
				return err
			}
			uh := space.NewFunction(V, "u")
			p := LinearProblem{A: a, L: L, BCs: []*bcs.DirichletBC{bc}}
			if err := p.Solve(ctx, assemble.New(r.View, r.Comm, compiler), GatheredLU{}, uh); err != nil {
				return err
			}
			assert.InDeltaSlice(t, exact.Values(), uh.Values(), 1e-10, "parts=%d rank=%d", np, r.ID())
			return nil
		})
		require.NoError(t, err)
	}
}

func TestNewtonNonlinearDiffusion(t *testing.T) {
	m, err := mesh.UnitSquare(4, 4)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)
	layout, err := (&partitions.PartitionBuilder{NumElements: m.NumCells(), NumPartitions: 3}).BuildPartitions()
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	err = parallel.Run(context.Background(), m, layout, func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		exact := space.NewFunction(V, "exact")
		if err := exact.Interpolate(plane); err != nil {
			return err
		}
		bc, err := bcs.New(ctx, V, exact)
		if err != nil {
			return err
		}
		// -div((1+u^2) grad u) = -10 u for u = 1 + x + 2y
		uh := space.NewFunction(V, "u")
		U, ue := uh.Expr(), exact.Expr()
		du, v := form.TrialFunction(V), form.TestFunction(V)
		k := form.Add(form.Lit(1), form.Mul(U, U))
		F, err := form.NewNamed("F", form.Dx(form.Add(
			form.Mul(k, form.Inner(form.Grad(U), form.Grad(v))),
			form.Mul(form.Lit(10), ue, v))))
		if err != nil {
			return err
		}
		J, err := form.NewNamed("J", form.Dx(form.Add(
			form.Mul(k, form.Inner(form.Grad(du), form.Grad(v))),
			form.Mul(form.Lit(2), U, du, form.Inner(form.Grad(U), form.Grad(v))))))
		if err != nil {
			return err
		}
		p := NonlinearProblem{F: F, J: J, U: uh, BCs: []*bcs.DirichletBC{bc}}
		its, err := p.Solve(ctx, assemble.New(r.View, r.Comm, compiler), GatheredLU{}, DefaultNewtonOptions())
		if err != nil {
			return err
		}
		assert.Greater(t, its, 1)
		assert.Less(t, its, 10)
		assert.InDeltaSlice(t, exact.Values(), uh.Values(), 1e-8, "rank=%d", r.ID())

		opts := DefaultNewtonOptions()
		opts.MaxIter = 0
		uh.Set(0)
		_, err = p.Solve(ctx, assemble.New(r.View, r.Comm, compiler), GatheredLU{}, opts)
		assert.Error(t, err, "no iterations allowed")
		return nil
	})
	require.NoError(t, err)
}

func TestSingularSystem(t *testing.T) {
	m, err := mesh.UnitInterval(4)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Line, 1)
	require.NoError(t, err)

	err = parallel.RunSerial(context.Background(), m, func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		u, v := form.TrialFunction(V), form.TestFunction(V)
		a, err := form.New(form.Dx(form.Inner(form.Grad(u), form.Grad(v))))
		if err != nil {
			return err
		}
		L, err := form.New(form.Dx(v))
		if err != nil {
			return err
		}
		p := LinearProblem{A: a, L: L}
		err = p.Solve(ctx, assemble.New(r.View, r.Comm, kernel.NewCompiler(config.Default().Assembly)),
			GatheredLU{}, space.NewFunction(V, "u"))
		assert.Error(t, err, "pure Neumann stiffness")
		return nil
	})
	require.NoError(t, err)
}

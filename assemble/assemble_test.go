package assemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/FEKernel/config"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/kernel"
	"github.com/notargets/FEKernel/la"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/parallel"
	"github.com/notargets/FEKernel/partitions"
	"github.com/notargets/FEKernel/space"
)

func layoutOf(t *testing.T, m *mesh.Mesh, np int) *partitions.PartitionLayout {
	t.Helper()
	layout, err := (&partitions.PartitionBuilder{NumElements: m.NumCells(), NumPartitions: np}).BuildPartitions()
	require.NoError(t, err)
	return layout
}

func massPlusStiffness(V *space.FunctionSpace) (*form.Form, error) {
	u, v := form.TrialFunction(V), form.TestFunction(V)
	return form.NewNamed("a", form.Dx(form.Add(form.Mul(u, v), form.Inner(form.Grad(u), form.Grad(v)))))
}

// vertexMatrix gathers a P1 matrix and reorders it by mesh vertex
type vertexMatrix struct {
	mu   sync.Mutex
	perm map[int]int
	D    *mat.Dense
}

func (vm *vertexMatrix) record(V *space.FunctionSpace, r parallel.Rank, D *mat.Dense) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.perm == nil {
		vm.perm = map[int]int{}
	}
	for _, c := range r.View.OwnedCells() {
		for i, g := range V.DOFMap().CellGlobalDOFs(c) {
			vm.perm[g] = V.Mesh().Cells[c][i]
		}
	}
	if r.ID() == 0 {
		vm.D = D
	}
}

func (vm *vertexMatrix) byVertex() *mat.Dense {
	n, _ := vm.D.Dims()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(vm.perm[i], vm.perm[j], vm.D.At(i, j))
		}
	}
	return out
}

func TestPartitionInvariance(t *testing.T) {
	m, err := mesh.UnitSquare(4, 4)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	results := map[int]*mat.Dense{}
	for _, np := range []int{1, 2, 3} {
		vm := &vertexMatrix{}
		err := parallel.Run(context.Background(), m, layoutOf(t, m, np), func(ctx context.Context, r parallel.Rank) error {
			V, err := space.New(ctx, r.View, r.Comm, p1)
			if err != nil {
				return err
			}
			f, err := massPlusStiffness(V)
			if err != nil {
				return err
			}
			A, err := New(r.View, r.Comm, compiler).AssembleMatrix(ctx, f)
			if err != nil {
				return err
			}
			D, err := A.ToDense(ctx)
			if err != nil {
				return err
			}
			vm.record(V, r, D)
			return nil
		})
		require.NoError(t, err)
		results[np] = vm.byVertex()
	}
	assert.InDelta(t, 1.0, mat.Sum(results[1]), 1e-13, "mass part sums to the area")
	for _, np := range []int{2, 3} {
		assert.True(t, mat.EqualApprox(results[1], results[np], 1e-14), "parts=%d", np)
	}
	assert.Equal(t, int64(1), compiler.Cache.Misses(), "one compilation shared by every rank and run")
}

func TestReassemblyIsBitIdentical(t *testing.T) {
	m, err := mesh.UnitSquare(3, 3)
	require.NoError(t, err)
	p2, err := element.NewLagrange(element.Tri, 2)
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	err = parallel.Run(context.Background(), m, layoutOf(t, m, 3), func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p2)
		if err != nil {
			return err
		}
		k := space.NewFunction(V, "k")
		if err := k.Interpolate(func(x []float64) []float64 { return []float64{1 + x[0]*x[1]} }); err != nil {
			return err
		}
		u, v := form.TrialFunction(V), form.TestFunction(V)
		f, err := form.New(form.Dx(form.Mul(k.Expr(), form.Inner(form.Grad(u), form.Grad(v)))))
		if err != nil {
			return err
		}
		a := New(r.View, r.Comm, compiler)
		A, err := a.AssembleMatrix(ctx, f)
		if err != nil {
			return err
		}
		_, _, first := A.Triplets()
		A.Reset()
		if err := a.Assemble(ctx, f, A); err != nil {
			return err
		}
		_, _, second := A.Triplets()
		assert.Equal(t, first, second)
		assert.Equal(t, la.Finalized, A.State())

		L, err := form.New(form.Dx(form.Mul(k.Expr(), v)))
		if err != nil {
			return err
		}
		b1, err := a.AssembleVector(ctx, L)
		if err != nil {
			return err
		}
		b2, err := a.AssembleVector(ctx, L)
		if err != nil {
			return err
		}
		assert.Equal(t, b1.Values(), b2.Values())
		return nil
	})
	require.NoError(t, err)
}

func TestFinalizedTargetReentry(t *testing.T) {
	m, err := mesh.UnitSquare(2, 2)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)

	for _, reuse := range []bool{false, true} {
		t.Run(fmt.Sprintf("ReuseSparsity=%v", reuse), func(t *testing.T) {
			opts := config.Default().Assembly
			opts.ReuseSparsity = reuse
			compiler := kernel.NewCompiler(opts)
			err := parallel.Run(context.Background(), m, layoutOf(t, m, 2), func(ctx context.Context, r parallel.Rank) error {
				V, err := space.New(ctx, r.View, r.Comm, p1)
				if err != nil {
					return err
				}
				a := New(r.View, r.Comm, compiler)
				L, err := form.New(form.Dx(form.TestFunction(V)))
				if err != nil {
					return err
				}
				b, err := a.AssembleVector(ctx, L)
				if err != nil {
					return err
				}
				want := append([]float64(nil), b.Values()...)
				err = a.Assemble(ctx, L, b)
				if !reuse {
					assert.Error(t, err, "finalized vector needs an explicit reset")
					assert.Equal(t, la.Finalized, b.State())
					assert.Equal(t, want, b.Values())
					b.Reset()
					err = a.Assemble(ctx, L, b)
				}
				assert.NoError(t, err)
				assert.Equal(t, want, b.Values())

				f, err := massPlusStiffness(V)
				if err != nil {
					return err
				}
				A, err := a.AssembleMatrix(ctx, f)
				if err != nil {
					return err
				}
				if err := A.MarkBCApplied(); err != nil {
					return err
				}
				err = a.Assemble(ctx, f, A)
				if reuse {
					assert.NoError(t, err)
					assert.Equal(t, la.Finalized, A.State())
				} else {
					assert.Error(t, err, "boundary rows are not silently dropped")
					assert.Equal(t, la.BCApplied, A.State())
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestHaloTimeoutLeavesTargetUnassembled(t *testing.T) {
	m, err := mesh.UnitSquare(2, 2)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)
	opts := config.Default().Assembly
	opts.HaloTimeout = 50 * time.Millisecond
	compiler := kernel.NewCompiler(opts)

	err = parallel.Run(context.Background(), m, layoutOf(t, m, 2), func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		if r.ID() == 0 {
			// rank 0 never posts its coefficient values
			return nil
		}
		if !assert.NotZero(t, V.DOFMap().NumGhosts()) {
			return nil
		}
		k := space.NewFunction(V, "k")
		k.Set(2)
		L, err := form.New(form.Dx(form.Mul(k.Expr(), form.TestFunction(V))))
		if err != nil {
			return err
		}
		b := la.NewVector(V.DOFMap(), r.Comm)
		start := time.Now()
		err = New(r.View, r.Comm, compiler).Assemble(ctx, L, b)
		assert.ErrorIs(t, err, ferrors.ErrCommunicationTimeout)
		var te *ferrors.CommunicationTimeoutError
		if assert.True(t, errors.As(err, &te)) {
			assert.Equal(t, 1, te.Rank)
			assert.Equal(t, 0, te.Peer)
		}
		assert.Less(t, time.Since(start), 10*time.Second)
		assert.Equal(t, la.Unassembled, b.State(), "a timed out target is discarded, not finalized")
		assert.Equal(t, make([]float64, len(b.Values())), b.Values())
		return nil
	})
	require.NoError(t, err)
}

func TestIncompatibleSpaceLeavesTargetUntouched(t *testing.T) {
	m, err := mesh.UnitSquare(2, 2)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)
	p2, err := element.NewLagrange(element.Tri, 2)
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	err = parallel.Run(context.Background(), m, layoutOf(t, m, 2), func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		W, err := space.New(ctx, r.View, r.Comm, p2)
		if err != nil {
			return err
		}
		a := New(r.View, r.Comm, compiler)
		fV, err := massPlusStiffness(V)
		if err != nil {
			return err
		}
		fW, err := massPlusStiffness(W)
		if err != nil {
			return err
		}
		A, err := a.AssembleMatrix(ctx, fV)
		if err != nil {
			return err
		}
		_, _, before := A.Triplets()

		err = a.Assemble(ctx, fW, A)
		assert.ErrorIs(t, err, ferrors.ErrIncompatibleSpace)
		var ie *ferrors.IncompatibleSpaceError
		if assert.True(t, errors.As(err, &ie)) {
			assert.Equal(t, 0, ie.Argument)
		}
		assert.Equal(t, la.Finalized, A.State())
		_, _, after := A.Triplets()
		assert.Equal(t, before, after)

		L, err := form.New(form.Dx(form.TestFunction(V)))
		if err != nil {
			return err
		}
		assert.ErrorIs(t, a.Assemble(ctx, L, A), ferrors.ErrIncompatibleSpace, "rank mismatch")
		b := la.NewVector(W.DOFMap(), r.Comm)
		assert.ErrorIs(t, a.Assemble(ctx, L, b), ferrors.ErrIncompatibleSpace)
		assert.Equal(t, la.Unassembled, b.State())
		_, err = a.CreateMatrix(ctx, L)
		assert.ErrorIs(t, err, ferrors.ErrIncompatibleSpace)
		return nil
	})
	require.NoError(t, err)
}

func TestFunctionalsAndVectors(t *testing.T) {
	m, err := mesh.UnitSquare(4, 4)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	var mu sync.Mutex
	values := map[string][]float64{}
	keep := func(name string, v float64) {
		mu.Lock()
		values[name] = append(values[name], v)
		mu.Unlock()
	}
	err = parallel.Run(context.Background(), m, layoutOf(t, m, 3), func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		a := New(r.View, r.Comm, compiler)
		scalar := func(name string, its ...form.Integral) error {
			f, err := form.New(its...)
			if err != nil {
				return err
			}
			v, err := a.AssembleScalar(ctx, f)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			keep(name, v)
			return nil
		}
		u := space.NewFunction(V, "u")
		if err := u.Interpolate(func(x []float64) []float64 { return []float64{x[0] + x[1]} }); err != nil {
			return err
		}
		c := form.NewConstant("c", 3)
		if err := scalar("area", form.Dx(form.Lit(1))); err != nil {
			return err
		}
		if err := scalar("perimeter", form.Ds(form.Lit(1))); err != nil {
			return err
		}
		if err := scalar("left", form.Ds(form.Lit(1), form.Subdomain(1))); err != nil {
			return err
		}
		if err := scalar("interior", form.DS(form.Lit(1))); err != nil {
			return err
		}
		if err := scalar("u", form.Dx(form.Mul(form.ConstantOf(c), u.Expr()))); err != nil {
			return err
		}
		if err := scalar("jump", form.DS(form.Mul(form.Jump(u.Expr()), form.Jump(u.Expr())))); err != nil {
			return err
		}

		L, err := form.New(form.Dx(form.TestFunction(V)))
		if err != nil {
			return err
		}
		b, err := a.AssembleVector(ctx, L)
		if err != nil {
			return err
		}
		g, err := b.Gather(ctx)
		if err != nil {
			return err
		}
		var s float64
		for _, x := range g {
			s += x
		}
		keep("load", s)
		return nil
	})
	require.NoError(t, err)

	diag := 4 * math.Sqrt2 * 0.25 * 4
	want := map[string]float64{
		"area": 1, "perimeter": 4, "left": 1, "u": 3, "jump": 0, "load": 1,
		"interior": 3*4*0.25*2 + diag,
	}
	for name, w := range want {
		vals := values[name]
		require.Len(t, vals, 3, name)
		assert.InDelta(t, w, vals[0], 1e-12, name)
		assert.Equal(t, vals[0], vals[1], "%s identical on every rank", name)
		assert.Equal(t, vals[0], vals[2], "%s identical on every rank", name)
	}
}

func TestInteriorFacetPenalty(t *testing.T) {
	m, err := mesh.UnitSquare(3, 3)
	require.NoError(t, err)
	dg, err := element.NewDG(element.Tri, 1)
	require.NoError(t, err)
	compiler := kernel.NewCompiler(config.Default().Assembly)

	sums := map[int]float64{}
	var mu sync.Mutex
	for _, np := range []int{1, 2} {
		err := parallel.Run(context.Background(), m, layoutOf(t, m, np), func(ctx context.Context, r parallel.Rank) error {
			V, err := space.New(ctx, r.View, r.Comm, dg)
			if err != nil {
				return err
			}
			u, v := form.TrialFunction(V), form.TestFunction(V)
			f, err := form.New(form.DS(form.Mul(form.Jump(u), form.Jump(v))))
			if err != nil {
				return err
			}
			A, err := New(r.View, r.Comm, compiler).AssembleMatrix(ctx, f)
			if err != nil {
				return err
			}
			D, err := A.ToDense(ctx)
			if err != nil {
				return err
			}
			n, _ := D.Dims()
			var abs float64
			for i := 0; i < n; i++ {
				assert.InDelta(t, 0, mat.Sum(D.RowView(i)), 1e-13, "row %d", i)
				for j := 0; j < n; j++ {
					abs += math.Abs(D.At(i, j))
				}
			}
			if r.ID() == 0 {
				mu.Lock()
				sums[np] = abs
				mu.Unlock()
			}
			return nil
		})
		require.NoError(t, err)
	}
	assert.Greater(t, sums[1], 0.0)
	assert.InDelta(t, sums[1], sums[2], 1e-12)
}

// goDevice tabulates with the Go kernel, standing in for an accelerator
type goDevice struct {
	mu        sync.Mutex
	calls     int
	unsupport bool
}

func (d *goDevice) TabulateCells(ctx context.Context, k *kernel.Kernel, coords [][][]float64, coeffs [][][]float64,
	consts []float64) ([][]float64, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.unsupport {
		return nil, ferrors.Unsupported(k.Signature, "no device form")
	}
	out := make([][]float64, len(coords))
	for i := range coords {
		out[i] = make([]float64, k.Size())
		g := []kernel.Geometry{{Coords: coords[i], Facet: -1}}
		if err := k.Tabulate(out[i], g, coeffs[i], consts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func TestDeviceBackend(t *testing.T) {
	m, err := mesh.UnitSquare(2, 2)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)
	opts := config.Default().Assembly
	opts.Backend = config.BackendOCCA
	compiler := kernel.NewCompiler(opts)

	for _, unsupported := range []bool{false, true} {
		t.Run(fmt.Sprintf("unsupported=%v", unsupported), func(t *testing.T) {
			dev := &goDevice{unsupport: unsupported}
			err := parallel.Run(context.Background(), m, layoutOf(t, m, 2), func(ctx context.Context, r parallel.Rank) error {
				V, err := space.New(ctx, r.View, r.Comm, p1)
				if err != nil {
					return err
				}
				f, err := massPlusStiffness(V)
				if err != nil {
					return err
				}
				a := New(r.View, r.Comm, compiler)
				a.Device = dev
				A, err := a.AssembleMatrix(ctx, f)
				if err != nil {
					return err
				}
				plain := New(r.View, r.Comm, compiler)
				B, err := plain.AssembleMatrix(ctx, f)
				if err != nil {
					return err
				}
				_, _, va := A.Triplets()
				_, _, vb := B.Triplets()
				assert.InDeltaSlice(t, vb, va, 1e-15)
				return nil
			})
			require.NoError(t, err)
			assert.Positive(t, dev.calls)
		})
	}
}

func TestBusyTargetIsRejected(t *testing.T) {
	m, err := mesh.UnitInterval(3)
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Line, 1)
	require.NoError(t, err)
	err = parallel.RunSerial(context.Background(), m, func(ctx context.Context, r parallel.Rank) error {
		V, err := space.New(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		L, err := form.New(form.Dx(form.TestFunction(V)))
		if err != nil {
			return err
		}
		b := la.NewVector(V.DOFMap(), r.Comm)
		if err := b.BeginCore(); err != nil {
			return err
		}
		a := New(r.View, r.Comm, kernel.NewCompiler(config.Default().Assembly))
		assert.Error(t, a.Assemble(ctx, L, b))
		assert.Equal(t, la.AccumulatingCore, b.State())

		bad, err := form.New(form.Dx(form.Mul(form.Index(form.FacetNormal(1), 0), form.TestFunction(V))))
		if err != nil {
			return err
		}
		b.Reset()
		assert.ErrorIs(t, a.Assemble(ctx, bad, b), ferrors.ErrUnsupportedForm)
		assert.Equal(t, la.Unassembled, b.State())
		return nil
	})
	require.NoError(t, err)
}

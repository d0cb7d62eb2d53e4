package kernel

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/FEKernel/config"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
)

type testSpace struct {
	el element.FiniteElement
	id string
}

func (s *testSpace) Element() element.FiniteElement { return s.el }
func (s *testSpace) ID() string                     { return s.id }

type testFunc struct {
	el element.FiniteElement
	id int
}

func (f *testFunc) CoefficientID() int             { return f.id }
func (f *testFunc) Element() element.FiniteElement { return f.el }

var unitTri = Geometry{Coords: [][]float64{{0, 0}, {1, 0}, {0, 1}}, Vertices: []int{0, 1, 2}, Facet: -1}

func mustElem(t *testing.T, family string, cell element.GeometryType, order, ncomp int) element.FiniteElement {
	t.Helper()
	el, err := element.New(family, cell, order, ncomp)
	require.NoError(t, err)
	return el
}

func compile(t *testing.T, it form.Integral, args ...element.FiniteElement) *Kernel {
	t.Helper()
	c := NewCompiler(config.Default().Assembly)
	k, _, err := c.Compile(context.Background(), it, element.Tri, args)
	require.NoError(t, err)
	return k
}

func tabulate(t *testing.T, k *Kernel, geoms []Geometry, coeffs [][]float64, consts ...float64) []float64 {
	t.Helper()
	out := make([]float64, k.Size())
	require.NoError(t, k.Tabulate(out, geoms, coeffs, consts))
	return out
}

func TestP1MassOnUnitTriangle(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	k := compile(t, form.Dx(form.Mul(form.TrialFunction(V), form.TestFunction(V))), p1, p1)
	require.Equal(t, 2, k.Rank)
	assert.Equal(t, 2, k.Degree)

	A := tabulate(t, k, []Geometry{unitTri}, nil)
	want := []float64{2, 1, 1, 1, 2, 1, 1, 1, 2}
	for i := range want {
		assert.InDelta(t, want[i]/24, A[i], 1e-14, "entry %d", i)
	}

	t.Run("Deterministic", func(t *testing.T) {
		again := tabulate(t, k, []Geometry{unitTri}, nil)
		assert.Equal(t, A, again)
	})
}

func TestP1StiffnessOnUnitTriangle(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	u, v := form.TrialFunction(V), form.TestFunction(V)
	k := compile(t, form.Dx(form.Inner(form.Grad(u), form.Grad(v))), p1, p1)
	assert.Equal(t, 0, k.Degree)

	A := tabulate(t, k, []Geometry{unitTri}, nil)
	want := []float64{1, -0.5, -0.5, -0.5, 0.5, 0, -0.5, 0, 0.5}
	for i := range want {
		assert.InDelta(t, want[i], A[i], 1e-13, "entry %d", i)
	}
}

func TestVectorMassBlocks(t *testing.T) {
	v1 := mustElem(t, "P", element.Tri, 1, 2)
	V := &testSpace{el: v1, id: "V"}
	k := compile(t, form.Dx(form.Inner(form.TrialFunction(V), form.TestFunction(V))), v1, v1)
	A := tabulate(t, k, []Geometry{unitTri}, nil)
	require.Len(t, A, 36)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m := 1. / 24
			if i == j {
				m = 2. / 24
			}
			for c := 0; c < 2; c++ {
				for cc := 0; cc < 2; cc++ {
					want := 0.
					if c == cc {
						want = m
					}
					assert.InDelta(t, want, A[(i*2+c)*6+j*2+cc], 1e-14)
				}
			}
		}
	}
}

func TestFunctionals(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	f := &testFunc{el: p1, id: 4}

	cases := []struct {
		name   string
		expr   form.Expr
		coeffs [][]float64
		consts []float64
		want   float64
	}{
		{"Area", form.Lit(1), nil, nil, 0.5},
		{"FirstMoment", form.Index(form.SpatialCoordinate(2), 0), nil, nil, 1. / 6},
		{"Coefficient", form.Coefficient(f), [][]float64{{0, 1, 0}}, nil, 1. / 6},
		{"Constant", form.Mul(form.ConstantOf(form.NewConstant("c", 3)), form.CellVolume()), nil, []float64{3}, 0.75},
		{"GradCoefficient", form.Index(form.Grad(form.Coefficient(f)), 1), [][]float64{{0, 0, 2}}, nil, 1},
		{"Exp", form.Exp(form.Lit(0)), nil, nil, 0.5},
		{"Division", form.Divide(form.Lit(1), form.Lit(4)), nil, nil, 0.125},
		{"Power", form.Pow(form.Coefficient(f), form.Lit(2)), [][]float64{{3, 3, 3}}, nil, 4.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := compile(t, form.Dx(tc.expr))
			require.Equal(t, 0, k.Rank)
			out := tabulate(t, k, []Geometry{unitTri}, tc.coeffs, tc.consts...)
			assert.InDelta(t, tc.want, out[0], 1e-12)
		})
	}
}

func TestPointwiseOperators(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	f := &testFunc{el: p1, id: 1}
	four := [][]float64{{4, 4, 4}}

	sq := form.PointExpr("sq", func(y []float64) float64 { return y[0] * y[0] },
		[]func(y []float64) float64{func(y []float64) float64 { return 2 * y[0] }}, form.Coefficient(f))
	root := form.PointSolve("sqrt",
		func(x float64, y []float64) float64 { return x*x - y[0] },
		func(x float64, y []float64) float64 { return 2 * x },
		[]func(x float64, y []float64) float64{func(float64, []float64) float64 { return -1 }},
		[]form.Expr{form.Coefficient(f)}, form.WithGuess(1))

	t.Run("Expr", func(t *testing.T) {
		k := compile(t, form.Dx(sq))
		assert.True(t, k.NonPolynomial)
		assert.InDelta(t, 8, tabulate(t, k, []Geometry{unitTri}, four)[0], 1e-12)
	})
	t.Run("ExprDerivative", func(t *testing.T) {
		k := compile(t, form.Dx(sq.Derivative(0)))
		assert.InDelta(t, 4, tabulate(t, k, []Geometry{unitTri}, four)[0], 1e-12)
	})
	t.Run("Solve", func(t *testing.T) {
		k := compile(t, form.Dx(root))
		assert.InDelta(t, 1, tabulate(t, k, []Geometry{unitTri}, four)[0], 1e-8)
	})
	t.Run("SolveDerivative", func(t *testing.T) {
		// dx/dy = 1/(2x) = 1/4
		k := compile(t, form.Dx(root.Derivative(0)))
		assert.InDelta(t, 0.125, tabulate(t, k, []Geometry{unitTri}, four)[0], 1e-8)
	})
	t.Run("NoRoot", func(t *testing.T) {
		never := form.PointSolve("never",
			func(x float64, y []float64) float64 { return x*x + 1 },
			func(x float64, y []float64) float64 { return 2 * x },
			nil, []form.Expr{form.Coefficient(f)}, form.WithGuess(0.5), form.WithMaxIter(5))
		k := compile(t, form.Dx(never))
		out := make([]float64, 1)
		assert.Error(t, k.Tabulate(out, []Geometry{unitTri}, four, nil))
	})
	t.Run("NoRootWithoutDisp", func(t *testing.T) {
		never := form.PointSolve("never",
			func(x float64, y []float64) float64 { return x*x + 1 },
			func(x float64, y []float64) float64 { return 2 * x },
			nil, []form.Expr{form.Coefficient(f)}, form.WithGuess(0.5), form.WithMaxIter(5), form.WithDisp(false))
		k := compile(t, form.Dx(never))
		out := make([]float64, 1)
		assert.NoError(t, k.Tabulate(out, []Geometry{unitTri}, four, nil), "last iterate is kept")
		assert.False(t, math.IsNaN(out[0]))
	})
	t.Run("Start", func(t *testing.T) {
		// x*x = y from x0 = -y reaches the negative root
		neg := form.PointSolve("sqrt",
			func(x float64, y []float64) float64 { return x*x - y[0] },
			func(x float64, y []float64) float64 { return 2 * x },
			nil, []form.Expr{form.Coefficient(f)}, form.WithGuess(1), form.WithStart(form.Neg(form.Coefficient(f))))
		k := compile(t, form.Dx(neg))
		assert.NotEqual(t, compile(t, form.Dx(root)).Hash, k.Hash)
		assert.InDelta(t, -1, tabulate(t, k, []Geometry{unitTri}, four)[0], 1e-8)
	})
	t.Run("CrossDerivative", func(t *testing.T) {
		c := NewCompiler(config.Default().Assembly)
		_, _, err := c.Compile(context.Background(), form.Dx(sq.Derivative(0).Derivative(0)), element.Tri, nil)
		assert.True(t, errors.Is(err, ferrors.ErrUnsupportedForm))
	})
	t.Run("NoDevice", func(t *testing.T) {
		k := compile(t, form.Dx(sq))
		_, err := GenerateOKL(k, "sq")
		assert.True(t, errors.Is(err, ferrors.ErrUnsupportedForm))
	})
}

func TestExteriorFacet(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}

	t.Run("LoadOnHypotenuse", func(t *testing.T) {
		k := compile(t, form.Ds(form.TestFunction(V)), p1)
		g := unitTri
		g.Facet = 0
		b := tabulate(t, k, []Geometry{g}, nil)
		assert.InDelta(t, 0, b[0], 1e-14)
		assert.InDelta(t, math.Sqrt2/2, b[1], 1e-14)
		assert.InDelta(t, math.Sqrt2/2, b[2], 1e-14)
	})

	t.Run("DivergenceTheorem", func(t *testing.T) {
		// sum over facets of x.n equals the integral of div x = 2 over the cell
		k := compile(t, form.Ds(form.Dot(form.SpatialCoordinate(2), form.FacetNormal(2))))
		var total float64
		for f := 0; f < 3; f++ {
			g := unitTri
			g.Facet = f
			total += tabulate(t, k, []Geometry{g}, nil)[0]
		}
		assert.InDelta(t, 1, total, 1e-13)
	})
}

func TestInteriorFacetJump(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	u, v := form.TrialFunction(V), form.TestFunction(V)
	k := compile(t, form.DS(form.Mul(form.Jump(u), form.Jump(v))), p1, p1)
	require.Equal(t, 6, k.Rows())

	plus := Geometry{Coords: [][]float64{{0, 0}, {1, 0}, {0, 1}}, Vertices: []int{0, 1, 2}, Facet: 0}
	minus := Geometry{Coords: [][]float64{{1, 0}, {1, 1}, {0, 1}}, Vertices: []int{1, 3, 2}, Facet: 1}
	A := tabulate(t, k, []Geometry{plus, minus}, nil)

	for i := 0; i < 6; i++ {
		var row float64
		for j := 0; j < 6; j++ {
			row += A[i*6+j]
			assert.InDelta(t, A[i*6+j], A[j*6+i], 1e-14)
		}
		assert.InDelta(t, 0, row, 1e-13, "continuous constant has no jump")
	}
	var plusBlock float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			plusBlock += A[i*6+j]
		}
	}
	assert.InDelta(t, math.Sqrt2, plusBlock, 1e-13)
}

func TestUnsupportedForms(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	u, v := form.TrialFunction(V), form.TestFunction(V)
	cases := []struct {
		name string
		it   form.Integral
		args []element.FiniteElement
	}{
		{"NestedGrad", form.Dx(form.Mul(form.Trace(form.Grad(form.Grad(u))), v)), []element.FiniteElement{p1, p1}},
		{"NormalInCell", form.Dx(form.Mul(form.Index(form.FacetNormal(2), 0), v)), []element.FiniteElement{p1}},
		{"RestrictionInCell", form.Dx(form.P(v)), []element.FiniteElement{p1}},
		{"UnrestrictedInInterior", form.DS(v), []element.FiniteElement{p1}},
		{"NestedRestriction", form.DS(form.P(form.M(v))), []element.FiniteElement{p1}},
		{"Nonlinear", form.Dx(form.Mul(u, u, v)), []element.FiniteElement{p1, p1}},
		{"FunctionOfArgument", form.Dx(form.Mul(form.Sin(u), v)), []element.FiniteElement{p1, p1}},
		{"MissingTestFunction", form.Dx(form.Add(v, form.Lit(1))), []element.FiniteElement{p1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCompiler(config.Default().Assembly)
			_, _, err := c.Compile(context.Background(), tc.it, element.Tri, tc.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ferrors.ErrUnsupportedForm), "%v", err)
			assert.Equal(t, 0, c.Cache.Len())
		})
	}
}

func TestCacheIdentity(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	W := &testSpace{el: p1, id: "W"}
	f := &testFunc{el: p1, id: 10}
	g := &testFunc{el: p1, id: 20}

	a1, err := form.New(form.Dx(form.Mul(form.Coefficient(f), form.TrialFunction(V), form.TestFunction(V))))
	require.NoError(t, err)
	a2, err := form.New(form.Dx(form.Mul(form.Coefficient(g), form.TrialFunction(W), form.TestFunction(W))))
	require.NoError(t, err)

	c := NewCompiler(config.Default().Assembly)
	ctx := context.Background()
	k1, err := c.CompileForm(ctx, a1, element.Tri)
	require.NoError(t, err)
	k2, err := c.CompileForm(ctx, a2, element.Tri)
	require.NoError(t, err)

	assert.Same(t, k1[0].Kernel, k2[0].Kernel)
	assert.Equal(t, []int{10}, k1[0].Canonical.Coefficients)
	assert.Equal(t, []int{20}, k2[0].Canonical.Coefficients)
	assert.Equal(t, 1, c.Cache.Len())
	assert.Equal(t, int64(1), c.Cache.Misses())
	assert.Equal(t, int64(1), c.Cache.Hits())

	t.Run("DifferentDegree", func(t *testing.T) {
		a3, err := form.New(form.Dx(form.Mul(form.Coefficient(f), form.TrialFunction(V), form.TestFunction(V)), form.Degree(6)))
		require.NoError(t, err)
		k3, err := c.CompileForm(ctx, a3, element.Tri)
		require.NoError(t, err)
		assert.NotSame(t, k1[0].Kernel, k3[0].Kernel)
		assert.Equal(t, 6, k3[0].Kernel.Degree)
	})

	t.Run("Concurrent", func(t *testing.T) {
		c.Cache.Reset()
		assert.Equal(t, 0, c.Cache.Len())
		var wg sync.WaitGroup
		kernels := make([]*Kernel, 8)
		for i := range kernels {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ks, err := c.CompileForm(ctx, a1, element.Tri)
				if err == nil {
					kernels[i] = ks[0].Kernel
				}
			}(i)
		}
		wg.Wait()
		for _, k := range kernels {
			assert.Same(t, kernels[0], k)
		}
		assert.Equal(t, int64(1), c.Cache.Misses())
	})
}

func TestEstimateDegree(t *testing.T) {
	p2 := mustElem(t, "P", element.Tri, 2, 1)
	V := &testSpace{el: p2, id: "V"}
	u, v := form.TrialFunction(V), form.TestFunction(V)
	x := form.Index(form.SpatialCoordinate(2), 0)
	cases := []struct {
		name string
		e    form.Expr
		deg  int
		poly bool
	}{
		{"Mass", form.Mul(u, v), 4, true},
		{"Stiffness", form.Inner(form.Grad(u), form.Grad(v)), 2, true},
		{"Sum", form.Add(form.Mul(u, v), form.Mul(x, v)), 4, true},
		{"IntegerPower", form.Mul(form.Pow(x, form.Lit(3)), v), 5, true},
		{"Sin", form.Mul(form.Sin(x), v), 5, false},
		{"Abs", form.Mul(form.Abs(x), v), 3, true},
		{"RealPower", form.Mul(form.Pow(x, form.Lit(0.5)), v), 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deg, poly, err := estimateDegree(tc.e)
			require.NoError(t, err)
			assert.Equal(t, tc.deg, deg)
			assert.Equal(t, tc.poly, poly)
		})
	}

	t.Run("Clamp", func(t *testing.T) {
		c := &Compiler{Options: config.AssemblyOptions{MinQuadratureDegree: 4, MaxQuadratureDegree: 6}}
		ctx := context.Background()
		assert.Equal(t, 4, c.clampDegree(ctx, 1, false))
		assert.Equal(t, 1, c.clampDegree(ctx, 1, true))
		assert.Equal(t, 6, c.clampDegree(ctx, 9, true))
		assert.Equal(t, 6, c.clampDegree(ctx, 9, false))
	})
}

func TestGenerateOKL(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	f := &testFunc{el: p1, id: 2}
	k := compile(t, form.Dx(form.Mul(form.Coefficient(f), form.Inner(form.Grad(form.TrialFunction(V)), form.Grad(form.TestFunction(V))))), p1, p1)

	o, err := GenerateOKL(k, "stiffness")
	require.NoError(t, err)
	assert.Contains(t, o.Source, "@kernel void stiffness(")
	assert.Contains(t, o.Source, "w0_PART(part)")
	assert.Contains(t, o.Source, "@inner")
	assert.Equal(t, GeomStride(2), o.GeomStride)
	assert.Equal(t, []int{3}, o.CoefficientStride)
	assert.Equal(t, 9, o.Size)
	for _, name := range []string{"W", "XI", "Phi_0", "Dr_0", "Ds_0"} {
		assert.Contains(t, o.Matrices, name)
	}

	t.Run("FacetRejected", func(t *testing.T) {
		kf := compile(t, form.Ds(form.TestFunction(V)), p1)
		_, err := GenerateOKL(kf, "load")
		assert.True(t, errors.Is(err, ferrors.ErrUnsupportedForm))
	})

	t.Run("PackGeometry", func(t *testing.T) {
		g, err := PackGeometry(unitTri.Coords)
		require.NoError(t, err)
		require.Len(t, g, GeomStride(2))
		assert.InDelta(t, 0.25, g[0], 1e-15)
		assert.Equal(t, []float64{0, 0}, g[1:3])
		assert.Equal(t, []float64{0.5, 0, 0, 0.5}, g[3:7])
		assert.Equal(t, []float64{2, 0, 0, 2}, g[7:11])
	})
}

func TestTabulateArgumentErrors(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	f := &testFunc{el: p1, id: 3}
	k := compile(t, form.Dx(form.Mul(form.Coefficient(f), form.TestFunction(V))), p1)

	assert.Error(t, k.Tabulate(make([]float64, 2), []Geometry{unitTri}, [][]float64{{1, 1, 1}}, nil))
	assert.Error(t, k.Tabulate(make([]float64, 3), nil, [][]float64{{1, 1, 1}}, nil))
	assert.Error(t, k.Tabulate(make([]float64, 3), []Geometry{unitTri}, [][]float64{{1}}, nil))
	assert.Error(t, k.Tabulate(make([]float64, 3), []Geometry{unitTri}, nil, nil))
	assert.NoError(t, k.Tabulate(make([]float64, 3), []Geometry{unitTri}, [][]float64{{1, 1, 1}}, nil))
}

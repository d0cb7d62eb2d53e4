package form

import (
	"errors"
	"testing"

	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func mustElem(t *testing.T, family string, cell element.GeometryType, order, ncomp int) element.FiniteElement {
	t.Helper()
	el, err := element.New(family, cell, order, ncomp)
	require.NoError(t, err)
	return el
}

func TestNewForm(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	W := &testSpace{el: p1, id: "W"}
	f := &testFunc{el: p1, id: 7}
	g := &testFunc{el: p1, id: 3}
	u, v := TrialFunction(V), TestFunction(V)

	t.Run("Bilinear", func(t *testing.T) {
		a, err := New(Dx(Mul(Coefficient(f), Inner(Grad(u), Grad(v)))), Ds(Mul(u, v), Subdomain(2)))
		require.NoError(t, err)
		assert.Equal(t, 2, a.Rank())
		assert.Len(t, a.Integrals(), 2)
		assert.Equal(t, 2, a.Integrals()[1].Subdomain)
		assert.True(t, a.HasType(ExteriorFacet))
		assert.False(t, a.HasType(InteriorFacet))
		src, ok := a.Coefficient(7)
		require.True(t, ok)
		assert.Equal(t, f, src)
	})

	t.Run("LinearAndFunctional", func(t *testing.T) {
		L, err := New(Dx(Mul(Coefficient(g), Coefficient(f), v)))
		require.NoError(t, err)
		assert.Equal(t, 1, L.Rank())
		require.Len(t, L.Coefficients(), 2)
		assert.Equal(t, g, L.Coefficients()[0])

		M, err := New(Dx(Coefficient(f)))
		require.NoError(t, err)
		assert.Equal(t, 0, M.Rank())
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := New()
		assert.Error(t, err)
		_, err = New(Dx(u))
		assert.Error(t, err, "trial without test")
		_, err = New(Dx(Mul(u, v)), Dx(v))
		assert.Error(t, err, "inconsistent arity")
		_, err = New(Dx(Mul(TestFunction(V), TestFunction(W))))
		assert.Error(t, err, "argument on two spaces")
		_, err = New(Dx(Grad(v)))
		assert.Error(t, err, "vector integrand")
		_, err = New(Dx(Mul(Grad(u), Grad(v))))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ferrors.ErrUnsupportedForm))
		_, err = New(Dx(Argument(2, V)))
		assert.Error(t, err)
	})
}

func TestShapes(t *testing.T) {
	p2v := mustElem(t, "P", element.Tri, 2, 2)
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	w := Coefficient(&testFunc{el: p2v, id: 1})
	s := Coefficient(&testFunc{el: p1, id: 2})

	cases := []struct {
		name string
		e    Expr
		want []int
	}{
		{"Vector", w, []int{2}},
		{"GradVector", Grad(w), []int{2, 2}},
		{"GradScalar", Grad(s), []int{2}},
		{"Dot", Dot(Grad(w), w), []int{2}},
		{"DotScalar", Dot(w, w), nil},
		{"Transpose", Transpose(Grad(w)), []int{2, 2}},
		{"Trace", Trace(Grad(w)), nil},
		{"Div", Div(w), nil},
		{"Indexed", Index(Grad(w), 1), []int{2}},
		{"Indexed2", Index(Grad(w), 1, 0), nil},
		{"AsVector", AsVector(s, Lit(1), Sqrt(s)), []int{3}},
		{"Normal", FacetNormal(2), []int{2}},
		{"Restricted", P(Grad(s)), []int{2}},
		{"ScaledVector", Mul(s, w), []int{2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ShapeOf(tc.e)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	bad := map[string]Expr{
		"NestedGrad":    Grad(Grad(s)),
		"GradOfSum":     Grad(Add(s, s)),
		"GradPointwise": Grad(PointExpr("sq", func(y []float64) float64 { return y[0] * y[0] }, nil, s)),
		"SumMismatch":   Add(w, s),
		"IndexRange":    Index(w, 2),
		"MathVector":    Exp(w),
		"UnknownFunc":   &MathNode{Func: "tanh", A: s},
		"DivScalar":     Div(s),
		"PointVector":   PointExpr("f", nil, nil, w),
	}
	for name, e := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ShapeOf(e)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ferrors.ErrUnsupportedForm))
		})
	}
}

func TestCanonicalize(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	p2 := mustElem(t, "P", element.Tri, 2, 1)
	V := &testSpace{el: p1, id: "V"}
	V2 := &testSpace{el: p1, id: "V2"}
	u, v := TrialFunction(V), TestFunction(V)
	f1, f2 := &testFunc{el: p1, id: 10}, &testFunc{el: p1, id: 20}
	k1, k2 := NewConstant("k", 1), NewConstant("k", 5)

	a := Canonicalize(Dx(Mul(Coefficient(f1), ConstantOf(k1), u, v)))
	b := Canonicalize(Dx(Mul(Coefficient(f2), ConstantOf(k2), u, v)))
	assert.Equal(t, a.Signature, b.Signature)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, []int{10}, a.Coefficients)
	assert.Equal(t, []int{20}, b.Coefficients)
	assert.Equal(t, []*Constant{k2}, b.Constants)

	// spaces with the same element share kernels
	c := Canonicalize(Dx(Mul(Coefficient(f2), ConstantOf(k2), TrialFunction(V2), TestFunction(V2))))
	assert.Equal(t, a.Hash, c.Hash)

	t.Run("Renumbering", func(t *testing.T) {
		x := Canonicalize(Dx(Mul(Coefficient(f1), Coefficient(f2), v)))
		y := Canonicalize(Dx(Mul(Coefficient(f2), Coefficient(f1), v)))
		assert.Equal(t, x.Signature, y.Signature)
		assert.Equal(t, []int{10, 20}, x.Coefficients)
		assert.Equal(t, []int{20, 10}, y.Coefficients)
		z := Canonicalize(Dx(Mul(Coefficient(f1), Coefficient(f1), v)))
		assert.NotEqual(t, x.Signature, z.Signature)
	})

	t.Run("Distinct", func(t *testing.T) {
		others := []Integral{
			Dx(Mul(Coefficient(&testFunc{el: p2, id: 30}), ConstantOf(k1), u, v)),
			Dx(Mul(Coefficient(f1), Lit(2), u, v)),
			Ds(Mul(Coefficient(f1), ConstantOf(k1), u, v)),
			Dx(Mul(Coefficient(f1), ConstantOf(k1), u, v), Degree(4)),
		}
		for _, it := range others {
			assert.NotEqual(t, a.Hash, Canonicalize(it).Hash, it.String())
		}
	})

	t.Run("SubdomainIgnored", func(t *testing.T) {
		s := Canonicalize(Dx(Mul(Coefficient(f1), ConstantOf(k1), u, v), Subdomain(3)))
		assert.Equal(t, a.Hash, s.Hash)
	})
}

func TestPointwise(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	y := Coefficient(&testFunc{el: p1, id: 1})
	sq := PointExpr("sq", func(y []float64) float64 { return y[0] * y[0] },
		[]func(y []float64) float64{func(y []float64) float64 { return 2 * y[0] }}, y)
	d := sq.Derivative(0)
	assert.Empty(t, sq.Deriv)
	assert.Equal(t, []int{0}, d.Deriv)
	assert.Equal(t, "sq_d0(w_1)", d.String())

	root := PointSolve("cubic",
		func(x float64, y []float64) float64 { return x*x*x - y[0] },
		func(x float64, y []float64) float64 { return 3 * x * x },
		[]func(x float64, y []float64) float64{func(x float64, y []float64) float64 { return -1 }},
		[]Expr{y}, WithGuess(1), WithMaxIter(20))
	assert.Equal(t, DefaultSolveTol, root.Tol)
	assert.Equal(t, 20, root.MaxIter)
	assert.Equal(t, 1.0, root.Guess)
	assert.Equal(t, []int{0, 0}, root.Derivative(0).Derivative(0).Deriv)
	assert.True(t, root.Disp)
	assert.Equal(t, []Expr{y}, root.Operands())

	prev := Coefficient(&testFunc{el: p1, id: 2})
	restart := PointSolve("cubic", root.F, root.Fx, root.Fy, []Expr{y}, WithStart(prev), WithDisp(false))
	assert.False(t, restart.Disp)
	assert.Equal(t, []Expr{y, prev}, restart.Operands(), "the start is part of the expression tree")
	assert.Equal(t, []Expr{y}, restart.Ops)
	r1 := Canonicalize(Dx(Mul(root, TestFunction(&testSpace{el: p1, id: "V"}))))
	r2 := Canonicalize(Dx(Mul(restart, TestFunction(&testSpace{el: p1, id: "V"}))))
	assert.NotEqual(t, r1.Hash, r2.Hash)
	_, err := ShapeOf(PointSolve("bad", root.F, root.Fx, nil, []Expr{y}, WithStart(AsVector(y, y))))
	assert.Error(t, err, "vector start")

	s1 := Canonicalize(Dx(Mul(sq, TestFunction(&testSpace{el: p1, id: "V"}))))
	s2 := Canonicalize(Dx(Mul(d, TestFunction(&testSpace{el: p1, id: "V"}))))
	assert.NotEqual(t, s1.Hash, s2.Hash)
}

func TestString(t *testing.T) {
	p1 := mustElem(t, "P", element.Tri, 1, 1)
	V := &testSpace{el: p1, id: "V"}
	a, err := NewNamed("mass", Dx(Mul(TrialFunction(V), TestFunction(V))))
	require.NoError(t, err)
	assert.Equal(t, "mass: v_1*v_0 dcell", a.String())
	assert.Equal(t, "(v_0('+') + -1*v_0('-'))", Jump(TestFunction(V)).String())
}

package kernel

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/notargets/FEKernel/config"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/quadrature"
	"gonum.org/v1/gonum/mat"
)

// Compiler turns integrals into kernels. A nil Cache compiles every call.
type Compiler struct {
	Options config.AssemblyOptions
	Cache   *Cache
}

// NewCompiler returns a compiler with its own cache
func NewCompiler(opts config.AssemblyOptions) *Compiler {
	return &Compiler{Options: opts, Cache: NewCache()}
}

// Compiled binds a kernel to the integral of one form it was compiled from
type Compiled struct {
	Integral  form.Integral
	Kernel    *Kernel
	Canonical form.Canonical
}

// CompileForm compiles every integral of f on cells of the given type
func (c *Compiler) CompileForm(ctx context.Context, f *form.Form, cell element.GeometryType) ([]Compiled, error) {
	var args []element.FiniteElement
	for _, V := range f.ArgumentSpaces() {
		args = append(args, V.Element())
	}
	out := make([]Compiled, 0, len(f.Integrals()))
	for i, it := range f.Integrals() {
		k, canon, err := c.Compile(ctx, it, cell, args)
		if err != nil {
			return nil, ferrors.WithForm(fmt.Errorf("integral %d: %w", i, err), f.String())
		}
		out = append(out, Compiled{Integral: it, Kernel: k, Canonical: canon})
	}
	return out, nil
}

// Compile returns the kernel of one integral. args are the elements of the
// form's test and trial functions. Equivalent integrals yield the same
// *Kernel when the compiler has a cache.
func (c *Compiler) Compile(ctx context.Context, it form.Integral, cell element.GeometryType,
	args []element.FiniteElement) (*Kernel, form.Canonical, error) {
	logger := logging.FromContext(ctx)
	canon := form.Canonicalize(it)
	deg, poly, err := estimateDegree(it.Integrand)
	if err != nil {
		return nil, canon, err
	}
	if it.Degree != form.AutoDegree {
		deg = it.Degree
	} else {
		deg = c.clampDegree(ctx, deg, poly)
	}
	key := fmt.Sprintf("%s:%v:%d", canon.Hash, cell, deg)
	compile := func() (*Kernel, error) {
		start := time.Now()
		k, err := build(it, canon, cell, args, deg, !poly)
		if err != nil {
			return nil, err
		}
		logger.Debug("kernel compiled", "type", it.Type, "degree", deg,
			"points", k.Rule.NumPoints(), "instructions", len(k.prog.instrs),
			"terms", len(k.terms), "elapsed", time.Since(start))
		return k, nil
	}
	if c.Cache == nil {
		k, err := compile()
		return k, canon, err
	}
	k, err := c.Cache.get(ctx, key, compile)
	return k, canon, err
}

func (c *Compiler) clampDegree(ctx context.Context, deg int, poly bool) int {
	lo, hi := c.Options.MinQuadratureDegree, c.Options.MaxQuadratureDegree
	if !poly && deg < lo {
		return lo
	}
	if hi > 0 && deg > hi {
		if poly {
			logging.FromContext(ctx).Warn("quadrature degree clamped, integral will not be exact",
				"estimated", deg, "max", hi)
		}
		return hi
	}
	return deg
}

func build(it form.Integral, canon form.Canonical, cell element.GeometryType,
	args []element.FiniteElement, deg int, nonPoly bool) (*Kernel, error) {
	k := &Kernel{
		Type:                it.Type,
		Cell:                cell,
		Degree:              deg,
		NonPolynomial:       nonPoly,
		Signature:           canon.Signature,
		Hash:                canon.Hash,
		CoefficientElements: canon.CoefficientElements,
		NumConstants:        len(canon.Constants),
		prog:                newProgram(),
	}
	rank := 0
	err := form.Walk(it.Integrand, func(e form.Expr) error {
		switch n := e.(type) {
		case *form.ArgumentNode:
			if n.Number >= len(args) {
				return ferrors.Unsupported(e.String(), "argument %d without an element", n.Number)
			}
			if n.Space.Element().Signature() != args[n.Number].Signature() {
				return ferrors.Unsupported(e.String(), "argument element %s, expected %s",
					n.Space.Element().Signature(), args[n.Number].Signature())
			}
			if n.Number+1 > rank {
				rank = n.Number + 1
			}
		case *form.SpatialCoordinateNode:
			if n.Dim != int(cell) {
				return ferrors.Unsupported(e.String(), "coordinate of dimension %d on a %v", n.Dim, cell)
			}
		case *form.FacetNormalNode:
			if n.Dim != int(cell) {
				return ferrors.Unsupported(e.String(), "normal of dimension %d on a %v", n.Dim, cell)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	k.Rank = rank
	k.ArgElements = args[:rank]
	for _, el := range append(append([]element.FiniteElement(nil), k.ArgElements...), k.CoefficientElements...) {
		if el.Cell() != cell {
			return nil, ferrors.Unsupported(it.Integrand.String(), "element %s is not on a %v", el.Signature(), cell)
		}
	}

	s := &symbolic{
		p:      k.prog,
		itype:  it.Type,
		rank:   rank,
		slots:  map[int]int{},
		cslots: map[*form.Constant]int{},
		side:   -1,
	}
	for slot, id := range canon.Coefficients {
		s.slots[id] = slot
	}
	for slot, c := range canon.Constants {
		s.cslots[c] = slot
	}
	integrand, err := s.scalarOf(it.Integrand)
	if err != nil {
		return nil, err
	}
	for _, key := range integrand.keys() {
		if v, ok := k.prog.isLit(integrand[key]); ok && v == 0 {
			continue
		}
		if rank >= 1 && !key.test.set {
			return nil, ferrors.Unsupported(it.Integrand.String(), "a term does not depend on the test function")
		}
		if rank == 2 && !key.trial.set {
			return nil, ferrors.Unsupported(it.Integrand.String(), "a term does not depend on the trial function")
		}
		k.terms = append(k.terms, term{test: key.test, trial: key.trial, reg: integrand[key]})
	}

	if err := k.tabulate(deg); err != nil {
		return nil, err
	}
	return k, nil
}

// tabulate builds the quadrature rule and evaluates every element at its
// points, once per local facet and vertex ordering for facet integrals
func (k *Kernel) tabulate(deg int) error {
	ref := element.Reference(k.Cell)
	k.tabs = map[string]*tabulation{}
	if k.Type == form.Cell {
		rule, err := quadrature.New(k.Cell, deg)
		if err != nil {
			return err
		}
		k.Rule = rule
		k.tabs[tabKey(-1, nil)] = k.newTabulation(rule.Points)
		return nil
	}
	rule, err := quadrature.New(k.Cell.Facet(), deg)
	if err != nil {
		return err
	}
	k.Rule = rule
	for f := 0; f < ref.NumEntities(ref.Dim()-1); f++ {
		for _, order := range permutations(ref.FacetVertices(f)) {
			k.tabs[tabKey(f, order)] = k.newTabulation(quadrature.FacetPoints(k.Cell, rule, order))
		}
	}
	return nil
}

func (k *Kernel) newTabulation(points [][]float64) *tabulation {
	t := &tabulation{points: points, basis: map[string]*basisTab{}}
	for _, el := range append(append([]element.FiniteElement(nil), k.ArgElements...), k.CoefficientElements...) {
		sig := el.Signature()
		if _, ok := t.basis[sig]; ok {
			continue
		}
		phi, dphi := el.Tabulate(points)
		bt := &basisTab{phi: denseRows(phi)}
		for _, d := range dphi {
			bt.dref = append(bt.dref, denseRows(d))
		}
		t.basis[sig] = bt
	}
	return t
}

// permutations returns every ordering of a, starting with a itself
func permutations(a []int) [][]int {
	if len(a) <= 1 {
		return [][]int{append([]int(nil), a...)}
	}
	var out [][]int
	for i := range a {
		rest := make([]int, 0, len(a)-1)
		rest = append(rest, a[:i]...)
		rest = append(rest, a[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{a[i]}, p...))
		}
	}
	return out
}

// estimateDegree returns the polynomial degree of an integrand on affine
// cells and whether it is a polynomial at all
func estimateDegree(e form.Expr) (int, bool, error) {
	switch n := e.(type) {
	case *form.ArgumentNode:
		return n.Space.Element().Degree(), true, nil
	case *form.CoefficientNode:
		return n.Element.Degree(), true, nil
	case *form.SpatialCoordinateNode:
		return 1, true, nil
	case *form.ConstantNode, *form.LiteralNode, *form.FacetNormalNode, *form.CellVolumeNode:
		return 0, true, nil
	case *form.SumNode:
		return combine(n.A, n.B, func(a, b int) int { return max(a, b) })
	case *form.ProductNode:
		return combine(n.A, n.B, func(a, b int) int { return a + b })
	case *form.InnerNode:
		return combine(n.A, n.B, func(a, b int) int { return a + b })
	case *form.DotNode:
		return combine(n.A, n.B, func(a, b int) int { return a + b })
	case *form.DivisionNode:
		a, pa, err := estimateDegree(n.A)
		if err != nil {
			return 0, false, err
		}
		b, pb, err := estimateDegree(n.B)
		if err != nil {
			return 0, false, err
		}
		return a + b, pa && pb && b == 0, nil
	case *form.PowerNode:
		a, pa, err := estimateDegree(n.A)
		if err != nil {
			return 0, false, err
		}
		if lit, ok := n.B.(*form.LiteralNode); ok && lit.Value >= 0 && lit.Value == math.Trunc(lit.Value) {
			return a * int(lit.Value), pa, nil
		}
		return a + 2, false, nil
	case *form.GradNode:
		return derivative(n.A)
	case *form.DivNode:
		return derivative(n.A)
	case *form.MathNode:
		a, pa, err := estimateDegree(n.A)
		if err != nil {
			return 0, false, err
		}
		if n.Func == "abs" {
			return a, pa, nil
		}
		return a + 2, false, nil
	case *form.PointExprNode:
		d, _, err := maxDegree(n.Ops)
		return d + 2, false, err
	case *form.PointSolveNode:
		d, _, err := maxDegree(n.Ops)
		return d + 2, false, err
	case *form.IndexedNode, *form.ListTensorNode, *form.TransposeNode, *form.TraceNode, *form.RestrictedNode:
		return maxDegree(e.Operands())
	}
	return 0, false, ferrors.Unsupported(e.String(), "no degree rule for %T", e)
}

func combine(a, b form.Expr, op func(int, int) int) (int, bool, error) {
	da, pa, err := estimateDegree(a)
	if err != nil {
		return 0, false, err
	}
	db, pb, err := estimateDegree(b)
	if err != nil {
		return 0, false, err
	}
	return op(da, db), pa && pb, nil
}

func derivative(e form.Expr) (int, bool, error) {
	d, p, err := estimateDegree(e)
	if d > 0 {
		d--
	}
	return d, p, err
}

func maxDegree(ops []form.Expr) (int, bool, error) {
	deg, poly := 0, true
	for _, o := range ops {
		d, p, err := estimateDegree(o)
		if err != nil {
			return 0, false, err
		}
		deg = max(deg, d)
		poly = poly && p
	}
	return deg, poly, nil
}

func denseRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}

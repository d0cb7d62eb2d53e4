// Package kernel compiles integrals of a form into local element kernels:
// side-effect free procedures that tabulate the element tensor of one cell
// or facet from its geometry, coefficient values and constants.
package kernel

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/quadrature"
)

// Geometry describes one side of the entity a kernel integrates over
type Geometry struct {
	// Coords are the cell's vertex coordinates in local order
	Coords [][]float64
	// Vertices are the global ids of the cell's vertices, used to orient
	// facet quadrature points consistently on both sides of a facet
	Vertices []int
	// Facet is the local facet index, -1 for cell integrals
	Facet int
}

type term struct {
	test, trial atom
	reg         int
}

// basisTab holds an element's scalar basis at the points of one tabulation
type basisTab struct {
	phi  [][]float64   // [q][node]
	dref [][][]float64 // [r][q][node]
}

type tabulation struct {
	points [][]float64 // reference cell coordinates
	basis  map[string]*basisTab
}

// Kernel is a compiled integral. It holds no mutable state and may be used
// from several goroutines.
type Kernel struct {
	Type          form.IntegralType
	Cell          element.GeometryType
	Rank          int
	Degree        int
	NonPolynomial bool
	// Rule is the quadrature rule on the cell, or on the reference facet for
	// facet integrals
	Rule                quadrature.Rule
	Signature           string
	Hash                string
	ArgElements         []element.FiniteElement
	CoefficientElements []element.FiniteElement
	NumConstants        int

	prog  *program
	terms []term
	tabs  map[string]*tabulation
}

// NumSides is 2 for interior facet kernels and 1 otherwise
func (k *Kernel) NumSides() int {
	if k.Type == form.InteriorFacet {
		return 2
	}
	return 1
}

// Rows is the number of test DOFs of the element tensor
func (k *Kernel) Rows() int {
	if k.Rank < 1 {
		return 1
	}
	return k.ArgElements[0].LocalDOFCount() * k.NumSides()
}

// Cols is the number of trial DOFs of the element tensor
func (k *Kernel) Cols() int {
	if k.Rank < 2 {
		return 1
	}
	return k.ArgElements[1].LocalDOFCount() * k.NumSides()
}

// Size is the length of the output buffer of Tabulate
func (k *Kernel) Size() int { return k.Rows() * k.Cols() }

// Program returns a listing of the point instructions
func (k *Kernel) Program() string { return k.prog.String() }

func tabKey(facet int, order []int) string { return fmt.Sprintf("%d:%v", facet, order) }

// facetOrder lists the local vertices of a facet ascending by global vertex id
func facetOrder(ref element.ReferenceCell, g Geometry) []int {
	order := append([]int(nil), ref.FacetVertices(g.Facet)...)
	sort.Slice(order, func(i, j int) bool { return g.Vertices[order[i]] < g.Vertices[order[j]] })
	return order
}

type side struct {
	am       element.AffineMap
	tab      *tabulation
	facet    [][]float64
	opposite []float64
	grads    map[string][][][]float64
}

func (s *side) physGrad(sig string, bt *basisTab) [][][]float64 {
	if g, ok := s.grads[sig]; ok {
		return g
	}
	d := s.am.Dim
	nq := len(bt.phi)
	nn := 0
	if nq > 0 {
		nn = len(bt.phi[0])
	}
	g := make([][][]float64, d)
	dref := make([]float64, d)
	dst := make([]float64, d)
	for i := range g {
		g[i] = make([][]float64, nq)
		for q := range g[i] {
			g[i][q] = make([]float64, nn)
		}
	}
	for q := 0; q < nq; q++ {
		for n := 0; n < nn; n++ {
			for r := 0; r < d; r++ {
				dref[r] = bt.dref[r][q][n]
			}
			s.am.PhysicalGradient(dref, dst)
			for i := 0; i < d; i++ {
				g[i][q][n] = dst[i]
			}
		}
	}
	s.grads[sig] = g
	return g
}

// basis returns the scalar basis values or physical derivatives along dir
func (s *side) basis(el element.FiniteElement, dir int) [][]float64 {
	sig := el.Signature()
	bt := s.tab.basis[sig]
	if dir < 0 {
		return bt.phi
	}
	return s.physGrad(sig, bt)[dir]
}

func (k *Kernel) sides(geoms []Geometry) ([]*side, []float64, error) {
	ref := element.Reference(k.Cell)
	out := make([]*side, len(geoms))
	for i, g := range geoms {
		if len(g.Coords) != k.Cell.NumVertices() {
			return nil, nil, fmt.Errorf("side %d: %d vertices, %v needs %d", i, len(g.Coords), k.Cell, k.Cell.NumVertices())
		}
		am, err := element.NewAffineMap(g.Coords)
		if err != nil {
			return nil, nil, fmt.Errorf("side %d: %w", i, err)
		}
		s := &side{am: am, grads: map[string][][][]float64{}}
		key := tabKey(-1, nil)
		if k.Type != form.Cell {
			if g.Facet < 0 || g.Facet >= ref.NumEntities(ref.Dim()-1) {
				return nil, nil, fmt.Errorf("side %d: local facet %d out of range", i, g.Facet)
			}
			if len(g.Vertices) != len(g.Coords) {
				return nil, nil, fmt.Errorf("side %d: facet kernels need global vertex ids", i)
			}
			key = tabKey(g.Facet, facetOrder(ref, g))
			fv := ref.FacetVertices(g.Facet)
			in := map[int]bool{}
			for _, v := range fv {
				s.facet = append(s.facet, g.Coords[v])
				in[v] = true
			}
			for v := range g.Coords {
				if !in[v] {
					s.opposite = g.Coords[v]
				}
			}
		}
		s.tab = k.tabs[key]
		if s.tab == nil {
			return nil, nil, fmt.Errorf("side %d: no tabulation for %s", i, key)
		}
		out[i] = s
	}

	w := make([]float64, k.Rule.NumPoints())
	scale := math.Abs(out[0].am.DetJ)
	if k.Type != form.Cell {
		scale = element.FacetMeasure(out[0].facet) / element.Reference(k.Cell.Facet()).Volume()
	}
	for q, wq := range k.Rule.Weights {
		w[q] = wq * scale
	}
	return out, w, nil
}

// Tabulate computes the element tensor into out, which is zeroed first.
// For interior facets geoms holds the + side then the - side, coefficient
// values are the + side DOFs followed by the - side DOFs, and rows and
// columns list the + side DOFs first.
func (k *Kernel) Tabulate(out []float64, geoms []Geometry, coeffs [][]float64, consts []float64) error {
	if len(out) != k.Size() {
		return fmt.Errorf("output has length %d, kernel tensor has %d entries", len(out), k.Size())
	}
	if len(geoms) != k.NumSides() {
		return fmt.Errorf("%s kernel needs %d geometries, got %d", k.Type, k.NumSides(), len(geoms))
	}
	if len(coeffs) != len(k.CoefficientElements) {
		return fmt.Errorf("kernel needs %d coefficients, got %d", len(k.CoefficientElements), len(coeffs))
	}
	for i, el := range k.CoefficientElements {
		if want := el.LocalDOFCount() * k.NumSides(); len(coeffs[i]) != want {
			return fmt.Errorf("coefficient %d has %d values, need %d", i, len(coeffs[i]), want)
		}
	}
	if len(consts) != k.NumConstants {
		return fmt.Errorf("kernel needs %d constants, got %d", k.NumConstants, len(consts))
	}
	for i := range out {
		out[i] = 0
	}
	sides, w, err := k.sides(geoms)
	if err != nil {
		return err
	}
	regs, err := k.evaluate(sides, coeffs, consts)
	if err != nil {
		return err
	}

	nq := len(w)
	cols := k.Cols()
	one := []float64{1}
	for _, t := range k.terms {
		wr := make([]float64, nq)
		for q := range wr {
			wr[q] = w[q] * regs[t.reg][q]
		}
		tb, tOff, tStride, tn := k.argBasis(sides, 0, t.test, one)
		rb, rOff, rStride, rn := k.argBasis(sides, 1, t.trial, one)
		for n := 0; n < tn; n++ {
			row := (tOff + n*tStride) * cols
			for m := 0; m < rn; m++ {
				var sum float64
				for q := 0; q < nq; q++ {
					sum += wr[q] * basisAt(tb, q, n) * basisAt(rb, q, m)
				}
				out[row+rOff+m*rStride] += sum
			}
		}
	}
	return nil
}

// argBasis returns the basis table of an atom, the DOF offset of its first
// node, the DOF stride between nodes and the node count
func (k *Kernel) argBasis(sides []*side, number int, a atom, one []float64) ([][]float64, int, int, int) {
	if !a.set {
		return [][]float64{one}, 0, 1, 1
	}
	el := k.ArgElements[number]
	bs := el.BlockSize()
	b := sides[a.side].basis(el, a.dir)
	return b, a.side*el.LocalDOFCount() + a.comp, bs, el.LocalDOFCount() / bs
}

func basisAt(b [][]float64, q, n int) float64 {
	if len(b) == 1 && len(b[0]) == 1 {
		return b[0][0]
	}
	return b[q][n]
}

// evaluate runs the point program over all quadrature points
func (k *Kernel) evaluate(sides []*side, coeffs [][]float64, consts []float64) ([][]float64, error) {
	nq := k.Rule.NumPoints()
	ref := element.Reference(k.Cell)
	regs := make([][]float64, len(k.prog.instrs))
	var x [][]float64
	for r, in := range k.prog.instrs {
		v := make([]float64, nq)
		regs[r] = v
		arg := func(i int) []float64 { return regs[in.args[i]] }
		switch in.op {
		case opLit:
			fill(v, in.imm)
		case opConst:
			fill(v, consts[in.a])
		case opCoef:
			el := k.CoefficientElements[in.a]
			bs := el.BlockSize()
			off := in.b*el.LocalDOFCount() + in.c
			b := sides[in.b].basis(el, in.d)
			c := coeffs[in.a]
			for q := 0; q < nq; q++ {
				var sum float64
				for n, phi := range b[q] {
					sum += c[off+n*bs] * phi
				}
				v[q] = sum
			}
		case opX:
			if x == nil {
				x = make([][]float64, nq)
				for q, xi := range sides[0].tab.points {
					x[q] = sides[0].am.Push(xi)
				}
			}
			for q := range v {
				v[q] = x[q][in.a]
			}
		case opNormal:
			n := element.OutwardNormal(sides[in.a].facet, sides[in.a].opposite)
			fill(v, n[in.b])
		case opVolume:
			fill(v, math.Abs(sides[in.a].am.DetJ)*ref.Volume())
		case opAdd:
			a, b := arg(0), arg(1)
			for q := range v {
				v[q] = a[q] + b[q]
			}
		case opMul:
			a, b := arg(0), arg(1)
			for q := range v {
				v[q] = a[q] * b[q]
			}
		case opDiv:
			a, b := arg(0), arg(1)
			for q := range v {
				v[q] = a[q] / b[q]
			}
		case opPow:
			a, b := arg(0), arg(1)
			for q := range v {
				v[q] = math.Pow(a[q], b[q])
			}
		case opSqrt, opExp, opLn, opSin, opCos, opAbs:
			f := unaryFuncs[in.op]
			a := arg(0)
			for q := range v {
				v[q] = f(a[q])
			}
		case opPointExpr:
			pe := k.prog.pexprs[in.a]
			f := pe.F
			if in.b >= 0 {
				f = pe.DF[in.b]
			}
			y := make([]float64, len(in.args))
			for q := range v {
				for i, r := range in.args {
					y[i] = regs[r][q]
				}
				v[q] = f(y)
			}
		case opPointSolve:
			if in.b >= 0 {
				copy(v, regs[in.b])
			} else {
				fill(v, k.prog.psolves[in.a].Guess)
			}
			if err := newton(k.prog.psolves[in.a], v, regs, in.args); err != nil {
				return nil, err
			}
		case opSolveDeriv:
			ps := k.prog.psolves[in.a]
			root := arg(0)
			y := make([]float64, len(in.args)-1)
			for q := range v {
				for i, r := range in.args[1:] {
					y[i] = regs[r][q]
				}
				fx := ps.Fx(root[q], y)
				if fx == 0 {
					return nil, fmt.Errorf("pointwise solve %s: zero df/dx at the root", ps.Name)
				}
				v[q] = -ps.Fy[in.b](root[q], y) / fx
			}
		default:
			return nil, fmt.Errorf("unknown opcode %v", in.op)
		}
	}
	return regs, nil
}

var unaryFuncs = map[opcode]func(float64) float64{
	opSqrt: math.Sqrt, opExp: math.Exp, opLn: math.Log, opSin: math.Sin, opCos: math.Cos, opAbs: math.Abs,
}

// newton finds x with f(x, y) = 0 at every point from the iterate already
// in x, iterating all points together until each one has converged
func newton(ps *form.PointSolveNode, x []float64, regs [][]float64, args []int) error {
	tol, maxIter := ps.Tol, ps.MaxIter
	if tol <= 0 {
		tol = form.DefaultSolveTol
	}
	if maxIter <= 0 {
		maxIter = form.DefaultSolveMaxIter
	}
	done := make([]bool, len(x))
	remaining := len(x)
	worst := 0.0
	y := make([]float64, len(args))
	for it := 0; it < maxIter && remaining > 0; it++ {
		worst = 0
		for q := range x {
			if done[q] {
				continue
			}
			for i, r := range args {
				y[i] = regs[r][q]
			}
			fx := ps.Fx(x[q], y)
			if fx == 0 {
				return fmt.Errorf("pointwise solve %s: zero derivative at point %d", ps.Name, q)
			}
			dx := ps.F(x[q], y) / fx
			x[q] -= dx
			if math.Abs(dx) <= tol {
				done[q] = true
				remaining--
			} else {
				worst = max(worst, math.Abs(dx))
			}
		}
	}
	if remaining > 0 && ps.Disp {
		return fmt.Errorf("pointwise solve %s: %d points did not converge in %d iterations, last step %g",
			ps.Name, remaining, maxIter, worst)
	}
	return nil
}

func fill(v []float64, a float64) {
	for i := range v {
		v[i] = a
	}
}

package kernel

import (
	"sort"

	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
)

// atom is one basis quantity of an argument: the value (dir -1) or the
// physical derivative along dir of component comp, on side 0 (+ or
// unrestricted) or 1 (-)
type atom struct {
	set  bool
	side int
	comp int
	dir  int
}

// pair is the argument dependence of a term: test atom and trial atom
type pair struct {
	test, trial atom
}

func (a atom) less(b atom) bool {
	if a.set != b.set {
		return !a.set
	}
	if a.side != b.side {
		return a.side < b.side
	}
	if a.comp != b.comp {
		return a.comp < b.comp
	}
	return a.dir < b.dir
}

func (p pair) less(q pair) bool {
	if p.test != q.test {
		return p.test.less(q.test)
	}
	return p.trial.less(q.trial)
}

// lin is a scalar as a sum over argument dependences, each weighted by a
// point register. An empty lin is zero.
type lin map[pair]int

func (l lin) keys() []pair {
	ks := make([]pair, 0, len(l))
	for k := range l {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].less(ks[j]) })
	return ks
}

// tensor is a value of some shape with row-major components
type tensor struct {
	shape []int
	comps []lin
}

func scalarT(l lin) tensor { return tensor{comps: []lin{l}} }

// symbolic lowers an integrand into point instructions plus the argument
// dependence of every term
type symbolic struct {
	p      *program
	itype  form.IntegralType
	rank   int
	slots  map[int]int
	cslots map[*form.Constant]int
	side   int // -1 unrestricted
}

func (s *symbolic) unsupported(e form.Expr, format string, args ...interface{}) error {
	return ferrors.Unsupported(e.String(), format, args...)
}

func (s *symbolic) sideIndex() int {
	if s.side < 0 {
		return 0
	}
	return s.side
}

func (s *symbolic) constLin(r int) lin {
	if v, ok := s.p.isLit(r); ok && v == 0 {
		return lin{}
	}
	return lin{pair{}: r}
}

func (s *symbolic) addLin(a, b lin) lin {
	out := lin{}
	for _, k := range a.keys() {
		out[k] = a[k]
	}
	for _, k := range b.keys() {
		if r, ok := out[k]; ok {
			out[k] = s.p.add(r, b[k])
		} else {
			out[k] = b[k]
		}
	}
	return out
}

func (s *symbolic) mulLin(e form.Expr, a, b lin) (lin, error) {
	out := lin{}
	for _, ka := range a.keys() {
		for _, kb := range b.keys() {
			if ka.test.set && kb.test.set {
				return nil, s.unsupported(e, "product of two test function terms is not linear")
			}
			if ka.trial.set && kb.trial.set {
				return nil, s.unsupported(e, "product of two trial function terms is not linear")
			}
			k := ka
			if kb.test.set {
				k.test = kb.test
			}
			if kb.trial.set {
				k.trial = kb.trial
			}
			r := s.p.mul(a[ka], b[kb])
			if prev, ok := out[k]; ok {
				r = s.p.add(prev, r)
			}
			out[k] = r
		}
	}
	return out, nil
}

// pointReg returns the register of an argument-free scalar
func (s *symbolic) pointReg(e form.Expr, l lin) (int, error) {
	for k := range l {
		if k.test.set || k.trial.set {
			return 0, s.unsupported(e, "nonlinear operation applied to a form argument")
		}
	}
	if r, ok := l[pair{}]; ok {
		return r, nil
	}
	return s.p.lit(0), nil
}

func (s *symbolic) scalarOf(e form.Expr) (lin, error) {
	t, err := s.eval(e)
	if err != nil {
		return nil, err
	}
	if len(t.shape) != 0 {
		return nil, s.unsupported(e, "expected a scalar, got shape %v", t.shape)
	}
	return t.comps[0], nil
}

func (s *symbolic) eval(e form.Expr) (tensor, error) {
	switch n := e.(type) {
	case *form.ArgumentNode:
		return s.argument(e, n, -1)
	case *form.CoefficientNode:
		return s.coefficient(e, n, -1)
	case *form.ConstantNode:
		slot, ok := s.cslots[n.C]
		if !ok {
			return tensor{}, s.unsupported(e, "constant missing from signature")
		}
		return scalarT(s.constLin(s.p.emit(instr{op: opConst, a: slot}))), nil
	case *form.LiteralNode:
		return scalarT(s.constLin(s.p.lit(n.Value))), nil
	case *form.SpatialCoordinateNode:
		t := tensor{shape: []int{n.Dim}}
		for i := 0; i < n.Dim; i++ {
			t.comps = append(t.comps, s.constLin(s.p.emit(instr{op: opX, a: i})))
		}
		return t, nil
	case *form.FacetNormalNode:
		if s.itype == form.Cell {
			return tensor{}, s.unsupported(e, "facet normal in a cell integral")
		}
		if s.itype == form.InteriorFacet && s.side < 0 {
			return tensor{}, s.unsupported(e, "unrestricted facet normal in an interior facet integral")
		}
		t := tensor{shape: []int{n.Dim}}
		for i := 0; i < n.Dim; i++ {
			t.comps = append(t.comps, s.constLin(s.p.emit(instr{op: opNormal, a: s.sideIndex(), b: i})))
		}
		return t, nil
	case *form.CellVolumeNode:
		if s.itype == form.InteriorFacet && s.side < 0 {
			return tensor{}, s.unsupported(e, "unrestricted cell volume in an interior facet integral")
		}
		return scalarT(s.constLin(s.p.emit(instr{op: opVolume, a: s.sideIndex()}))), nil
	case *form.RestrictedNode:
		if s.itype != form.InteriorFacet {
			return tensor{}, s.unsupported(e, "restriction outside an interior facet integral")
		}
		if s.side >= 0 {
			return tensor{}, s.unsupported(e, "nested restriction")
		}
		s.side = 0
		if n.Side == form.Minus {
			s.side = 1
		}
		t, err := s.eval(n.A)
		s.side = -1
		return t, err
	case *form.SumNode:
		a, b, err := s.eval2(n.A, n.B)
		if err != nil {
			return tensor{}, err
		}
		if !sameShape(a.shape, b.shape) {
			return tensor{}, s.unsupported(e, "sum of shapes %v and %v", a.shape, b.shape)
		}
		out := tensor{shape: a.shape, comps: make([]lin, len(a.comps))}
		for i := range a.comps {
			out.comps[i] = s.addLin(a.comps[i], b.comps[i])
		}
		return out, nil
	case *form.ProductNode:
		a, b, err := s.eval2(n.A, n.B)
		if err != nil {
			return tensor{}, err
		}
		if len(a.shape) != 0 && len(b.shape) != 0 {
			return tensor{}, s.unsupported(e, "product of non-scalars")
		}
		if len(a.shape) != 0 {
			a, b = b, a
		}
		out := tensor{shape: b.shape, comps: make([]lin, len(b.comps))}
		for i := range b.comps {
			if out.comps[i], err = s.mulLin(e, a.comps[0], b.comps[i]); err != nil {
				return tensor{}, err
			}
		}
		return out, nil
	case *form.DivisionNode:
		a, err := s.eval(n.A)
		if err != nil {
			return tensor{}, err
		}
		den, err := s.scalarOf(n.B)
		if err != nil {
			return tensor{}, err
		}
		if len(den) == 0 {
			return tensor{}, s.unsupported(e, "division by zero")
		}
		rd, err := s.pointReg(e, den)
		if err != nil {
			return tensor{}, err
		}
		out := tensor{shape: a.shape, comps: make([]lin, len(a.comps))}
		for i, c := range a.comps {
			out.comps[i] = lin{}
			for _, k := range c.keys() {
				out.comps[i][k] = s.p.div(c[k], rd)
			}
		}
		return out, nil
	case *form.PowerNode:
		base, err := s.scalarOf(n.A)
		if err != nil {
			return tensor{}, err
		}
		exp, err := s.scalarOf(n.B)
		if err != nil {
			return tensor{}, err
		}
		re, err := s.pointReg(e, exp)
		if err != nil {
			return tensor{}, err
		}
		if v, ok := s.p.isLit(re); ok && v == 1 {
			return scalarT(base), nil
		}
		rb, err := s.pointReg(e, base)
		if err != nil {
			return tensor{}, err
		}
		return scalarT(s.constLin(s.p.emit(instr{op: opPow, args: []int{rb, re}}))), nil
	case *form.InnerNode:
		a, b, err := s.eval2(n.A, n.B)
		if err != nil {
			return tensor{}, err
		}
		if !sameShape(a.shape, b.shape) {
			return tensor{}, s.unsupported(e, "inner product of shapes %v and %v", a.shape, b.shape)
		}
		sum := lin{}
		for i := range a.comps {
			t, err := s.mulLin(e, a.comps[i], b.comps[i])
			if err != nil {
				return tensor{}, err
			}
			sum = s.addLin(sum, t)
		}
		return scalarT(sum), nil
	case *form.DotNode:
		a, b, err := s.eval2(n.A, n.B)
		if err != nil {
			return tensor{}, err
		}
		return s.dot(e, a, b)
	case *form.IndexedNode:
		a, err := s.eval(n.A)
		if err != nil {
			return tensor{}, err
		}
		if len(n.Indices) > len(a.shape) {
			return tensor{}, s.unsupported(e, "too many indices")
		}
		offset, stride := 0, len(a.comps)
		for k, i := range n.Indices {
			if i < 0 || i >= a.shape[k] {
				return tensor{}, s.unsupported(e, "index %d out of range", i)
			}
			stride /= a.shape[k]
			offset += i * stride
		}
		return tensor{shape: a.shape[len(n.Indices):], comps: a.comps[offset : offset+stride]}, nil
	case *form.ListTensorNode:
		var out tensor
		for i, it := range n.Items {
			t, err := s.eval(it)
			if err != nil {
				return tensor{}, err
			}
			if i > 0 && !sameShape(t.shape, out.shape[1:]) {
				return tensor{}, s.unsupported(e, "vector items of different shapes")
			}
			if i == 0 {
				out.shape = append([]int{len(n.Items)}, t.shape...)
			}
			out.comps = append(out.comps, t.comps...)
		}
		return out, nil
	case *form.GradNode:
		return s.grad(e, n.A)
	case *form.DivNode:
		g, err := s.grad(e, n.A)
		if err != nil {
			return tensor{}, err
		}
		if len(g.shape) != 2 || g.shape[0] != g.shape[1] {
			return tensor{}, s.unsupported(e, "divergence of shape %v", g.shape[:len(g.shape)-1])
		}
		return s.trace(g), nil
	case *form.TransposeNode:
		a, err := s.eval(n.A)
		if err != nil {
			return tensor{}, err
		}
		if len(a.shape) != 2 {
			return tensor{}, s.unsupported(e, "transpose of shape %v", a.shape)
		}
		r, c := a.shape[0], a.shape[1]
		out := tensor{shape: []int{c, r}, comps: make([]lin, r*c)}
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.comps[j*r+i] = a.comps[i*c+j]
			}
		}
		return out, nil
	case *form.TraceNode:
		a, err := s.eval(n.A)
		if err != nil {
			return tensor{}, err
		}
		if len(a.shape) != 2 || a.shape[0] != a.shape[1] {
			return tensor{}, s.unsupported(e, "trace of shape %v", a.shape)
		}
		return s.trace(a), nil
	case *form.MathNode:
		op, ok := mathOps[n.Func]
		if !ok {
			return tensor{}, s.unsupported(e, "no kernel rule for function %q", n.Func)
		}
		a, err := s.scalarOf(n.A)
		if err != nil {
			return tensor{}, err
		}
		r, err := s.pointReg(e, a)
		if err != nil {
			return tensor{}, err
		}
		return scalarT(s.constLin(s.p.unary(op, r))), nil
	case *form.PointExprNode:
		return s.pointExpr(e, n)
	case *form.PointSolveNode:
		return s.pointSolve(e, n)
	}
	return tensor{}, s.unsupported(e, "no kernel rule for %T", e)
}

func (s *symbolic) eval2(a, b form.Expr) (tensor, tensor, error) {
	ta, err := s.eval(a)
	if err != nil {
		return tensor{}, tensor{}, err
	}
	tb, err := s.eval(b)
	if err != nil {
		return tensor{}, tensor{}, err
	}
	return ta, tb, nil
}

func (s *symbolic) argument(e form.Expr, n *form.ArgumentNode, dir int) (tensor, error) {
	if n.Number >= s.rank {
		return tensor{}, s.unsupported(e, "argument %d in a form of rank %d", n.Number, s.rank)
	}
	if s.itype == form.InteriorFacet && s.side < 0 {
		return tensor{}, s.unsupported(e, "unrestricted argument in an interior facet integral")
	}
	el := n.Space.Element()
	bs := el.BlockSize()
	d := int(el.Cell())
	t := tensor{}
	if bs > 1 {
		t.shape = []int{bs}
	}
	dirs := []int{-1}
	if dir >= 0 {
		t.shape = append(t.shape, d)
		dirs = dirs[:0]
		for i := 0; i < d; i++ {
			dirs = append(dirs, i)
		}
	}
	one := s.p.lit(1)
	for c := 0; c < bs; c++ {
		for _, di := range dirs {
			a := atom{set: true, side: s.sideIndex(), comp: c, dir: di}
			k := pair{test: a}
			if n.Number == 1 {
				k = pair{trial: a}
			}
			t.comps = append(t.comps, lin{k: one})
		}
	}
	return t, nil
}

func (s *symbolic) coefficient(e form.Expr, n *form.CoefficientNode, dir int) (tensor, error) {
	if s.itype == form.InteriorFacet && s.side < 0 {
		return tensor{}, s.unsupported(e, "unrestricted coefficient in an interior facet integral")
	}
	slot, ok := s.slots[n.ID]
	if !ok {
		return tensor{}, s.unsupported(e, "coefficient %d missing from signature", n.ID)
	}
	bs := n.Element.BlockSize()
	d := int(n.Element.Cell())
	t := tensor{}
	if bs > 1 {
		t.shape = []int{bs}
	}
	dirs := []int{-1}
	if dir >= 0 {
		t.shape = append(t.shape, d)
		dirs = dirs[:0]
		for i := 0; i < d; i++ {
			dirs = append(dirs, i)
		}
	}
	for c := 0; c < bs; c++ {
		for _, di := range dirs {
			r := s.p.emit(instr{op: opCoef, a: slot, b: s.sideIndex(), c: c, d: di})
			t.comps = append(t.comps, s.constLin(r))
		}
	}
	return t, nil
}

func (s *symbolic) grad(e, operand form.Expr) (tensor, error) {
	if _, err := form.GradDim(operand); err != nil {
		return tensor{}, err
	}
	if r, ok := operand.(*form.RestrictedNode); ok {
		if s.itype != form.InteriorFacet {
			return tensor{}, s.unsupported(e, "restriction outside an interior facet integral")
		}
		if s.side >= 0 {
			return tensor{}, s.unsupported(e, "nested restriction")
		}
		s.side = 0
		if r.Side == form.Minus {
			s.side = 1
		}
		t, err := s.grad(e, r.A)
		s.side = -1
		return t, err
	}
	switch n := operand.(type) {
	case *form.ArgumentNode:
		return s.argument(operand, n, 0)
	case *form.CoefficientNode:
		return s.coefficient(operand, n, 0)
	case *form.SpatialCoordinateNode:
		t := tensor{shape: []int{n.Dim, n.Dim}}
		for i := 0; i < n.Dim; i++ {
			for j := 0; j < n.Dim; j++ {
				v := 0.
				if i == j {
					v = 1
				}
				t.comps = append(t.comps, s.constLin(s.p.lit(v)))
			}
		}
		return t, nil
	}
	return tensor{}, s.unsupported(e, "gradient of a non-terminal expression")
}

func (s *symbolic) trace(a tensor) tensor {
	n := a.shape[0]
	sum := lin{}
	for i := 0; i < n; i++ {
		sum = s.addLin(sum, a.comps[i*n+i])
	}
	return scalarT(sum)
}

func (s *symbolic) dot(e form.Expr, a, b tensor) (tensor, error) {
	if len(a.shape) == 0 || len(b.shape) == 0 || a.shape[len(a.shape)-1] != b.shape[0] {
		return tensor{}, s.unsupported(e, "dot of shapes %v and %v", a.shape, b.shape)
	}
	k := b.shape[0]
	rows := len(a.comps) / k
	cols := len(b.comps) / k
	out := tensor{shape: append(append([]int(nil), a.shape[:len(a.shape)-1]...), b.shape[1:]...)}
	if len(out.shape) == 0 {
		out.shape = nil
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sum := lin{}
			for m := 0; m < k; m++ {
				t, err := s.mulLin(e, a.comps[i*k+m], b.comps[m*cols+j])
				if err != nil {
					return tensor{}, err
				}
				sum = s.addLin(sum, t)
			}
			out.comps = append(out.comps, sum)
		}
	}
	return out, nil
}

func (s *symbolic) operandRegs(e form.Expr, ops []form.Expr) ([]int, error) {
	regs := make([]int, len(ops))
	for i, o := range ops {
		l, err := s.scalarOf(o)
		if err != nil {
			return nil, err
		}
		if regs[i], err = s.pointReg(e, l); err != nil {
			return nil, err
		}
	}
	return regs, nil
}

func (s *symbolic) pointExpr(e form.Expr, n *form.PointExprNode) (tensor, error) {
	if len(n.Deriv) > 1 {
		return tensor{}, s.unsupported(e, "cross derivatives of pointwise operators")
	}
	if n.F == nil {
		return tensor{}, s.unsupported(e, "pointwise operator without a function")
	}
	deriv := -1
	if len(n.Deriv) == 1 {
		deriv = n.Deriv[0]
		if deriv < 0 || deriv >= len(n.Ops) || deriv >= len(n.DF) || n.DF[deriv] == nil {
			return tensor{}, s.unsupported(e, "no partial derivative %d supplied", deriv)
		}
	}
	regs, err := s.operandRegs(e, n.Ops)
	if err != nil {
		return tensor{}, err
	}
	idx := len(s.p.pexprs)
	for i, pe := range s.p.pexprs {
		if pe == n {
			idx = i
		}
	}
	if idx == len(s.p.pexprs) {
		s.p.pexprs = append(s.p.pexprs, n)
	}
	r := s.p.emit(instr{op: opPointExpr, a: idx, b: deriv, args: regs})
	return scalarT(lin{pair{}: r}), nil
}

func (s *symbolic) pointSolve(e form.Expr, n *form.PointSolveNode) (tensor, error) {
	if len(n.Deriv) > 1 {
		return tensor{}, s.unsupported(e, "cross derivatives of pointwise operators")
	}
	if n.F == nil || n.Fx == nil {
		return tensor{}, s.unsupported(e, "pointwise solve needs f and df/dx")
	}
	if len(n.Deriv) == 1 {
		i := n.Deriv[0]
		if i < 0 || i >= len(n.Ops) || i >= len(n.Fy) || n.Fy[i] == nil {
			return tensor{}, s.unsupported(e, "no partial derivative df/dy_%d supplied", i)
		}
	}
	regs, err := s.operandRegs(e, n.Ops)
	if err != nil {
		return tensor{}, err
	}
	// derivatives share the root of the undifferentiated solve
	idx := -1
	for i, ps := range s.p.psolves {
		if ps.Name == n.Name && len(ps.Deriv) == 0 {
			idx = i
		}
	}
	if idx < 0 {
		base := *n
		base.Deriv = nil
		idx = len(s.p.psolves)
		s.p.psolves = append(s.p.psolves, &base)
	}
	start := -1
	if n.Start != nil {
		r, err := s.operandRegs(e, []form.Expr{n.Start})
		if err != nil {
			return tensor{}, err
		}
		start = r[0]
	}
	root := s.p.emit(instr{op: opPointSolve, a: idx, b: start, args: regs})
	if len(n.Deriv) == 0 {
		return scalarT(lin{pair{}: root}), nil
	}
	args := append([]int{root}, regs...)
	r := s.p.emit(instr{op: opSolveDeriv, a: idx, b: n.Deriv[0], args: args})
	return scalarT(lin{pair{}: r}), nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

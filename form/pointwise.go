package form

import (
	"fmt"
	"strings"
)

// Default Newton parameters for PointSolve
const (
	DefaultSolveTol     = 1.48e-8
	DefaultSolveMaxIter = 50
)

// PointExprNode is f(y_1, ..., y_n) evaluated pointwise on scalar operands.
// With Deriv set it evaluates the partial derivative df/dy_i instead.
type PointExprNode struct {
	Name string
	F    func(y []float64) float64
	// DF[i] is the partial derivative of F with respect to operand i
	DF    []func(y []float64) float64
	Ops   []Expr
	Deriv []int // derivative path; at most one entry is supported
}

// PointSolveNode is the root x of f(x, y_1, ..., y_n) = 0, found per point
// with Newton's method. With Deriv set it evaluates dx/dy_i by implicit
// differentiation.
type PointSolveNode struct {
	Name    string
	F       func(x float64, y []float64) float64
	Fx      func(x float64, y []float64) float64
	Fy      []func(x float64, y []float64) float64
	Ops     []Expr
	Tol     float64
	MaxIter int
	Guess   float64
	Deriv   []int

	// Start, when set, is the initial iterate at every point and overrides
	// Guess. Pass the function holding the previous root to restart from it.
	Start Expr

	// Disp makes points still unconverged after MaxIter an error. Without
	// it the last iterate is kept.
	Disp bool
}

func (*PointExprNode) sealed()  {}
func (*PointSolveNode) sealed() {}

func (n *PointExprNode) Operands() []Expr  { return n.Ops }
func (n *PointSolveNode) Operands() []Expr {
	if n.Start == nil {
		return n.Ops
	}
	return append(append([]Expr(nil), n.Ops...), n.Start)
}

func (n *PointExprNode) String() string {
	return fmt.Sprintf("%s%s(%s)", n.Name, derivSuffix(n.Deriv), joinExprs(n.Ops))
}

func (n *PointSolveNode) String() string {
	return fmt.Sprintf("solve_%s%s(%s)", n.Name, derivSuffix(n.Deriv), joinExprs(n.Ops))
}

// PointExpr builds a pointwise operator. Name identifies f in kernel
// signatures, so different functions must use different names.
func PointExpr(name string, f func(y []float64) float64, df []func(y []float64) float64, operands ...Expr) *PointExprNode {
	return &PointExprNode{Name: name, F: f, DF: df, Ops: append([]Expr(nil), operands...)}
}

// Derivative returns the partial derivative with respect to operand i
func (n *PointExprNode) Derivative(i int) *PointExprNode {
	cp := *n
	cp.Deriv = append(append([]int(nil), n.Deriv...), i)
	return &cp
}

// SolveOption adjusts a PointSolve
type SolveOption func(*PointSolveNode)

func WithTol(tol float64) SolveOption  { return func(n *PointSolveNode) { n.Tol = tol } }
func WithMaxIter(k int) SolveOption    { return func(n *PointSolveNode) { n.MaxIter = k } }
func WithGuess(x0 float64) SolveOption { return func(n *PointSolveNode) { n.Guess = x0 } }
func WithStart(x0 Expr) SolveOption    { return func(n *PointSolveNode) { n.Start = x0 } }
func WithDisp(disp bool) SolveOption   { return func(n *PointSolveNode) { n.Disp = disp } }

// PointSolve builds a pointwise implicit operator
func PointSolve(name string, f, fx func(x float64, y []float64) float64,
	fy []func(x float64, y []float64) float64, operands []Expr, opts ...SolveOption) *PointSolveNode {
	n := &PointSolveNode{
		Name: name, F: f, Fx: fx, Fy: fy,
		Ops:     append([]Expr(nil), operands...),
		Tol:     DefaultSolveTol,
		MaxIter: DefaultSolveMaxIter,
		Disp:    true,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Derivative returns dx/dy_i
func (n *PointSolveNode) Derivative(i int) *PointSolveNode {
	cp := *n
	cp.Deriv = append(append([]int(nil), n.Deriv...), i)
	return &cp
}

func derivSuffix(d []int) string {
	var sb strings.Builder
	for _, i := range d {
		fmt.Fprintf(&sb, "_d%d", i)
	}
	return sb.String()
}

func joinExprs(es []Expr) string {
	s := make([]string, len(es))
	for i, e := range es {
		s[i] = e.String()
	}
	return strings.Join(s, ", ")
}

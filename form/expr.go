// Package form is the symbolic weak-form algebra consumed by the kernel
// compiler: an immutable, acyclic expression tree over arguments,
// coefficients and geometric quantities, grouped into integrals.
//
// Coefficients are referenced by ID. The form keeps a table from ID to the
// coefficient source, so expression nodes never point back at the objects
// that hold numeric values.
package form

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/notargets/FEKernel/element"
)

// Expr is a node of an expression tree. The set of node kinds is closed.
type Expr interface {
	// Operands returns the child expressions
	Operands() []Expr
	String() string
	sealed()
}

// Space is what an argument needs from a function space
type Space interface {
	Element() element.FiniteElement
	ID() string
}

// Source is what a coefficient needs from the object holding its values
type Source interface {
	CoefficientID() int
	Element() element.FiniteElement
}

// Side selects one cell of an interior facet
type Side int8

const (
	NoSide Side = iota
	Plus
	Minus
)

func (s Side) String() string {
	switch s {
	case Plus:
		return "+"
	case Minus:
		return "-"
	}
	return ""
}

type (
	// ArgumentNode is a test (Number 0) or trial (Number 1) function
	ArgumentNode struct {
		Number int
		Space  Space
	}
	// CoefficientNode references a known function by ID
	CoefficientNode struct {
		ID      int
		Element element.FiniteElement
		Label   string
		src     Source
	}
	ConstantNode struct {
		C *Constant
	}
	LiteralNode struct {
		Value float64
	}
	SpatialCoordinateNode struct {
		Dim int
	}
	FacetNormalNode struct {
		Dim int
	}
	CellVolumeNode struct{}

	SumNode struct {
		A, B Expr
	}
	ProductNode struct {
		A, B Expr
	}
	DivisionNode struct {
		A, B Expr
	}
	PowerNode struct {
		A, B Expr
	}
	InnerNode struct {
		A, B Expr
	}
	DotNode struct {
		A, B Expr
	}
	IndexedNode struct {
		A       Expr
		Indices []int
	}
	ListTensorNode struct {
		Items []Expr
	}
	GradNode struct {
		A Expr
	}
	DivNode struct {
		A Expr
	}
	TransposeNode struct {
		A Expr
	}
	TraceNode struct {
		A Expr
	}
	MathNode struct {
		Func string // sqrt, exp, ln, sin, cos, abs
		A    Expr
	}
	RestrictedNode struct {
		A    Expr
		Side Side
	}
)

// Constant is a scalar whose value is read at assembly time, so changing it
// never triggers recompilation
type Constant struct {
	id    int64
	Name  string
	Value float64
}

var constantIDs atomic.Int64

// NewConstant creates a runtime constant
func NewConstant(name string, value float64) *Constant {
	return &Constant{id: constantIDs.Add(1), Name: name, Value: value}
}

func (c *Constant) ID() int64 { return c.id }

func (*ArgumentNode) sealed()          {}
func (*CoefficientNode) sealed()       {}
func (*ConstantNode) sealed()          {}
func (*LiteralNode) sealed()           {}
func (*SpatialCoordinateNode) sealed() {}
func (*FacetNormalNode) sealed()       {}
func (*CellVolumeNode) sealed()        {}
func (*SumNode) sealed()               {}
func (*ProductNode) sealed()           {}
func (*DivisionNode) sealed()          {}
func (*PowerNode) sealed()             {}
func (*InnerNode) sealed()             {}
func (*DotNode) sealed()               {}
func (*IndexedNode) sealed()           {}
func (*ListTensorNode) sealed()        {}
func (*GradNode) sealed()              {}
func (*DivNode) sealed()               {}
func (*TransposeNode) sealed()         {}
func (*TraceNode) sealed()             {}
func (*MathNode) sealed()              {}
func (*RestrictedNode) sealed()        {}

func (*ArgumentNode) Operands() []Expr          { return nil }
func (*CoefficientNode) Operands() []Expr       { return nil }
func (*ConstantNode) Operands() []Expr          { return nil }
func (*LiteralNode) Operands() []Expr           { return nil }
func (*SpatialCoordinateNode) Operands() []Expr { return nil }
func (*FacetNormalNode) Operands() []Expr       { return nil }
func (*CellVolumeNode) Operands() []Expr        { return nil }
func (n *SumNode) Operands() []Expr             { return []Expr{n.A, n.B} }
func (n *ProductNode) Operands() []Expr         { return []Expr{n.A, n.B} }
func (n *DivisionNode) Operands() []Expr        { return []Expr{n.A, n.B} }
func (n *PowerNode) Operands() []Expr           { return []Expr{n.A, n.B} }
func (n *InnerNode) Operands() []Expr           { return []Expr{n.A, n.B} }
func (n *DotNode) Operands() []Expr             { return []Expr{n.A, n.B} }
func (n *IndexedNode) Operands() []Expr         { return []Expr{n.A} }
func (n *ListTensorNode) Operands() []Expr      { return n.Items }
func (n *GradNode) Operands() []Expr            { return []Expr{n.A} }
func (n *DivNode) Operands() []Expr             { return []Expr{n.A} }
func (n *TransposeNode) Operands() []Expr       { return []Expr{n.A} }
func (n *TraceNode) Operands() []Expr           { return []Expr{n.A} }
func (n *MathNode) Operands() []Expr            { return []Expr{n.A} }
func (n *RestrictedNode) Operands() []Expr      { return []Expr{n.A} }

func (n *ArgumentNode) String() string {
	return fmt.Sprintf("v_%d", n.Number)
}
func (n *CoefficientNode) String() string {
	if n.Label != "" {
		return n.Label
	}
	return fmt.Sprintf("w_%d", n.ID)
}
func (n *ConstantNode) String() string {
	if n.C.Name != "" {
		return n.C.Name
	}
	return fmt.Sprintf("c_%d", n.C.id)
}
func (n *LiteralNode) String() string           { return formatFloat(n.Value) }
func (n *SpatialCoordinateNode) String() string { return "x" }
func (n *FacetNormalNode) String() string       { return "n" }
func (n *CellVolumeNode) String() string        { return "volume" }
func (n *SumNode) String() string               { return fmt.Sprintf("(%s + %s)", n.A, n.B) }
func (n *ProductNode) String() string           { return fmt.Sprintf("%s*%s", n.A, n.B) }
func (n *DivisionNode) String() string          { return fmt.Sprintf("%s/%s", n.A, n.B) }
func (n *PowerNode) String() string             { return fmt.Sprintf("%s**%s", n.A, n.B) }
func (n *InnerNode) String() string             { return fmt.Sprintf("inner(%s, %s)", n.A, n.B) }
func (n *DotNode) String() string               { return fmt.Sprintf("dot(%s, %s)", n.A, n.B) }
func (n *IndexedNode) String() string {
	idx := make([]string, len(n.Indices))
	for i, k := range n.Indices {
		idx[i] = fmt.Sprint(k)
	}
	return fmt.Sprintf("%s[%s]", n.A, strings.Join(idx, ","))
}
func (n *ListTensorNode) String() string {
	items := make([]string, len(n.Items))
	for i, it := range n.Items {
		items[i] = it.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}
func (n *GradNode) String() string       { return fmt.Sprintf("grad(%s)", n.A) }
func (n *DivNode) String() string        { return fmt.Sprintf("div(%s)", n.A) }
func (n *TransposeNode) String() string  { return fmt.Sprintf("transpose(%s)", n.A) }
func (n *TraceNode) String() string      { return fmt.Sprintf("tr(%s)", n.A) }
func (n *MathNode) String() string       { return fmt.Sprintf("%s(%s)", n.Func, n.A) }
func (n *RestrictedNode) String() string { return fmt.Sprintf("%s('%s')", n.A, n.Side) }

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%v", v)
}

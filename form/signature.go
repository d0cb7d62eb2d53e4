package form

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/notargets/FEKernel/element"
)

// Canonical is the structure of an integral with coefficients and constants
// renumbered by first appearance. Equivalent integrals of different forms
// share a Signature; the slot lists bind a kernel's inputs back to the form.
type Canonical struct {
	Signature string
	Hash      string

	// Coefficients[slot] is the coefficient ID feeding kernel slot
	Coefficients        []int
	CoefficientElements []element.FiniteElement
	Constants           []*Constant
}

// Canonicalize computes the canonical signature of an integral
func Canonicalize(it Integral) Canonical {
	c := Canonical{}
	slots := map[int]int{}
	cslots := map[*Constant]int{}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s;q=%d;", it.Type, it.Degree)
	var emit func(e Expr)
	emit = func(e Expr) {
		switch n := e.(type) {
		case *ArgumentNode:
			fmt.Fprintf(&sb, "v%d<%s>", n.Number, n.Space.Element().Signature())
			return
		case *CoefficientNode:
			s, ok := slots[n.ID]
			if !ok {
				s = len(c.Coefficients)
				slots[n.ID] = s
				c.Coefficients = append(c.Coefficients, n.ID)
				c.CoefficientElements = append(c.CoefficientElements, n.Element)
			}
			fmt.Fprintf(&sb, "w%d<%s>", s, n.Element.Signature())
			return
		case *ConstantNode:
			s, ok := cslots[n.C]
			if !ok {
				s = len(c.Constants)
				cslots[n.C] = s
				c.Constants = append(c.Constants, n.C)
			}
			fmt.Fprintf(&sb, "c%d", s)
			return
		case *LiteralNode:
			sb.WriteString(strconv.FormatFloat(n.Value, 'g', -1, 64))
			return
		case *SpatialCoordinateNode:
			fmt.Fprintf(&sb, "x%d", n.Dim)
			return
		case *FacetNormalNode:
			fmt.Fprintf(&sb, "n%d", n.Dim)
			return
		case *CellVolumeNode:
			sb.WriteString("vol")
			return
		case *IndexedNode:
			fmt.Fprintf(&sb, "idx%v", n.Indices)
		case *MathNode:
			sb.WriteString(n.Func)
		case *RestrictedNode:
			fmt.Fprintf(&sb, "r%s", n.Side)
		case *PointExprNode:
			fmt.Fprintf(&sb, "pe:%s%s", n.Name, derivSuffix(n.Deriv))
		case *PointSolveNode:
			fmt.Fprintf(&sb, "ps:%s%s:%g:%d:%g:%t:%t", n.Name, derivSuffix(n.Deriv), n.Tol, n.MaxIter, n.Guess,
				n.Start != nil, n.Disp)
		default:
			sb.WriteString(nodeTag(e))
		}
		sb.WriteByte('(')
		for i, o := range e.Operands() {
			if i > 0 {
				sb.WriteByte(',')
			}
			emit(o)
		}
		sb.WriteByte(')')
	}
	emit(it.Integrand)
	c.Signature = sb.String()
	sum := sha256.Sum256([]byte(c.Signature))
	c.Hash = hex.EncodeToString(sum[:])
	return c
}

func nodeTag(e Expr) string {
	switch e.(type) {
	case *SumNode:
		return "add"
	case *ProductNode:
		return "mul"
	case *DivisionNode:
		return "div"
	case *PowerNode:
		return "pow"
	case *InnerNode:
		return "inner"
	case *DotNode:
		return "dot"
	case *ListTensorNode:
		return "vec"
	case *GradNode:
		return "grad"
	case *DivNode:
		return "divergence"
	case *TransposeNode:
		return "T"
	case *TraceNode:
		return "tr"
	}
	return fmt.Sprintf("%T", e)
}

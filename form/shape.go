package form

import (
	"github.com/notargets/FEKernel/ferrors"
)

// ShapeOf returns the value shape of e: nil for scalars, [n] for vectors,
// [n, m] for matrices
func ShapeOf(e Expr) ([]int, error) {
	switch n := e.(type) {
	case *ArgumentNode:
		return blockShape(n.Space.Element().BlockSize()), nil
	case *CoefficientNode:
		return blockShape(n.Element.BlockSize()), nil
	case *ConstantNode, *LiteralNode, *CellVolumeNode:
		return nil, nil
	case *SpatialCoordinateNode:
		return []int{n.Dim}, nil
	case *FacetNormalNode:
		return []int{n.Dim}, nil
	case *SumNode:
		a, b, err := shapes2(n.A, n.B)
		if err != nil {
			return nil, err
		}
		if !equalShape(a, b) {
			return nil, ferrors.Unsupported(e.String(), "sum of shapes %v and %v", a, b)
		}
		return a, nil
	case *ProductNode:
		a, b, err := shapes2(n.A, n.B)
		if err != nil {
			return nil, err
		}
		switch {
		case len(a) == 0:
			return b, nil
		case len(b) == 0:
			return a, nil
		}
		return nil, ferrors.Unsupported(e.String(), "product of non-scalars %v and %v, use Inner or Dot", a, b)
	case *DivisionNode:
		a, b, err := shapes2(n.A, n.B)
		if err != nil {
			return nil, err
		}
		if len(b) != 0 {
			return nil, ferrors.Unsupported(e.String(), "division by non-scalar of shape %v", b)
		}
		return a, nil
	case *PowerNode:
		a, b, err := shapes2(n.A, n.B)
		if err != nil {
			return nil, err
		}
		if len(a) != 0 || len(b) != 0 {
			return nil, ferrors.Unsupported(e.String(), "power requires scalar operands")
		}
		return nil, nil
	case *InnerNode:
		a, b, err := shapes2(n.A, n.B)
		if err != nil {
			return nil, err
		}
		if !equalShape(a, b) {
			return nil, ferrors.Unsupported(e.String(), "inner product of shapes %v and %v", a, b)
		}
		return nil, nil
	case *DotNode:
		a, b, err := shapes2(n.A, n.B)
		if err != nil {
			return nil, err
		}
		if len(a) == 0 || len(b) == 0 || a[len(a)-1] != b[0] {
			return nil, ferrors.Unsupported(e.String(), "dot of shapes %v and %v", a, b)
		}
		out := append(append([]int(nil), a[:len(a)-1]...), b[1:]...)
		return normShape(out), nil
	case *IndexedNode:
		a, err := ShapeOf(n.A)
		if err != nil {
			return nil, err
		}
		if len(n.Indices) == 0 || len(n.Indices) > len(a) {
			return nil, ferrors.Unsupported(e.String(), "%d indices into shape %v", len(n.Indices), a)
		}
		for k, i := range n.Indices {
			if i < 0 || i >= a[k] {
				return nil, ferrors.Unsupported(e.String(), "index %d out of range for extent %d", i, a[k])
			}
		}
		return normShape(append([]int(nil), a[len(n.Indices):]...)), nil
	case *ListTensorNode:
		if len(n.Items) == 0 {
			return nil, ferrors.Unsupported(e.String(), "empty vector")
		}
		first, err := ShapeOf(n.Items[0])
		if err != nil {
			return nil, err
		}
		for _, it := range n.Items[1:] {
			s, err := ShapeOf(it)
			if err != nil {
				return nil, err
			}
			if !equalShape(s, first) {
				return nil, ferrors.Unsupported(e.String(), "vector items of shapes %v and %v", first, s)
			}
		}
		if len(first) > 1 {
			return nil, ferrors.Unsupported(e.String(), "tensors above rank 2")
		}
		return append([]int{len(n.Items)}, first...), nil
	case *GradNode:
		a, err := ShapeOf(n.A)
		if err != nil {
			return nil, err
		}
		d, err := GradDim(n.A)
		if err != nil {
			return nil, err
		}
		if len(a) > 1 {
			return nil, ferrors.Unsupported(e.String(), "gradient of rank %d value", len(a))
		}
		return append(append([]int(nil), a...), d), nil
	case *DivNode:
		a, err := ShapeOf(n.A)
		if err != nil {
			return nil, err
		}
		d, err := GradDim(n.A)
		if err != nil {
			return nil, err
		}
		if len(a) != 1 || a[0] != d {
			return nil, ferrors.Unsupported(e.String(), "divergence of shape %v in %dD", a, d)
		}
		return nil, nil
	case *TransposeNode:
		a, err := ShapeOf(n.A)
		if err != nil {
			return nil, err
		}
		if len(a) != 2 {
			return nil, ferrors.Unsupported(e.String(), "transpose of shape %v", a)
		}
		return []int{a[1], a[0]}, nil
	case *TraceNode:
		a, err := ShapeOf(n.A)
		if err != nil {
			return nil, err
		}
		if len(a) != 2 || a[0] != a[1] {
			return nil, ferrors.Unsupported(e.String(), "trace of shape %v", a)
		}
		return nil, nil
	case *MathNode:
		a, err := ShapeOf(n.A)
		if err != nil {
			return nil, err
		}
		if len(a) != 0 {
			return nil, ferrors.Unsupported(e.String(), "%s of non-scalar", n.Func)
		}
		if !knownMath(n.Func) {
			return nil, ferrors.Unsupported(e.String(), "unknown function %q", n.Func)
		}
		return nil, nil
	case *RestrictedNode:
		return ShapeOf(n.A)
	case *PointExprNode:
		return nil, scalarOperands(e, n.Ops)
	case *PointSolveNode:
		return nil, scalarOperands(e, n.Operands())
	}
	return nil, ferrors.Unsupported(e.String(), "unknown expression node %T", e)
}

// GradDim returns the spatial dimension a gradient of e is taken in. Only
// arguments, coefficients and the spatial coordinate, possibly restricted,
// have a gradient.
func GradDim(e Expr) (int, error) {
	switch n := e.(type) {
	case *RestrictedNode:
		return GradDim(n.A)
	case *ArgumentNode:
		return int(n.Space.Element().Cell()), nil
	case *CoefficientNode:
		return int(n.Element.Cell()), nil
	case *SpatialCoordinateNode:
		return n.Dim, nil
	case *GradNode:
		return 0, ferrors.Unsupported(e.String(), "nested gradient")
	case *PointExprNode, *PointSolveNode:
		return 0, ferrors.Unsupported(e.String(), "gradient of a pointwise operator")
	}
	return 0, ferrors.Unsupported(e.String(), "gradient of a non-terminal expression")
}

func shapes2(a, b Expr) ([]int, []int, error) {
	sa, err := ShapeOf(a)
	if err != nil {
		return nil, nil, err
	}
	sb, err := ShapeOf(b)
	if err != nil {
		return nil, nil, err
	}
	return sa, sb, nil
}

func scalarOperands(e Expr, ops []Expr) error {
	for _, o := range ops {
		s, err := ShapeOf(o)
		if err != nil {
			return err
		}
		if len(s) != 0 {
			return ferrors.Unsupported(e.String(), "pointwise operand %s has shape %v", o, s)
		}
	}
	return nil
}

func blockShape(bs int) []int {
	if bs == 1 {
		return nil
	}
	return []int{bs}
}

func normShape(s []int) []int {
	if len(s) == 0 {
		return nil
	}
	return s
}

func equalShape(a, b []int) bool {
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

func knownMath(f string) bool {
	for _, m := range MathFuncs {
		if m == f {
			return true
		}
	}
	return false
}

package form

// TestFunction is argument 0 on space V
func TestFunction(V Space) Expr { return &ArgumentNode{Number: 0, Space: V} }

// TrialFunction is argument 1 on space V
func TrialFunction(V Space) Expr { return &ArgumentNode{Number: 1, Space: V} }

// Argument returns argument number on V
func Argument(number int, V Space) Expr { return &ArgumentNode{Number: number, Space: V} }

// Coefficient references a known function. Only the ID and element are kept
// in the tree; the form resolves the ID back to src through its table.
func Coefficient(src Source) Expr {
	return &CoefficientNode{ID: src.CoefficientID(), Element: src.Element(), src: src}
}

// Named is Coefficient with a label used when printing
func Named(src Source, label string) Expr {
	return &CoefficientNode{ID: src.CoefficientID(), Element: src.Element(), Label: label, src: src}
}

func ConstantOf(c *Constant) Expr { return &ConstantNode{C: c} }
func Lit(v float64) Expr          { return &LiteralNode{Value: v} }

func SpatialCoordinate(dim int) Expr { return &SpatialCoordinateNode{Dim: dim} }
func FacetNormal(dim int) Expr       { return &FacetNormalNode{Dim: dim} }
func CellVolume() Expr               { return &CellVolumeNode{} }

// Add sums any number of operands left to right
func Add(a Expr, rest ...Expr) Expr {
	for _, b := range rest {
		a = &SumNode{A: a, B: b}
	}
	return a
}

// Sub is a - b
func Sub(a, b Expr) Expr { return &SumNode{A: a, B: &ProductNode{A: Lit(-1), B: b}} }

func Neg(a Expr) Expr { return &ProductNode{A: Lit(-1), B: a} }

// Mul multiplies operands left to right. At most one operand of each
// product may be non-scalar.
func Mul(a Expr, rest ...Expr) Expr {
	for _, b := range rest {
		a = &ProductNode{A: a, B: b}
	}
	return a
}

// Scale is Mul(Lit(s), a)
func Scale(s float64, a Expr) Expr { return &ProductNode{A: Lit(s), B: a} }

// Divide is a / b for scalar b
func Divide(a, b Expr) Expr { return &DivisionNode{A: a, B: b} }

func Pow(a, b Expr) Expr         { return &PowerNode{A: a, B: b} }
func Inner(a, b Expr) Expr       { return &InnerNode{A: a, B: b} }
func Dot(a, b Expr) Expr         { return &DotNode{A: a, B: b} }
func Index(a Expr, i ...int) Expr { return &IndexedNode{A: a, Indices: append([]int(nil), i...)} }
func AsVector(items ...Expr) Expr { return &ListTensorNode{Items: append([]Expr(nil), items...)} }
func Grad(a Expr) Expr           { return &GradNode{A: a} }
func Div(a Expr) Expr            { return &DivNode{A: a} }
func Transpose(a Expr) Expr      { return &TransposeNode{A: a} }
func Trace(a Expr) Expr          { return &TraceNode{A: a} }

func Sqrt(a Expr) Expr { return &MathNode{Func: "sqrt", A: a} }
func Exp(a Expr) Expr  { return &MathNode{Func: "exp", A: a} }
func Ln(a Expr) Expr   { return &MathNode{Func: "ln", A: a} }
func Sin(a Expr) Expr  { return &MathNode{Func: "sin", A: a} }
func Cos(a Expr) Expr  { return &MathNode{Func: "cos", A: a} }
func Abs(a Expr) Expr  { return &MathNode{Func: "abs", A: a} }

// MathFuncs lists the accepted MathNode functions
var MathFuncs = []string{"sqrt", "exp", "ln", "sin", "cos", "abs"}

// P restricts a to the '+' side of an interior facet
func P(a Expr) Expr { return &RestrictedNode{A: a, Side: Plus} }

// M restricts a to the '-' side of an interior facet
func M(a Expr) Expr { return &RestrictedNode{A: a, Side: Minus} }

// Jump is a('+') - a('-')
func Jump(a Expr) Expr { return Sub(P(a), M(a)) }

// JumpN is the normal jump a('+') n('+') + a('-') n('-') of a scalar, or
// the normal component jump for a vector
func JumpN(a Expr, n Expr) Expr {
	return Add(Mul(P(a), P(n)), Mul(M(a), M(n)))
}

// JumpDot is dot(a('+'), n('+')) + dot(a('-'), n('-'))
func JumpDot(a Expr, n Expr) Expr {
	return Add(Dot(P(a), P(n)), Dot(M(a), M(n)))
}

// Avg is (a('+') + a('-'))/2
func Avg(a Expr) Expr { return Scale(0.5, Add(P(a), M(a))) }

package kernel

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
)

// OKL is the device source of a cell kernel. The kernel expects the builder
// preamble (real_t, NPART, KpartMax, the _PART macros and the Matrices as
// static arrays) and takes, after the K array, the partitioned arrays
// geom, w0..w{n-1} and A, then a plain consts array.
type OKL struct {
	Name     string
	Source   string
	Matrices map[string]mat.Matrix
	// GeomStride values per cell, see PackGeometry
	GeomStride int
	// CoefficientStride[slot] values per cell
	CoefficientStride []int
	// Size values per cell in A
	Size int
}

// GeomStride is the number of values PackGeometry produces for a d-cell
func GeomStride(d int) int { return 1 + d + 2*d*d }

// PackGeometry lays out |det J|, x0, J (row major) and J^-1 (K[r][i] at
// r*d+i) of an affine cell for device kernels
func PackGeometry(coords [][]float64) ([]float64, error) {
	am, err := element.NewAffineMap(coords)
	if err != nil {
		return nil, err
	}
	d := am.Dim
	g := make([]float64, 0, GeomStride(d))
	g = append(g, math.Abs(am.DetJ))
	g = append(g, am.X0...)
	for i := 0; i < d; i++ {
		g = append(g, am.J.RawRowView(i)...)
	}
	for r := 0; r < d; r++ {
		g = append(g, am.Kinv.RawRowView(r)...)
	}
	return g, nil
}

// GenerateOKL emits device source for a cell kernel. Pointwise operators
// call back into Go and have no device form.
func GenerateOKL(k *Kernel, name string) (*OKL, error) {
	if k.Type != form.Cell {
		return nil, ferrors.Unsupported(k.Signature, "device kernels support cell integrals only, got %s", k.Type)
	}
	if k.prog.usesPointwise() {
		return nil, ferrors.Unsupported(k.Signature, "pointwise operators have no device form")
	}
	d := int(k.Cell)
	nq := k.Rule.NumPoints()
	tab := k.tabs[tabKey(-1, nil)]
	o := &OKL{
		Name:       name,
		Matrices:   map[string]mat.Matrix{},
		GeomStride: GeomStride(d),
		Size:       k.Size(),
	}
	o.Matrices["W"] = mat.NewDense(1, nq, append([]float64(nil), k.Rule.Weights...))
	xi := mat.NewDense(nq, d, nil)
	for q, p := range tab.points {
		xi.SetRow(q, p)
	}
	o.Matrices["XI"] = xi

	// element tables are named by first use
	elemIdx := map[string]int{}
	elemName := func(el element.FiniteElement) int {
		sig := el.Signature()
		if i, ok := elemIdx[sig]; ok {
			return i
		}
		i := len(elemIdx)
		elemIdx[sig] = i
		for name, m := range element.TabulationMatrices(strconv.Itoa(i), el, tab.points) {
			o.Matrices[name] = m
		}
		return i
	}
	basis := func(el element.FiniteElement, dir int, n string) string {
		e := strconv.Itoa(elemName(el))
		if dir < 0 {
			return fmt.Sprintf("%s[q][%s]", element.BasisTable(e), n)
		}
		terms := make([]string, d)
		for r := 0; r < d; r++ {
			terms[r] = fmt.Sprintf("g[%d]*%s[q][%s]", 1+d+d*d+r*d+dir, element.DerivativeTable(r, e), n)
		}
		return "(" + strings.Join(terms, " + ") + ")"
	}

	for _, el := range k.CoefficientElements {
		o.CoefficientStride = append(o.CoefficientStride, el.LocalDOFCount())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "@kernel void %s(const int_t *K,\n", name)
	sb.WriteString("    const real_t *geom_global, const int_t *geom_offsets,\n")
	for i := range k.CoefficientElements {
		fmt.Fprintf(&sb, "    const real_t *w%d_global, const int_t *w%d_offsets,\n", i, i)
	}
	sb.WriteString("    real_t *A_global, const int_t *A_offsets,\n")
	sb.WriteString("    const real_t *consts) {\n")
	sb.WriteString("  for (int part = 0; part < NPART; ++part; @outer) {\n")
	sb.WriteString("    const real_t *geom = geom_PART(part);\n")
	for i := range k.CoefficientElements {
		fmt.Fprintf(&sb, "    const real_t *w%d = w%d_PART(part);\n", i, i)
	}
	sb.WriteString("    real_t *A = A_PART(part);\n")
	sb.WriteString("    for (int elem = 0; elem < KpartMax; ++elem; @inner) {\n")
	sb.WriteString("      if (elem < K[part]) {\n")
	fmt.Fprintf(&sb, "        const real_t *g = geom + elem*%d;\n", o.GeomStride)
	fmt.Fprintf(&sb, "        real_t *out = A + elem*%d;\n", o.Size)
	fmt.Fprintf(&sb, "        for (int i = 0; i < %d; ++i) out[i] = REAL_ZERO;\n", o.Size)
	fmt.Fprintf(&sb, "        for (int q = 0; q < %d; ++q) {\n", nq)
	sb.WriteString("          const real_t wq = W[0][q]*g[0];\n")

	const ind = "          "
	refVol := element.Reference(k.Cell).Volume()
	for r, in := range k.prog.instrs {
		a := func(i int) string { return fmt.Sprintf("r%d", in.args[i]) }
		var expr string
		switch in.op {
		case opLit:
			expr = strconvFloat(in.imm)
		case opConst:
			expr = fmt.Sprintf("consts[%d]", in.a)
		case opCoef:
			el := k.CoefficientElements[in.a]
			bs := el.BlockSize()
			np := el.LocalDOFCount() / bs
			fmt.Fprintf(&sb, "%sreal_t r%d = REAL_ZERO;\n", ind, r)
			fmt.Fprintf(&sb, "%sfor (int n = 0; n < %d; ++n) r%d += w%d[elem*%d + %d + n*%d]*%s;\n",
				ind, np, r, in.a, el.LocalDOFCount(), in.c, bs, basis(el, in.d, "n"))
			continue
		case opX:
			terms := []string{fmt.Sprintf("g[%d]", 1+in.a)}
			for s := 0; s < d; s++ {
				terms = append(terms, fmt.Sprintf("g[%d]*(XI[q][%d] + REAL_ONE)", 1+d+in.a*d+s, s))
			}
			expr = strings.Join(terms, " + ")
		case opVolume:
			expr = fmt.Sprintf("g[0]*%s", strconvFloat(refVol))
		case opAdd:
			expr = fmt.Sprintf("%s + %s", a(0), a(1))
		case opMul:
			expr = fmt.Sprintf("%s*%s", a(0), a(1))
		case opDiv:
			expr = fmt.Sprintf("%s/%s", a(0), a(1))
		case opPow:
			expr = fmt.Sprintf("pow(%s, %s)", a(0), a(1))
		case opSqrt, opExp, opLn, opSin, opCos, opAbs:
			expr = fmt.Sprintf("%s(%s)", cFuncs[in.op], a(0))
		default:
			return nil, ferrors.Unsupported(k.Signature, "no device rule for %v", in.op)
		}
		fmt.Fprintf(&sb, "%sconst real_t r%d = %s;\n", ind, r, expr)
	}

	cols := k.Cols()
	for _, t := range k.terms {
		tn, tOff, tStride, tb := 1, 0, 1, "REAL_ONE"
		if t.test.set {
			el := k.ArgElements[0]
			tStride = el.BlockSize()
			tn, tOff = el.LocalDOFCount()/tStride, t.test.comp
			tb = basis(el, t.test.dir, "n")
		}
		rn, rOff, rStride, rb := 1, 0, 1, "REAL_ONE"
		if t.trial.set {
			el := k.ArgElements[1]
			rStride = el.BlockSize()
			rn, rOff = el.LocalDOFCount()/rStride, t.trial.comp
			rb = basis(el, t.trial.dir, "m")
		}
		fmt.Fprintf(&sb, "%sfor (int n = 0; n < %d; ++n) {\n", ind, tn)
		fmt.Fprintf(&sb, "%s  for (int m = 0; m < %d; ++m) {\n", ind, rn)
		fmt.Fprintf(&sb, "%s    out[(%d + n*%d)*%d + %d + m*%d] += wq*r%d*%s*%s;\n",
			ind, tOff, tStride, cols, rOff, rStride, t.reg, tb, rb)
		fmt.Fprintf(&sb, "%s  }\n%s}\n", ind, ind)
	}
	sb.WriteString("        }\n      }\n    }\n  }\n}\n")
	o.Source = sb.String()
	return o, nil
}

var cFuncs = map[opcode]string{
	opSqrt: "sqrt", opExp: "exp", opLn: "log", opSin: "sin", opCos: "cos", opAbs: "fabs",
}

func strconvFloat(v float64) string {
	s := fmt.Sprintf("%.17g", v)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}


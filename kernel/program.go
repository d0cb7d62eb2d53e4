package kernel

import (
	"fmt"
	"math"
	"strings"

	"github.com/notargets/FEKernel/form"
)

// opcode of a point instruction. Every instruction produces one value per
// quadrature point and never depends on the basis function index.
type opcode uint8

const (
	opLit    opcode = iota // imm
	opConst                // a = constant slot
	opCoef                 // a = coefficient slot, b = side, c = component, d = direction (-1 value)
	opX                    // a = coordinate
	opNormal               // a = side, b = component
	opVolume               // a = side
	opAdd                  // args[0] + args[1]
	opMul
	opDiv
	opPow
	opSqrt
	opExp
	opLn
	opSin
	opCos
	opAbs
	opPointExpr  // a = pointwise operator, b = derivative operand or -1
	opPointSolve // a = pointwise solve, b = initial iterate or -1
	opSolveDeriv // a = pointwise solve, b = operand; args[0] is the root
)

var opNames = [...]string{"lit", "const", "coef", "x", "normal", "volume", "add", "mul", "div", "pow",
	"sqrt", "exp", "ln", "sin", "cos", "abs", "pexpr", "psolve", "dsolve"}

func (o opcode) String() string { return opNames[o] }

var mathOps = map[string]opcode{
	"sqrt": opSqrt, "exp": opExp, "ln": opLn, "sin": opSin, "cos": opCos, "abs": opAbs,
}

type instr struct {
	op         opcode
	imm        float64
	a, b, c, d int
	args       []int
}

func (in instr) key() string {
	return fmt.Sprintf("%d:%x:%d:%d:%d:%d:%v", in.op, math.Float64bits(in.imm), in.a, in.b, in.c, in.d, in.args)
}

func (in instr) String() string {
	switch in.op {
	case opLit:
		return fmt.Sprintf("lit %v", in.imm)
	case opCoef:
		return fmt.Sprintf("coef w%d side=%d comp=%d dir=%d", in.a, in.b, in.c, in.d)
	}
	return fmt.Sprintf("%s a=%d b=%d %v", in.op, in.a, in.b, in.args)
}

// program is a hash-consed SSA list of point instructions: register i is
// the result of instrs[i]
type program struct {
	instrs  []instr
	index   map[string]int
	pexprs  []*form.PointExprNode
	psolves []*form.PointSolveNode
}

func newProgram() *program {
	return &program{index: make(map[string]int)}
}

func (p *program) emit(in instr) int {
	k := in.key()
	if r, ok := p.index[k]; ok {
		return r
	}
	r := len(p.instrs)
	p.instrs = append(p.instrs, in)
	p.index[k] = r
	return r
}

func (p *program) lit(v float64) int { return p.emit(instr{op: opLit, imm: v}) }

func (p *program) isLit(r int) (float64, bool) {
	if p.instrs[r].op == opLit {
		return p.instrs[r].imm, true
	}
	return 0, false
}

func (p *program) add(a, b int) int {
	va, oka := p.isLit(a)
	vb, okb := p.isLit(b)
	switch {
	case oka && okb:
		return p.lit(va + vb)
	case oka && va == 0:
		return b
	case okb && vb == 0:
		return a
	}
	if a > b {
		a, b = b, a
	}
	return p.emit(instr{op: opAdd, args: []int{a, b}})
}

func (p *program) mul(a, b int) int {
	va, oka := p.isLit(a)
	vb, okb := p.isLit(b)
	switch {
	case oka && okb:
		return p.lit(va * vb)
	case oka && va == 1:
		return b
	case okb && vb == 1:
		return a
	}
	if a > b {
		a, b = b, a
	}
	return p.emit(instr{op: opMul, args: []int{a, b}})
}

func (p *program) div(a, b int) int {
	if vb, ok := p.isLit(b); ok && vb == 1 {
		return a
	}
	return p.emit(instr{op: opDiv, args: []int{a, b}})
}

func (p *program) unary(op opcode, a int) int {
	return p.emit(instr{op: op, args: []int{a}})
}

// usesPointwise reports whether any instruction needs a Go callback
func (p *program) usesPointwise() bool {
	return len(p.pexprs) > 0 || len(p.psolves) > 0
}

func (p *program) String() string {
	var sb strings.Builder
	for i, in := range p.instrs {
		fmt.Fprintf(&sb, "r%d = %s\n", i, in)
	}
	return sb.String()
}

package form

import (
	"fmt"
	"strings"
)

// IntegralType is the kind of mesh entity an integral runs over
type IntegralType uint8

const (
	Cell IntegralType = iota
	ExteriorFacet
	InteriorFacet
)

func (t IntegralType) String() string {
	switch t {
	case Cell:
		return "cell"
	case ExteriorFacet:
		return "exterior_facet"
	case InteriorFacet:
		return "interior_facet"
	}
	return fmt.Sprintf("IntegralType(%d)", uint8(t))
}

const (
	Everywhere = -1 // Subdomain value meaning every entity
	AutoDegree = -1 // Degree value asking the compiler to estimate
)

// Integral is one term of a form
type Integral struct {
	Integrand Expr
	Type      IntegralType
	Subdomain int
	Degree    int
}

func (it Integral) String() string {
	s := fmt.Sprintf("%s d%s", it.Integrand, it.Type)
	if it.Subdomain != Everywhere {
		s += fmt.Sprintf("(%d)", it.Subdomain)
	}
	return s
}

// MeasureOption adjusts an integral built by Dx, Ds or DS
type MeasureOption func(*Integral)

// Subdomain restricts an integral to entities carrying marker m
func Subdomain(m int) MeasureOption { return func(it *Integral) { it.Subdomain = m } }

// Degree fixes the quadrature degree of an integral
func Degree(q int) MeasureOption { return func(it *Integral) { it.Degree = q } }

func measure(t IntegralType, e Expr, opts []MeasureOption) Integral {
	it := Integral{Integrand: e, Type: t, Subdomain: Everywhere, Degree: AutoDegree}
	for _, o := range opts {
		o(&it)
	}
	return it
}

// Dx integrates e over cells
func Dx(e Expr, opts ...MeasureOption) Integral { return measure(Cell, e, opts) }

// Ds integrates e over exterior facets
func Ds(e Expr, opts ...MeasureOption) Integral { return measure(ExteriorFacet, e, opts) }

// DS integrates e over interior facets
func DS(e Expr, opts ...MeasureOption) Integral { return measure(InteriorFacet, e, opts) }

// Form is a validated list of integrals sharing the same arguments
type Form struct {
	name      string
	integrals []Integral
	args      []*ArgumentNode
	coeffs    map[int]Source
	order     []int
	constants []*Constant
}

// New validates integrals and collects their arguments, coefficients and
// constants
func New(integrals ...Integral) (*Form, error) {
	return NewNamed("", integrals...)
}

// NewNamed is New with a name used in logs and errors
func NewNamed(name string, integrals ...Integral) (*Form, error) {
	if len(integrals) == 0 {
		return nil, fmt.Errorf("form has no integrals")
	}
	f := &Form{name: name, coeffs: make(map[int]Source)}
	seenConst := map[*Constant]bool{}
	var argSet []bool
	for i, it := range integrals {
		if it.Type > InteriorFacet {
			return nil, fmt.Errorf("integral %d: unknown type %v", i, it.Type)
		}
		if it.Degree < AutoDegree {
			return nil, fmt.Errorf("integral %d: invalid quadrature degree %d", i, it.Degree)
		}
		if it.Integrand == nil {
			return nil, fmt.Errorf("integral %d: nil integrand", i)
		}
		shape, err := ShapeOf(it.Integrand)
		if err != nil {
			return nil, fmt.Errorf("integral %d: %w", i, err)
		}
		if len(shape) != 0 {
			return nil, fmt.Errorf("integral %d: integrand has shape %v, must be scalar", i, shape)
		}
		used := make([]bool, 2)
		err = Walk(it.Integrand, func(e Expr) error {
			switch n := e.(type) {
			case *ArgumentNode:
				if n.Number < 0 || n.Number > 1 {
					return fmt.Errorf("argument number %d, forms have at most two arguments", n.Number)
				}
				used[n.Number] = true
				for len(f.args) <= n.Number {
					f.args = append(f.args, nil)
				}
				if prev := f.args[n.Number]; prev != nil && prev.Space.ID() != n.Space.ID() {
					return fmt.Errorf("argument %d bound to spaces %s and %s", n.Number, prev.Space.ID(), n.Space.ID())
				}
				f.args[n.Number] = n
			case *CoefficientNode:
				if prev, ok := f.coeffs[n.ID]; ok {
					if n.src != nil && prev != n.src {
						return fmt.Errorf("coefficient id %d refers to two sources", n.ID)
					}
					return nil
				}
				f.coeffs[n.ID] = n.src
				f.order = append(f.order, n.ID)
			case *ConstantNode:
				if !seenConst[n.C] {
					seenConst[n.C] = true
					f.constants = append(f.constants, n.C)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("integral %d: %w", i, err)
		}
		if argSet == nil {
			argSet = used
		} else if argSet[0] != used[0] || argSet[1] != used[1] {
			return nil, fmt.Errorf("integral %d uses arguments %v, earlier integrals use %v",
				i, argNumbers(used), argNumbers(argSet))
		}
	}
	if argSet[1] && !argSet[0] {
		return nil, fmt.Errorf("form has a trial function but no test function")
	}
	if len(f.args) > 0 && f.args[len(f.args)-1] == nil {
		f.args = f.args[:len(f.args)-1]
	}
	f.integrals = append([]Integral(nil), integrals...)
	return f, nil
}

func argNumbers(used []bool) []int {
	var out []int
	for i, u := range used {
		if u {
			out = append(out, i)
		}
	}
	return out
}

// Combine concatenates the integrals of forms with the same arguments
func Combine(forms ...*Form) (*Form, error) {
	var its []Integral
	var names []string
	for _, f := range forms {
		its = append(its, f.integrals...)
		if f.name != "" {
			names = append(names, f.name)
		}
	}
	return NewNamed(strings.Join(names, "+"), its...)
}

// Walk visits e and its operands depth first, parents before children
func Walk(e Expr, fn func(Expr) error) error {
	if err := fn(e); err != nil {
		return err
	}
	for _, o := range e.Operands() {
		if err := Walk(o, fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *Form) Name() string { return f.name }

// Rank is the number of arguments: 0 functional, 1 linear, 2 bilinear
func (f *Form) Rank() int { return len(f.args) }

func (f *Form) Integrals() []Integral { return f.integrals }

// Arguments returns the argument nodes indexed by number
func (f *Form) Arguments() []*ArgumentNode { return f.args }

// ArgumentSpaces returns the space of each argument in number order
func (f *Form) ArgumentSpaces() []Space {
	out := make([]Space, len(f.args))
	for i, a := range f.args {
		out[i] = a.Space
	}
	return out
}

// Coefficient resolves a coefficient id through the form's table
func (f *Form) Coefficient(id int) (Source, bool) {
	s, ok := f.coeffs[id]
	return s, ok
}

// Coefficients returns the coefficient sources by first appearance
func (f *Form) Coefficients() []Source {
	out := make([]Source, len(f.order))
	for i, id := range f.order {
		out[i] = f.coeffs[id]
	}
	return out
}

// Constants returns the constants by first appearance
func (f *Form) Constants() []*Constant { return f.constants }

// HasType reports whether any integral is of type t
func (f *Form) HasType(t IntegralType) bool {
	for _, it := range f.integrals {
		if it.Type == t {
			return true
		}
	}
	return false
}

func (f *Form) String() string {
	parts := make([]string, len(f.integrals))
	for i, it := range f.integrals {
		parts[i] = it.String()
	}
	s := strings.Join(parts, " + ")
	if f.name != "" {
		return f.name + ": " + s
	}
	return s
}

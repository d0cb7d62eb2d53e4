// Package assemble runs compiled kernels over one rank's entities and
// accumulates the element tensors into distributed matrices, vectors and
// scalars.
//
// Accumulation order is fixed: the integrals of a form in order over core
// entities, then, once coefficient halos have arrived, the integrals in
// order over halo entities, each ascending by entity id. Off-rank
// contributions are added by their owner in ascending source rank, so
// repeated assembly with the same partitioning is bit-identical.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/config"
	"github.com/notargets/FEKernel/dofmap"
	"github.com/notargets/FEKernel/entities"
	"github.com/notargets/FEKernel/ferrors"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/kernel"
	"github.com/notargets/FEKernel/la"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/partitions"
	"github.com/notargets/FEKernel/space"
)

// BatchTabulator tabulates a cell kernel over many cells at once.
// coords[i] are the vertex coordinates of cell i and coeffs[i][slot] its
// coefficient values. It returns one element tensor per cell. An error
// matching ferrors.ErrUnsupportedForm makes the assembler fall back to
// tabulating in Go.
type BatchTabulator interface {
	TabulateCells(ctx context.Context, k *kernel.Kernel, coords [][][]float64, coeffs [][][]float64,
		consts []float64) ([][]float64, error)
}

// Assembler assembles forms on one rank. Ranks share a Compiler so equal
// integrals compile once. After a CommunicationTimeoutError the rank's Comm,
// and so the Assembler, is unusable.
type Assembler struct {
	View     *partitions.View
	Comm     *comm.Comm
	Compiler *kernel.Compiler
	// Device is used for cell integrals when the backend is occa
	Device BatchTabulator

	entities *entities.Iterator
	patterns map[string]*la.Pattern
}

func New(view *partitions.View, c *comm.Comm, compiler *kernel.Compiler) *Assembler {
	return &Assembler{
		View:     view,
		Comm:     c,
		Compiler: compiler,
		entities: entities.New(view),
		patterns: make(map[string]*la.Pattern),
	}
}

// Entities is the iterator the assembler walks. Reset it after changing
// mesh markers.
func (a *Assembler) Entities() *entities.Iterator { return a.entities }

func (a *Assembler) options() config.AssemblyOptions { return a.Compiler.Options }

// binding resolves a form's arguments and coefficients on this rank
type binding struct {
	form    *form.Form
	args    []*space.FunctionSpace
	funcs   []*space.Function // distinct coefficients by first appearance
	maps    []*dofmap.DOFMap  // every map whose ghosts make an entity halo
	kernels []kernel.Compiled
	coeffs  [][]*space.Function // [kernel][slot]
}

func (a *Assembler) bind(f *form.Form) (*binding, error) {
	b := &binding{form: f}
	seen := map[*dofmap.DOFMap]bool{}
	addMap := func(dm *dofmap.DOFMap) {
		if !seen[dm] {
			seen[dm] = true
			b.maps = append(b.maps, dm)
		}
	}
	for i, s := range f.ArgumentSpaces() {
		V, ok := s.(*space.FunctionSpace)
		if !ok || V.View() != a.View {
			return nil, &ferrors.IncompatibleSpaceError{Form: f.String(), Argument: i,
				Want: fmt.Sprintf("a space on partition %d", a.View.Rank), Got: s.ID()}
		}
		b.args = append(b.args, V)
		addMap(V.DOFMap())
	}
	for _, src := range f.Coefficients() {
		u, ok := src.(*space.Function)
		if !ok {
			return nil, fmt.Errorf("coefficient %d: assembly needs a *space.Function, got %T", src.CoefficientID(), src)
		}
		if u.Space().View() != a.View {
			return nil, fmt.Errorf("coefficient %s lives on another partition view", u.Name())
		}
		b.funcs = append(b.funcs, u)
		addMap(u.Space().DOFMap())
	}
	return b, nil
}

func rankName(r int) string {
	switch r {
	case 0:
		return "functional"
	case 1:
		return "linear form"
	}
	return "bilinear form"
}

// check verifies that target can receive b's form without touching it
func (a *Assembler) check(b *binding, target la.Structure) error {
	f := b.form
	want := -1
	switch t := target.(type) {
	case *la.Matrix:
		want = 2
		if f.Rank() == 2 {
			p := t.Pattern()
			for i, dm := range []*dofmap.DOFMap{p.Rows, p.Cols} {
				if !dm.SameNumbering(b.args[i].DOFMap()) {
					return &ferrors.IncompatibleSpaceError{Form: f.String(), Argument: i,
						Want: dm.Element().Signature(), Got: b.args[i].Element().Signature()}
				}
			}
		}
	case *la.Vector:
		want = 1
		if f.Rank() == 1 && !t.DOFMap().SameNumbering(b.args[0].DOFMap()) {
			return &ferrors.IncompatibleSpaceError{Form: f.String(), Argument: 0,
				Want: t.DOFMap().Element().Signature(), Got: b.args[0].Element().Signature()}
		}
	case *la.Scalar:
		want = 0
	default:
		return fmt.Errorf("cannot assemble into %T", target)
	}
	if f.Rank() != want {
		return &ferrors.IncompatibleSpaceError{Form: f.String(), Argument: f.Rank(),
			Want: rankName(want), Got: rankName(f.Rank())}
	}
	return nil
}

func (a *Assembler) compile(ctx context.Context, b *binding) error {
	ks, err := a.Compiler.CompileForm(ctx, b.form, a.View.Mesh.CellType)
	if err != nil {
		return err
	}
	b.kernels = ks
	b.coeffs = make([][]*space.Function, len(ks))
	for i, c := range ks {
		for _, id := range c.Canonical.Coefficients {
			src, ok := b.form.Coefficient(id)
			if !ok {
				return fmt.Errorf("coefficient %d missing from form %s", id, b.form)
			}
			b.coeffs[i] = append(b.coeffs[i], src.(*space.Function))
		}
	}
	return nil
}

// Assemble accumulates f into target. A finalized target is refused unless
// the caller has reset it or ReuseSparsity is set, in which case it is
// reset and reused. The call is collective. On failure the target is left
// unassembled; an IncompatibleSpaceError leaves it untouched.
func (a *Assembler) Assemble(ctx context.Context, f *form.Form, target la.Structure) error {
	b, err := a.bind(f)
	if err != nil {
		return err
	}
	if err := a.check(b, target); err != nil {
		return err
	}
	if err := a.compile(ctx, b); err != nil {
		return err
	}
	switch s := target.State(); s {
	case la.Unassembled:
	case la.Finalized, la.BCApplied:
		if !a.options().ReuseSparsity {
			return fmt.Errorf("assemble %s: target is %s, reset it or enable sparsity reuse", f, s)
		}
		target.Reset()
	default:
		return fmt.Errorf("assemble %s: target is %s", f, s)
	}
	if err := a.run(ctx, b, target); err != nil {
		target.Abort()
		return fmt.Errorf("assemble %s: %w", f, err)
	}
	return nil
}

func (a *Assembler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := a.options().HaloTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func (a *Assembler) run(ctx context.Context, b *binding, target la.Structure) error {
	logger := logging.FromContext(ctx)
	start := time.Now()

	exchanges := make([]*dofmap.Exchange, 0, len(b.funcs))
	for _, u := range b.funcs {
		ex, err := u.BeginUpdate()
		if err != nil {
			return fmt.Errorf("coefficient %s: %w", u.Name(), err)
		}
		exchanges = append(exchanges, ex)
	}

	halos := make([][]entities.Entity, len(b.kernels))
	if err := target.BeginCore(); err != nil {
		return err
	}
	var nCore, nHalo int
	for i, c := range b.kernels {
		core, halo, err := a.entities.Entities(c.Integral.Type, c.Integral.Subdomain, b.maps...)
		if err != nil {
			return err
		}
		halos[i] = halo
		nCore += len(core)
		nHalo += len(halo)
		if err := a.tabulate(ctx, b, i, core, target); err != nil {
			return err
		}
	}

	wctx, cancel := a.withTimeout(ctx)
	for _, ex := range exchanges {
		if err := ex.Wait(wctx); err != nil {
			cancel()
			return fmt.Errorf("coefficient halo update: %w", err)
		}
	}
	cancel()

	if err := target.BeginHalo(); err != nil {
		return err
	}
	for i := range b.kernels {
		if err := a.tabulate(ctx, b, i, halos[i], target); err != nil {
			return err
		}
	}

	fctx, cancel := a.withTimeout(ctx)
	defer cancel()
	var err error
	switch t := target.(type) {
	case *la.Matrix:
		err = t.Finalize(fctx)
	case *la.Vector:
		err = t.Finalize(fctx)
	case *la.Scalar:
		err = t.Finalize(fctx)
	}
	if err != nil {
		return err
	}
	logger.Debug("form assembled", "form", b.form.Name(), "kernels", len(b.kernels),
		"core", nCore, "halo", nHalo, "elapsed", time.Since(start))
	return nil
}

func (a *Assembler) tabulate(ctx context.Context, b *binding, ki int, es []entities.Entity, target la.Structure) error {
	k := b.kernels[ki].Kernel
	consts := b.constants(ki)
	if k.Type == form.Cell && a.Device != nil && a.options().Backend == config.BackendOCCA {
		done, err := a.tabulateDevice(ctx, b, ki, es, consts, target)
		if done || err != nil {
			return err
		}
	}
	m := a.View.Mesh
	out := make([]float64, k.Size())
	for _, e := range es {
		if err := k.Tabulate(out, geometry(m, e), b.coefficientValues(ki, e), consts); err != nil {
			return fmt.Errorf("%s %d: %w", k.Type, e.ID, err)
		}
		if err := b.add(target, e, out); err != nil {
			return fmt.Errorf("%s %d: %w", k.Type, e.ID, err)
		}
	}
	return nil
}

func (a *Assembler) tabulateDevice(ctx context.Context, b *binding, ki int, es []entities.Entity,
	consts []float64, target la.Structure) (bool, error) {
	if len(es) == 0 {
		return true, nil
	}
	k := b.kernels[ki].Kernel
	coords := make([][][]float64, len(es))
	coeffs := make([][][]float64, len(es))
	for i, e := range es {
		coords[i] = a.View.Mesh.CellCoords(e.ID)
		coeffs[i] = b.coefficientValues(ki, e)
	}
	outs, err := a.Device.TabulateCells(ctx, k, coords, coeffs, consts)
	if errors.Is(err, ferrors.ErrUnsupportedForm) {
		logging.FromContext(ctx).Warn("device cannot run kernel, tabulating in Go",
			"integral", b.kernels[ki].Integral.String(), "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for i, e := range es {
		if err := b.add(target, e, outs[i]); err != nil {
			return false, fmt.Errorf("cell %d: %w", e.ID, err)
		}
	}
	return true, nil
}

// constants are read at assembly time so changing one never recompiles
func (b *binding) constants(ki int) []float64 {
	cs := b.kernels[ki].Canonical.Constants
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Value
	}
	return out
}

// coefficientValues gathers each slot's values on the entity's sides
func (b *binding) coefficientValues(ki int, e entities.Entity) [][]float64 {
	fs := b.coeffs[ki]
	out := make([][]float64, len(fs))
	for i, u := range fs {
		for _, s := range e.Sides {
			out[i] = append(out[i], u.CellValues(s.Cell, nil)...)
		}
	}
	return out
}

func (b *binding) add(target la.Structure, e entities.Entity, out []float64) error {
	switch t := target.(type) {
	case *la.Matrix:
		return t.Add(sideDOFs(b.args[0].DOFMap(), e), sideDOFs(b.args[1].DOFMap(), e), out)
	case *la.Vector:
		return t.Add(sideDOFs(b.args[0].DOFMap(), e), out)
	case *la.Scalar:
		return t.Add(out[0])
	}
	return fmt.Errorf("cannot assemble into %T", target)
}

// sideDOFs lists the local DOFs of every side of e, + side first
func sideDOFs(dm *dofmap.DOFMap, e entities.Entity) []int {
	if len(e.Sides) == 1 {
		return dm.CellDOFs(e.Sides[0].Cell)
	}
	var out []int
	for _, s := range e.Sides {
		out = append(out, dm.CellDOFs(s.Cell)...)
	}
	return out
}

func geometry(m *mesh.Mesh, e entities.Entity) []kernel.Geometry {
	g := make([]kernel.Geometry, len(e.Sides))
	for i, s := range e.Sides {
		g[i] = kernel.Geometry{Coords: m.CellCoords(s.Cell), Vertices: m.Cells[s.Cell], Facet: s.LocalFacet}
	}
	return g
}

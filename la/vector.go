package la

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/dofmap"
)

// Vector holds owned entries followed by ghost entries in the local
// numbering of its DOF map. After Finalize the ghosts mirror their owners.
type Vector struct {
	lifecycle
	dofs   *dofmap.DOFMap
	comm   *comm.Comm
	values []float64
}

var _ Structure = (*Vector)(nil)

func NewVector(dofs *dofmap.DOFMap, c *comm.Comm) *Vector {
	return &Vector{dofs: dofs, comm: c, values: make([]float64, dofs.NumLocal())}
}

func (b *Vector) DOFMap() *dofmap.DOFMap { return b.dofs }
func (b *Vector) Values() []float64      { return b.values }
func (b *Vector) Owned() []float64       { return b.values[:b.dofs.NumOwned()] }

// Add accumulates vals into local DOFs
func (b *Vector) Add(dofs []int, vals []float64) error {
	if err := b.accumulating(); err != nil {
		return err
	}
	if len(dofs) != len(vals) {
		return fmt.Errorf("%d values for %d DOFs", len(vals), len(dofs))
	}
	for i, l := range dofs {
		b.values[l] += vals[i]
	}
	return nil
}

// Finalize adds ghost contributions into their owners and refreshes the
// ghosts with the totals. It is collective.
func (b *Vector) Finalize(ctx context.Context) error {
	if err := b.accumulating(); err != nil {
		return err
	}
	if err := b.dofs.Halo.Reverse(ctx, b.comm, b.values); err != nil {
		return fmt.Errorf("vector reverse scatter: %w", err)
	}
	if err := b.dofs.Halo.Forward(ctx, b.comm, b.values); err != nil {
		return fmt.Errorf("vector forward scatter: %w", err)
	}
	b.set(Finalized)
	return nil
}

// SetValues overwrites local entries of a finalized vector. Callers keep
// ghosts consistent by setting them on every rank that holds them.
func (b *Vector) SetValues(dofs []int, vals []float64) error {
	if err := b.finalized(); err != nil {
		return err
	}
	for i, l := range dofs {
		b.values[l] = vals[i]
	}
	return b.MarkBCApplied()
}

// UpdateGhosts copies owned entries to the ranks holding them as ghosts.
// It is collective.
func (b *Vector) UpdateGhosts(ctx context.Context) error {
	return b.dofs.Halo.Forward(ctx, b.comm, b.values)
}

func (b *Vector) Reset() {
	clear(b.values)
	b.set(Unassembled)
}

func (b *Vector) Abort() { b.Reset() }

// Gather returns the full global vector on every rank. It is collective.
func (b *Vector) Gather(ctx context.Context) ([]float64, error) {
	parts, err := b.comm.Allgather(ctx, append([]float64(nil), b.Owned()...))
	if err != nil {
		return nil, err
	}
	out := make([]float64, b.dofs.GlobalSize())
	ranges := b.dofs.Ranges()
	for r, p := range parts {
		copy(out[ranges[r]:], p.([]float64))
	}
	return out, nil
}

// Norm is the global Euclidean norm of the owned entries. It is collective.
func (b *Vector) Norm(ctx context.Context) (float64, error) {
	owned := b.Owned()
	sum, err := b.comm.AllreduceSum(ctx, floats.Dot(owned, owned))
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sum), nil
}

package la

import (
	"context"
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/logging"
)

type coord struct{ row, col int }

// stashEntry is one off-process contribution in global indices
type stashEntry struct {
	Row, Col int
	Value    float64
}

// Matrix stores the owned rows of a distributed matrix on a fixed pattern
type Matrix struct {
	lifecycle
	pattern *Pattern
	comm    *comm.Comm
	values  []float64
	stash   map[coord]float64
}

var _ Structure = (*Matrix)(nil)

func NewMatrix(p *Pattern, c *comm.Comm) *Matrix {
	return &Matrix{
		pattern: p,
		comm:    c,
		values:  make([]float64, p.NNZ()),
		stash:   make(map[coord]float64),
	}
}

func (A *Matrix) Pattern() *Pattern { return A.pattern }

// Dims returns the number of owned rows and the global column count
func (A *Matrix) Dims() (rows, cols int) {
	return A.pattern.NumRows(), A.pattern.Cols.GlobalSize()
}

// Add accumulates a row-major block over local row and column DOFs. Rows
// owned elsewhere are stashed until Finalize.
func (A *Matrix) Add(rowDOFs, colDOFs []int, block []float64) error {
	if err := A.accumulating(); err != nil {
		return err
	}
	if len(block) != len(rowDOFs)*len(colDOFs) {
		return fmt.Errorf("block of %d values for %dx%d DOFs", len(block), len(rowDOFs), len(colDOFs))
	}
	p := A.pattern
	nOwned := p.Rows.NumOwned()
	gcols := make([]int, len(colDOFs))
	for j, c := range colDOFs {
		gcols[j] = p.Cols.GlobalIndex(c)
	}
	for i, r := range rowDOFs {
		vals := block[i*len(colDOFs) : (i+1)*len(colDOFs)]
		if r >= nOwned {
			g := p.Rows.GlobalIndex(r)
			for j, col := range gcols {
				A.stash[coord{g, col}] += vals[j]
			}
			continue
		}
		for j, col := range gcols {
			k := p.position(r, col)
			if k < 0 {
				return fmt.Errorf("entry (%d,%d) outside the sparsity pattern", p.Rows.GlobalIndex(r), col)
			}
			A.values[k] += vals[j]
		}
	}
	return nil
}

// Finalize sends stashed contributions to their owners, which add them in
// ascending source rank. It is collective.
func (A *Matrix) Finalize(ctx context.Context) error {
	if err := A.accumulating(); err != nil {
		return err
	}
	p := A.pattern
	send := make([][]stashEntry, A.comm.Size())
	keys := make([]coord, 0, len(A.stash))
	for k := range A.stash {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].row != keys[j].row {
			return keys[i].row < keys[j].row
		}
		return keys[i].col < keys[j].col
	})
	for _, k := range keys {
		owner := p.Rows.Owner(k.row)
		send[owner] = append(send[owner], stashEntry{Row: k.row, Col: k.col, Value: A.stash[k]})
	}
	payload := make([]any, len(send))
	for r, s := range send {
		payload[r] = s
	}
	recv, err := A.comm.Alltoall(ctx, payload)
	if err != nil {
		return fmt.Errorf("matrix stash exchange: %w", err)
	}
	start, _ := p.Rows.OwnedRange()
	for src, pl := range recv {
		if src == A.comm.Rank() {
			continue
		}
		for _, e := range pl.([]stashEntry) {
			k := p.position(e.Row-start, e.Col)
			if k < 0 {
				return fmt.Errorf("rank %d contributed (%d,%d) outside the sparsity pattern", src, e.Row, e.Col)
			}
			A.values[k] += e.Value
		}
	}
	logging.FromContext(ctx).Debug("matrix finalized", "stashed", len(keys), "nnz", p.NNZ())
	clear(A.stash)
	A.set(Finalized)
	return nil
}

// Reset zeroes values and returns to Unassembled, keeping the pattern
func (A *Matrix) Reset() {
	clear(A.values)
	clear(A.stash)
	A.set(Unassembled)
}

func (A *Matrix) Abort() { A.Reset() }

// Get returns entry (global row, global col) of an owned row
func (A *Matrix) Get(row, col int) float64 {
	start, _ := A.pattern.Rows.OwnedRange()
	r := row - start
	if r < 0 || r >= A.pattern.NumRows() {
		return 0
	}
	if k := A.pattern.position(r, col); k >= 0 {
		return A.values[k]
	}
	return 0
}

// ZeroRows clears owned local rows and puts diag on their diagonal. The
// pattern is unchanged.
func (A *Matrix) ZeroRows(rows []int, diag float64) error {
	if err := A.finalized(); err != nil {
		return err
	}
	p := A.pattern
	for _, r := range rows {
		if r < 0 || r >= p.NumRows() {
			return fmt.Errorf("row %d is not owned", r)
		}
		clear(A.values[p.Indptr[r]:p.Indptr[r+1]])
		g := p.Rows.GlobalIndex(r)
		k := p.position(r, g)
		if k < 0 {
			return fmt.Errorf("row %d has no diagonal entry", g)
		}
		A.values[k] = diag
	}
	return A.MarkBCApplied()
}

// Triplets returns the owned entries in global indices, row major
func (A *Matrix) Triplets() (rows, cols []int, vals []float64) {
	p := A.pattern
	rows = make([]int, 0, p.NNZ())
	for r := 0; r < p.NumRows(); r++ {
		g := p.Rows.GlobalIndex(r)
		for k := p.Indptr[r]; k < p.Indptr[r+1]; k++ {
			rows = append(rows, g)
		}
	}
	return rows, append([]int(nil), p.Ind...), append([]float64(nil), A.values...)
}

// ToCSR exports the owned rows, structural zeros included
func (A *Matrix) ToCSR() (*sparse.CSR, error) {
	if err := A.finalized(); err != nil {
		return nil, err
	}
	r, c := A.Dims()
	p := A.pattern
	return sparse.NewCSR(r, c, append([]int(nil), p.Indptr...), append([]int(nil), p.Ind...),
		append([]float64(nil), A.values...)), nil
}

// GatherCSR returns the whole matrix on every rank. It is collective.
func GatherCSR(ctx context.Context, A *Matrix) (*sparse.CSR, error) {
	if err := A.finalized(); err != nil {
		return nil, err
	}
	type part struct {
		Indptr, Ind []int
		Values      []float64
	}
	p := A.pattern
	all, err := A.comm.Allgather(ctx, part{Indptr: p.Indptr, Ind: p.Ind, Values: A.values})
	if err != nil {
		return nil, err
	}
	n := p.Rows.GlobalSize()
	indptr := make([]int, 1, n+1)
	var ind []int
	var data []float64
	for _, a := range all {
		pt := a.(part)
		base := len(ind)
		for _, off := range pt.Indptr[1:] {
			indptr = append(indptr, base+off)
		}
		ind = append(ind, pt.Ind...)
		data = append(data, pt.Values...)
	}
	return sparse.NewCSR(n, p.Cols.GlobalSize(), indptr, ind, data), nil
}

// ToDense gathers the whole matrix on every rank. It is collective.
func (A *Matrix) ToDense(ctx context.Context) (*mat.Dense, error) {
	csr, err := GatherCSR(ctx, A)
	if err != nil {
		return nil, err
	}
	return csr.ToDense(), nil
}

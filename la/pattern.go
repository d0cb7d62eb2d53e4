package la

import (
	"context"
	"fmt"
	"sort"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/dofmap"
	"github.com/notargets/FEKernel/logging"
)

// Pattern is the CSR sparsity of the rows one rank owns. Columns are global
// indices, ascending within each row.
type Pattern struct {
	Rows, Cols *dofmap.DOFMap
	Indptr     []int
	Ind        []int
}

// NumRows is the number of owned rows
func (p *Pattern) NumRows() int { return len(p.Indptr) - 1 }

// NNZ is the number of stored entries
func (p *Pattern) NNZ() int { return len(p.Ind) }

// position returns the storage slot of (owned local row, global col), or -1
func (p *Pattern) position(row, col int) int {
	lo, hi := p.Indptr[row], p.Indptr[row+1]
	k := lo + sort.SearchInts(p.Ind[lo:hi], col)
	if k < hi && p.Ind[k] == col {
		return k
	}
	return -1
}

// PatternBuilder collects the (row, column) couplings of local element
// blocks. Couplings of ghost rows go to the row's owner in Build.
type PatternBuilder struct {
	rows, cols *dofmap.DOFMap
	owned      []map[int]struct{}
	remote     map[int]map[int]struct{} // global row -> global cols
}

func NewPatternBuilder(rows, cols *dofmap.DOFMap) *PatternBuilder {
	pb := &PatternBuilder{
		rows:   rows,
		cols:   cols,
		owned:  make([]map[int]struct{}, rows.NumOwned()),
		remote: make(map[int]map[int]struct{}),
	}
	for i := range pb.owned {
		pb.owned[i] = make(map[int]struct{})
	}
	return pb
}

// Insert couples every local row DOF with every local column DOF
func (pb *PatternBuilder) Insert(rowDOFs, colDOFs []int) {
	gcols := make([]int, len(colDOFs))
	for j, c := range colDOFs {
		gcols[j] = pb.cols.GlobalIndex(c)
	}
	n := pb.rows.NumOwned()
	for _, r := range rowDOFs {
		var set map[int]struct{}
		if r < n {
			set = pb.owned[r]
		} else {
			g := pb.rows.GlobalIndex(r)
			if set = pb.remote[g]; set == nil {
				set = make(map[int]struct{})
				pb.remote[g] = set
			}
		}
		for _, g := range gcols {
			set[g] = struct{}{}
		}
	}
}

// InsertDiagonal couples every owned row with its own global column, so
// rows untouched by any entity still hold a diagonal entry
func (pb *PatternBuilder) InsertDiagonal() {
	for r, set := range pb.owned {
		set[pb.rows.GlobalIndex(r)] = struct{}{}
	}
}

// Build exchanges remote couplings with their owners and freezes the
// pattern. It is collective.
func (pb *PatternBuilder) Build(ctx context.Context, c *comm.Comm) (*Pattern, error) {
	// per owner: row, count, cols... with rows ascending
	send := make([][]int, c.Size())
	grows := make([]int, 0, len(pb.remote))
	for g := range pb.remote {
		grows = append(grows, g)
	}
	sort.Ints(grows)
	for _, g := range grows {
		owner := pb.rows.Owner(g)
		cols := sortedKeys(pb.remote[g])
		send[owner] = append(send[owner], g, len(cols))
		send[owner] = append(send[owner], cols...)
	}
	payload := make([]any, len(send))
	for r, s := range send {
		payload[r] = s
	}
	recv, err := c.Alltoall(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("sparsity exchange: %w", err)
	}
	start, _ := pb.rows.OwnedRange()
	for src, p := range recv {
		if src == c.Rank() {
			continue
		}
		buf := p.([]int)
		for k := 0; k < len(buf); {
			g, n := buf[k], buf[k+1]
			row := g - start
			if row < 0 || row >= len(pb.owned) {
				return nil, fmt.Errorf("rank %d sent couplings for row %d, not owned by rank %d", src, g, c.Rank())
			}
			for _, col := range buf[k+2 : k+2+n] {
				pb.owned[row][col] = struct{}{}
			}
			k += 2 + n
		}
	}

	p := &Pattern{Rows: pb.rows, Cols: pb.cols, Indptr: make([]int, len(pb.owned)+1)}
	for i, set := range pb.owned {
		p.Ind = append(p.Ind, sortedKeys(set)...)
		p.Indptr[i+1] = len(p.Ind)
	}
	logging.FromContext(ctx).Debug("sparsity pattern built", "rows", p.NumRows(), "nnz", p.NNZ(),
		"remote_rows", len(grows))
	return p, nil
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

package entities

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/FEKernel/dofmap"
	"github.com/notargets/FEKernel/element"
	"github.com/notargets/FEKernel/form"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/parallel"
	"github.com/notargets/FEKernel/partitions"
)

func ids(es []Entity) []int {
	out := make([]int, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestSerialEntities(t *testing.T) {
	m, err := mesh.UnitSquare(2, 2)
	require.NoError(t, err)
	it := New(partitions.Single(m))

	t.Run("Cells", func(t *testing.T) {
		core, halo, err := it.Entities(form.Cell, form.Everywhere)
		require.NoError(t, err)
		assert.Empty(t, halo)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, ids(core))
		for _, e := range core {
			require.Len(t, e.Sides, 1)
			assert.Equal(t, -1, e.Sides[0].LocalFacet)
		}
	})

	t.Run("Facets", func(t *testing.T) {
		ext, _, err := it.Entities(form.ExteriorFacet, form.Everywhere)
		require.NoError(t, err)
		assert.Equal(t, m.ExteriorFacets(), ids(ext))
		in, _, err := it.Entities(form.InteriorFacet, form.Everywhere)
		require.NoError(t, err)
		assert.Equal(t, m.InteriorFacets(), ids(in))
		for _, e := range in {
			require.Len(t, e.Sides, 2)
			assert.Less(t, e.Sides[0].Cell, e.Sides[1].Cell)
		}
	})

	t.Run("Marker", func(t *testing.T) {
		left, _, err := it.Entities(form.ExteriorFacet, 1)
		require.NoError(t, err)
		assert.Len(t, left, 2)
		for _, e := range left {
			assert.Equal(t, 1, m.FacetMarker(e.ID))
		}
		none, _, err := it.Entities(form.ExteriorFacet, 99)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("CellMarkerAndReset", func(t *testing.T) {
		core, _, err := it.Entities(form.Cell, 5)
		require.NoError(t, err)
		assert.Empty(t, core)
		m.SetCellMarker(3, 5)
		core, _, err = it.Entities(form.Cell, 5)
		require.NoError(t, err)
		assert.Empty(t, core, "cached until Reset")
		it.Reset()
		core, _, err = it.Entities(form.Cell, 5)
		require.NoError(t, err)
		assert.Equal(t, []int{3}, ids(core))
	})

	t.Run("UnknownDomain", func(t *testing.T) {
		_, _, err := it.Entities(form.IntegralType(9), form.Everywhere)
		assert.Error(t, err)
	})
}

func TestPartitionedEntities(t *testing.T) {
	m, err := mesh.UnitSquare(4, 4)
	require.NoError(t, err)
	layout, err := (&partitions.PartitionBuilder{NumElements: m.NumCells(), NumPartitions: 3}).BuildPartitions()
	require.NoError(t, err)
	p1, err := element.NewLagrange(element.Tri, 1)
	require.NoError(t, err)

	type counts struct{ cells, ext, in []int }
	var mu sync.Mutex
	got := map[int]counts{}
	err = parallel.Run(context.Background(), m, layout, func(ctx context.Context, r parallel.Rank) error {
		dm, err := dofmap.Build(ctx, r.View, r.Comm, p1)
		if err != nil {
			return err
		}
		it := New(r.View)
		var c counts
		for _, d := range []form.IntegralType{form.Cell, form.ExteriorFacet, form.InteriorFacet} {
			core, halo, err := it.Entities(d, form.Everywhere, dm)
			if err != nil {
				return err
			}
			for _, e := range core {
				for _, s := range e.Sides {
					for _, l := range dm.CellDOFs(s.Cell) {
						assert.Less(t, l, dm.NumOwned())
					}
				}
			}
			for _, e := range halo {
				assert.True(t, touchesGhost(e, []*dofmap.DOFMap{dm}))
			}
			all := append(ids(core), ids(halo)...)
			sort.Ints(all)
			switch d {
			case form.Cell:
				c.cells = all
			case form.ExteriorFacet:
				c.ext = all
			default:
				c.in = all
			}
			if r.View.Size() > 1 && d == form.InteriorFacet {
				assert.NotEmpty(t, halo)
			}
		}
		mu.Lock()
		got[r.ID()] = c
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	union := func(pick func(counts) []int) []int {
		var all []int
		for _, c := range got {
			all = append(all, pick(c)...)
		}
		sort.Ints(all)
		return all
	}
	cells := make([]int, m.NumCells())
	for i := range cells {
		cells[i] = i
	}
	assert.Equal(t, cells, union(func(c counts) []int { return c.cells }))
	assert.Equal(t, m.ExteriorFacets(), union(func(c counts) []int { return c.ext }))
	assert.Equal(t, m.InteriorFacets(), union(func(c counts) []int { return c.in }))
}

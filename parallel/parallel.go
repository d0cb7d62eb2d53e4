// Package parallel runs one goroutine per partition of a mesh over a shared
// comm.World.
package parallel

import (
	"context"
	"fmt"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/mesh"
	"github.com/notargets/FEKernel/partitions"
	"golang.org/x/sync/errgroup"
)

// Rank bundles what one partition's worker needs
type Rank struct {
	View *partitions.View
	Comm *comm.Comm
}

func (r Rank) ID() int { return r.Comm.Rank() }

// Run calls fn once per partition of layout, each in its own goroutine. The
// first error cancels the context passed to the others, so peers blocked in
// an exchange with the failed rank return instead of hanging.
func Run(ctx context.Context, m *mesh.Mesh, layout *partitions.PartitionLayout,
	fn func(ctx context.Context, r Rank) error) error {
	world := comm.NewWorld(layout.NumPartitions)
	views := make([]*partitions.View, layout.NumPartitions)
	for p := range views {
		v, err := partitions.NewView(m, layout, p)
		if err != nil {
			return fmt.Errorf("partition %d: %w", p, err)
		}
		views[p] = v
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := range views {
		r := Rank{View: views[p], Comm: world.Comm(p)}
		g.Go(func() error {
			logger := logging.FromContext(gctx).With("rank", r.ID())
			rctx := logging.WithLogger(gctx, logger)
			if err := fn(rctx, r); err != nil {
				logger.Debug("rank failed", "error", err)
				return fmt.Errorf("rank %d: %w", r.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunSerial runs fn on a single partition holding the whole mesh
func RunSerial(ctx context.Context, m *mesh.Mesh, fn func(ctx context.Context, r Rank) error) error {
	layout, err := partitions.FromEToP(make([]int, m.NumCells()), 1)
	if err != nil {
		return err
	}
	return Run(ctx, m, layout, fn)
}

package dofmap

import (
	"context"
	"fmt"

	"github.com/notargets/FEKernel/comm"
	"github.com/notargets/FEKernel/ferrors"
)

const (
	tagForward = 101
	tagReverse = 102
)

// HaloPlan holds the pick and place indices that move DOF values between an
// owner and the ranks holding them as ghosts. Picks[i] and the peer's
// matching place buffer list the same DOFs in the same order.
type HaloPlan struct {
	Rank   int
	Picks  []PickBuffer  // owned values sent to each peer, ascending by peer
	Places []PlaceBuffer // ghost slots received from each peer, ascending by peer
}

// PickBuffer contains local owned indices gathered for one peer
type PickBuffer struct {
	Indices         []int
	TargetPartition int
}

// PlaceBuffer contains local ghost indices filled from one peer
type PlaceBuffer struct {
	Indices         []int
	SourcePartition int
}

// buildHalo has every rank request its ghost DOFs from their owners. Owners
// check each request against their own numbering and turn it into a pick
// list.
func (dm *DOFMap) buildHalo(ctx context.Context, c *comm.Comm) error {
	requests := make([][]int, c.Size())
	places := make(map[int][]int)
	for i, g := range dm.ghosts {
		owner := dm.ghostOwner[i]
		requests[owner] = append(requests[owner], g)
		places[owner] = append(places[owner], dm.nOwned+i)
	}
	recv, err := c.Alltoall(ctx, toAny(requests))
	if err != nil {
		return err
	}
	plan := &HaloPlan{Rank: dm.rank}
	var local error
	for src, p := range recv {
		if src == dm.rank {
			continue
		}
		req := p.([]int)
		if len(req) == 0 {
			continue
		}
		pick := PickBuffer{Indices: make([]int, len(req)), TargetPartition: src}
		for i, g := range req {
			if !dm.IsOwned(g) {
				local = &ferrors.PartitionInconsistencyError{Rank: dm.rank, Peer: src,
					Entity: fmt.Sprintf("dof %d", g),
					Reason: "ghost requested from a rank that does not own it"}
				break
			}
			pick.Indices[i] = g - dm.ranges[dm.rank]
		}
		plan.Picks = append(plan.Picks, pick)
	}
	for src := 0; src < c.Size(); src++ {
		if idx, ok := places[src]; ok {
			plan.Places = append(plan.Places, PlaceBuffer{Indices: idx, SourcePartition: src})
		}
	}
	if err := agree(ctx, c, dm.rank, local); err != nil {
		return err
	}
	dm.Halo = plan
	return plan.Verify(dm.nOwned, dm.NumLocal())
}

// Verify checks index validity and conservation: picks address owned
// entries, places address ghost entries and every ghost is placed once
func (hp *HaloPlan) Verify(nOwned, nLocal int) error {
	for _, pb := range hp.Picks {
		for _, idx := range pb.Indices {
			if idx < 0 || idx >= nOwned {
				return fmt.Errorf("invalid pick index %d for partition %d (owned %d)", idx, pb.TargetPartition, nOwned)
			}
		}
	}
	seen := make(map[int]bool)
	for _, pb := range hp.Places {
		for _, idx := range pb.Indices {
			if idx < nOwned || idx >= nLocal {
				return fmt.Errorf("invalid place index %d from partition %d", idx, pb.SourcePartition)
			}
			if seen[idx] {
				return fmt.Errorf("ghost slot %d placed twice", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != nLocal-nOwned {
		return fmt.Errorf("conservation error: %d ghost slots placed, %d ghosts", len(seen), nLocal-nOwned)
	}
	return nil
}

// Exchange is an outstanding halo transfer started by BeginForward or
// BeginReverse
type Exchange struct {
	plan    *HaloPlan
	values  []float64
	reqs    []*comm.Request
	reverse bool
}

// BeginForward sends owned values to the ranks holding them as ghosts. The
// ghost entries of values are overwritten by Wait.
func (hp *HaloPlan) BeginForward(c *comm.Comm, values []float64) (*Exchange, error) {
	ex := &Exchange{plan: hp, values: values}
	for _, pb := range hp.Picks {
		buf := make([]float64, len(pb.Indices))
		for i, idx := range pb.Indices {
			buf[i] = values[idx]
		}
		if err := c.Isend(pb.TargetPartition, tagForward, buf); err != nil {
			return nil, err
		}
	}
	for _, pb := range hp.Places {
		ex.reqs = append(ex.reqs, c.Irecv(pb.SourcePartition, tagForward))
	}
	return ex, nil
}

// BeginReverse sends ghost entries to their owners, where Wait adds them to
// the owned entries. Contributions are added in ascending source rank.
func (hp *HaloPlan) BeginReverse(c *comm.Comm, values []float64) (*Exchange, error) {
	ex := &Exchange{plan: hp, values: values, reverse: true}
	for _, pb := range hp.Places {
		buf := make([]float64, len(pb.Indices))
		for i, idx := range pb.Indices {
			buf[i] = values[idx]
		}
		if err := c.Isend(pb.SourcePartition, tagReverse, buf); err != nil {
			return nil, err
		}
	}
	for _, pb := range hp.Picks {
		ex.reqs = append(ex.reqs, c.Irecv(pb.TargetPartition, tagReverse))
	}
	return ex, nil
}

// Wait completes the exchange
func (ex *Exchange) Wait(ctx context.Context) error {
	for i, req := range ex.reqs {
		p, err := req.Wait(ctx)
		if err != nil {
			return err
		}
		buf := p.([]float64)
		if ex.reverse {
			idx := ex.plan.Picks[i].Indices
			for k, v := range buf {
				ex.values[idx[k]] += v
			}
			continue
		}
		idx := ex.plan.Places[i].Indices
		for k, v := range buf {
			ex.values[idx[k]] = v
		}
	}
	return nil
}

// Forward is BeginForward followed by Wait
func (hp *HaloPlan) Forward(ctx context.Context, c *comm.Comm, values []float64) error {
	ex, err := hp.BeginForward(c, values)
	if err != nil {
		return err
	}
	return ex.Wait(ctx)
}

// Reverse is BeginReverse followed by Wait
func (hp *HaloPlan) Reverse(ctx context.Context, c *comm.Comm, values []float64) error {
	ex, err := hp.BeginReverse(c, values)
	if err != nil {
		return err
	}
	return ex.Wait(ctx)
}

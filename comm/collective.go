package comm

import (
	"context"
	"fmt"
)

// collective tags are negative so they never collide with point to point tags
func (c *Comm) nextTag() int {
	c.seq++
	return -c.seq
}

// Allgather returns every rank's value, indexed by rank
func (c *Comm) Allgather(ctx context.Context, v any) ([]any, error) {
	tag := c.nextTag()
	for dest := 0; dest < c.Size(); dest++ {
		if dest == c.rank {
			continue
		}
		if err := c.Isend(dest, tag, v); err != nil {
			return nil, err
		}
	}
	out := make([]any, c.Size())
	for src := 0; src < c.Size(); src++ {
		if src == c.rank {
			out[src] = v
			continue
		}
		req := c.Irecv(src, tag)
		req.op = "allgather"
		p, err := req.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out[src] = p
	}
	return out, nil
}

// Barrier returns once every rank has entered it
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.Allgather(ctx, struct{}{})
	return err
}

// AllreduceSum sums x over ranks in ascending rank order, so every rank
// gets a bit-identical result
func (c *Comm) AllreduceSum(ctx context.Context, x float64) (float64, error) {
	all, err := c.Allgather(ctx, x)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range all {
		sum += v.(float64)
	}
	return sum, nil
}

// AllgatherInt gathers one integer per rank
func (c *Comm) AllgatherInt(ctx context.Context, n int) ([]int, error) {
	all, err := c.Allgather(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(all))
	for i, v := range all {
		out[i] = v.(int)
	}
	return out, nil
}

// ExscanSum returns the sum of n over lower ranks and the total over all
func (c *Comm) ExscanSum(ctx context.Context, n int) (offset, total int, err error) {
	counts, err := c.AllgatherInt(ctx, n)
	if err != nil {
		return 0, 0, err
	}
	for r, k := range counts {
		if r < c.rank {
			offset += k
		}
		total += k
	}
	return offset, total, nil
}

// AllAgree returns an error on every rank when any rank reports one, so a
// locally detected failure aborts the whole collective operation
func (c *Comm) AllAgree(ctx context.Context, local error) error {
	var msg string
	if local != nil {
		msg = local.Error()
	}
	all, err := c.Allgather(ctx, msg)
	if err != nil {
		return err
	}
	if local != nil {
		return local
	}
	for r, v := range all {
		if s := v.(string); s != "" {
			return fmt.Errorf("rank %d failed: %s", r, s)
		}
	}
	return nil
}

// Alltoall sends send[r] to every rank r and returns what each rank sent to
// this one, indexed by source rank
func (c *Comm) Alltoall(ctx context.Context, send []any) ([]any, error) {
	if len(send) != c.Size() {
		return nil, fmt.Errorf("alltoall needs %d payloads, got %d", c.Size(), len(send))
	}
	tag := c.nextTag()
	for dest, v := range send {
		if dest == c.rank {
			continue
		}
		if err := c.Isend(dest, tag, v); err != nil {
			return nil, err
		}
	}
	out := make([]any, c.Size())
	for src := range out {
		if src == c.rank {
			out[src] = send[src]
			continue
		}
		req := c.Irecv(src, tag)
		req.op = "alltoall"
		p, err := req.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out[src] = p
	}
	return out, nil
}

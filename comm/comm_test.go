package comm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notargets/FEKernel/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRanks(t *testing.T, w *World, fn func(c *Comm) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, w.Size())
	for r := 0; r < w.Size(); r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(w.Comm(r))
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d", r)
	}
}

func TestPointToPoint(t *testing.T) {
	w := NewWorld(2)
	ctx := context.Background()
	c0, c1 := w.Comm(0), w.Comm(1)

	t.Run("FIFO", func(t *testing.T) {
		require.NoError(t, c0.Isend(1, 7, []int{1}))
		require.NoError(t, c0.Isend(1, 7, []int{2}))
		p, err := c1.Irecv(0, 7).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, p)
		p, err = c1.Irecv(0, 7).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, p)
	})

	t.Run("TagsAreSeparate", func(t *testing.T) {
		require.NoError(t, c1.Isend(0, 2, "b"))
		require.NoError(t, c1.Isend(0, 1, "a"))
		reqA := c0.Irecv(1, 1)
		reqB := c0.Irecv(1, 2)
		out, err := WaitAll(ctx, []*Request{reqA, reqB})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, out)
	})

	t.Run("Test", func(t *testing.T) {
		req := c0.Irecv(1, 3)
		_, ok := req.Test()
		assert.False(t, ok)
		require.NoError(t, c1.Isend(0, 3, 42))
		p, ok := req.Test()
		assert.True(t, ok)
		assert.Equal(t, 42, p)
		p, err := req.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, p)
	})

	t.Run("InvalidDest", func(t *testing.T) {
		assert.Error(t, c0.Isend(5, 0, nil))
	})

	t.Run("Timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := c0.Irecv(1, 99).Wait(tctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ferrors.ErrCommunicationTimeout))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		var cte *ferrors.CommunicationTimeoutError
		require.True(t, errors.As(err, &cte))
		assert.Equal(t, 1, cte.Peer)
		assert.Equal(t, 99, cte.Tag)

		// the rank is out of step now, even messages that did arrive are refused
		require.NoError(t, c1.Isend(0, 5, "late"))
		_, err = c0.Irecv(1, 5).Wait(ctx)
		assert.ErrorIs(t, err, ferrors.ErrCommunicationTimeout)
		assert.ErrorIs(t, c0.Isend(1, 5, "x"), ferrors.ErrCommunicationTimeout)
		_, err = c0.Allgather(ctx, 1)
		assert.ErrorIs(t, err, ferrors.ErrCommunicationTimeout)
		// the peer is unaffected until it waits itself
		assert.NoError(t, c1.Isend(0, 6, "y"))
	})
}

func TestCollectives(t *testing.T) {
	w := NewWorld(3)
	ctx := context.Background()
	sums := make([]float64, 3)
	offsets := make([]int, 3)
	runRanks(t, w, func(c *Comm) error {
		s, err := c.AllreduceSum(ctx, float64(c.Rank()+1)*0.1)
		if err != nil {
			return err
		}
		sums[c.Rank()] = s
		off, total, err := c.ExscanSum(ctx, 2*c.Rank()+1)
		if err != nil {
			return err
		}
		if total != 9 {
			return errors.New("wrong total")
		}
		offsets[c.Rank()] = off
		return c.Barrier(ctx)
	})
	assert.Equal(t, []int{0, 1, 4}, offsets)
	// ascending rank order makes every rank bit-identical
	assert.Equal(t, sums[0], sums[1])
	assert.Equal(t, sums[0], sums[2])
	assert.InDelta(t, 0.6, sums[0], 1e-15)
}

func TestAllAgree(t *testing.T) {
	w := NewWorld(2)
	ctx := context.Background()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			var local error
			if r == 1 {
				local = errors.New("bad numbering")
			}
			errs[r] = w.Comm(r).AllAgree(ctx, local)
		}(r)
	}
	wg.Wait()
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "rank 1 failed")
	assert.EqualError(t, errs[1], "bad numbering")
}

func TestAlltoall(t *testing.T) {
	w := NewWorld(3)
	ctx := context.Background()
	got := make([][]any, 3)
	runRanks(t, w, func(c *Comm) error {
		send := make([]any, 3)
		for dest := range send {
			send[dest] = 10*c.Rank() + dest
		}
		out, err := c.Alltoall(ctx, send)
		got[c.Rank()] = out
		return err
	})
	assert.Equal(t, []any{0, 10, 20}, got[0])
	assert.Equal(t, []any{2, 12, 22}, got[2])
}

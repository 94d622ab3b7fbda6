package parallel

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectives(t *testing.T) {
	for _, np := range []int{1, 2, 3, 7} {
		r := NewRunner(np)
		err := r.Run(func(c *Comm) error {
			// AllGather returns rank-indexed contributions
			all := c.AllGatherInt64(int64(10 * c.Rank()))
			for n := 0; n < np; n++ {
				assert.Equal(t, int64(10*n), all[n])
			}
			// Exclusive scan of rank+1 gives triangular offsets
			offs := c.ExclusiveScanInt64(int64(c.Rank() + 1))
			assert.Equal(t, np+1, len(offs))
			assert.Equal(t, int64(0), offs[0])
			for n := 0; n < np; n++ {
				assert.Equal(t, offs[n]+int64(n+1), offs[n+1])
			}
			assert.Equal(t, int64(np*(np+1)/2), offs[np])

			assert.False(t, c.AllReduceAnd(c.Rank() != 0))
			assert.True(t, c.AllReduceOr(c.Rank() == 0))
			assert.Equal(t, int64(np-1), c.AllReduceMaxInt64(int64(c.Rank())))
			return nil
		})
		require.NoError(t, err)
	}
}

func TestCheckParticipants(t *testing.T) {
	r := NewRunner(3)
	require.NoError(t, r.Run(func(c *Comm) error {
		return c.CheckParticipants(3)
	}))
	err := r.Run(func(c *Comm) error {
		np := 3
		if c.Rank() == 1 {
			np = 4 // rank 1 entered with a stale participant view
		}
		return c.CheckParticipants(np)
	})
	require.Error(t, err)
}

func TestAllGatherFloat64Slice(t *testing.T) {
	const np = 3
	r := NewRunner(np)
	require.NoError(t, r.Run(func(c *Comm) error {
		// Ragged contributions: rank n sends n+1 values.
		mine := make([]float64, c.Rank()+1)
		for i := range mine {
			mine[i] = float64(10*c.Rank() + i)
		}
		all := c.AllGatherFloat64Slice(mine)
		require.Equal(t, np, len(all))
		for n := 0; n < np; n++ {
			require.Equal(t, n+1, len(all[n]))
			for i := range all[n] {
				assert.Equal(t, float64(10*n+i), all[n][i])
			}
		}
		// The result is a copy: mutating it cannot leak across ranks.
		all[c.Rank()][0] = -1
		again := c.AllGatherFloat64Slice(mine)
		assert.Equal(t, float64(10*c.Rank()), again[c.Rank()][0])
		return nil
	}))
}

func TestSharedReturnsOneInstance(t *testing.T) {
	const np = 4
	r := NewRunner(np)
	boxes := make([]*MailBox[int], np)
	require.NoError(t, r.Run(func(c *Comm) error {
		boxes[c.Rank()] = Shared(c, "test/box", func() *MailBox[int] {
			return NewMailBox[int](c.Size())
		})
		// A different key yields a different instance.
		other := Shared(c, "test/box2", func() *MailBox[int] {
			return NewMailBox[int](c.Size())
		})
		assert.NotSame(t, boxes[c.Rank()], other)
		return nil
	}))
	for n := 1; n < np; n++ {
		assert.Same(t, boxes[0], boxes[n])
	}
}

func TestDropSharedRetiresPrefix(t *testing.T) {
	const np = 2
	r := NewRunner(np)
	mk := func(c *Comm) func() *MailBox[int] {
		return func() *MailBox[int] { return NewMailBox[int](c.Size()) }
	}
	first := make([]*MailBox[int], np)
	kept := make([]*MailBox[int], np)
	require.NoError(t, r.Run(func(c *Comm) error {
		first[c.Rank()] = Shared(c, "space/g0/rows", mk(c))
		kept[c.Rank()] = Shared(c, "other/g0/rows", mk(c))
		return nil
	}))
	r.DropShared("space/g0/")
	require.NoError(t, r.Run(func(c *Comm) error {
		// Dropped keys mint fresh instances; other prefixes survive.
		assert.NotSame(t, first[c.Rank()], Shared(c, "space/g0/rows", mk(c)))
		assert.Same(t, kept[c.Rank()], Shared(c, "other/g0/rows", mk(c)))
		return nil
	}))
}

func TestMailBoxRound(t *testing.T) {
	const np = 4
	r := NewRunner(np)
	mb := NewMailBox[int](np)
	err := r.Run(func(c *Comm) error {
		// Every rank posts its id to every other rank, one round.
		for target := 0; target < np; target++ {
			if target == c.Rank() {
				continue
			}
			mb.PostMessage(c.Rank(), target, c.Rank())
		}
		mb.DeliverMyMessages(c.Rank())
		c.Barrier()
		got := mb.ReceiveMyMessages(c.Rank())
		sorted := append([]int{}, got...)
		sort.Ints(sorted)
		want := make([]int, 0, np-1)
		for n := 0; n < np; n++ {
			if n != c.Rank() {
				want = append(want, n)
			}
		}
		assert.Equal(t, want, sorted)
		mb.ClearMyMessages(c.Rank())
		return nil
	})
	require.NoError(t, err)
}

func TestMailBoxMultipleRounds(t *testing.T) {
	const np = 3
	r := NewRunner(np)
	mb := NewMailBox[int](np)
	err := r.Run(func(c *Comm) error {
		for round := 0; round < 5; round++ {
			next := (c.Rank() + 1) % np
			mb.PostMessage(c.Rank(), next, round)
			mb.DeliverMyMessages(c.Rank())
			c.Barrier()
			got := mb.ReceiveMyMessages(c.Rank())
			require.Equal(t, 1, len(got))
			assert.Equal(t, round, got[0])
			mb.ClearMyMessages(c.Rank())
			c.Barrier()
		}
		return nil
	})
	require.NoError(t, err)
}

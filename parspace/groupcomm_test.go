package parspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloworld922/mfem/fec"
	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
)

// localVertex finds the local index of a global vertex id, or -1.
func localVertex(lm *mesh.LocalMesh, gid int64) int {
	for v, g := range lm.VertGlobal {
		if g == gid {
			return v
		}
	}
	return -1
}

func TestSynchronizeSpreadsMarks(t *testing.T) {
	// Vertex 4 is the mesh center, shared by both ranks. Marking it on
	// rank 1 alone must light it up on rank 0 too, and nothing else.
	m := mesh.CartesianQuad(2, 2)
	locals, err := mesh.Distribute(m, []int{0, 1, 0, 1}, 2)
	require.NoError(t, err)
	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		sp, err := New(c, locals[c.Rank()], fec.NewH1(1), Options{})
		require.NoError(t, err)
		lv := localVertex(sp.Mesh, 4)
		require.GreaterOrEqual(t, lv, 0)

		marker := make([]int, sp.VSize())
		if c.Rank() == 1 {
			marker[sp.DofToVDof(lv, 0)] = 1
		}
		require.NoError(t, sp.Synchronize(marker))
		for ldof := 0; ldof < sp.NDofs(); ldof++ {
			want := 0
			if ldof == lv {
				want = 1
			}
			assert.Equal(t, want, marker[sp.DofToVDof(ldof, 0)], "rank %d ldof %d", c.Rank(), ldof)
		}

		assert.Error(t, sp.Synchronize(make([]int, 3)))
		return nil
	}))
}

func TestEssentialTrueDofsCrossRank(t *testing.T) {
	// Vertex 1 sits on the partition interface and is owned by rank 0.
	// Only rank 1 marks it; the owner must still report it as essential.
	m := mesh.CartesianQuad(2, 2)
	locals, err := mesh.Distribute(m, []int{0, 1, 0, 1}, 2)
	require.NoError(t, err)
	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		sp, err := New(c, locals[c.Rank()], fec.NewH1(1), Options{})
		require.NoError(t, err)
		lv := localVertex(sp.Mesh, 1)
		require.GreaterOrEqual(t, lv, 0)

		marker := make([]int, sp.VSize())
		if c.Rank() == 1 {
			marker[sp.DofToVDof(lv, 0)] = 1
		}
		ess, err := sp.EssentialTrueDofs(marker)
		require.NoError(t, err)
		if c.Rank() == 0 {
			require.Len(t, ess, 1)
			assert.Equal(t, int(sp.GetLocalTDofNumber(lv)), ess[0])
		} else {
			assert.Empty(t, ess)
		}
		// The input marker is not clobbered by the synchronization.
		if c.Rank() == 0 {
			assert.Equal(t, 0, marker[sp.DofToVDof(lv, 0)])
		}
		return nil
	}))
}

func TestEssentialTrueDofsBoundary(t *testing.T) {
	// Marking the y=0 boundary dofs on every rank that sees them: the
	// owned essential lists partition the 2*order+1 boundary true dofs.
	m := mesh.CartesianQuad(2, 2)
	locals, err := mesh.Distribute(m, []int{0, 1, 0, 1}, 2)
	require.NoError(t, err)
	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		sp, err := New(c, locals[c.Rank()], fec.NewH1(2), Options{})
		require.NoError(t, err)
		coords := ldofCoords(sp, m)
		marker := make([]int, sp.VSize())
		for ldof := 0; ldof < sp.NDofs(); ldof++ {
			if coords[ldof][1] == 0 {
				marker[sp.DofToVDof(ldof, 0)] = 1
			}
		}
		ess, err := sp.EssentialTrueDofs(marker)
		require.NoError(t, err)
		total := c.AllReduceSumInt64(int64(len(ess)))
		assert.Equal(t, int64(5), total)
		for _, i := range ess {
			assert.GreaterOrEqual(t, i, 0)
			assert.Less(t, i, sp.TrueVSize())
		}
		return nil
	}))
}

func TestDivideByGroupSize(t *testing.T) {
	m := mesh.CartesianQuad(2, 2)
	locals, err := mesh.Distribute(m, []int{0, 1, 0, 1}, 2)
	require.NoError(t, err)
	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		sp, err := New(c, locals[c.Rank()], fec.NewH1(1), Options{})
		require.NoError(t, err)
		x := make([]float64, sp.VSize())
		for i := range x {
			x[i] = 1
		}
		sp.DivideByGroupSize(x)
		lm := sp.Mesh
		for ldof := 0; ldof < sp.NDofs(); ldof++ {
			g := sp.GroupOf(ldof)
			want := 1.0
			if g != 0 && lm.IAmMaster(g) {
				want = 1.0 / float64(len(lm.Groups[g]))
			}
			assert.InDelta(t, want, x[sp.DofToVDof(ldof, 0)], 1e-15, "rank %d ldof %d", c.Rank(), ldof)
		}
		return nil
	}))
}

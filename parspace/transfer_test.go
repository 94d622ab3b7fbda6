package parspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloworld922/mfem/fec"
	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
)

// gatherGlobal assembles the ldof-global vector of a scalar space from
// every rank's local block.
func gatherGlobal(sp *ParSpace, x []float64) []float64 {
	parts := sp.Comm().AllGatherFloat64Slice(x)
	out := make([]float64, 0, sp.DofOffsets()[len(sp.DofOffsets())-1])
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestRebalanceMatrixMovesField(t *testing.T) {
	// Swap the two halves of a 2x2 mesh between the ranks. The rebalance
	// matrix must deliver the exact nodal values of the old layout to the
	// new owners, shared dofs included.
	m := mesh.CartesianQuad(2, 2)
	oldEToP := []int{0, 1, 0, 1}
	newEToP := []int{1, 0, 1, 0}
	oldLocals, err := mesh.Distribute(m, oldEToP, 2)
	require.NoError(t, err)
	newLocals, err := mesh.Distribute(m, newEToP, 2)
	require.NoError(t, err)

	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		h := fec.NewH1(2)
		oldSp, err := New(c, oldLocals[c.Rank()], h, Options{Label: "old"})
		require.NoError(t, err)
		newSp, err := New(c, newLocals[c.Rank()], h, Options{Label: "new"})
		require.NoError(t, err)

		M, err := RebalanceMatrix(newSp, oldSp, newEToP)
		require.NoError(t, err)
		nr, nc := M.Dims()
		assert.Equal(t, newSp.VSize(), nr)
		assert.Equal(t, int(oldSp.DofOffsets()[2]), nc)
		// Exact permutation: one unit entry per new dof.
		assert.Equal(t, newSp.VSize(), M.NNZ())

		oldCoords := ldofCoords(oldSp, m)
		xOld := make([]float64, oldSp.VSize())
		for ldof := range xOld {
			xOld[ldof] = testField(oldCoords[ldof][0], oldCoords[ldof][1])
		}
		yNew := make([]float64, newSp.VSize())
		M.MulVec(gatherGlobal(oldSp, xOld), yNew)

		newCoords := ldofCoords(newSp, m)
		for ldof := 0; ldof < newSp.NDofs(); ldof++ {
			assert.InDelta(t, testField(newCoords[ldof][0], newCoords[ldof][1]), yNew[ldof], 1e-12,
				"rank %d ldof %d", c.Rank(), ldof)
		}
		return nil
	}))
}

func TestRebalanceMatrixIncompatibleSpaces(t *testing.T) {
	m := mesh.CartesianQuad(2, 1)
	locals, err := mesh.Distribute(m, []int{0, 1}, 2)
	require.NoError(t, err)
	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		a, err := New(c, locals[c.Rank()], fec.NewH1(1), Options{Label: "a"})
		require.NoError(t, err)
		b, err := New(c, locals[c.Rank()], fec.NewH1(2), Options{Label: "b"})
		require.NoError(t, err)
		_, err = RebalanceMatrix(a, b, []int{0, 1})
		assert.Error(t, err)
		return nil
	}))
}

func TestDerefinementMatrixRecoversCoarseNodes(t *testing.T) {
	// Refine one element of a 2x1 strip, spread the fine mesh over two
	// ranks with the coarse partition cutting differently, and pull the
	// fine field back: an affine field evaluates exactly at every coarse
	// node, both on copied elements and inside refined ones.
	coarse := mesh.CartesianQuad(2, 1)
	fine := coarse.Refine([]bool{false, true})
	fineEToP, err := fine.Partition(2, mesh.BlockPartition)
	require.NoError(t, err)
	coarseEToP := []int{0, 1}
	fineLocals, err := mesh.Distribute(fine, fineEToP, 2)
	require.NoError(t, err)
	coarseLocals, err := mesh.Distribute(coarse, coarseEToP, 2)
	require.NoError(t, err)

	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		h := fec.NewH1(2)
		fineSp, err := New(c, fineLocals[c.Rank()], h, Options{Label: "fine"})
		require.NoError(t, err)
		coarseSp, err := New(c, coarseLocals[c.Rank()], h, Options{Label: "coarse"})
		require.NoError(t, err)

		D, err := DerefinementMatrix(coarseSp, fineSp, fine, coarseEToP)
		require.NoError(t, err)
		nr, nc := D.Dims()
		assert.Equal(t, coarseSp.VSize(), nr)
		assert.Equal(t, int(fineSp.DofOffsets()[2]), nc)

		fineCoords := ldofCoords(fineSp, fine)
		xFine := make([]float64, fineSp.VSize())
		for ldof := range xFine {
			xFine[ldof] = testField(fineCoords[ldof][0], fineCoords[ldof][1])
		}
		yCoarse := make([]float64, coarseSp.VSize())
		D.MulVec(gatherGlobal(fineSp, xFine), yCoarse)

		coarseCoords := ldofCoords(coarseSp, coarse)
		for ldof := 0; ldof < coarseSp.NDofs(); ldof++ {
			assert.InDelta(t, testField(coarseCoords[ldof][0], coarseCoords[ldof][1]), yCoarse[ldof], 1e-12,
				"rank %d ldof %d", c.Rank(), ldof)
		}
		return nil
	}))
}

func TestDerefinementMatrixNeedsPointDofs(t *testing.T) {
	coarse := mesh.CartesianQuad(2, 1)
	fine := coarse.Refine([]bool{true, true})
	fineEToP, err := fine.Partition(2, mesh.BlockPartition)
	require.NoError(t, err)
	coarseEToP := []int{0, 1}
	fineLocals, err := mesh.Distribute(fine, fineEToP, 2)
	require.NoError(t, err)
	coarseLocals, err := mesh.Distribute(coarse, coarseEToP, 2)
	require.NoError(t, err)
	r := parallel.NewRunner(2)
	require.NoError(t, r.Run(func(c *parallel.Comm) error {
		fineSp, err := New(c, fineLocals[c.Rank()], fec.ND0{}, Options{Label: "fine"})
		require.NoError(t, err)
		coarseSp, err := New(c, coarseLocals[c.Rank()], fec.ND0{}, Options{Label: "coarse"})
		require.NoError(t, err)
		_, err = DerefinementMatrix(coarseSp, fineSp, fine, coarseEToP)
		assert.Error(t, err)
		return nil
	}))
}

package fec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLagrange1D(t *testing.T) {
	l := NewLagrange1D([]float64{0, 1, 0.5})
	// Cardinal property at the nodes
	for i, x := range l.Nodes {
		w := l.Eval(x)
		for j := range w {
			if i == j {
				assert.InDelta(t, 1.0, w[j], 1e-12)
			} else {
				assert.InDelta(t, 0.0, w[j], 1e-12)
			}
		}
	}
	// Partition of unity and linear reproduction at an off-node point
	w := l.Eval(0.3)
	sum, lin := 0.0, 0.0
	for j, wj := range w {
		sum += wj
		lin += wj * l.Nodes[j]
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.InDelta(t, 0.3, lin, 1e-12)
}

func TestH1EdgeConstraintRows(t *testing.T) {
	// Order 1: no interior edge dofs, the midpoint rule lives in EdgeEval
	h1 := NewH1(1)
	assert.Empty(t, h1.EdgeConstraintRows(0, 0.5))
	w := h1.EdgeEval(0.5)
	require.Equal(t, 2, len(w))
	assert.InDelta(t, 0.5, w[0], 1e-12)
	assert.InDelta(t, 0.5, w[1], 1e-12)

	// Order 3: child interior nodes of [0,0.5] reproduce cubics exactly;
	// check partition of unity row sums.
	h3 := NewH1(3)
	rows := h3.EdgeConstraintRows(0, 0.5)
	require.Equal(t, 2, len(rows))
	for _, row := range rows {
		require.Equal(t, 4, len(row))
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestH1CellEval(t *testing.T) {
	for _, p := range []int{1, 2, 3} {
		h := NewH1(p)
		w := h.CellEval(0.35, 0.6)
		require.Equal(t, ElemDofCount(h), len(w))
		sum := 0.0
		for _, v := range w {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "order %d", p)
	}
	// Order 1 at a vertex picks that vertex exactly
	h := NewH1(1)
	w := h.CellEval(1, 0)
	assert.InDelta(t, 0.0, w[0], 1e-12)
	assert.InDelta(t, 1.0, w[1], 1e-12)
}

func TestND0Signs(t *testing.T) {
	nd := ND0{}
	perm, sign := nd.EdgePerm()
	assert.Equal(t, []int{0}, perm)
	assert.Equal(t, []float64{-1}, sign)
	rows := nd.EdgeConstraintRows(1, 0.5)
	require.Equal(t, 1, len(rows))
	assert.InDelta(t, -0.5, rows[0][0], 1e-12)
}

package fec

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Lagrange1D evaluates a nodal Lagrange basis on [0,1] through a monomial
// Vandermonde system: V[i][k] = x_i^k is inverted once, and the basis
// weights at t are w_j(t) = sum_k invV[k][j] t^k. The node counts here are
// small (polynomial order of a single element), so the dense solve is
// exact to round-off and costs nothing at scale.
type Lagrange1D struct {
	Nodes []float64
	invV  *mat.Dense
}

func NewLagrange1D(nodes []float64) *Lagrange1D {
	n := len(nodes)
	V := mat.NewDense(n, n, nil)
	for i, x := range nodes {
		p := 1.0
		for k := 0; k < n; k++ {
			V.Set(i, k, p)
			p *= x
		}
	}
	var invV mat.Dense
	if err := invV.Inverse(V); err != nil {
		panic(fmt.Sprintf("degenerate nodal set %v: %v", nodes, err))
	}
	return &Lagrange1D{Nodes: append([]float64{}, nodes...), invV: &invV}
}

// Eval returns the basis weights at t, one per node, in node order.
func (l *Lagrange1D) Eval(t float64) []float64 {
	n := len(l.Nodes)
	w := make([]float64, n)
	p := 1.0
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			w[j] += l.invV.At(k, j) * p
		}
		p *= t
	}
	return w
}

// equispacedNodes returns the 1D nodal set for order p on [0,1] with the
// endpoints first: [0, 1, 1/p, 2/p, ...]. Endpoint-first ordering matches
// the entity dof layout (vertex dofs, then edge interior dofs).
func equispacedNodes(p int) []float64 {
	nodes := []float64{0, 1}
	for i := 1; i < p; i++ {
		nodes = append(nodes, float64(i)/float64(p))
	}
	return nodes
}

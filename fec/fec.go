// Package fec defines the finite element collection collaborator consumed
// by the parallel dof numbering: per-entity scalar dof counts, the
// canonical edge orientation convention, and the interpolation weights that
// seed hanging-node constraint rows. The basis mathematics beyond nodal
// interpolation is out of scope here.
package fec

import "fmt"

// Collection describes the local dof layout of one element family on 2D
// quadrilateral meshes.
//
// Entity dof conventions: a vertex carries VertexDofs scalar dofs, an edge
// EdgeDofs interior dofs ordered along the edge's canonical direction (low
// global vertex id to high), and a cell CellDofs interior dofs. The edge
// trace of the basis is spanned by [v0 dofs, v1 dofs, edge interior dofs]
// with v0 the canonical start vertex.
type Collection interface {
	Name() string
	VertexDofs() int
	EdgeDofs() int
	CellDofs() int

	// EdgePerm returns the interior edge dof permutation and signs for an
	// element traversing the edge against its canonical direction:
	// elementDof[i] = sign[i] * canonicalDof[perm[i]].
	EdgePerm() (perm []int, sign []float64)

	// EdgeEval returns the weights of the edge trace dofs reproducing a
	// point value at parameter t along the canonical direction. Only
	// meaningful for collections with vertex dofs; others return nil.
	EdgeEval(t float64) []float64

	// EdgeConstraintRows returns one weight row per interior dof of a child
	// edge spanning parent parameters [t0,t1] (t0 > t1 when the child's
	// canonical direction opposes the parent's). Columns are the parent
	// edge trace dofs.
	EdgeConstraintRows(t0, t1 float64) [][]float64

	// CellEval returns the weights of the full element dof set (4 vertices,
	// 4 edges in element traversal order, cell interior) reproducing a
	// point value at reference coordinates (xi, eta) in [0,1]^2, or nil if
	// the collection does not support point evaluation.
	CellEval(xi, eta float64) []float64

	// CellNodes returns the reference coordinates of each element dof, in
	// the same order CellEval weights them, or nil for collections without
	// point-valued dofs.
	CellNodes() [][2]float64
}

// ElemDofCount returns the number of scalar dofs per quad element.
func ElemDofCount(c Collection) int {
	return 4*c.VertexDofs() + 4*c.EdgeDofs() + c.CellDofs()
}

// H1 is the H1-conforming nodal Lagrange collection of a given order on
// quadrilaterals, with equispaced nodes.
type H1 struct {
	Order int
	trace *Lagrange1D // nodes endpoint-first: [0, 1, 1/p, ...]
	grid  *Lagrange1D // nodes in grid order: [0, 1/p, ..., 1]
}

func NewH1(order int) *H1 {
	if order < 1 {
		panic(fmt.Sprintf("H1 order must be at least 1, got %d", order))
	}
	gridNodes := make([]float64, order+1)
	for i := range gridNodes {
		gridNodes[i] = float64(i) / float64(order)
	}
	return &H1{
		Order: order,
		trace: NewLagrange1D(equispacedNodes(order)),
		grid:  NewLagrange1D(gridNodes),
	}
}

func (h *H1) Name() string    { return fmt.Sprintf("H1_2D_P%d", h.Order) }
func (h *H1) VertexDofs() int { return 1 }
func (h *H1) EdgeDofs() int   { return h.Order - 1 }
func (h *H1) CellDofs() int   { return (h.Order - 1) * (h.Order - 1) }

func (h *H1) EdgePerm() (perm []int, sign []float64) {
	ne := h.EdgeDofs()
	perm = make([]int, ne)
	sign = make([]float64, ne)
	for i := 0; i < ne; i++ {
		perm[i] = ne - 1 - i
		sign[i] = 1
	}
	return
}

func (h *H1) EdgeEval(t float64) []float64 { return h.trace.Eval(t) }

func (h *H1) EdgeConstraintRows(t0, t1 float64) [][]float64 {
	rows := make([][]float64, h.EdgeDofs())
	for i := range rows {
		s := float64(i+1) / float64(h.Order)
		rows[i] = h.trace.Eval(t0 + (t1-t0)*s)
	}
	return rows
}

// CellEval maps the element-local dof layout onto the (p+1)x(p+1) tensor
// grid and returns l_i(xi)*l_j(eta) per dof. Element traversal: vertices
// counterclockwise from (0,0); edges bottom, right, top, left, each along
// the element's traversal direction; interior lexicographic.
func (h *H1) CellEval(xi, eta float64) []float64 {
	p := h.Order
	lx := h.grid.Eval(xi)
	ly := h.grid.Eval(eta)
	w := make([]float64, 0, ElemDofCount(h))
	node := func(i, j int) float64 { return lx[i] * ly[j] }
	// vertices (0,0) (p,0) (p,p) (0,p)
	w = append(w, node(0, 0), node(p, 0), node(p, p), node(0, p))
	for i := 1; i < p; i++ { // bottom, v0 -> v1
		w = append(w, node(i, 0))
	}
	for j := 1; j < p; j++ { // right, v1 -> v2
		w = append(w, node(p, j))
	}
	for i := p - 1; i >= 1; i-- { // top, v2 -> v3
		w = append(w, node(i, p))
	}
	for j := p - 1; j >= 1; j-- { // left, v3 -> v0
		w = append(w, node(0, j))
	}
	for j := 1; j < p; j++ {
		for i := 1; i < p; i++ {
			w = append(w, node(i, j))
		}
	}
	return w
}

// CellNodes lists the element dof positions in CellEval order.
func (h *H1) CellNodes() [][2]float64 {
	p := h.Order
	fp := float64(p)
	pt := func(i, j int) [2]float64 { return [2]float64{float64(i) / fp, float64(j) / fp} }
	nodes := make([][2]float64, 0, ElemDofCount(h))
	nodes = append(nodes, pt(0, 0), pt(p, 0), pt(p, p), pt(0, p))
	for i := 1; i < p; i++ {
		nodes = append(nodes, pt(i, 0))
	}
	for j := 1; j < p; j++ {
		nodes = append(nodes, pt(p, j))
	}
	for i := p - 1; i >= 1; i-- {
		nodes = append(nodes, pt(i, p))
	}
	for j := p - 1; j >= 1; j-- {
		nodes = append(nodes, pt(0, j))
	}
	for j := 1; j < p; j++ {
		for i := 1; i < p; i++ {
			nodes = append(nodes, pt(i, j))
		}
	}
	return nodes
}

// ND0 is the lowest-order edge element collection: one dof per edge whose
// sign follows the edge direction. It exists to exercise orientation sign
// handling in the dof numbering; cell point evaluation is not defined.
type ND0 struct{}

func (ND0) Name() string    { return "ND_2D_P1" }
func (ND0) VertexDofs() int { return 0 }
func (ND0) EdgeDofs() int   { return 1 }
func (ND0) CellDofs() int   { return 0 }

func (ND0) EdgePerm() (perm []int, sign []float64) {
	return []int{0}, []float64{-1}
}

func (ND0) EdgeEval(t float64) []float64 { return nil }

// A child edge spanning [t0,t1] of its parent carries the parent dof scaled
// by the covered fraction; a reversed child flips the sign through t0 > t1.
func (ND0) EdgeConstraintRows(t0, t1 float64) [][]float64 {
	return [][]float64{{t1 - t0}}
}

func (ND0) CellEval(xi, eta float64) []float64 { return nil }

func (ND0) CellNodes() [][2]float64 { return nil }

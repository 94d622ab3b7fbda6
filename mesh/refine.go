package mesh

import "fmt"

// paramOnParent maps a vertex of a split edge to its parameter along the
// parent's canonical direction: start vertex 0, end vertex 1, midpoint 0.5.
func paramOnParent(v, a, b, mid int) float64 {
	switch v {
	case a:
		return 0
	case b:
		return 1
	case mid:
		return 0.5
	}
	panic(fmt.Sprintf("vertex %d is not on edge (%d,%d)", v, a, b))
}

// Refine isotropically splits every marked element into four children and
// returns the refined mesh. Hanging-node constraints are maintained across
// rounds: a constraint appears when a split edge borders an unrefined
// element, disappears when the coarse side catches up, and survives as a
// chain link when a slave edge is split again. The returned mesh records
// the coarse ancestry consumed by the derefinement matrix builder.
func (m *Mesh) Refine(marks []bool) *Mesh {
	if len(marks) != m.NumElems() {
		panic(fmt.Sprintf("marks length %d, mesh has %d elements", len(marks), m.NumElems()))
	}
	fine := &Mesh{
		VX:     append([]float64{}, m.VX...),
		VY:     append([]float64{}, m.VY...),
		Coarse: m,
	}

	// Existing hanging vertices, by parent edge key: a coarse-side split of
	// that edge must reuse the vertex instead of minting a duplicate.
	hangingOn := make(map[[2]int]int)
	for _, vc := range m.VertConstraints {
		hangingOn[edgeKey(vc.ParentV[0], vc.ParentV[1])] = vc.Vert
	}
	isParentEdge := make(map[[2]int]bool)
	for _, vc := range m.VertConstraints {
		isParentEdge[edgeKey(vc.ParentV[0], vc.ParentV[1])] = true
	}
	for _, ec := range m.EdgeConstraints {
		isParentEdge[edgeKey(ec.ParentV[0], ec.ParentV[1])] = true
	}
	slaveOf := make(map[[2]int]bool)
	for _, ec := range m.EdgeConstraints {
		slaveOf[edgeKey(ec.SlaveV[0], ec.SlaveV[1])] = true
	}

	midCache := make(map[[2]int]int)
	split := make(map[[2]int]bool)
	midpoint := func(a, b int) int {
		key := edgeKey(a, b)
		split[key] = true
		if v, ok := hangingOn[key]; ok {
			return v
		}
		if v, ok := midCache[key]; ok {
			return v
		}
		v := len(fine.VX)
		fine.VX = append(fine.VX, 0.5*(m.VX[a]+m.VX[b]))
		fine.VY = append(fine.VY, 0.5*(m.VY[a]+m.VY[b]))
		midCache[key] = v
		return v
	}
	center := func(ev [4]int) int {
		v := len(fine.VX)
		x, y := 0.0, 0.0
		for _, vv := range ev {
			x += 0.25 * m.VX[vv]
			y += 0.25 * m.VY[vv]
		}
		fine.VX = append(fine.VX, x)
		fine.VY = append(fine.VY, y)
		return v
	}

	addHanging := func(a, b int) {
		mid := midpoint(a, b)
		ca, cb := a, b
		if ca > cb {
			ca, cb = cb, ca
		}
		fine.VertConstraints = append(fine.VertConstraints, VertConstraint{
			Vert: mid, ParentV: [2]int{ca, cb}, T: 0.5,
		})
		for _, child := range [][2]int{{ca, mid}, {mid, cb}} {
			s0, s1 := child[0], child[1]
			if s0 > s1 {
				s0, s1 = s1, s0
			}
			fine.EdgeConstraints = append(fine.EdgeConstraints, EdgeConstraint{
				SlaveV:  [2]int{s0, s1},
				ParentV: [2]int{ca, cb},
				T0:      paramOnParent(s0, ca, cb, mid),
				T1:      paramOnParent(s1, ca, cb, mid),
			})
		}
	}

	// First pass: mint all midpoints and record constraints introduced at
	// newly non-conforming interfaces.
	for k, ev := range m.EToV {
		if !marks[k] {
			continue
		}
		for f := 0; f < 4; f++ {
			a, b := ev[f], ev[(f+1)%4]
			nbr := m.EToE[k][f]
			switch {
			case nbr >= 0 && marks[nbr]:
				midpoint(a, b) // both sides split, conforming
			case nbr >= 0 && !marks[nbr]:
				addHanging(a, b)
			default:
				// No conforming neighbor: true boundary, the coarse side of
				// an existing interface, or a slave edge being split again.
				key := edgeKey(a, b)
				if slaveOf[key] {
					addHanging(a, b) // deepens the chain
				} else {
					midpoint(a, b)
				}
			}
		}
	}

	// Carry over surviving constraints: dropped once the parent edge has
	// been split (the interface became conforming at that level).
	for _, vc := range m.VertConstraints {
		if !split[edgeKey(vc.ParentV[0], vc.ParentV[1])] {
			fine.VertConstraints = append(fine.VertConstraints, vc)
		}
	}
	for _, ec := range m.EdgeConstraints {
		if !split[edgeKey(ec.ParentV[0], ec.ParentV[1])] {
			fine.EdgeConstraints = append(fine.EdgeConstraints, ec)
		}
	}

	// Second pass: emit elements in deterministic order.
	for k, ev := range m.EToV {
		if !marks[k] {
			fine.EToV = append(fine.EToV, ev)
			fine.ElemParent = append(fine.ElemParent, k)
			fine.ElemChild = append(fine.ElemChild, -1)
			continue
		}
		m01 := midpoint(ev[0], ev[1])
		m12 := midpoint(ev[1], ev[2])
		m23 := midpoint(ev[2], ev[3])
		m30 := midpoint(ev[3], ev[0])
		c := center(ev)
		children := [4][4]int{
			{ev[0], m01, c, m30},
			{m01, ev[1], m12, c},
			{c, m12, ev[2], m23},
			{m30, c, m23, ev[3]},
		}
		for q, cv := range children {
			fine.EToV = append(fine.EToV, cv)
			fine.ElemParent = append(fine.ElemParent, k)
			fine.ElemChild = append(fine.ElemChild, q)
		}
	}
	fine.BuildConnectivity()
	return fine
}

// ChildRefCoords maps reference coordinates (xi, eta) of a coarse element
// to the reference coordinates within child quadrant q, together with
// whether the point lies inside that quadrant.
func ChildRefCoords(q int, xi, eta float64) (cxi, ceta float64, inside bool) {
	ox := [4]float64{0, 0.5, 0.5, 0}
	oy := [4]float64{0, 0, 0.5, 0.5}
	cxi = 2 * (xi - ox[q])
	ceta = 2 * (eta - oy[q])
	const tol = 1e-12
	inside = cxi >= -tol && cxi <= 1+tol && ceta >= -tol && ceta <= 1+tol
	return
}

// RefineChain builds a synthetic hanging-node chain of the given depth for
// protocol termination tests: starting from a 2x1 strip, the right element
// is refined, then the child touching the constrained interface is refined
// again depth-1 times. The interface edge accumulates a chain of depth
// nested constraints.
func RefineChain(depth int) *Mesh {
	m := CartesianQuad(2, 1)
	marks := make([]bool, m.NumElems())
	marks[1] = true // right element
	m = m.Refine(marks)
	for d := 1; d < depth; d++ {
		// Child adjacent to the x=0.5 interface, lower side: contains the
		// point just right of the interface near y just above the previous
		// refinement's lower-left corner.
		h := 0.25 / float64(int(1)<<(d-1))
		k := m.ElemContaining(0.5+h/2, h/2)
		if k < 0 {
			panic("chain construction lost the interface element")
		}
		marks = make([]bool, m.NumElems())
		marks[k] = true
		m = m.Refine(marks)
	}
	return m
}

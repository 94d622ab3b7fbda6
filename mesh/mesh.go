// Package mesh supplies the topology side of the parallel dof numbering:
// global quadrilateral meshes (conforming or non-conforming with hanging
// nodes), element partitioners, and the distribution of a global mesh into
// per-rank local views with entity ownership groups. Mesh generation
// beyond structured builders and isotropic quad refinement is out of scope.
package mesh

import "fmt"

// EntityKind discriminates the mesh entities that carry dofs.
type EntityKind uint8

const (
	VertexEntity EntityKind = iota
	EdgeEntity
	CellEntity
)

func (k EntityKind) String() string {
	switch k {
	case VertexEntity:
		return "vertex"
	case EdgeEntity:
		return "edge"
	case CellEntity:
		return "cell"
	}
	return fmt.Sprintf("EntityKind(%d)", uint8(k))
}

// EntityRef names a mesh entity by kind and global id. A ref is the
// rank-independent identity of an entity: both sides of a partition
// boundary derive the same ref for a shared entity.
type EntityRef struct {
	Kind EntityKind
	ID   int64
}

// VertConstraint marks a hanging vertex: its value is interpolated from
// the trace of the parent edge at parameter T along the parent's canonical
// direction. ParentV are the parent edge endpoints.
type VertConstraint struct {
	Vert       int
	ParentV    [2]int
	ParentEdge int
	T          float64
}

// EdgeConstraint marks a slave edge covering parent parameters [T0,T1].
// T0 corresponds to the slave edge's canonical start vertex; T0 > T1 means
// the slave's canonical direction opposes the parent's. Slave and parent
// edges are named by endpoints; BuildConnectivity derives the edge ids,
// since a chain-interior slave may no longer appear in element incidence.
type EdgeConstraint struct {
	SlaveV     [2]int
	ParentV    [2]int
	Edge       int
	ParentEdge int
	T0, T1     float64
}

// Mesh is a global 2D quadrilateral mesh. Elements list their vertices
// counterclockwise; edges are derived with a canonical direction from the
// lower to the higher vertex id, which every rank reproduces independently.
type Mesh struct {
	VX, VY []float64
	EToV   [][4]int

	// Derived connectivity (BuildConnectivity)
	EdgeVerts   [][2]int  // edge -> canonical endpoints, low id first
	EToEdge     [][4]int  // element -> edge ids, edge f connects corner f to f+1
	EToEdgeFlip [][4]bool // element traversal opposes canonical direction
	EToE        [][4]int  // conforming neighbor across edge f, -1 if none

	// Non-conforming constraints. Parent edges stay in EdgeVerts even when
	// no element references them any longer (multi-level chains).
	VertConstraints []VertConstraint
	EdgeConstraints []EdgeConstraint

	// Derefinement ancestry, set by Refine on the fine mesh.
	Coarse     *Mesh
	ElemParent []int // fine element -> coarse element
	ElemChild  []int // quadrant 0..3, or -1 for elements copied unrefined
}

func (m *Mesh) NumVerts() int { return len(m.VX) }
func (m *Mesh) NumElems() int { return len(m.EToV) }
func (m *Mesh) NumEdges() int { return len(m.EdgeVerts) }

func (m *Mesh) Nonconforming() bool {
	return len(m.VertConstraints) > 0 || len(m.EdgeConstraints) > 0
}

func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// BuildConnectivity derives the edge table and element-to-element
// adjacency. Deterministic: edges are numbered in first-encounter order
// over elements, then any constraint parent edges missing from the element
// incidence are appended.
func (m *Mesh) BuildConnectivity() {
	ids := make(map[[2]int]int)
	m.EdgeVerts = m.EdgeVerts[:0]
	m.EToEdge = make([][4]int, m.NumElems())
	m.EToEdgeFlip = make([][4]bool, m.NumElems())
	addEdge := func(a, b int) int {
		key := edgeKey(a, b)
		id, ok := ids[key]
		if !ok {
			id = len(m.EdgeVerts)
			ids[key] = id
			m.EdgeVerts = append(m.EdgeVerts, key)
		}
		return id
	}
	for k, ev := range m.EToV {
		for f := 0; f < 4; f++ {
			a, b := ev[f], ev[(f+1)%4]
			id := addEdge(a, b)
			m.EToEdge[k][f] = id
			m.EToEdgeFlip[k][f] = a > b
		}
	}
	for i := range m.VertConstraints {
		vc := &m.VertConstraints[i]
		vc.ParentEdge = addEdge(vc.ParentV[0], vc.ParentV[1])
	}
	for i := range m.EdgeConstraints {
		ec := &m.EdgeConstraints[i]
		ec.Edge = addEdge(ec.SlaveV[0], ec.SlaveV[1])
		ec.ParentEdge = addEdge(ec.ParentV[0], ec.ParentV[1])
	}

	// Conforming adjacency: exactly two elements sharing an edge id
	firstUse := make([]int, m.NumEdges())
	firstFace := make([]int, m.NumEdges())
	for e := range firstUse {
		firstUse[e] = -1
	}
	m.EToE = make([][4]int, m.NumElems())
	for k := range m.EToE {
		for f := 0; f < 4; f++ {
			m.EToE[k][f] = -1
		}
	}
	for k, ee := range m.EToEdge {
		for f := 0; f < 4; f++ {
			e := ee[f]
			if firstUse[e] < 0 {
				firstUse[e] = k
				firstFace[e] = f
				continue
			}
			k2, f2 := firstUse[e], firstFace[e]
			m.EToE[k][f] = k2
			m.EToE[k2][f2] = k
		}
	}
}

// CartesianQuad builds a conforming nx x ny unit-square quad mesh.
// Vertices are numbered lexicographically, elements row-major.
func CartesianQuad(nx, ny int) *Mesh {
	m := &Mesh{}
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			m.VX = append(m.VX, float64(i)/float64(nx))
			m.VY = append(m.VY, float64(j)/float64(ny))
		}
	}
	vid := func(i, j int) int { return j*(nx+1) + i }
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			m.EToV = append(m.EToV, [4]int{vid(i, j), vid(i+1, j), vid(i+1, j+1), vid(i, j+1)})
		}
	}
	m.BuildConnectivity()
	return m
}

// ElemContaining returns the first element whose bounding box contains
// (x, y). Intended for test meshes where elements are axis-aligned.
func (m *Mesh) ElemContaining(x, y float64) int {
	const tol = 1e-12
	for k, ev := range m.EToV {
		xmin, xmax := m.VX[ev[0]], m.VX[ev[0]]
		ymin, ymax := m.VY[ev[0]], m.VY[ev[0]]
		for _, v := range ev[1:] {
			if m.VX[v] < xmin {
				xmin = m.VX[v]
			}
			if m.VX[v] > xmax {
				xmax = m.VX[v]
			}
			if m.VY[v] < ymin {
				ymin = m.VY[v]
			}
			if m.VY[v] > ymax {
				ymax = m.VY[v]
			}
		}
		if x >= xmin-tol && x <= xmax+tol && y >= ymin-tol && y <= ymax+tol {
			return k
		}
	}
	return -1
}

// edgeConstraintOf returns the index of the constraint whose slave is the
// given edge, or -1.
func (m *Mesh) edgeConstraintOf(edge int) int {
	for i, ec := range m.EdgeConstraints {
		if ec.Edge == edge {
			return i
		}
	}
	return -1
}

// ConstraintDepth returns the maximum hanging-node chain depth: the number
// of constraint hops from any slave entity down to unconstrained entities.
// It errors out on a self-referential or cyclic constraint graph.
func (m *Mesh) ConstraintDepth() (int, error) {
	vertDepth := make(map[int]int)
	edgeDepth := make(map[int]int)
	var vd func(v int, guard int) (int, error)
	var ed func(e int, guard int) (int, error)
	limit := len(m.VertConstraints) + len(m.EdgeConstraints) + 1
	vd = func(v int, guard int) (int, error) {
		if guard > limit {
			return 0, fmt.Errorf("constraint cycle detected at vertex %d", v)
		}
		if d, ok := vertDepth[v]; ok {
			return d, nil
		}
		for _, vc := range m.VertConstraints {
			if vc.Vert != v {
				continue
			}
			d := 0
			for _, pv := range vc.ParentV {
				pd, err := vd(pv, guard+1)
				if err != nil {
					return 0, err
				}
				if pd > d {
					d = pd
				}
			}
			pd, err := ed(vc.ParentEdge, guard+1)
			if err != nil {
				return 0, err
			}
			if pd > d {
				d = pd
			}
			vertDepth[v] = d + 1
			return d + 1, nil
		}
		vertDepth[v] = 0
		return 0, nil
	}
	ed = func(e int, guard int) (int, error) {
		if guard > limit {
			return 0, fmt.Errorf("constraint cycle detected at edge %d", e)
		}
		if d, ok := edgeDepth[e]; ok {
			return d, nil
		}
		if i := m.edgeConstraintOf(e); i >= 0 {
			ec := m.EdgeConstraints[i]
			d := 0
			for _, pv := range ec.ParentV {
				pd, err := vd(pv, guard+1)
				if err != nil {
					return 0, err
				}
				if pd > d {
					d = pd
				}
			}
			pd, err := ed(ec.ParentEdge, guard+1)
			if err != nil {
				return 0, err
			}
			if pd > d {
				d = pd
			}
			edgeDepth[e] = d + 1
			return d + 1, nil
		}
		edgeDepth[e] = 0
		return 0, nil
	}
	max := 0
	for _, vc := range m.VertConstraints {
		d, err := vd(vc.Vert, 0)
		if err != nil {
			return 0, err
		}
		if d > max {
			max = d
		}
	}
	for _, ec := range m.EdgeConstraints {
		d, err := ed(ec.Edge, 0)
		if err != nil {
			return 0, err
		}
		if d > max {
			max = d
		}
	}
	return max, nil
}

package mesh

import (
	"fmt"
	"sort"
)

// LocalVertConstraint localizes a hanging vertex: the slave vertex is a
// local index, the parents are rank-independent refs (resolvable locally
// or through the aux table).
type LocalVertConstraint struct {
	Vert        int
	ParentVerts [2]EntityRef
	ParentEdge  EntityRef
	T           float64
}

// LocalEdgeConstraint localizes a slave edge the same way.
type LocalEdgeConstraint struct {
	Edge        int
	ParentVerts [2]EntityRef
	ParentEdge  EntityRef
	T0, T1      float64
}

// AuxEntity is an entity a rank references through constraints without any
// local element touching it: a chain-interior slave (carrying its own
// constraint) or a pure parent whose dof rows arrive from the owner rank.
// Dangling marks entities no element touches anywhere: nobody owns them,
// so the lowest rank of Ranks resolves and distributes their rows.
type AuxEntity struct {
	Ref      EntityRef
	Ranks    []int // closed rank set, sorted
	Dangling bool
	HasCon   bool
	// Constraint payload when HasCon: a vertex aux uses T0 as its
	// parameter, an edge aux uses [T0,T1].
	ParentVerts [2]EntityRef
	ParentEdge  EntityRef
	T0, T1      float64
}

// NbrElem describes a face-neighbor element owned by another rank, in
// terms every rank can resolve: global entity ids and edge flips.
type NbrElem struct {
	Global int64
	Verts  [4]int64
	Edges  [4]int64
	Flip   [4]bool
}

// SendBlock lists the local elements whose dof values a neighbor rank
// needs; RecvBlock mirrors it from the receiving side.
type SendBlock struct {
	Rank  int
	Elems []int
}

type RecvBlock struct {
	Rank  int
	Elems []NbrElem
}

// LocalMesh is one rank's view of a distributed mesh: its elements and
// their entities, the ownership groups of shared entities, localized
// hanging-node constraints, aux entities, and face-neighbor exchange
// lists. All structures are derived once by Distribute and treated as
// read-only by the dof numbering.
type LocalMesh struct {
	Rank, NRanks int

	EToV        [][4]int
	EToEdge     [][4]int
	EToEdgeFlip [][4]bool
	EdgeVerts   [][2]int // local endpoints, canonical low global id first

	VertGlobal []int64
	EdgeGlobal []int64
	ElemGlobal []int64

	// Groups[0] is the private group {Rank}; shared entities point into
	// Groups via VertGroup/EdgeGroup. Groups come from element incidence
	// only, so the master of a group always has a local copy. Cells are
	// always private.
	Groups    [][]int
	VertGroup []int
	EdgeGroup []int

	// Closed rank sets for local entities whose constraint closure reaches
	// ranks beyond the incidence group, keyed by local index. The entity
	// owner must push its finalized dof rows to every rank listed here.
	VertRowRanks map[int][]int
	EdgeRowRanks map[int][]int

	VertCons []LocalVertConstraint
	EdgeCons []LocalEdgeConstraint
	Aux      []AuxEntity

	SendNbr []SendBlock
	RecvNbr []RecvBlock

	Depth int // maximum constraint chain depth (global)
	NC    bool
}

func (lm *LocalMesh) NumVerts() int { return len(lm.VertGlobal) }
func (lm *LocalMesh) NumEdges() int { return len(lm.EdgeGlobal) }
func (lm *LocalMesh) NumElems() int { return len(lm.ElemGlobal) }

// GroupMaster returns the lowest rank of the group, the owner of every
// entity in it.
func (lm *LocalMesh) GroupMaster(g int) int { return lm.Groups[g][0] }

func (lm *LocalMesh) IAmMaster(g int) bool { return lm.GroupMaster(g) == lm.Rank }

type rankSet map[int]bool

func (s rankSet) sorted() []int {
	out := make([]int, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// Distribute splits a global mesh into per-rank local views. Entity rank
// sets start from element incidence and are closed over the constraint
// graph: every rank that needs a slave's rows is added to the parents'
// sets, iterated to the chain depth, so the owner of any entity knows the
// full fan-out of ranks its finalized rows must reach.
func Distribute(m *Mesh, eToP []int, np int) ([]*LocalMesh, error) {
	if len(eToP) != m.NumElems() {
		return nil, fmt.Errorf("partition map covers %d elements, mesh has %d",
			len(eToP), m.NumElems())
	}
	for k, r := range eToP {
		if r < 0 || r >= np {
			return nil, fmt.Errorf("element %d assigned to rank %d, have %d ranks", k, r, np)
		}
	}
	depth, err := m.ConstraintDepth()
	if err != nil {
		return nil, fmt.Errorf("malformed constraint graph: %w", err)
	}

	// Incidence rank sets decide ownership: a group master always has a
	// local copy of the entity.
	vertInc := make([]rankSet, m.NumVerts())
	edgeInc := make([]rankSet, m.NumEdges())
	for v := range vertInc {
		vertInc[v] = rankSet{}
	}
	for e := range edgeInc {
		edgeInc[e] = rankSet{}
	}
	for k, ev := range m.EToV {
		r := eToP[k]
		for f := 0; f < 4; f++ {
			vertInc[ev[f]][r] = true
			edgeInc[m.EToEdge[k][f]][r] = true
		}
	}

	// Closed rank sets decide row fan-out: parents inherit the slave's
	// ranks, one sweep per chain level, so the owner of any entity knows
	// every rank its finalized rows must reach.
	vertClo := make([]rankSet, m.NumVerts())
	edgeClo := make([]rankSet, m.NumEdges())
	for v, s := range vertInc {
		vertClo[v] = rankSet{}
		for r := range s {
			vertClo[v][r] = true
		}
	}
	for e, s := range edgeInc {
		edgeClo[e] = rankSet{}
		for r := range s {
			edgeClo[e][r] = true
		}
	}
	for iter := 0; iter <= depth; iter++ {
		changed := false
		propagate := func(dst rankSet, src rankSet) {
			for r := range src {
				if !dst[r] {
					dst[r] = true
					changed = true
				}
			}
		}
		for _, vc := range m.VertConstraints {
			s := vertClo[vc.Vert]
			propagate(vertClo[vc.ParentV[0]], s)
			propagate(vertClo[vc.ParentV[1]], s)
			propagate(edgeClo[vc.ParentEdge], s)
		}
		for _, ec := range m.EdgeConstraints {
			s := edgeClo[ec.Edge]
			propagate(vertClo[ec.ParentV[0]], s)
			propagate(vertClo[ec.ParentV[1]], s)
			propagate(edgeClo[ec.ParentEdge], s)
		}
		if !changed {
			break
		}
	}

	// Which constraints exist for an entity, for aux payloads.
	vconOf := make(map[int]VertConstraint)
	for _, vc := range m.VertConstraints {
		vconOf[vc.Vert] = vc
	}
	econOf := make(map[int]EdgeConstraint)
	for _, ec := range m.EdgeConstraints {
		econOf[ec.Edge] = ec
	}

	locals := make([]*LocalMesh, np)
	for rank := 0; rank < np; rank++ {
		locals[rank] = buildLocal(m, eToP, np, rank, vertInc, edgeInc,
			vertClo, edgeClo, vconOf, econOf, depth)
	}
	return locals, nil
}

func vertRef(v int) EntityRef { return EntityRef{VertexEntity, int64(v)} }
func edgeRef(e int) EntityRef { return EntityRef{EdgeEntity, int64(e)} }

func buildLocal(m *Mesh, eToP []int, np, rank int,
	vertInc, edgeInc, vertClo, edgeClo []rankSet,
	vconOf map[int]VertConstraint, econOf map[int]EdgeConstraint,
	depth int) *LocalMesh {

	lm := &LocalMesh{
		Rank:   rank,
		NRanks: np,
		Depth:  depth,
		NC:     m.Nonconforming(),
	}

	// Local elements in global order, then their entities in
	// first-encounter order. Every rank uses the same traversal rule, so
	// canonical numbering needs no coordination.
	vertLocal := make(map[int]int)
	edgeLocal := make(map[int]int)
	localVert := func(v int) int {
		lv, ok := vertLocal[v]
		if !ok {
			lv = len(lm.VertGlobal)
			vertLocal[v] = lv
			lm.VertGlobal = append(lm.VertGlobal, int64(v))
		}
		return lv
	}
	localEdge := func(e int) int {
		le, ok := edgeLocal[e]
		if !ok {
			le = len(lm.EdgeGlobal)
			edgeLocal[e] = le
			lm.EdgeGlobal = append(lm.EdgeGlobal, int64(e))
			a, b := m.EdgeVerts[e][0], m.EdgeVerts[e][1]
			lm.EdgeVerts = append(lm.EdgeVerts, [2]int{localVert(a), localVert(b)})
		}
		return le
	}
	for k := range m.EToV {
		if eToP[k] != rank {
			continue
		}
		var ev [4]int
		var ee [4]int
		for f := 0; f < 4; f++ {
			ev[f] = localVert(m.EToV[k][f])
			ee[f] = localEdge(m.EToEdge[k][f])
		}
		lm.EToV = append(lm.EToV, ev)
		lm.EToEdge = append(lm.EToEdge, ee)
		lm.EToEdgeFlip = append(lm.EToEdgeFlip, m.EToEdgeFlip[k])
		lm.ElemGlobal = append(lm.ElemGlobal, int64(k))
	}

	// Localized constraints for slave entities with local presence.
	for _, vc := range m.VertConstraints {
		if lv, ok := vertLocal[vc.Vert]; ok {
			lm.VertCons = append(lm.VertCons, LocalVertConstraint{
				Vert:        lv,
				ParentVerts: [2]EntityRef{vertRef(vc.ParentV[0]), vertRef(vc.ParentV[1])},
				ParentEdge:  edgeRef(vc.ParentEdge),
				T:           vc.T,
			})
		}
	}
	for _, ec := range m.EdgeConstraints {
		if le, ok := edgeLocal[ec.Edge]; ok {
			lm.EdgeCons = append(lm.EdgeCons, LocalEdgeConstraint{
				Edge:        le,
				ParentVerts: [2]EntityRef{vertRef(ec.ParentV[0]), vertRef(ec.ParentV[1])},
				ParentEdge:  edgeRef(ec.ParentEdge),
				T0:          ec.T0,
				T1:          ec.T1,
			})
		}
	}

	// Aux entities: rank is in the entity's closed set but has no local copy.
	for v, set := range vertClo {
		if !set[rank] {
			continue
		}
		if _, ok := vertLocal[v]; ok {
			continue
		}
		aux := AuxEntity{Ref: vertRef(v), Ranks: set.sorted(), Dangling: len(vertInc[v]) == 0}
		if vc, ok := vconOf[v]; ok {
			aux.HasCon = true
			aux.ParentVerts = [2]EntityRef{vertRef(vc.ParentV[0]), vertRef(vc.ParentV[1])}
			aux.ParentEdge = edgeRef(vc.ParentEdge)
			aux.T0 = vc.T
		}
		lm.Aux = append(lm.Aux, aux)
	}
	for e, set := range edgeClo {
		if !set[rank] {
			continue
		}
		if _, ok := edgeLocal[e]; ok {
			continue
		}
		aux := AuxEntity{Ref: edgeRef(e), Ranks: set.sorted(), Dangling: len(edgeInc[e]) == 0}
		if ec, ok := econOf[e]; ok {
			aux.HasCon = true
			aux.ParentVerts = [2]EntityRef{vertRef(ec.ParentV[0]), vertRef(ec.ParentV[1])}
			aux.ParentEdge = edgeRef(ec.ParentEdge)
			aux.T0 = ec.T0
			aux.T1 = ec.T1
		}
		lm.Aux = append(lm.Aux, aux)
	}
	sort.Slice(lm.Aux, func(i, j int) bool {
		a, b := lm.Aux[i].Ref, lm.Aux[j].Ref
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})

	// Ownership groups: the distinct rank sets over known shared entities.
	lm.Groups = [][]int{{rank}}
	groupIdx := map[string]int{groupKey([]int{rank}): 0}
	groupOf := func(set rankSet) int {
		ranks := set.sorted()
		if len(ranks) == 1 {
			return 0
		}
		key := groupKey(ranks)
		g, ok := groupIdx[key]
		if !ok {
			g = len(lm.Groups)
			groupIdx[key] = g
			lm.Groups = append(lm.Groups, ranks)
		}
		return g
	}
	lm.VertGroup = make([]int, lm.NumVerts())
	lm.VertRowRanks = make(map[int][]int)
	for v, gv := range lm.VertGlobal {
		lm.VertGroup[v] = groupOf(vertInc[gv])
		if len(vertClo[gv]) > len(vertInc[gv]) {
			lm.VertRowRanks[v] = vertClo[gv].sorted()
		}
	}
	lm.EdgeGroup = make([]int, lm.NumEdges())
	lm.EdgeRowRanks = make(map[int][]int)
	for e, ge := range lm.EdgeGlobal {
		lm.EdgeGroup[e] = groupOf(edgeInc[ge])
		if len(edgeClo[ge]) > len(edgeInc[ge]) {
			lm.EdgeRowRanks[e] = edgeClo[ge].sorted()
		}
	}

	buildFaceNbr(m, eToP, rank, lm)
	return lm
}

func groupKey(ranks []int) string {
	key := make([]byte, 0, 4*len(ranks))
	for _, r := range ranks {
		key = append(key, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}
	return string(key)
}

// buildFaceNbr records, per neighboring rank, which local elements to send
// and which remote elements to expect, both sorted by global element id so
// the two sides agree on message layout without negotiation.
func buildFaceNbr(m *Mesh, eToP []int, rank int, lm *LocalMesh) {
	sendSet := make(map[int]map[int]bool) // nbr rank -> local elem set
	recvSet := make(map[int]map[int]bool) // nbr rank -> global elem set
	globalToLocal := make(map[int]int)
	for lk, gk := range lm.ElemGlobal {
		globalToLocal[int(gk)] = lk
	}
	for k := range m.EToV {
		for f := 0; f < 4; f++ {
			nbr := m.EToE[k][f]
			if nbr < 0 {
				continue
			}
			rk, rn := eToP[k], eToP[nbr]
			if rk != rank || rn == rank {
				continue
			}
			if sendSet[rn] == nil {
				sendSet[rn] = map[int]bool{}
				recvSet[rn] = map[int]bool{}
			}
			sendSet[rn][globalToLocal[k]] = true
			recvSet[rn][nbr] = true
		}
	}
	nbrRanks := make([]int, 0, len(sendSet))
	for r := range sendSet {
		nbrRanks = append(nbrRanks, r)
	}
	sort.Ints(nbrRanks)
	for _, rn := range nbrRanks {
		elems := make([]int, 0, len(sendSet[rn]))
		for lk := range sendSet[rn] {
			elems = append(elems, lk)
		}
		sort.Slice(elems, func(i, j int) bool {
			return lm.ElemGlobal[elems[i]] < lm.ElemGlobal[elems[j]]
		})
		lm.SendNbr = append(lm.SendNbr, SendBlock{Rank: rn, Elems: elems})

		remote := make([]int, 0, len(recvSet[rn]))
		for gk := range recvSet[rn] {
			remote = append(remote, gk)
		}
		sort.Ints(remote)
		block := RecvBlock{Rank: rn}
		for _, gk := range remote {
			ne := NbrElem{Global: int64(gk)}
			for f := 0; f < 4; f++ {
				ne.Verts[f] = int64(m.EToV[gk][f])
				ne.Edges[f] = int64(m.EToEdge[gk][f])
				ne.Flip[f] = m.EToEdgeFlip[gk][f]
			}
			block.Elems = append(block.Elems, ne)
		}
		lm.RecvNbr = append(lm.RecvNbr, block)
	}
}

package parspace

import (
	"fmt"
	"sort"

	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
)

// faceNbrData numbers the ghost dofs of the face-neighbor elements: one
// slot per dof of every remote element in the receive lists, indexed by
// wire identity and sorted so both sides agree without negotiation.
type faceNbrData struct {
	index  map[DofRef]int
	ndofs  int
	elemOf map[int64]*mesh.NbrElem
}

func (sp *ParSpace) faceNbr() *faceNbrData {
	if sp.ghosts != nil {
		return sp.ghosts
	}
	fd := &faceNbrData{
		index:  make(map[DofRef]int),
		elemOf: make(map[int64]*mesh.NbrElem),
	}
	var refs []DofRef
	seen := make(map[DofRef]bool)
	add := func(ref DofRef) {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for bi := range sp.Mesh.RecvNbr {
		block := &sp.Mesh.RecvNbr[bi]
		for ei := range block.Elems {
			ne := &block.Elems[ei]
			fd.elemOf[ne.Global] = ne
			for f := 0; f < 4; f++ {
				for i := 0; i < sp.vd; i++ {
					add(DofRef{Kind: mesh.VertexEntity, GID: ne.Verts[f], EDof: i})
				}
				for i := 0; i < sp.ed; i++ {
					add(DofRef{Kind: mesh.EdgeEntity, GID: ne.Edges[f], EDof: i})
				}
			}
			for i := 0; i < sp.cd; i++ {
				add(DofRef{Kind: mesh.CellEntity, GID: ne.Global, EDof: i})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.GID != b.GID {
			return a.GID < b.GID
		}
		return a.EDof < b.EDof
	})
	for i, ref := range refs {
		fd.index[ref] = i
	}
	fd.ndofs = len(refs)
	sp.ghosts = fd
	return fd
}

// FaceNbrVSize returns the number of ghost dofs including vector
// components.
func (sp *ParSpace) FaceNbrVSize() int { return sp.faceNbr().ndofs * sp.VDim }

// FaceNbrDofToVDof expands a scalar ghost dof and component into the ghost
// vector index, mirroring the local ordering.
func (sp *ParSpace) FaceNbrDofToVDof(gdof, vd int) int {
	if sp.Ordering == ByNodes {
		return vd*sp.faceNbr().ndofs + gdof
	}
	return gdof*sp.VDim + vd
}

// nbrElemVals carries one element's dof values in canonical entity order:
// vertices in element order, edge interiors in canonical direction, cell
// dofs; vdim values per dof.
type nbrElemVals struct {
	Elem int64
	Vals []float64
}

// ExchangeFaceNbrData sends the dof values of the interface elements to
// their face-neighbor ranks and returns the ghost vector of this rank's
// remote neighbor dofs. Canonical entity order on the wire makes the
// exchange orientation-free. Collective.
func (sp *ParSpace) ExchangeFaceNbrData(x []float64) ([]float64, error) {
	if len(x) != sp.VSize() {
		return nil, fmt.Errorf("vector has %d entries, space has %d local dofs", len(x), sp.VSize())
	}
	c, lm := sp.c, sp.Mesh
	rank := c.Rank()
	fd := sp.faceNbr()
	mb := parallel.Shared(c, sp.sharedKey("facenbr"), func() *parallel.MailBox[nbrElemVals] {
		return parallel.NewMailBox[nbrElemVals](c.Size())
	})

	for _, block := range lm.SendNbr {
		for _, k := range block.Elems {
			n := 4*sp.vd + 4*sp.ed + sp.cd
			vals := make([]float64, 0, n*sp.VDim)
			emit := func(ldof int) {
				for vd := 0; vd < sp.VDim; vd++ {
					vals = append(vals, x[sp.DofToVDof(ldof, vd)])
				}
			}
			for f := 0; f < 4; f++ {
				v := lm.EToV[k][f]
				for i := 0; i < sp.vd; i++ {
					emit(v*sp.vd + i)
				}
			}
			for f := 0; f < 4; f++ {
				base := sp.edgeBase + lm.EToEdge[k][f]*sp.ed
				for i := 0; i < sp.ed; i++ {
					emit(base + i)
				}
			}
			base := sp.cellBase + k*sp.cd
			for i := 0; i < sp.cd; i++ {
				emit(base + i)
			}
			mb.PostMessage(rank, block.Rank, nbrElemVals{Elem: lm.ElemGlobal[k], Vals: vals})
		}
	}
	mb.DeliverMyMessages(rank)
	c.Barrier()

	ghost := make([]float64, sp.FaceNbrVSize())
	var localErr error
	for _, msg := range mb.ReceiveMyMessages(rank) {
		ne, ok := fd.elemOf[msg.Elem]
		if !ok {
			localErr = fmt.Errorf("rank %d received values for element %d outside its neighbor lists", rank, msg.Elem)
			continue
		}
		pos := 0
		take := func(ref DofRef) {
			g := fd.index[ref]
			for vd := 0; vd < sp.VDim; vd++ {
				ghost[sp.FaceNbrDofToVDof(g, vd)] = msg.Vals[pos]
				pos++
			}
		}
		for f := 0; f < 4; f++ {
			for i := 0; i < sp.vd; i++ {
				take(DofRef{Kind: mesh.VertexEntity, GID: ne.Verts[f], EDof: i})
			}
		}
		for f := 0; f < 4; f++ {
			for i := 0; i < sp.ed; i++ {
				take(DofRef{Kind: mesh.EdgeEntity, GID: ne.Edges[f], EDof: i})
			}
		}
		for i := 0; i < sp.cd; i++ {
			take(DofRef{Kind: mesh.CellEntity, GID: ne.Global, EDof: i})
		}
	}
	mb.ClearMyMessages(rank)
	c.Barrier()

	if !c.AllReduceAnd(localErr == nil) {
		if localErr == nil {
			localErr = fmt.Errorf("neighbor exchange failed on another rank")
		}
		return nil, fmt.Errorf("exchanging face neighbor data: %w", localErr)
	}
	return ghost, nil
}

// FaceNbrElementDofs returns the ghost dof indices of remote element e of
// receive block b in evaluation order, with orientation signs, mirroring
// ElementDofs for local elements.
func (sp *ParSpace) FaceNbrElementDofs(b, e int) (dofs []int, signs []float64) {
	ne := &sp.Mesh.RecvNbr[b].Elems[e]
	fd := sp.faceNbr()
	n := 4*sp.vd + 4*sp.ed + sp.cd
	dofs = make([]int, 0, n)
	signs = make([]float64, 0, n)
	for f := 0; f < 4; f++ {
		for i := 0; i < sp.vd; i++ {
			dofs = append(dofs, fd.index[DofRef{Kind: mesh.VertexEntity, GID: ne.Verts[f], EDof: i}])
			signs = append(signs, 1)
		}
	}
	perm, psign := sp.FEC.EdgePerm()
	for f := 0; f < 4; f++ {
		for i := 0; i < sp.ed; i++ {
			j, s := i, 1.0
			if ne.Flip[f] {
				j, s = perm[i], psign[i]
			}
			dofs = append(dofs, fd.index[DofRef{Kind: mesh.EdgeEntity, GID: ne.Edges[f], EDof: j}])
			signs = append(signs, s)
		}
	}
	for i := 0; i < sp.cd; i++ {
		dofs = append(dofs, fd.index[DofRef{Kind: mesh.CellEntity, GID: ne.Global, EDof: i}])
		signs = append(signs, 1)
	}
	return
}

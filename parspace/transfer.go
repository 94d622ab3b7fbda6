package parspace

import (
	"fmt"
	"sort"

	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
	"github.com/helloworld922/mfem/utils"
)

// canonicalElemDofs lists element k's scalar dofs in canonical entity
// order: vertices in element order, edge interiors along the canonical
// direction, cell dofs. Both sides of an element transfer derive the same
// order, so no orientation fixup travels with the data.
func (sp *ParSpace) canonicalElemDofs(k int) []int {
	lm := sp.Mesh
	out := make([]int, 0, 4*sp.vd+4*sp.ed+sp.cd)
	for f := 0; f < 4; f++ {
		v := lm.EToV[k][f]
		for i := 0; i < sp.vd; i++ {
			out = append(out, v*sp.vd+i)
		}
	}
	for f := 0; f < 4; f++ {
		base := sp.edgeBase + lm.EToEdge[k][f]*sp.ed
		for i := 0; i < sp.ed; i++ {
			out = append(out, base+i)
		}
	}
	base := sp.cellBase + k*sp.cd
	for i := 0; i < sp.cd; i++ {
		out = append(out, base+i)
	}
	return out
}

// globalVDof expands a global scalar ldof number into the vector index of
// the ldof-global layout described by the given offsets.
func globalVDof(offsets []int64, vdim int, ord Ordering, g int64, vd int) int64 {
	r := sort.Search(len(offsets)-1, func(i int) bool { return offsets[i+1] > g })
	base := offsets[r] * int64(vdim)
	n := offsets[r+1] - offsets[r]
	i := g - offsets[r]
	if ord == ByNodes {
		return base + int64(vd)*n + i
	}
	return base + i*int64(vdim) + int64(vd)
}

func checkCompatible(a, b *ParSpace) error {
	if a.c != b.c {
		return fmt.Errorf("spaces were built over different communicators")
	}
	if a.FEC.Name() != b.FEC.Name() || a.VDim != b.VDim || a.Ordering != b.Ordering {
		return fmt.Errorf("spaces disagree on collection, vdim or ordering")
	}
	return nil
}

// elemDofsMsg hands one element's old global dof numbers to the element's
// new owner, in canonical entity order.
type elemDofsMsg struct {
	From  int
	Elem  int64
	GDofs []int64
}

// RebalanceMatrix builds the exact permutation matrix transferring a field
// from oldSp's element partition to newSp's: rows are newSp's local vector
// dofs, columns the old ldof-global layout. Both spaces must cover the
// same global mesh; newEToP maps global elements to their new ranks.
// Shared dofs arriving from several old owners dedupe deterministically,
// lowest sender first. Collective.
func RebalanceMatrix(newSp, oldSp *ParSpace, newEToP []int) (utils.CSR, error) {
	if err := checkCompatible(newSp, oldSp); err != nil {
		return utils.CSR{}, err
	}
	c := newSp.c
	rank := c.Rank()
	key := newSp.sharedKey(fmt.Sprintf("rebalance/%s.g%d", oldSp.label, oldSp.generation))
	mb := parallel.Shared(c, key, func() *parallel.MailBox[elemDofsMsg] {
		return parallel.NewMailBox[elemDofsMsg](c.Size())
	})

	var localErr error
	oldOff := oldSp.GetMyDofOffset()
	for k, gk := range oldSp.Mesh.ElemGlobal {
		if gk < 0 || int(gk) >= len(newEToP) {
			localErr = fmt.Errorf("element %d outside the new partition map", gk)
			continue
		}
		dofs := oldSp.canonicalElemDofs(k)
		gd := make([]int64, len(dofs))
		for i, d := range dofs {
			gd[i] = oldOff + int64(d)
		}
		mb.PostMessage(rank, newEToP[gk], elemDofsMsg{From: rank, Elem: gk, GDofs: gd})
	}
	mb.DeliverMyMessages(rank)
	c.Barrier()
	msgs := append([]elemDofsMsg(nil), mb.ReceiveMyMessages(rank)...)
	mb.ClearMyMessages(rank)
	c.Barrier()
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].From != msgs[j].From {
			return msgs[i].From < msgs[j].From
		}
		return msgs[i].Elem < msgs[j].Elem
	})

	elemLocal := make(map[int64]int, newSp.Mesh.NumElems())
	for k, gk := range newSp.Mesh.ElemGlobal {
		elemLocal[gk] = k
	}
	gdofOf := make([]int64, newSp.ndofs)
	for i := range gdofOf {
		gdofOf[i] = -1
	}
	for _, m := range msgs {
		k, ok := elemLocal[m.Elem]
		if !ok {
			localErr = fmt.Errorf("rank %d received dofs for element %d it does not own", rank, m.Elem)
			continue
		}
		dofs := newSp.canonicalElemDofs(k)
		if len(dofs) != len(m.GDofs) {
			localErr = fmt.Errorf("element %d dof count mismatch in transfer", m.Elem)
			continue
		}
		for i, d := range dofs {
			if gdofOf[d] < 0 {
				gdofOf[d] = m.GDofs[i]
			}
		}
	}
	ok := localErr == nil
	for _, g := range gdofOf {
		if g < 0 {
			ok = false
		}
	}
	if !c.AllReduceAnd(ok) {
		if localErr == nil {
			localErr = fmt.Errorf("some local dofs received no old dof number")
		}
		return utils.CSR{}, fmt.Errorf("building rebalance matrix: %w", localErr)
	}

	vdim := newSp.VDim
	oldGlobal := oldSp.dofOffsets[len(oldSp.dofOffsets)-1] * int64(vdim)
	b := utils.NewCSRBuilder(newSp.VSize(), int(oldGlobal))
	newSp.forEachVDofRow(func(ldof, vd int) {
		b.Append(newSp.DofToVDof(ldof, vd),
			int(globalVDof(oldSp.dofOffsets, vdim, newSp.Ordering, gdofOf[ldof], vd)), 1)
	})
	return b.Build(), nil
}

// coarseNodeRow carries the evaluation of the fine field at one coarse
// element node: columns are fine ldof-global dof numbers.
type coarseNodeRow struct {
	From  int
	Elem  int64 // coarse element
	CDof  int   // dof index within the coarse element's evaluation order
	Cols  []int64
	Coefs []float64
}

// DerefinementMatrix builds the matrix evaluating a fine-mesh field at the
// coarse-mesh nodes after derefinement: rows are coarseSp's local vector
// dofs, columns the fine ldof-global layout. fineMesh must be the global
// fine mesh carrying ancestry to coarseSp's mesh; coarseEToP maps coarse
// global elements to their ranks. Requires a collection with point-valued
// dofs. Collective.
func DerefinementMatrix(coarseSp, fineSp *ParSpace, fineMesh *mesh.Mesh, coarseEToP []int) (utils.CSR, error) {
	if err := checkCompatible(coarseSp, fineSp); err != nil {
		return utils.CSR{}, err
	}
	nodes := coarseSp.FEC.CellNodes()
	if nodes == nil {
		return utils.CSR{}, fmt.Errorf("%s does not support point evaluation, cannot derefine", coarseSp.FEC.Name())
	}
	c := fineSp.c
	rank := c.Rank()
	key := fineSp.sharedKey(fmt.Sprintf("deref/%s.g%d", coarseSp.label, coarseSp.generation))
	mb := parallel.Shared(c, key, func() *parallel.MailBox[coarseNodeRow] {
		return parallel.NewMailBox[coarseNodeRow](c.Size())
	})

	var localErr error
	fineOff := fineSp.GetMyDofOffset()
	for fk, gk := range fineSp.Mesh.ElemGlobal {
		p := fineMesh.ElemParent[gk]
		q := fineMesh.ElemChild[gk]
		if p < 0 || p >= len(coarseEToP) {
			localErr = fmt.Errorf("fine element %d has no coarse parent in the partition map", gk)
			continue
		}
		dofs, signs := fineSp.ElementDofs(fk)
		for j, node := range nodes {
			cxi, ceta := node[0], node[1]
			if q >= 0 {
				var inside bool
				cxi, ceta, inside = mesh.ChildRefCoords(q, node[0], node[1])
				if !inside {
					continue
				}
			}
			w := fineSp.FEC.CellEval(cxi, ceta)
			var cols []int64
			var coefs []float64
			for i, wi := range w {
				v := wi * signs[i]
				if v < 1e-12 && v > -1e-12 {
					continue
				}
				cols = append(cols, fineOff+int64(dofs[i]))
				coefs = append(coefs, v)
			}
			mb.PostMessage(rank, coarseEToP[p],
				coarseNodeRow{From: rank, Elem: int64(p), CDof: j, Cols: cols, Coefs: coefs})
		}
	}
	mb.DeliverMyMessages(rank)
	c.Barrier()
	msgs := append([]coarseNodeRow(nil), mb.ReceiveMyMessages(rank)...)
	mb.ClearMyMessages(rank)
	c.Barrier()
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Elem != b.Elem {
			return a.Elem < b.Elem
		}
		return a.CDof < b.CDof
	})

	elemLocal := make(map[int64]int, coarseSp.Mesh.NumElems())
	for k, gk := range coarseSp.Mesh.ElemGlobal {
		elemLocal[gk] = k
	}
	// First row wins: equivalent evaluations of a shared node from
	// different children agree up to roundoff, and the sort order makes
	// the pick deterministic.
	rows := make([]*coarseNodeRow, coarseSp.ndofs)
	for mi := range msgs {
		m := &msgs[mi]
		k, ok := elemLocal[m.Elem]
		if !ok {
			localErr = fmt.Errorf("rank %d received rows for coarse element %d it does not own", rank, m.Elem)
			continue
		}
		dofs, _ := coarseSp.ElementDofs(k)
		if m.CDof < 0 || m.CDof >= len(dofs) {
			localErr = fmt.Errorf("coarse element %d has no dof %d", m.Elem, m.CDof)
			continue
		}
		if ldof := dofs[m.CDof]; rows[ldof] == nil {
			rows[ldof] = m
		}
	}
	ok := localErr == nil
	for _, r := range rows {
		if r == nil {
			ok = false
		}
	}
	if !c.AllReduceAnd(ok) {
		if localErr == nil {
			localErr = fmt.Errorf("some coarse dofs received no evaluation row")
		}
		return utils.CSR{}, fmt.Errorf("building derefinement matrix: %w", localErr)
	}

	vdim := coarseSp.VDim
	fineGlobal := fineSp.dofOffsets[len(fineSp.dofOffsets)-1] * int64(vdim)
	// Every picked row's columns are distinct fine dofs; sorting them makes
	// the assembled layout independent of the evaluation order.
	for _, r := range rows {
		sort.Sort(colCoefPairs{cols: r.Cols, coefs: r.Coefs})
	}
	b := utils.NewCSRBuilder(coarseSp.VSize(), int(fineGlobal))
	coarseSp.forEachVDofRow(func(ldof, vd int) {
		r := rows[ldof]
		for i, col := range r.Cols {
			b.Append(coarseSp.DofToVDof(ldof, vd),
				int(globalVDof(fineSp.dofOffsets, vdim, coarseSp.Ordering, col, vd)), r.Coefs[i])
		}
	})
	return b.Build(), nil
}

type colCoefPairs struct {
	cols  []int64
	coefs []float64
}

func (p colCoefPairs) Len() int           { return len(p.cols) }
func (p colCoefPairs) Less(i, j int) bool { return p.cols[i] < p.cols[j] }
func (p colCoefPairs) Swap(i, j int) {
	p.cols[i], p.cols[j] = p.cols[j], p.cols[i]
	p.coefs[i], p.coefs[j] = p.coefs[j], p.coefs[i]
}

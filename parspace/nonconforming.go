package parspace

import (
	"fmt"

	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
	"github.com/helloworld922/mfem/utils"
)

// BuildStats summarizes the last non-conforming row propagation.
type BuildStats struct {
	Rounds        int
	RowsSent      int
	RowsForwarded int
	RowsReceived  int
}

// LastBuildStats returns the statistics of the most recent non-conforming
// prolongation build.
func (sp *ParSpace) LastBuildStats() BuildStats { return sp.stats }

// rowUpdate pushes one finalized dof row to a rank that cannot derive it
// locally. Covered lists the ranks the sender's view already reaches; a
// receiver whose own view knows further ranks forwards the update to them.
type rowUpdate struct {
	Ref     DofRef
	Covered []int
	Row     []RowEntry
}

type posting struct {
	to  int
	upd rowUpdate
}

type ncDep struct {
	slot int
	w    float64
}

// ncSlot holds the resolution state of one scalar dof: a local ldof or an
// aux dof this rank only references through constraints.
type ncSlot struct {
	ref    DofRef
	view   []int // this rank's view of the row fan-out; nil when private
	sendTo []int // where to push the row if this rank resolves it
	own    bool
	done   bool
	row    []RowEntry
	deps   []ncDep // pending constrained slots
}

type ncBuilder struct {
	sp      *ParSpace
	slots   []ncSlot
	slotIdx map[DofRef]int
	pending int
}

func (sp *ParSpace) newNCBuilder() (*ncBuilder, error) {
	lm := sp.Mesh
	rank := lm.Rank
	b := &ncBuilder{sp: sp, slotIdx: make(map[DofRef]int)}
	b.slots = make([]ncSlot, sp.ndofs)

	subtract := func(all, drop []int) []int {
		var out []int
		for _, r := range all {
			if r == rank {
				continue
			}
			skip := false
			for _, d := range drop {
				if d == r {
					skip = true
					break
				}
			}
			if !skip {
				out = append(out, r)
			}
		}
		return out
	}

	fill := func(base, n, group int, rowRanks []int) {
		groupRanks := lm.Groups[group]
		view := rowRanks
		if view == nil && group != 0 {
			view = groupRanks
		}
		own := lm.IAmMaster(group)
		var sendTo []int
		if own && rowRanks != nil {
			sendTo = subtract(rowRanks, groupRanks)
		}
		for i := 0; i < n; i++ {
			s := &b.slots[base+i]
			s.ref = sp.ldofRef(base + i)
			s.view = view
			s.own = own
			s.sendTo = sendTo
			b.slotIdx[s.ref] = base + i
		}
	}
	for v := 0; v < lm.NumVerts(); v++ {
		fill(v*sp.vd, sp.vd, lm.VertGroup[v], lm.VertRowRanks[v])
	}
	for e := 0; e < lm.NumEdges(); e++ {
		fill(sp.edgeBase+e*sp.ed, sp.ed, lm.EdgeGroup[e], lm.EdgeRowRanks[e])
	}
	for k := 0; k < lm.NumElems(); k++ {
		fill(sp.cellBase+k*sp.cd, sp.cd, 0, nil)
	}

	// Aux slots: dofs this rank references through constraints without a
	// local entity. Dangling entities have no owner; the lowest rank of
	// the closed set resolves and distributes them.
	for _, aux := range lm.Aux {
		n := sp.vd
		if aux.Ref.Kind == mesh.EdgeEntity {
			n = sp.ed
		}
		if n == 0 {
			continue
		}
		own := aux.Dangling && rank == aux.Ranks[0]
		var sendTo []int
		if own {
			sendTo = subtract(aux.Ranks, nil)
		}
		for i := 0; i < n; i++ {
			s := ncSlot{
				ref:    DofRef{Kind: aux.Ref.Kind, GID: aux.Ref.ID, EDof: i},
				view:   aux.Ranks,
				own:    own,
				sendTo: sendTo,
			}
			b.slotIdx[s.ref] = len(b.slots)
			b.slots = append(b.slots, s)
		}
	}

	// Seed independent ldofs directly with their true dof rows.
	for ldof := 0; ldof < sp.ndofs; ldof++ {
		if sp.dofKind[ldof] != DependentDof {
			b.slots[ldof].row = []RowEntry{{GTDof: sp.ldofGTDof[ldof], Coef: 1}}
			b.slots[ldof].done = true
		}
	}
	// Local and aux constraints become pending dependency lists.
	for _, vc := range lm.VertCons {
		if err := b.seedVertexSlave(vc.Vert*sp.vd, vc.ParentVerts, vc.ParentEdge, vc.T); err != nil {
			return nil, err
		}
	}
	for _, ec := range lm.EdgeCons {
		if err := b.seedEdgeSlave(sp.edgeBase+ec.Edge*sp.ed, ec.ParentVerts, ec.ParentEdge, ec.T0, ec.T1); err != nil {
			return nil, err
		}
	}
	for _, aux := range lm.Aux {
		if !aux.HasCon {
			continue
		}
		base, ok := b.slotIdx[DofRef{Kind: aux.Ref.Kind, GID: aux.Ref.ID}]
		if !ok {
			continue // entity kind carries no dofs in this collection
		}
		var err error
		if aux.Ref.Kind == mesh.VertexEntity {
			err = b.seedVertexSlave(base, aux.ParentVerts, aux.ParentEdge, aux.T0)
		} else {
			err = b.seedEdgeSlave(base, aux.ParentVerts, aux.ParentEdge, aux.T0, aux.T1)
		}
		if err != nil {
			return nil, err
		}
	}

	for i := range b.slots {
		if !b.slots[i].done {
			b.pending++
		}
	}
	return b, nil
}

// traceDeps resolves the parent edge trace of a constraint to slot
// indices: start vertex dofs, end vertex dofs, edge interior dofs in
// canonical order. ParentVerts are ordered along the parent's canonical
// direction, matching the trace layout of the collection.
func (b *ncBuilder) traceDeps(pv [2]mesh.EntityRef, pe mesh.EntityRef) ([]int, error) {
	sp := b.sp
	out := make([]int, 0, 2*sp.vd+sp.ed)
	push := func(kind mesh.EntityKind, gid int64, n int) error {
		for i := 0; i < n; i++ {
			idx, ok := b.slotIdx[DofRef{Kind: kind, GID: gid, EDof: i}]
			if !ok {
				return fmt.Errorf("constraint references %v %d absent from rank %d's view", kind, gid, sp.Mesh.Rank)
			}
			out = append(out, idx)
		}
		return nil
	}
	for _, p := range pv {
		if err := push(mesh.VertexEntity, p.ID, sp.vd); err != nil {
			return nil, err
		}
	}
	if err := push(mesh.EdgeEntity, pe.ID, sp.ed); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *ncBuilder) seedVertexSlave(base int, pv [2]mesh.EntityRef, pe mesh.EntityRef, t float64) error {
	sp := b.sp
	if sp.vd == 0 {
		return nil
	}
	w := sp.FEC.EdgeEval(t)
	deps, err := b.traceDeps(pv, pe)
	if err != nil {
		return err
	}
	if len(w) != len(deps) {
		return fmt.Errorf("edge trace has %d dofs, constraint stencil has %d weights", len(deps), len(w))
	}
	for i := 0; i < sp.vd; i++ {
		b.setDeps(base+i, deps, w)
	}
	return nil
}

func (b *ncBuilder) seedEdgeSlave(base int, pv [2]mesh.EntityRef, pe mesh.EntityRef, t0, t1 float64) error {
	sp := b.sp
	if sp.ed == 0 {
		return nil
	}
	rows := sp.FEC.EdgeConstraintRows(t0, t1)
	deps, err := b.traceDeps(pv, pe)
	if err != nil {
		return err
	}
	for i, w := range rows {
		if len(w) != len(deps) {
			return fmt.Errorf("edge trace has %d dofs, constraint stencil has %d weights", len(deps), len(w))
		}
		b.setDeps(base+i, deps, w)
	}
	return nil
}

func (b *ncBuilder) setDeps(idx int, deps []int, w []float64) {
	s := &b.slots[idx]
	if s.done || s.deps != nil {
		return
	}
	for j, d := range deps {
		if w[j] != 0 {
			s.deps = append(s.deps, ncDep{slot: d, w: w[j]})
		}
	}
}

// localFixpoint substitutes finalized rows into pending dependency lists
// until nothing changes, resolving whole constraint chains in one pass
// when every link is visible locally. Returns the newly finalized slots.
func (b *ncBuilder) localFixpoint() []int {
	var newly []int
	for {
		progress := false
		for idx := range b.slots {
			s := &b.slots[idx]
			if s.done || s.deps == nil {
				continue
			}
			ready := true
			for _, d := range s.deps {
				if !b.slots[d.slot].done {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			var row []RowEntry
			for _, d := range s.deps {
				row = addScaled(row, b.slots[d.slot].row, d.w)
			}
			s.row = mergeRow(row)
			s.done = true
			s.deps = nil
			b.pending--
			progress = true
			newly = append(newly, idx)
		}
		if !progress {
			break
		}
	}
	return newly
}

func (b *ncBuilder) postingsFor(idxs []int) []posting {
	var out []posting
	for _, idx := range idxs {
		s := &b.slots[idx]
		if !s.own || len(s.sendTo) == 0 {
			continue
		}
		upd := rowUpdate{Ref: s.ref, Covered: s.view, Row: s.row}
		for _, t := range s.sendTo {
			out = append(out, posting{to: t, upd: upd})
		}
	}
	return out
}

// apply stores a received row and returns forwards for any ranks this
// rank's view knows but the sender's covered list missed.
func (b *ncBuilder) apply(u rowUpdate) ([]posting, error) {
	idx, ok := b.slotIdx[u.Ref]
	if !ok {
		return nil, fmt.Errorf("row update for unknown dof %v %d/%d", u.Ref.Kind, u.Ref.GID, u.Ref.EDof)
	}
	s := &b.slots[idx]
	rank := b.sp.Mesh.Rank
	var targets []int
	for _, r := range s.view {
		if r == rank || containsRank(u.Covered, r) {
			continue
		}
		targets = append(targets, r)
	}
	var fwd []posting
	if len(targets) > 0 {
		next := rowUpdate{Ref: u.Ref, Covered: sortedUnion(u.Covered, s.view), Row: u.Row}
		for _, t := range targets {
			fwd = append(fwd, posting{to: t, upd: next})
		}
	}
	if !s.done {
		s.row = append([]RowEntry(nil), u.Row...)
		s.done = true
		s.deps = nil
		b.pending--
	}
	return fwd, nil
}

func containsRank(ranks []int, r int) bool {
	for _, x := range ranks {
		if x == r {
			return true
		}
	}
	return false
}

func sortedUnion(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// buildNCRows runs the batched row propagation protocol: local
// substitution to a fixpoint, one mailbox round per iteration, until every
// rank is idle. The round count is bounded by the constraint depth plus
// the rank count; exceeding the bound means the protocol cannot terminate.
func (sp *ParSpace) buildNCRows() ([][]RowEntry, error) {
	c, lm := sp.c, sp.Mesh
	rank := c.Rank()
	b, err := sp.newNCBuilder()
	if err != nil {
		return nil, fmt.Errorf("seeding constraint rows: %w", err)
	}
	mb := parallel.Shared(c, sp.sharedKey("rows"), func() *parallel.MailBox[rowUpdate] {
		return parallel.NewMailBox[rowUpdate](c.Size())
	})
	bound := lm.Depth + lm.NRanks + 1
	var stats BuildStats

	b.localFixpoint()
	var ready []int
	for idx := range b.slots {
		if b.slots[idx].done {
			ready = append(ready, idx)
		}
	}
	out := b.postingsFor(ready)

	var localErr error
	for round := 0; ; round++ {
		for _, p := range out {
			mb.PostMessage(rank, p.to, p.upd)
		}
		sent := len(out)
		stats.RowsSent += sent
		mb.DeliverMyMessages(rank)
		c.Barrier()
		msgs := mb.ReceiveMyMessages(rank)
		out = nil
		for _, u := range msgs {
			fwd, err := b.apply(u)
			if err != nil {
				localErr = err
				continue
			}
			stats.RowsForwarded += len(fwd)
			out = append(out, fwd...)
		}
		stats.RowsReceived += len(msgs)
		mb.ClearMyMessages(rank)
		out = append(out, b.postingsFor(b.localFixpoint())...)

		idle := sent == 0 && len(msgs) == 0 && len(out) == 0 && localErr == nil
		if c.AllReduceAnd(idle) {
			stats.Rounds = round
			break
		}
		if c.AllReduceOr(localErr != nil) {
			if localErr == nil {
				localErr = fmt.Errorf("row update routing failed on another rank")
			}
			return nil, fmt.Errorf("topology inconsistency: %w", localErr)
		}
		if round >= bound {
			return nil, fmt.Errorf("row propagation exceeded %d rounds (constraint depth %d, %d ranks): protocol failed to terminate",
				bound, lm.Depth, lm.NRanks)
		}
	}
	if c.AllReduceOr(b.pending > 0) {
		return nil, fmt.Errorf("row propagation stalled with %d unresolved dofs on rank %d", b.pending, rank)
	}
	sp.stats = stats

	rows := make([][]RowEntry, sp.ndofs)
	for ldof := 0; ldof < sp.ndofs; ldof++ {
		rows[ldof] = b.slots[ldof].row
	}
	return rows, nil
}

func (sp *ParSpace) buildNCProlongation() (utils.CSR, error) {
	rows, err := sp.buildNCRows()
	if err != nil {
		return utils.CSR{}, err
	}
	// Finalized rows are merged and sorted by true dof, and globalTrueVDof
	// is increasing in the scalar true dof for a fixed component, so
	// row-major assembly gives the same layout on every rebuild.
	b := utils.NewCSRBuilder(sp.VSize(), int(sp.GlobalTrueVSize()))
	sp.forEachVDofRow(func(ldof, vd int) {
		for _, e := range rows[ldof] {
			b.Append(sp.DofToVDof(ldof, vd), int(sp.globalTrueVDof(e.GTDof, vd)), e.Coef)
		}
	})
	return b.Build(), nil
}

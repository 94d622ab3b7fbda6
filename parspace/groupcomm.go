package parspace

import (
	"fmt"
	"sort"

	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
)

// forEachSharedEntity visits every local entity owned by a non-private
// group and carrying dofs, in deterministic order.
func (sp *ParSpace) forEachSharedEntity(fn func(kind mesh.EntityKind, gid int64, group, base, n int)) {
	lm := sp.Mesh
	if sp.vd > 0 {
		for v, gid := range lm.VertGlobal {
			if g := lm.VertGroup[v]; g != 0 {
				fn(mesh.VertexEntity, gid, g, v*sp.vd, sp.vd)
			}
		}
	}
	if sp.ed > 0 {
		for e, gid := range lm.EdgeGlobal {
			if g := lm.EdgeGroup[e]; g != 0 {
				fn(mesh.EdgeEntity, gid, g, sp.edgeBase+e*sp.ed, sp.ed)
			}
		}
	}
}

// entityBase resolves a wire entity to its first ldof and dof count.
func (sp *ParSpace) entityBase(kind mesh.EntityKind, gid int64) (base, n int, ok bool) {
	switch kind {
	case mesh.VertexEntity:
		v, found := sp.vertLocal[gid]
		return v * sp.vd, sp.vd, found
	case mesh.EdgeEntity:
		e, found := sp.edgeLocal[gid]
		return sp.edgeBase + e*sp.ed, sp.ed, found
	}
	return 0, 0, false
}

// entMarkMsg carries integer marker values over one shared entity's dofs,
// vdim values per dof.
type entMarkMsg struct {
	Kind mesh.EntityKind
	GID  int64
	Vals []int
}

// Synchronize replaces the marker values of every shared dof by the
// bitwise OR over all ranks sharing it: members push to the group master,
// the master merges and pushes the result back. The marker has VSize
// entries. Collective.
func (sp *ParSpace) Synchronize(marker []int) error {
	if len(marker) != sp.VSize() {
		return fmt.Errorf("marker has %d entries, space has %d local dofs", len(marker), sp.VSize())
	}
	c, lm := sp.c, sp.Mesh
	rank := c.Rank()
	mb := parallel.Shared(c, sp.sharedKey("sync"), func() *parallel.MailBox[entMarkMsg] {
		return parallel.NewMailBox[entMarkMsg](c.Size())
	})
	pack := func(base, n int) []int {
		vals := make([]int, 0, n*sp.VDim)
		for i := 0; i < n; i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				vals = append(vals, marker[sp.DofToVDof(base+i, vd)])
			}
		}
		return vals
	}
	merge := func(base int, vals []int, or bool) {
		for i := 0; i*sp.VDim < len(vals); i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				at := sp.DofToVDof(base+i, vd)
				if or {
					marker[at] |= vals[i*sp.VDim+vd]
				} else {
					marker[at] = vals[i*sp.VDim+vd]
				}
			}
		}
	}

	// Members to master.
	sp.forEachSharedEntity(func(kind mesh.EntityKind, gid int64, group, base, n int) {
		if lm.IAmMaster(group) {
			return
		}
		mb.PostMessage(rank, lm.GroupMaster(group), entMarkMsg{Kind: kind, GID: gid, Vals: pack(base, n)})
	})
	mb.DeliverMyMessages(rank)
	c.Barrier()
	var localErr error
	for _, msg := range mb.ReceiveMyMessages(rank) {
		base, _, ok := sp.entityBase(msg.Kind, msg.GID)
		if !ok {
			localErr = fmt.Errorf("rank %d received marker for unknown %v %d", rank, msg.Kind, msg.GID)
			continue
		}
		merge(base, msg.Vals, true)
	}
	mb.ClearMyMessages(rank)
	c.Barrier()

	// Master result back to members.
	sp.forEachSharedEntity(func(kind mesh.EntityKind, gid int64, group, base, n int) {
		if !lm.IAmMaster(group) {
			return
		}
		msg := entMarkMsg{Kind: kind, GID: gid, Vals: pack(base, n)}
		for _, t := range lm.Groups[group] {
			if t != rank {
				mb.PostMessage(rank, t, msg)
			}
		}
	})
	mb.DeliverMyMessages(rank)
	c.Barrier()
	for _, msg := range mb.ReceiveMyMessages(rank) {
		base, _, ok := sp.entityBase(msg.Kind, msg.GID)
		if !ok {
			localErr = fmt.Errorf("rank %d received marker for unknown %v %d", rank, msg.Kind, msg.GID)
			continue
		}
		merge(base, msg.Vals, false)
	}
	mb.ClearMyMessages(rank)
	c.Barrier()

	if !c.AllReduceAnd(localErr == nil) {
		if localErr == nil {
			localErr = fmt.Errorf("marker exchange failed on another rank")
		}
		return fmt.Errorf("synchronizing dof marker: %w", localErr)
	}
	return nil
}

// DivideByGroupSize divides the owned copies of shared dofs by their group
// size, turning a summed shared vector into an average after the next
// prolongation. Local.
func (sp *ParSpace) DivideByGroupSize(x []float64) {
	lm := sp.Mesh
	sp.forEachSharedEntity(func(kind mesh.EntityKind, gid int64, group, base, n int) {
		if !lm.IAmMaster(group) {
			return
		}
		size := float64(len(lm.Groups[group]))
		for i := 0; i < n; i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				x[sp.DofToVDof(base+i, vd)] /= size
			}
		}
	})
}

// EssentialTrueDofs maps a local dof marker (VSize entries, nonzero marks
// essential) to the sorted list of this rank's marked true dof indices.
// The marker is synchronized first, so marking a boundary dof on any rank
// that sees it is enough. Collective.
func (sp *ParSpace) EssentialTrueDofs(marker []int) ([]int, error) {
	synced := append([]int(nil), marker...)
	if err := sp.Synchronize(synced); err != nil {
		return nil, err
	}
	var out []int
	for ldof, lt := range sp.ldofLtdof {
		if lt < 0 {
			continue
		}
		for vd := 0; vd < sp.VDim; vd++ {
			if synced[sp.DofToVDof(ldof, vd)] != 0 {
				out = append(out, sp.trueVDof(lt, vd))
			}
		}
	}
	sort.Ints(out)
	return out, nil
}

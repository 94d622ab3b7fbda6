package parspace

import (
	"fmt"

	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
)

// entValsMsg carries float values over one shared entity's dofs, vdim
// values per dof in canonical order.
type entValsMsg struct {
	Kind mesh.EntityKind
	GID  int64
	Vals []float64
}

// conformingOperator is the matrix-free prolongation of a conforming
// space: Mult broadcasts owned values from group masters to the other
// copies, MultTranspose reduces all copies onto the owners. Its action is
// identical to the explicit prolongation matrix.
type conformingOperator struct {
	sp *ParSpace
}

// ConformingProlongation returns the matrix-free prolongation operator.
// Fails on a non-conforming mesh, where dependent dofs need the full row
// machinery. Collective per application.
func (sp *ParSpace) ConformingProlongation() (Operator, error) {
	if sp.Mesh.NC {
		return nil, fmt.Errorf("conforming prolongation requested but the mesh carries hanging-node constraints")
	}
	return &conformingOperator{sp: sp}, nil
}

func (op *conformingOperator) Height() int { return op.sp.VSize() }
func (op *conformingOperator) Width() int  { return op.sp.TrueVSize() }

func (op *conformingOperator) mailbox() *parallel.MailBox[entValsMsg] {
	sp := op.sp
	return parallel.Shared(sp.c, sp.sharedKey("confp"), func() *parallel.MailBox[entValsMsg] {
		return parallel.NewMailBox[entValsMsg](sp.c.Size())
	})
}

func (op *conformingOperator) Mult(x, y []float64) {
	sp := op.sp
	c, lm := sp.c, sp.Mesh
	rank := c.Rank()
	mb := op.mailbox()

	for ldof, lt := range sp.ldofLtdof {
		if lt < 0 {
			continue
		}
		for vd := 0; vd < sp.VDim; vd++ {
			y[sp.DofToVDof(ldof, vd)] = x[sp.trueVDof(lt, vd)]
		}
	}
	sp.forEachSharedEntity(func(kind mesh.EntityKind, gid int64, group, base, n int) {
		if !lm.IAmMaster(group) {
			return
		}
		vals := make([]float64, 0, n*sp.VDim)
		for i := 0; i < n; i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				vals = append(vals, y[sp.DofToVDof(base+i, vd)])
			}
		}
		msg := entValsMsg{Kind: kind, GID: gid, Vals: vals}
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
			panic(fmt.Sprintf("rank %d received values for unknown %v %d", rank, msg.Kind, msg.GID))
		}
		for i := 0; i*sp.VDim < len(msg.Vals); i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				y[sp.DofToVDof(base+i, vd)] = msg.Vals[i*sp.VDim+vd]
			}
		}
	}
	mb.ClearMyMessages(rank)
	c.Barrier()
}

func (op *conformingOperator) MultTranspose(x, y []float64) {
	sp := op.sp
	c, lm := sp.c, sp.Mesh
	rank := c.Rank()
	mb := op.mailbox()

	for i := range y {
		y[i] = 0
	}
	for ldof, lt := range sp.ldofLtdof {
		if lt < 0 {
			continue
		}
		for vd := 0; vd < sp.VDim; vd++ {
			y[sp.trueVDof(lt, vd)] += x[sp.DofToVDof(ldof, vd)]
		}
	}
	sp.forEachSharedEntity(func(kind mesh.EntityKind, gid int64, group, base, n int) {
		if lm.IAmMaster(group) {
			return
		}
		vals := make([]float64, 0, n*sp.VDim)
		for i := 0; i < n; i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				vals = append(vals, x[sp.DofToVDof(base+i, vd)])
			}
		}
		mb.PostMessage(rank, lm.GroupMaster(group), entValsMsg{Kind: kind, GID: gid, Vals: vals})
	})
	mb.DeliverMyMessages(rank)
	c.Barrier()
	for _, msg := range mb.ReceiveMyMessages(rank) {
		base, _, ok := sp.entityBase(msg.Kind, msg.GID)
		if !ok {
			panic(fmt.Sprintf("rank %d received values for unknown %v %d", rank, msg.Kind, msg.GID))
		}
		for i := 0; i*sp.VDim < len(msg.Vals); i++ {
			for vd := 0; vd < sp.VDim; vd++ {
				lt := sp.ldofLtdof[base+i]
				if lt >= 0 {
					y[sp.trueVDof(lt, vd)] += msg.Vals[i*sp.VDim+vd]
				}
			}
		}
	}
	mb.ClearMyMessages(rank)
	c.Barrier()
}

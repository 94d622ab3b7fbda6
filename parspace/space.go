// Package parspace numbers the degrees of freedom of a finite element
// space over a partitioned mesh and builds the prolongation/restriction
// operators relating rank-local dofs to the global true dofs. Ownership of
// shared entities follows the group master convention; hanging-node
// constraints are resolved by a batched row propagation protocol over the
// rank mailboxes.
package parspace

import (
	"fmt"
	"log"
	"sort"

	"github.com/helloworld922/mfem/fec"
	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
	"github.com/helloworld922/mfem/utils"
)

// Ordering fixes the interleaving of vector field components.
type Ordering int

const (
	// ByNodes groups all dofs of component 0, then component 1, ...
	ByNodes Ordering = iota
	// ByVDim interleaves the components of each scalar dof.
	ByVDim
)

// DofKind classifies a local scalar dof.
type DofKind uint8

const (
	// TrueDof is independent and owned by this rank.
	TrueDof DofKind = iota
	// SharedDof is independent but owned by another rank of its group.
	SharedDof
	// DependentDof is the slave of a hanging-node constraint; its value is
	// a linear combination of true dofs.
	DependentDof
)

// DofRef is the rank-independent identity of a scalar dof: the entity it
// lives on and the dof's index in the entity's canonical order.
type DofRef struct {
	Kind mesh.EntityKind
	GID  int64
	EDof int
}

// Options configures a ParSpace. The zero value is a scalar ByNodes space.
type Options struct {
	VDim     int // components per scalar dof; 0 means 1
	Ordering Ordering
	// Label distinguishes spaces built on the same runner; spaces built
	// concurrently must carry distinct labels. Defaults to the collection
	// name.
	Label string
}

// ParSpace is one rank's view of a distributed finite element space.
// Construction and the operator builders are collective: every rank of the
// communicator must call them in the same order.
type ParSpace struct {
	Mesh     *mesh.LocalMesh
	FEC      fec.Collection
	VDim     int
	Ordering Ordering

	c     *parallel.Comm
	label string

	generation int

	vd, ed, cd         int
	edgeBase, cellBase int
	ndofs              int
	nTrue              int64

	dofKind  []DofKind
	dofGroup []int

	ldofLtdof []int64 // owned dofs: local true index; -1 otherwise
	ldofGTDof []int64 // independent dofs: global true number; -1 for dependent

	dofOffsets    []int64
	tdofOffsets   []int64
	oldDofOffsets []int64

	vertSlave []bool
	edgeSlave []bool
	vertLocal map[int64]int
	edgeLocal map[int64]int

	pMat   utils.CSR
	pOK    bool
	rMat   utils.CSR
	rOK    bool
	stats  BuildStats
	ghosts *faceNbrData
}

// New builds the dof numbering over the local mesh. Collective.
func New(c *parallel.Comm, lm *mesh.LocalMesh, fc fec.Collection, opts Options) (*ParSpace, error) {
	if lm.NRanks != c.Size() {
		return nil, fmt.Errorf("local mesh was distributed over %d ranks, communicator has %d",
			lm.NRanks, c.Size())
	}
	if err := c.CheckParticipants(lm.NRanks); err != nil {
		return nil, err
	}
	vdim := opts.VDim
	if vdim == 0 {
		vdim = 1
	}
	if vdim < 1 {
		return nil, fmt.Errorf("vdim must be positive, got %d", vdim)
	}
	label := opts.Label
	if label == "" {
		label = fc.Name()
	}
	sp := &ParSpace{
		FEC:      fc,
		VDim:     vdim,
		Ordering: opts.Ordering,
		c:        c,
		label:    label,
	}
	if err := sp.bind(lm); err != nil {
		return nil, fmt.Errorf("building dof numbering: %w", err)
	}
	return sp, nil
}

// Update rebinds the space to a changed local mesh (refinement or
// rebalance), renumbering everything. The previous dof offsets are
// retained for the transfer matrix builders. Collective.
func (sp *ParSpace) Update(lm *mesh.LocalMesh) error {
	sp.oldDofOffsets = sp.dofOffsets
	sp.c.DropShared(fmt.Sprintf("parspace/%s/g%d/", sp.label, sp.generation))
	sp.generation++
	sp.pOK, sp.rOK = false, false
	sp.ghosts = nil
	if err := sp.bind(lm); err != nil {
		return fmt.Errorf("updating dof numbering: %w", err)
	}
	return nil
}

func (sp *ParSpace) bind(lm *mesh.LocalMesh) error {
	sp.Mesh = lm
	fc := sp.FEC
	sp.vd, sp.ed, sp.cd = fc.VertexDofs(), fc.EdgeDofs(), fc.CellDofs()
	sp.edgeBase = lm.NumVerts() * sp.vd
	sp.cellBase = sp.edgeBase + lm.NumEdges()*sp.ed
	sp.ndofs = sp.cellBase + lm.NumElems()*sp.cd

	sp.vertLocal = make(map[int64]int, lm.NumVerts())
	for v, g := range lm.VertGlobal {
		sp.vertLocal[g] = v
	}
	sp.edgeLocal = make(map[int64]int, lm.NumEdges())
	for e, g := range lm.EdgeGlobal {
		sp.edgeLocal[g] = e
	}
	sp.vertSlave = make([]bool, lm.NumVerts())
	for _, vc := range lm.VertCons {
		sp.vertSlave[vc.Vert] = true
	}
	sp.edgeSlave = make([]bool, lm.NumEdges())
	for _, ec := range lm.EdgeCons {
		sp.edgeSlave[ec.Edge] = true
	}

	sp.dofKind = make([]DofKind, sp.ndofs)
	sp.dofGroup = make([]int, sp.ndofs)
	sp.ldofLtdof = make([]int64, sp.ndofs)
	sp.ldofGTDof = make([]int64, sp.ndofs)
	for i := range sp.ldofLtdof {
		sp.ldofLtdof[i] = -1
		sp.ldofGTDof[i] = -1
	}

	sp.nTrue = 0
	classify := func(base, n, group int, slave bool) {
		for i := 0; i < n; i++ {
			ldof := base + i
			sp.dofGroup[ldof] = group
			switch {
			case slave:
				sp.dofKind[ldof] = DependentDof
			case sp.Mesh.IAmMaster(group):
				sp.dofKind[ldof] = TrueDof
				sp.ldofLtdof[ldof] = sp.nTrue
				sp.nTrue++
			default:
				sp.dofKind[ldof] = SharedDof
			}
		}
	}
	for v := 0; v < lm.NumVerts(); v++ {
		classify(v*sp.vd, sp.vd, lm.VertGroup[v], sp.vertSlave[v])
	}
	for e := 0; e < lm.NumEdges(); e++ {
		classify(sp.edgeBase+e*sp.ed, sp.ed, lm.EdgeGroup[e], sp.edgeSlave[e])
	}
	for k := 0; k < lm.NumElems(); k++ {
		classify(sp.cellBase+k*sp.cd, sp.cd, 0, false)
	}

	sp.dofOffsets = sp.c.ExclusiveScanInt64(int64(sp.ndofs))
	sp.tdofOffsets = sp.c.ExclusiveScanInt64(sp.nTrue)
	myOff := sp.tdofOffsets[lm.Rank]
	for ldof, lt := range sp.ldofLtdof {
		if lt >= 0 {
			sp.ldofGTDof[ldof] = myOff + lt
		}
	}
	return sp.exchangeTrueDofNumbers()
}

// entTDofMsg announces the global true dof numbers of one shared entity:
// the receiver assigns Base+i to the entity's i-th canonical dof.
type entTDofMsg struct {
	Kind mesh.EntityKind
	GID  int64
	Base int64
}

func (sp *ParSpace) exchangeTrueDofNumbers() error {
	c, lm := sp.c, sp.Mesh
	rank := c.Rank()
	mb := parallel.Shared(c, sp.sharedKey("tdof"), func() *parallel.MailBox[entTDofMsg] {
		return parallel.NewMailBox[entTDofMsg](c.Size())
	})
	post := func(kind mesh.EntityKind, gid int64, group, base, n int, slave bool) {
		if group == 0 || slave || n == 0 || !lm.IAmMaster(group) {
			return
		}
		msg := entTDofMsg{Kind: kind, GID: gid, Base: sp.ldofGTDof[base]}
		for _, t := range lm.Groups[group] {
			if t != rank {
				mb.PostMessage(rank, t, msg)
			}
		}
	}
	for v, gid := range lm.VertGlobal {
		post(mesh.VertexEntity, gid, lm.VertGroup[v], v*sp.vd, sp.vd, sp.vertSlave[v])
	}
	for e, gid := range lm.EdgeGlobal {
		post(mesh.EdgeEntity, gid, lm.EdgeGroup[e], sp.edgeBase+e*sp.ed, sp.ed, sp.edgeSlave[e])
	}
	mb.DeliverMyMessages(rank)
	c.Barrier()
	var localErr error
	for _, msg := range mb.ReceiveMyMessages(rank) {
		var base, n int
		switch msg.Kind {
		case mesh.VertexEntity:
			v, ok := sp.vertLocal[msg.GID]
			if !ok {
				localErr = fmt.Errorf("rank %d received true dof numbers for unknown vertex %d", rank, msg.GID)
				continue
			}
			base, n = v*sp.vd, sp.vd
		case mesh.EdgeEntity:
			e, ok := sp.edgeLocal[msg.GID]
			if !ok {
				localErr = fmt.Errorf("rank %d received true dof numbers for unknown edge %d", rank, msg.GID)
				continue
			}
			base, n = sp.edgeBase+e*sp.ed, sp.ed
		default:
			localErr = fmt.Errorf("rank %d received true dof numbers for entity kind %v", rank, msg.Kind)
			continue
		}
		for i := 0; i < n; i++ {
			sp.ldofGTDof[base+i] = msg.Base + int64(i)
		}
	}
	mb.ClearMyMessages(rank)
	c.Barrier()

	ok := localErr == nil
	for ldof, k := range sp.dofKind {
		if k == SharedDof && sp.ldofGTDof[ldof] < 0 {
			ok = false
		}
	}
	if !c.AllReduceAnd(ok) {
		if localErr != nil {
			return fmt.Errorf("topology inconsistency: %w", localErr)
		}
		return fmt.Errorf("topology inconsistency: shared dofs left without an owner's true dof number")
	}
	return nil
}

func (sp *ParSpace) sharedKey(what string) string {
	return fmt.Sprintf("parspace/%s/g%d/%s", sp.label, sp.generation, what)
}

// Comm returns the communicator the space was built over.
func (sp *ParSpace) Comm() *parallel.Comm { return sp.c }

// Generation counts Update calls; operators are cached per generation.
func (sp *ParSpace) Generation() int { return sp.generation }

// NDofs returns the number of local scalar dofs.
func (sp *ParSpace) NDofs() int { return sp.ndofs }

// VSize returns the number of local dofs including vector components.
func (sp *ParSpace) VSize() int { return sp.ndofs * sp.VDim }

// TrueVSize returns the number of true dofs owned by this rank, including
// vector components.
func (sp *ParSpace) TrueVSize() int { return int(sp.nTrue) * sp.VDim }

// GlobalTrueVSize returns the global number of true dofs including vector
// components.
func (sp *ParSpace) GlobalTrueVSize() int64 {
	return sp.tdofOffsets[len(sp.tdofOffsets)-1] * int64(sp.VDim)
}

// DofOffsets returns the per-rank scalar ldof counts as exclusive prefix
// sums, length NRanks+1. Read-only.
func (sp *ParSpace) DofOffsets() []int64 { return sp.dofOffsets }

// TrueDofOffsets returns the per-rank true dof offsets, length NRanks+1.
// Read-only.
func (sp *ParSpace) TrueDofOffsets() []int64 { return sp.tdofOffsets }

// OldDofOffsets returns the dof offsets in effect before the last Update,
// or nil if the space was never updated.
func (sp *ParSpace) OldDofOffsets() []int64 { return sp.oldDofOffsets }

// GetMyDofOffset returns this rank's scalar ldof offset in the global
// ldof numbering.
func (sp *ParSpace) GetMyDofOffset() int64 { return sp.dofOffsets[sp.Mesh.Rank] }

// GetMyTDofOffset returns this rank's scalar true dof offset.
func (sp *ParSpace) GetMyTDofOffset() int64 { return sp.tdofOffsets[sp.Mesh.Rank] }

// DofKindOf classifies the given local scalar dof.
func (sp *ParSpace) DofKindOf(ldof int) DofKind { return sp.dofKind[ldof] }

// GroupOf returns the ownership group of the given local scalar dof.
func (sp *ParSpace) GroupOf(ldof int) int { return sp.dofGroup[ldof] }

// GetLocalTDofNumber returns the local true dof index of a scalar ldof, or
// -1 when the dof is not owned by this rank.
func (sp *ParSpace) GetLocalTDofNumber(ldof int) int64 { return sp.ldofLtdof[ldof] }

// GetGlobalTDofNumber returns the global true dof number of an independent
// scalar ldof, owned here or elsewhere, or -1 for a dependent dof.
func (sp *ParSpace) GetGlobalTDofNumber(ldof int) int64 { return sp.ldofGTDof[ldof] }

// DofToVDof expands a scalar ldof and component into the vector dof index.
func (sp *ParSpace) DofToVDof(ldof, vd int) int {
	if sp.Ordering == ByNodes {
		return vd*sp.ndofs + ldof
	}
	return ldof*sp.VDim + vd
}

func (sp *ParSpace) trueVDof(lt int64, vd int) int {
	if sp.Ordering == ByNodes {
		return vd*int(sp.nTrue) + int(lt)
	}
	return int(lt)*sp.VDim + vd
}

// globalTrueVDof expands a global scalar true dof into the global vector
// true dof index; components are laid out per owning rank's block.
func (sp *ParSpace) globalTrueVDof(gt int64, vd int) int64 {
	r := sort.Search(len(sp.tdofOffsets)-1, func(i int) bool { return sp.tdofOffsets[i+1] > gt })
	base := sp.tdofOffsets[r] * int64(sp.VDim)
	n := sp.tdofOffsets[r+1] - sp.tdofOffsets[r]
	i := gt - sp.tdofOffsets[r]
	if sp.Ordering == ByNodes {
		return base + int64(vd)*n + i
	}
	return base + i*int64(sp.VDim) + int64(vd)
}

// ldofRef returns the wire identity of a local scalar dof.
func (sp *ParSpace) ldofRef(ldof int) DofRef {
	lm := sp.Mesh
	switch {
	case ldof < sp.edgeBase:
		return DofRef{mesh.VertexEntity, lm.VertGlobal[ldof/sp.vd], ldof % sp.vd}
	case ldof < sp.cellBase:
		o := ldof - sp.edgeBase
		return DofRef{mesh.EdgeEntity, lm.EdgeGlobal[o/sp.ed], o % sp.ed}
	default:
		o := ldof - sp.cellBase
		return DofRef{mesh.CellEntity, lm.ElemGlobal[o/sp.cd], o % sp.cd}
	}
}

// ElementDofs returns the local scalar dofs of element k in evaluation
// order (4 vertices, 4 edges along the traversal direction, interior) and
// the sign each value carries relative to canonical storage.
func (sp *ParSpace) ElementDofs(k int) (dofs []int, signs []float64) {
	lm := sp.Mesh
	n := fec.ElemDofCount(sp.FEC)
	dofs = make([]int, 0, n)
	signs = make([]float64, 0, n)
	for f := 0; f < 4; f++ {
		v := lm.EToV[k][f]
		for i := 0; i < sp.vd; i++ {
			dofs = append(dofs, v*sp.vd+i)
			signs = append(signs, 1)
		}
	}
	perm, psign := sp.FEC.EdgePerm()
	for f := 0; f < 4; f++ {
		base := sp.edgeBase + lm.EToEdge[k][f]*sp.ed
		if !lm.EToEdgeFlip[k][f] {
			for i := 0; i < sp.ed; i++ {
				dofs = append(dofs, base+i)
				signs = append(signs, 1)
			}
		} else {
			for i := 0; i < sp.ed; i++ {
				dofs = append(dofs, base+perm[i])
				signs = append(signs, psign[i])
			}
		}
	}
	base := sp.cellBase + k*sp.cd
	for i := 0; i < sp.cd; i++ {
		dofs = append(dofs, base+i)
		signs = append(signs, 1)
	}
	return
}

// ApplyLDofSigns multiplies extracted element values by their signs.
func ApplyLDofSigns(signs, vals []float64) {
	for i, s := range signs {
		vals[i] *= s
	}
}

// PrintStats logs a per-rank summary of the numbering on rank 0.
// Collective.
func (sp *ParSpace) PrintStats() {
	c := sp.c
	nd := c.AllGatherInt64(int64(sp.ndofs))
	nt := c.AllGatherInt64(sp.nTrue)
	na := c.AllGatherInt64(int64(len(sp.Mesh.Aux)))
	if c.Rank() != 0 {
		return
	}
	log.Printf("%s: %d global true dofs over %d ranks", sp.FEC.Name(), sp.GlobalTrueVSize(), c.Size())
	for r := 0; r < c.Size(); r++ {
		log.Printf("  rank %d: %d local dofs, %d owned, %d aux entities", r, nd[r], nt[r], na[r])
	}
}

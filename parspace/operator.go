package parspace

import (
	"fmt"

	"github.com/helloworld922/mfem/utils"
)

// Operator is a linear operator with an explicit transpose action.
type Operator interface {
	Height() int
	Width() int
	Mult(x, y []float64)
	MultTranspose(x, y []float64)
}

// MatrixOperator wraps a local sparse matrix as an Operator.
type MatrixOperator struct {
	A utils.CSR
}

func (op MatrixOperator) Height() int { h, _ := op.A.Dims(); return h }
func (op MatrixOperator) Width() int  { _, w := op.A.Dims(); return w }

func (op MatrixOperator) Mult(x, y []float64)          { op.A.MulVec(x, y) }
func (op MatrixOperator) MultTranspose(x, y []float64) { op.A.MulVecTranspose(x, y) }

// prolongationOperator applies the explicit prolongation matrix with the
// distributed calling convention: x is this rank's true dof block, y the
// local dof vector. Mult gathers the global true vector; MultTranspose
// reduces the per-rank contributions back onto the owners. Collective.
type prolongationOperator struct {
	sp *ParSpace
	A  utils.CSR
}

func (op *prolongationOperator) Height() int { return op.sp.VSize() }
func (op *prolongationOperator) Width() int  { return op.sp.TrueVSize() }

func (op *prolongationOperator) Mult(x, y []float64) {
	xg := op.sp.assembleTrue(x)
	op.A.MulVec(xg, y)
}

func (op *prolongationOperator) MultTranspose(x, y []float64) {
	sp := op.sp
	g := make([]float64, sp.GlobalTrueVSize())
	op.A.MulVecTranspose(x, g)
	parts := sp.c.AllGatherFloat64Slice(g)
	off := int(sp.tdofOffsets[sp.Mesh.Rank]) * sp.VDim
	for i := range y {
		y[i] = 0
		for _, p := range parts {
			y[i] += p[off+i]
		}
	}
}

// assembleTrue concatenates every rank's true dof block into the global
// true vector; the rank blocks are contiguous by construction.
func (sp *ParSpace) assembleTrue(x []float64) []float64 {
	parts := sp.c.AllGatherFloat64Slice(x)
	out := make([]float64, 0, sp.GlobalTrueVSize())
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// forEachVDofRow visits every (ldof, component) pair in increasing order
// of DofToVDof, so matrix rows assembled inside the callback come out in
// row-major order under either dof ordering.
func (sp *ParSpace) forEachVDofRow(fn func(ldof, vd int)) {
	if sp.Ordering == ByNodes {
		for vd := 0; vd < sp.VDim; vd++ {
			for ldof := 0; ldof < sp.ndofs; ldof++ {
				fn(ldof, vd)
			}
		}
		return
	}
	for ldof := 0; ldof < sp.ndofs; ldof++ {
		for vd := 0; vd < sp.VDim; vd++ {
			fn(ldof, vd)
		}
	}
}

// ProlongationMatrix returns this rank's block of the prolongation matrix
// P: local dofs by global true dofs. Built once per generation.
// Collective.
func (sp *ParSpace) ProlongationMatrix() (utils.CSR, error) {
	if sp.pOK {
		return sp.pMat, nil
	}
	var err error
	if sp.Mesh.NC {
		sp.pMat, err = sp.buildNCProlongation()
	} else {
		sp.pMat, err = sp.buildConformingProlongation()
	}
	if err != nil {
		return utils.CSR{}, err
	}
	sp.pOK = true
	return sp.pMat, nil
}

// Prolongation returns P as a distributed operator mapping this rank's
// true dof block to the local dof vector. Collective.
func (sp *ParSpace) Prolongation() (Operator, error) {
	A, err := sp.ProlongationMatrix()
	if err != nil {
		return nil, err
	}
	return &prolongationOperator{sp: sp, A: A}, nil
}

// RestrictionMatrix returns the restriction R selecting this rank's owned
// independent dofs: true dofs by local dofs, R P = I. Purely local.
func (sp *ParSpace) RestrictionMatrix() utils.CSR {
	if sp.rOK {
		return sp.rMat
	}
	ltdofLdof := make([]int, sp.nTrue)
	for ldof, lt := range sp.ldofLtdof {
		if lt >= 0 {
			ltdofLdof[lt] = ldof
		}
	}
	b := utils.NewCSRBuilder(sp.TrueVSize(), sp.VSize())
	if sp.Ordering == ByNodes {
		for vd := 0; vd < sp.VDim; vd++ {
			for lt, ldof := range ltdofLdof {
				b.Append(sp.trueVDof(int64(lt), vd), sp.DofToVDof(ldof, vd), 1)
			}
		}
	} else {
		for lt, ldof := range ltdofLdof {
			for vd := 0; vd < sp.VDim; vd++ {
				b.Append(sp.trueVDof(int64(lt), vd), sp.DofToVDof(ldof, vd), 1)
			}
		}
	}
	sp.rMat = b.Build()
	sp.rOK = true
	return sp.rMat
}

// Restriction returns R as an operator.
func (sp *ParSpace) Restriction() Operator {
	return MatrixOperator{A: sp.RestrictionMatrix()}
}

// buildConformingProlongation assembles the signed 0/1 prolongation of a
// conforming space: every local dof is a copy of exactly one true dof.
func (sp *ParSpace) buildConformingProlongation() (utils.CSR, error) {
	if sp.Mesh.NC {
		return utils.CSR{}, fmt.Errorf("conforming prolongation requested but the mesh carries hanging-node constraints")
	}
	for ldof := 0; ldof < sp.ndofs; ldof++ {
		if sp.ldofGTDof[ldof] < 0 {
			return utils.CSR{}, fmt.Errorf("topology inconsistency: dof %d has no true dof on a conforming mesh", ldof)
		}
	}
	b := utils.NewCSRBuilder(sp.VSize(), int(sp.GlobalTrueVSize()))
	sp.forEachVDofRow(func(ldof, vd int) {
		b.Append(sp.DofToVDof(ldof, vd), int(sp.globalTrueVDof(sp.ldofGTDof[ldof], vd)), 1)
	})
	return b.Build(), nil
}

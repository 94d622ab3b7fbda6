// Package utils wraps the sparse matrix storage used by the distributed
// dof operators: DOK for order-insensitive accumulation, CSRBuilder for
// deterministic row-major assembly, CSR for application.
package utils

import (
	"fmt"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

type DOK struct {
	M *sparse.DOK
}

func NewDOK(nr, nc int) DOK {
	return DOK{M: sparse.NewDOK(nr, nc)}
}

// Dims, At and T minimally satisfy the mat.Matrix interface.
func (m DOK) Dims() (r, c int)    { return m.M.Dims() }
func (m DOK) At(i, j int) float64 { return m.M.At(i, j) }
func (m DOK) T() mat.Matrix       { return m.M.T() }

// Add accumulates into an entry; duplicate references to the same column
// must merge, not stack.
func (m DOK) Add(i, j int, v float64) {
	m.M.Set(i, j, m.M.At(i, j)+v)
}

func (m DOK) Set(i, j int, v float64) { m.M.Set(i, j, v) }

func (m DOK) ToCSR() CSR { return CSR{M: m.M.ToCSR()} }

// CSRBuilder assembles a CSR matrix from entries supplied in row-major
// order with strictly increasing columns within each row. The stored
// layout, and therefore entry enumeration, is a pure function of the
// entries: rebuilding from the same entries yields an identical matrix.
// DOK cannot promise that, its conversion walks a Go map.
type CSRBuilder struct {
	nr, nc int
	row    int
	lastJ  int
	ia, ja []int
	data   []float64
}

func NewCSRBuilder(nr, nc int) *CSRBuilder {
	b := &CSRBuilder{nr: nr, nc: nc, lastJ: -1}
	b.ia = append(make([]int, 0, nr+1), 0)
	return b
}

// Append adds one entry. Rows must be non-decreasing and columns strictly
// increasing within a row.
func (b *CSRBuilder) Append(i, j int, v float64) {
	if i < b.row || i >= b.nr || j < 0 || j >= b.nc {
		panic(fmt.Sprintf("CSRBuilder: entry (%d,%d) out of order or out of range for %dx%d",
			i, j, b.nr, b.nc))
	}
	for b.row < i {
		b.ia = append(b.ia, len(b.ja))
		b.row++
		b.lastJ = -1
	}
	if j <= b.lastJ {
		panic(fmt.Sprintf("CSRBuilder: column %d not increasing in row %d", j, i))
	}
	b.lastJ = j
	b.ja = append(b.ja, j)
	b.data = append(b.data, v)
}

func (b *CSRBuilder) Build() CSR {
	for b.row < b.nr {
		b.ia = append(b.ia, len(b.ja))
		b.row++
	}
	return CSR{M: sparse.NewCSR(b.nr, b.nc, b.ia, b.ja, b.data)}
}

type CSR struct {
	M *sparse.CSR
}

// Dims, At and T minimally satisfy the mat.Matrix interface.
func (m CSR) Dims() (r, c int)    { return m.M.Dims() }
func (m CSR) At(i, j int) float64 { return m.M.At(i, j) }
func (m CSR) T() mat.Matrix       { return m.M.T() }

func (m CSR) NNZ() int { return m.M.NNZ() }

// MulVec computes y = M x.
func (m CSR) MulVec(x, y []float64) {
	nr, nc := m.Dims()
	if len(x) != nc || len(y) != nr {
		panic(fmt.Sprintf("MulVec dimension mismatch: matrix %dx%d, x %d, y %d",
			nr, nc, len(x), len(y)))
	}
	for i := range y {
		y[i] = 0
	}
	m.M.DoNonZero(func(i, j int, v float64) {
		y[i] += v * x[j]
	})
}

// MulVecTranspose computes y = M^T x.
func (m CSR) MulVecTranspose(x, y []float64) {
	nr, nc := m.Dims()
	if len(x) != nr || len(y) != nc {
		panic(fmt.Sprintf("MulVecTranspose dimension mismatch: matrix %dx%d, x %d, y %d",
			nr, nc, len(x), len(y)))
	}
	for j := range y {
		y[j] = 0
	}
	m.M.DoNonZero(func(i, j int, v float64) {
		y[j] += v * x[i]
	})
}

// DoNonZero visits the stored entries in row-major order.
func (m CSR) DoNonZero(fn func(i, j int, v float64)) { m.M.DoNonZero(fn) }

package dist

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Subblock is the auxiliary operator over a distinguished index subset,
// shared by every rank: each rank owns a contiguous stripe
// [DisplSubblock()[rank], DisplSubblock()[rank]+CountSubblock()[rank]) of the
// subblock's rows and computes only that stripe of Ap = M * p against the
// full gathered subblock vector.
type Subblock interface {
	// CountSubblock and DisplSubblock partition the subblock's global index
	// space across ranks, the same shape as counts/displacements for the
	// sparse matrix itself.
	CountSubblock() []int
	DisplSubblock() []int
	// SubblockIndicesLocal lists, for this rank's stripe, the local row
	// indices (within rowsThisRank) the subblock output is scattered back
	// into.
	SubblockIndicesLocal() []int32
	// Multiply computes this rank's stripe of M*pFull, where pFull is the
	// full gathered subblock vector (length sum(CountSubblock())).
	Multiply(pFull []float64) []float64
}

// DenseSubblock is a dense auxiliary operator: each rank holds its stripe of
// rows as a dense matrix and multiplies it against the full gathered
// subblock vector with blas64.Gemv.
type DenseSubblock struct {
	countSubblock        []int
	displSubblock        []int
	subblockIndicesLocal []int32
	stripe               blas64.General
}

// NewDenseSubblock builds a dense subblock operator from this rank's stripe,
// stored row-major with leading dimension cols (== subblockSize).
func NewDenseSubblock(countSubblock, displSubblock []int, subblockIndicesLocal []int32, stripeRank int, stripeData []float64, subblockSize int) *DenseSubblock {
	rows := countSubblock[stripeRank]
	if len(stripeData) != rows*subblockSize {
		fatalf("NewDenseSubblock", "stripe data length %d does not match rows*cols=%d*%d", len(stripeData), rows, subblockSize)
	}
	return &DenseSubblock{
		countSubblock:        countSubblock,
		displSubblock:        displSubblock,
		subblockIndicesLocal: subblockIndicesLocal,
		stripe: blas64.General{
			Rows: rows, Cols: subblockSize, Stride: subblockSize,
			Data: stripeData,
		},
	}
}

func (s *DenseSubblock) CountSubblock() []int            { return s.countSubblock }
func (s *DenseSubblock) DisplSubblock() []int            { return s.displSubblock }
func (s *DenseSubblock) SubblockIndicesLocal() []int32 { return s.subblockIndicesLocal }

func (s *DenseSubblock) Multiply(pFull []float64) []float64 {
	if len(pFull) != s.stripe.Cols {
		fatalf("DenseSubblock.Multiply", "pFull length %d does not match subblock size %d", len(pFull), s.stripe.Cols)
	}
	out := make([]float64, s.stripe.Rows)
	x := blas64.Vector{N: len(pFull), Data: pFull, Inc: 1}
	y := blas64.Vector{N: len(out), Data: out, Inc: 1}
	blas64.Gemv(blas.NoTrans, 1, s.stripe, x, 0, y)
	return out
}

// SparseSubblock is a sparse auxiliary operator: each rank's stripe is its
// own CSR block over the full subblock column range.
type SparseSubblock struct {
	countSubblock        []int
	displSubblock        []int
	subblockIndicesLocal []int32
	block                *csrBlock
}

// NewSparseSubblock builds a sparse subblock operator from this rank's CSR
// stripe (rows == countSubblock[stripeRank], cols == subblockSize).
func NewSparseSubblock(countSubblock, displSubblock []int, subblockIndicesLocal []int32, stripeRank int, rowPtr, colIdx []int32, data []float64, subblockSize int) *SparseSubblock {
	rows := countSubblock[stripeRank]
	if len(rowPtr) != rows+1 {
		fatalf("NewSparseSubblock", "rowPtr length %d does not match rows+1=%d", len(rowPtr), rows+1)
	}
	block := &csrBlock{rows: rows, cols: subblockSize, rowPtr: rowPtr, colIdx: colIdx, data: data}
	return &SparseSubblock{
		countSubblock:        countSubblock,
		displSubblock:        displSubblock,
		subblockIndicesLocal: subblockIndicesLocal,
		block:                block,
	}
}

func (s *SparseSubblock) CountSubblock() []int            { return s.countSubblock }
func (s *SparseSubblock) DisplSubblock() []int            { return s.displSubblock }
func (s *SparseSubblock) SubblockIndicesLocal() []int32 { return s.subblockIndicesLocal }

func (s *SparseSubblock) Multiply(pFull []float64) []float64 {
	out := make([]float64, s.block.rows)
	s.block.spmv(pFull, out, false)
	return out
}

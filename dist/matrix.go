package dist

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dlog"
	units "github.com/docker/go-units"
	"github.com/jtolds/gls"
	nlrm "github.com/launix-de/NonLockingReadMap"
)

// SpmvAlgo tags which kernel a neighbour block prefers. The Go CSR kernel
// never branches on it — it exists so callers migrating tuning knobs from
// the original keep an equivalent place to put them.
type SpmvAlgo int

const (
	AlgoAdaptive SpmvAlgo = iota
	AlgoStream
)

// Matrix is a distributed sparse matrix, split into one CSR block per
// neighbour rank whose columns this rank's rows reference. Block 0 is
// always this rank's own diagonal block (neighbours[0] == Rank()).
type Matrix struct {
	cm   comm.Communicator
	rank int
	size int

	counts        []int
	displacements []int
	rowsThisRank  int

	neighbours []int
	blocks     []*csrBlock
	algos      []SpmvAlgo

	colsPerNeighbour [][]int32
	rowsPerNeighbour [][]int32

	sendStreams   []*StreamWorker
	recvStreams   []*StreamWorker
	defaultStream *StreamWorker

	sendBuffers [][]float64
	recvBuffers [][]float64

	log *dlog.Logger
}

// parallelFor runs fn(i) for i in [0,n), fanning out across
// runtime.NumCPU() goroutines when n is large enough to be worth it. Mirrors
// the teacher's iterateShards throttle: a worker pool when the job count
// exceeds the core count, one goroutine per item otherwise.
func parallelFor(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	if n <= workers {
		wg.Add(n)
		for i := 0; i < n; i++ {
			gls.Go(func(i int) func() {
				return func() {
					defer wg.Done()
					fn(i)
				}
			}(i))
		}
	} else {
		jobs := make(chan int, workers)
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			gls.Go(func() func() {
				return func() {
					defer wg.Done()
					for i := range jobs {
						fn(i)
					}
				}
			}())
		}
		for i := 0; i < n; i++ {
			jobs <- i
		}
		close(jobs)
	}
	wg.Wait()
}

// ownerOfColumn returns the rank owning global column col, given strictly
// ascending displacements covering the full column range. The Go analogue
// of scanning counts/displacements to classify a nonzero's neighbour.
func ownerOfColumn(col int, displacements []int) int {
	lo, hi := 0, len(displacements)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if displacements[mid] <= col {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func validatePartition(size int, counts, displacements []int) error {
	if len(counts) != size || len(displacements) != size {
		return &ConfigurationError{Msg: fmt.Sprintf("counts/displacements must have length %d, got %d/%d", size, len(counts), len(displacements))}
	}
	running := 0
	for q := 0; q < size; q++ {
		if displacements[q] != running {
			return &ConfigurationError{Msg: fmt.Sprintf("displacements[%d]=%d inconsistent with running offset %d", q, displacements[q], running)}
		}
		if counts[q] < 0 {
			return &ConfigurationError{Msg: fmt.Sprintf("counts[%d] must be non-negative, got %d", q, counts[q])}
		}
		running += counts[q]
	}
	return nil
}

// NewMatrixFromCSR discovers this rank's neighbours from a local CSR slice
// with global column indices, splits it into one block per neighbour, and
// prepares the communication index sets and stream workers the SpMV
// algorithms need. See the partition-discovery and communication-index-set
// design notes for the algorithm this implements.
func NewMatrixFromCSR(counts, displacements []int, rowPtrIn, colIdxIn []int32, dataIn []float64, algos []SpmvAlgo, cm comm.Communicator, log *dlog.Logger) (*Matrix, error) {
	rank, size := cm.Rank(), cm.Size()
	if err := validatePartition(size, counts, displacements); err != nil {
		return nil, err
	}
	rowsThisRank := counts[rank]
	if len(rowPtrIn) != rowsThisRank+1 {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("rowPtr length %d does not match rowsThisRank+1=%d", len(rowPtrIn), rowsThisRank+1)}
	}
	nnzTotal := int(rowPtrIn[rowsThisRank])
	if len(colIdxIn) != nnzTotal || len(dataIn) != nnzTotal {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("colIdx/data length must match rowPtr[last]=%d, got %d/%d", nnzTotal, len(colIdxIn), len(dataIn))}
	}

	// Step 1-2: concurrent neighbour-flag discovery over a lock-free bitmap,
	// the Go analogue of the reduction(||:tmp) parallel loop.
	var neighbourFlag nonBlockingBitmapAdapter
	parallelFor(rowsThisRank, func(i int) {
		start, end := rowPtrIn[i], rowPtrIn[i+1]
		for j := start; j < end; j++ {
			q := ownerOfColumn(int(colIdxIn[j]), displacements)
			neighbourFlag.set(uint32(q))
		}
	})

	// Step 3: order neighbours by (rank+k) mod size, own rank always first.
	neighbours := make([]int, 0, size)
	for k := 0; k < size; k++ {
		q := (rank + k) % size
		if q == rank || neighbourFlag.get(uint32(q)) {
			neighbours = append(neighbours, q)
		}
	}

	neighbourSlot := make(map[int]int, len(neighbours))
	for k, q := range neighbours {
		neighbourSlot[q] = k
	}

	numberOfNeighbours := len(neighbours)

	// Step 4: nnz per neighbour, computed with the same fan-out.
	nnzPerNeighbour := make([]int, numberOfNeighbours)
	var nnzMu sync.Mutex
	parallelFor(rowsThisRank, func(i int) {
		local := make([]int, numberOfNeighbours)
		start, end := rowPtrIn[i], rowPtrIn[i+1]
		for j := start; j < end; j++ {
			q := ownerOfColumn(int(colIdxIn[j]), displacements)
			local[neighbourSlot[q]]++
		}
		nnzMu.Lock()
		for k, c := range local {
			nnzPerNeighbour[k] += c
		}
		nnzMu.Unlock()
	})

	// Step 5: split the CSR, one block per neighbour. Parallelized across
	// neighbours, mirroring the teacher's per-k fan-out: each k rescans every
	// row once and keeps only the nonzeros belonging to it.
	blocks := make([]*csrBlock, numberOfNeighbours)
	for k := range blocks {
		blocks[k] = newCSRBlock(rowsThisRank, counts[neighbours[k]], nnzPerNeighbour[k])
	}
	parallelFor(numberOfNeighbours, func(k int) {
		block := blocks[k]
		displ := displacements[neighbours[k]]
		cursor := int32(0)
		for i := 0; i < rowsThisRank; i++ {
			block.rowPtr[i] = cursor
			start, end := rowPtrIn[i], rowPtrIn[i+1]
			for j := start; j < end; j++ {
				col := int(colIdxIn[j])
				if ownerOfColumn(col, displacements) != neighbours[k] {
					continue
				}
				block.colIdx[cursor] = int32(col - displ)
				block.data[cursor] = dataIn[j]
				cursor++
			}
		}
		block.rowPtr[rowsThisRank] = cursor
	})

	if len(algos) != numberOfNeighbours {
		algos = make([]SpmvAlgo, numberOfNeighbours)
		for k := range algos {
			if k == 0 {
				algos[k] = AlgoAdaptive
			} else {
				algos[k] = AlgoStream
			}
		}
	}

	m := &Matrix{
		cm:            cm,
		rank:          rank,
		size:          size,
		counts:        append([]int(nil), counts...),
		displacements: append([]int(nil), displacements...),
		rowsThisRank:  rowsThisRank,
		neighbours:    neighbours,
		blocks:        blocks,
		algos:         algos,
		log:           log,
	}
	m.prepareCommIndexSets()
	m.prepareStreams()
	return m, nil
}

// CSRBlockInput is one pre-split neighbour block, local column indices
// already relative to that neighbour's displacement.
type CSRBlockInput struct {
	RowPtr []int32
	ColIdx []int32
	Data   []float64
}

// NewMatrixFromBlocks builds a Matrix directly from pre-split CSR blocks and
// an explicit neighbour list, skipping discovery entirely — the Go
// analogue of the spec's second constructor, for callers (tests, offline
// partitioners) that already know their neighbour structure.
func NewMatrixFromBlocks(counts, displacements []int, neighbours []int, blocksIn []CSRBlockInput, algos []SpmvAlgo, cm comm.Communicator, log *dlog.Logger) (*Matrix, error) {
	rank, size := cm.Rank(), cm.Size()
	if err := validatePartition(size, counts, displacements); err != nil {
		return nil, err
	}
	if len(neighbours) == 0 || neighbours[0] != rank {
		return nil, &ConfigurationError{Msg: "neighbours[0] must equal this rank"}
	}
	if len(blocksIn) != len(neighbours) {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("blocksIn length %d must match neighbours length %d", len(blocksIn), len(neighbours))}
	}
	rowsThisRank := counts[rank]
	blocks := make([]*csrBlock, len(neighbours))
	for k, nb := range neighbours {
		in := blocksIn[k]
		if len(in.RowPtr) != rowsThisRank+1 {
			return nil, &ConfigurationError{Msg: fmt.Sprintf("block %d rowPtr length %d does not match rowsThisRank+1=%d", k, len(in.RowPtr), rowsThisRank+1)}
		}
		nnz := int(in.RowPtr[rowsThisRank])
		if len(in.ColIdx) != nnz || len(in.Data) != nnz {
			return nil, &ConfigurationError{Msg: fmt.Sprintf("block %d colIdx/data length must match rowPtr[last]=%d", k, nnz)}
		}
		b := newCSRBlock(rowsThisRank, counts[nb], nnz)
		copy(b.rowPtr, in.RowPtr)
		copy(b.colIdx, in.ColIdx)
		copy(b.data, in.Data)
		blocks[k] = b
	}
	if len(algos) != len(neighbours) {
		algos = make([]SpmvAlgo, len(neighbours))
		for k := range algos {
			if k == 0 {
				algos[k] = AlgoAdaptive
			} else {
				algos[k] = AlgoStream
			}
		}
	}
	m := &Matrix{
		cm:            cm,
		rank:          rank,
		size:          size,
		counts:        append([]int(nil), counts...),
		displacements: append([]int(nil), displacements...),
		rowsThisRank:  rowsThisRank,
		neighbours:    append([]int(nil), neighbours...),
		blocks:        blocks,
		algos:         algos,
		log:           log,
	}
	m.prepareCommIndexSets()
	m.prepareStreams()
	return m, nil
}

// prepareCommIndexSets computes colsPerNeighbour/rowsPerNeighbour (§4.2):
// the sorted index lists that drive packing sends and unpacking receives.
func (m *Matrix) prepareCommIndexSets() {
	m.colsPerNeighbour = make([][]int32, len(m.neighbours))
	m.rowsPerNeighbour = make([][]int32, len(m.neighbours))
	for k := 1; k < len(m.neighbours); k++ {
		block := m.blocks[k]
		colSeen := make([]bool, block.cols)
		rowSeen := make([]bool, block.rows)
		for i := 0; i < block.rows; i++ {
			start, end := block.rowPtr[i], block.rowPtr[i+1]
			if end > start {
				rowSeen[i] = true
			}
			for j := start; j < end; j++ {
				colSeen[block.colIdx[j]] = true
			}
		}
		cols := make([]int32, 0)
		for c, seen := range colSeen {
			if seen {
				cols = append(cols, int32(c))
			}
		}
		rows := make([]int32, 0)
		for r, seen := range rowSeen {
			if seen {
				rows = append(rows, int32(r))
			}
		}
		sort.Slice(cols, func(a, b int) bool { return cols[a] < cols[b] })
		sort.Slice(rows, func(a, b int) bool { return rows[a] < rows[b] })
		m.colsPerNeighbour[k] = cols
		m.rowsPerNeighbour[k] = rows
	}
}

// prepareStreams allocates one send/recv StreamWorker per neighbour (k>=1)
// plus a single default stream, and sizes the pack/unpack staging buffers
// (§4.3).
func (m *Matrix) prepareStreams() {
	n := len(m.neighbours)
	m.sendStreams = make([]*StreamWorker, n)
	m.recvStreams = make([]*StreamWorker, n)
	m.sendBuffers = make([][]float64, n)
	m.recvBuffers = make([][]float64, n)
	m.defaultStream = NewStreamWorker()
	var totalBytes int64
	for k := 1; k < n; k++ {
		m.sendStreams[k] = NewStreamWorker()
		m.recvStreams[k] = NewStreamWorker()
		m.sendBuffers[k] = make([]float64, len(m.rowsPerNeighbour[k]))
		m.recvBuffers[k] = make([]float64, len(m.colsPerNeighbour[k]))
		totalBytes += int64(len(m.sendBuffers[k])+len(m.recvBuffers[k])) * 8
	}
	if m.log != nil && totalBytes > 0 {
		m.log.Printf("allocated %s of halo staging buffers across %d neighbours", units.BytesSize(float64(totalBytes)), n-1)
	}
}

func (m *Matrix) Rank() int          { return m.rank }
func (m *Matrix) Size() int          { return m.size }
func (m *Matrix) RowsThisRank() int  { return m.rowsThisRank }
func (m *Matrix) NumNeighbours() int { return len(m.neighbours) }
func (m *Matrix) Neighbour(k int) int { return m.neighbours[k] }
func (m *Matrix) Algo(k int) SpmvAlgo { return m.algos[k] }
func (m *Matrix) Counts() []int       { return m.counts }
func (m *Matrix) Displacements() []int { return m.displacements }

func (m *Matrix) RowsPerNeighbour(k int) []int32 { return m.rowsPerNeighbour[k] }
func (m *Matrix) ColsPerNeighbour(k int) []int32 { return m.colsPerNeighbour[k] }
func (m *Matrix) SendBuffer(k int) []float64      { return m.sendBuffers[k] }
func (m *Matrix) RecvBuffer(k int) []float64      { return m.recvBuffers[k] }
func (m *Matrix) SendStream(k int) *StreamWorker  { return m.sendStreams[k] }
func (m *Matrix) RecvStream(k int) *StreamWorker  { return m.recvStreams[k] }
func (m *Matrix) DefaultStream() *StreamWorker     { return m.defaultStream }
func (m *Matrix) Communicator() comm.Communicator  { return m.cm }
func (m *Matrix) Logger() *dlog.Logger             { return m.log }

// LocalSpMV computes the diagonal block's contribution: out = A_0 * x
// (accumulate=false) or out += A_0 * x (accumulate=true).
func (m *Matrix) LocalSpMV(x, out []float64, accumulate bool) {
	m.blocks[0].spmv(x, out, accumulate)
}

// NeighbourSpMV computes neighbour block k's contribution into out.
func (m *Matrix) NeighbourSpMV(k int, x, out []float64, accumulate bool) {
	m.blocks[k].spmv(x, out, accumulate)
}

// Close stops every stream worker owned by this matrix. Safe to call more
// than once.
func (m *Matrix) Close() error {
	m.defaultStream.Close()
	for k := 1; k < len(m.neighbours); k++ {
		m.sendStreams[k].Close()
		m.recvStreams[k].Close()
	}
	return nil
}

// nonBlockingBitmapAdapter narrows NonLockingReadMap's NonBlockingBitMap
// down to the get/set-by-rank usage this package needs, so the discovery
// code above reads as plain boolean-flag logic.
type nonBlockingBitmapAdapter struct {
	bm nlrm.NonBlockingBitMap
}

func (a *nonBlockingBitmapAdapter) set(i uint32)      { a.bm.Set(i, true) }
func (a *nonBlockingBitmapAdapter) get(i uint32) bool { return a.bm.Get(i) }

package dist

import (
	"sort"
	"testing"

	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dlog"
)

// buildTwoRankTridiag returns the local CSR input for rank r (0 or 1) of
// tridiag(-1, 2, -1) of global size 8, 4 rows per rank — spec §8 scenario 2.
func buildTwoRankTridiag(r int) (counts, displacements []int, rowPtr, colIdx []int32, data []float64) {
	const n = 8
	counts = []int{4, 4}
	displacements = []int{0, 4}
	lo := r * 4
	var rp []int32
	var ci []int32
	var vals []float64
	rp = append(rp, 0)
	for i := lo; i < lo+4; i++ {
		if i > 0 {
			ci = append(ci, int32(i-1))
			vals = append(vals, -1)
		}
		ci = append(ci, int32(i))
		vals = append(vals, 2)
		if i < n-1 {
			ci = append(ci, int32(i+1))
			vals = append(vals, -1)
		}
		rp = append(rp, int32(len(ci)))
	}
	return counts, displacements, rp, ci, vals
}

func mustMatrix(t *testing.T, counts, displacements []int, rowPtr, colIdx []int32, data []float64, cm comm.Communicator) *Matrix {
	t.Helper()
	m, err := NewMatrixFromCSR(counts, displacements, rowPtr, colIdx, data, nil, cm, dlog.New(cm.Rank(), ""))
	if err != nil {
		t.Fatalf("NewMatrixFromCSR: %v", err)
	}
	return m
}

func TestPartitionCompleteness(t *testing.T) {
	comms := comm.NewLocalCommunicatorGroup(2)
	for r := 0; r < 2; r++ {
		counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
		m := mustMatrix(t, counts, displacements, rowPtr, colIdx, data, comms[r])
		defer m.Close()

		// Every input nonzero must land in exactly one block, at the
		// expected (row, localCol, value).
		for i := 0; i < m.rowsThisRank; i++ {
			start, end := rowPtr[i], rowPtr[i+1]
			for j := start; j < end; j++ {
				globalCol := int(colIdx[j])
				owner := ownerOfColumn(globalCol, displacements)
				found := false
				for k, nb := range m.neighbours {
					if nb != owner {
						continue
					}
					block := m.blocks[k]
					bs, be := block.rowPtr[i], block.rowPtr[i+1]
					for bj := bs; bj < be; bj++ {
						localCol := int(block.colIdx[bj]) + displacements[owner]
						if localCol == globalCol && block.data[bj] == data[j] {
							found = true
						}
					}
				}
				if !found {
					t.Errorf("rank %d: nonzero (row %d, col %d) not found in any block", r, i, globalCol)
				}
			}
		}
	}
}

func TestNeighbourSymmetry(t *testing.T) {
	comms := comm.NewLocalCommunicatorGroup(2)
	matrices := make([]*Matrix, 2)
	for r := 0; r < 2; r++ {
		counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
		matrices[r] = mustMatrix(t, counts, displacements, rowPtr, colIdx, data, comms[r])
		defer matrices[r].Close()
	}

	neighboursOf := func(m *Matrix) map[int]bool {
		set := make(map[int]bool)
		for _, nb := range m.neighbours {
			set[nb] = true
		}
		return set
	}
	n0, n1 := neighboursOf(matrices[0]), neighboursOf(matrices[1])
	if n0[1] != n1[0] {
		t.Fatalf("neighbour sets not symmetric: rank0 has 1=%v, rank1 has 0=%v", n0[1], n1[0])
	}
	if !n0[1] {
		t.Fatal("expected rank 0 and rank 1 to be mutual neighbours for a tridiagonal split")
	}

	var slot0, slot1 int
	for k, nb := range matrices[0].neighbours {
		if nb == 1 {
			slot0 = k
		}
	}
	for k, nb := range matrices[1].neighbours {
		if nb == 0 {
			slot1 = k
		}
	}
	if len(matrices[0].rowsPerNeighbour[slot0]) != len(matrices[1].colsPerNeighbour[slot1]) {
		t.Errorf("nnzRowsPerNeighbour[0][1]=%d != nnzColsPerNeighbour[1][0]=%d",
			len(matrices[0].rowsPerNeighbour[slot0]), len(matrices[1].colsPerNeighbour[slot1]))
	}
}

func TestIndexSortedness(t *testing.T) {
	comms := comm.NewLocalCommunicatorGroup(2)
	for r := 0; r < 2; r++ {
		counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
		m := mustMatrix(t, counts, displacements, rowPtr, colIdx, data, comms[r])
		defer m.Close()
		for k := 1; k < len(m.neighbours); k++ {
			if !sort.SliceIsSorted(m.colsPerNeighbour[k], func(a, b int) bool { return m.colsPerNeighbour[k][a] < m.colsPerNeighbour[k][b] }) {
				t.Errorf("rank %d: colsPerNeighbour[%d] not sorted: %v", r, k, m.colsPerNeighbour[k])
			}
			if !sort.SliceIsSorted(m.rowsPerNeighbour[k], func(a, b int) bool { return m.rowsPerNeighbour[k][a] < m.rowsPerNeighbour[k][b] }) {
				t.Errorf("rank %d: rowsPerNeighbour[%d] not sorted: %v", r, k, m.rowsPerNeighbour[k])
			}
		}
	}
}

func TestHaloExchangeCounts(t *testing.T) {
	// Halo index-set sizes on the 2-rank tridiagonal split: each rank has
	// exactly one cross-rank nonzero in total (its boundary row), so
	// nnzRowsPerNeighbour and nnzColsPerNeighbour for the other rank must
	// both be 1.
	comms := comm.NewLocalCommunicatorGroup(2)
	for r := 0; r < 2; r++ {
		counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
		m := mustMatrix(t, counts, displacements, rowPtr, colIdx, data, comms[r])
		defer m.Close()
		if len(m.neighbours) != 2 {
			t.Fatalf("expected exactly 2 neighbours, got %d", len(m.neighbours))
		}
		var crossSlot int
		for k, nb := range m.neighbours {
			if nb != r {
				crossSlot = k
			}
		}
		if len(m.rowsPerNeighbour[crossSlot]) != 1 {
			t.Errorf("rank %d: expected exactly 1 row touching the cross-rank neighbour, got %d", r, len(m.rowsPerNeighbour[crossSlot]))
		}
		if len(m.colsPerNeighbour[crossSlot]) != 1 {
			t.Errorf("rank %d: expected exactly 1 col touching the cross-rank neighbour, got %d", r, len(m.colsPerNeighbour[crossSlot]))
		}
	}
}

func TestNewMatrixFromBlocksRoundTrip(t *testing.T) {
	comms := comm.NewLocalCommunicatorGroup(2)
	for r := 0; r < 2; r++ {
		counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
		m := mustMatrix(t, counts, displacements, rowPtr, colIdx, data, comms[r])

		blocksIn := make([]CSRBlockInput, len(m.blocks))
		for k, b := range m.blocks {
			blocksIn[k] = CSRBlockInput{RowPtr: b.rowPtr, ColIdx: b.colIdx, Data: b.data}
		}
		m2, err := NewMatrixFromBlocks(counts, displacements, m.neighbours, blocksIn, m.algos, comms[r], dlog.New(r, ""))
		if err != nil {
			t.Fatalf("NewMatrixFromBlocks: %v", err)
		}
		if len(m2.neighbours) != len(m.neighbours) {
			t.Fatalf("neighbour count mismatch: %d vs %d", len(m2.neighbours), len(m.neighbours))
		}
		m.Close()
		m2.Close()
	}
}

func TestValidatePartitionRejectsBadDisplacements(t *testing.T) {
	err := validatePartition(2, []int{4, 4}, []int{0, 3})
	if err == nil {
		t.Fatal("expected a ConfigurationError for inconsistent displacements")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
}

package spmv

import (
	"math"
	"testing"

	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dist"
	"github.com/distcg/dcgsolve/dlog"
)

// buildTwoRankTridiag returns the local CSR input for rank r (0 or 1) of
// tridiag(-1, 2, -1) of global size 8, 4 rows per rank. The single-rank
// reference it is compared against (spec §8: "SpMV correctness") is
// referenceTridiagSpMV below.
func buildTwoRankTridiag(r int) (counts, displacements []int, rowPtr, colIdx []int32, data []float64) {
	const n = 8
	counts = []int{4, 4}
	displacements = []int{0, 4}
	lo := r * 4
	rp := []int32{0}
	var ci []int32
	var vals []float64
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

func referenceTridiagSpMV(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := 2 * x[i]
		if i > 0 {
			v -= x[i-1]
		}
		if i < n-1 {
			v -= x[i+1]
		}
		out[i] = v
	}
	return out
}

func TestPackingCAMMatchesSingleRankReference(t *testing.T) {
	const n = 8
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i + 1)
	}
	want := referenceTridiagSpMV(x)

	comms := comm.NewLocalCommunicatorGroup(2)
	got := make([][]float64, 2)
	errs := make([]error, 2)
	done := make(chan int, 2)
	for r := 0; r < 2; r++ {
		r := r
		go func() {
			defer func() { done <- r }()
			counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
			matrix, err := dist.NewMatrixFromCSR(counts, displacements, rowPtr, colIdx, data, nil, comms[r], dlog.New(r, ""))
			if err != nil {
				errs[r] = err
				return
			}
			defer matrix.Close()

			neighbours := make([]int, matrix.NumNeighbours())
			for k := range neighbours {
				neighbours[k] = matrix.Neighbour(k)
			}
			p := dist.NewVector(neighbours, counts)
			p.SetOwned(x[r*4 : r*4+4])

			apLocal := make([]float64, 4)
			if err := PackingCAM(comms[r], matrix, p, apLocal); err != nil {
				errs[r] = err
				return
			}
			got[r] = apLocal
		}()
	}
	for i := 0; i < 2; i++ {
		<-done
	}
	for r := 0; r < 2; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
		wantLocal := want[r*4 : r*4+4]
		for i := range wantLocal {
			if math.Abs(got[r][i]-wantLocal[i]) > 1e-12 {
				t.Errorf("rank %d: apLocal[%d] = %v, want %v", r, i, got[r][i], wantLocal[i])
			}
		}
	}
}

// identitySubblock is a trivial 1-index dense subblock used to exercise
// Split1/2/3 without depending on the sparse halo structure above.
type identitySubblock struct {
	counts, displs []int
	indicesLocal   []int32
}

func (s *identitySubblock) CountSubblock() []int            { return s.counts }
func (s *identitySubblock) DisplSubblock() []int            { return s.displs }
func (s *identitySubblock) SubblockIndicesLocal() []int32 { return s.indicesLocal }
func (s *identitySubblock) Multiply(pFull []float64) []float64 {
	out := make([]float64, len(s.indicesLocal))
	copy(out, pFull)
	return out
}

func TestSplitVariantsAgree(t *testing.T) {
	const n = 8
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i + 1)
	}

	run := func(variant func(cm comm.Communicator, matrix *dist.Matrix, sub dist.Subblock, p *dist.Vector, pSubStripe []float64, apLocal []float64) error) [][]float64 {
		comms := comm.NewLocalCommunicatorGroup(2)
		got := make([][]float64, 2)
		done := make(chan int, 2)
		for r := 0; r < 2; r++ {
			r := r
			go func() {
				defer func() { done <- r }()
				counts, displacements, rowPtr, colIdx, data := buildTwoRankTridiag(r)
				matrix, err := dist.NewMatrixFromCSR(counts, displacements, rowPtr, colIdx, data, nil, comms[r], dlog.New(r, ""))
				if err != nil {
					t.Errorf("rank %d: %v", r, err)
					return
				}
				defer matrix.Close()
				neighbours := make([]int, matrix.NumNeighbours())
				for k := range neighbours {
					neighbours[k] = matrix.Neighbour(k)
				}
				p := dist.NewVector(neighbours, counts)
				p.SetOwned(x[r*4 : r*4+4])

				sub := &identitySubblock{
					counts:       []int{1, 1},
					displs:       []int{0, 1},
					indicesLocal: []int32{0},
				}
				pSubStripe := []float64{float64(r + 1)}

				apLocal := make([]float64, 4)
				if err := variant(comms[r], matrix, sub, p, pSubStripe, apLocal); err != nil {
					t.Errorf("rank %d: %v", r, err)
					return
				}
				got[r] = apLocal
			}()
		}
		for i := 0; i < 2; i++ {
			<-done
		}
		return got
	}

	got1 := run(Split1)
	got2 := run(Split2)
	got3 := run(Split3)

	for r := 0; r < 2; r++ {
		for i := 0; i < 4; i++ {
			if math.Abs(got1[r][i]-got2[r][i]) > 1e-14 {
				t.Errorf("rank %d: Split1[%d]=%v != Split2[%d]=%v", r, i, got1[r][i], i, got2[r][i])
			}
			if math.Abs(got1[r][i]-got3[r][i]) > 1e-14 {
				t.Errorf("rank %d: Split1[%d]=%v != Split3[%d]=%v", r, i, got1[r][i], i, got3[r][i])
			}
		}
	}
}

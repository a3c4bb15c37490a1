package comm

import (
	"sync"
	"testing"
)

func TestLocalCommunicatorRankSize(t *testing.T) {
	comms := NewLocalCommunicatorGroup(3)
	if len(comms) != 3 {
		t.Fatalf("expected 3 communicators, got %d", len(comms))
	}
	for r, c := range comms {
		if c.Rank() != r {
			t.Errorf("comms[%d].Rank() = %d", r, c.Rank())
		}
		if c.Size() != 3 {
			t.Errorf("comms[%d].Size() = %d, want 3", r, c.Size())
		}
	}
}

func TestPointToPointRoundTrip(t *testing.T) {
	comms := NewLocalCommunicatorGroup(2)
	payload := []float64{1, 2, 3}
	var wg sync.WaitGroup
	wg.Add(2)

	var recvErr error
	go func() {
		defer wg.Done()
		sendErr := comms[0].ISend(1, 7, payload).Wait()
		if sendErr != nil {
			t.Errorf("send: %v", sendErr)
		}
	}()
	buf := make([]float64, 3)
	go func() {
		defer wg.Done()
		recvErr = comms[1].IRecv(0, 7, buf).Wait()
	}()
	wg.Wait()
	if recvErr != nil {
		t.Fatalf("recv: %v", recvErr)
	}
	for i, v := range payload {
		if buf[i] != v {
			t.Errorf("buf[%d] = %v, want %v", i, buf[i], v)
		}
	}
}

func TestOverlappingTagRejected(t *testing.T) {
	// Two sends on the exact same (src,dest,tag) posted before either is
	// drained by a matching recv must have the second rejected — the spec's
	// "callers must not reuse overlapping tags" turned into an enforced
	// invariant (§6).
	comms := NewLocalCommunicatorGroup(2)
	h1 := comms[0].ISend(1, 9, []float64{1})
	if err := h1.Wait(); err != nil {
		t.Fatalf("first send should succeed: %v", err)
	}
	h2 := comms[0].ISend(1, 9, []float64{2})
	err := h2.Wait()
	if err == nil {
		t.Fatal("expected an error for a second send on an undrained (src,dest,tag)")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Fatalf("expected *FatalError, got %T", err)
	}

	buf := make([]float64, 1)
	if err := comms[1].IRecv(0, 9, buf).Wait(); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if buf[0] != 1 {
		t.Errorf("expected the first send's payload to win the race, got %v", buf[0])
	}
}

func TestAllreduceSum(t *testing.T) {
	const size = 4
	comms := NewLocalCommunicatorGroup(size)
	var wg sync.WaitGroup
	results := make([][]float64, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			data := []float64{float64(r + 1), 1}
			if err := comms[r].Allreduce(data); err != nil {
				t.Errorf("rank %d allreduce: %v", r, err)
			}
			results[r] = data
		}()
	}
	wg.Wait()
	wantSum0 := 1 + 2 + 3 + 4.0
	wantSum1 := 4.0
	for r, res := range results {
		if res[0] != wantSum0 {
			t.Errorf("rank %d: sum[0] = %v, want %v", r, res[0], wantSum0)
		}
		if res[1] != wantSum1 {
			t.Errorf("rank %d: sum[1] = %v, want %v", r, res[1], wantSum1)
		}
	}
}

func TestAllgathervConcatenates(t *testing.T) {
	const size = 3
	comms := NewLocalCommunicatorGroup(size)
	counts := []int{1, 2, 1}
	displs := []int{0, 1, 3}
	total := 4
	var wg sync.WaitGroup
	results := make([][]float64, size)
	wg.Add(size)
	stripes := [][]float64{{10}, {20, 21}, {30}}
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			recv := make([]float64, total)
			if err := comms[r].IAllgatherv(stripes[r], recv, counts, displs).Wait(); err != nil {
				t.Errorf("rank %d allgatherv: %v", r, err)
			}
			results[r] = recv
		}()
	}
	wg.Wait()
	want := []float64{10, 20, 21, 30}
	for r, res := range results {
		for i, v := range want {
			if res[i] != v {
				t.Errorf("rank %d: result[%d] = %v, want %v", r, i, res[i], v)
			}
		}
	}
}

package spmv

import (
	"fmt"

	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dist"
)

// scatterAdd adds apSub[i] into apLocal[indices[i]] for every i, the Go
// analogue of unpack_add.
func scatterAdd(apLocal, apSub []float64, indices []int32) {
	for i, idx := range indices {
		apLocal[idx] += apSub[i]
	}
}

// gatherSubblockP2P gathers every rank's subblock stripe into the full
// subblock vector using one point-to-point send/recv pair per peer, tagged
// by destination rank — the Go analogue of the per-neighbour MPI_Isend/
// MPI_Irecv loop in spmm_split_sparse1/2.
func gatherSubblockP2P(cm comm.Communicator, sub dist.Subblock, pStripe []float64) ([]float64, []comm.Handle, []comm.Handle) {
	rank, size := cm.Rank(), cm.Size()
	counts, displs := sub.CountSubblock(), sub.DisplSubblock()
	total := displs[size-1] + counts[size-1]
	pFull := make([]float64, total)
	copy(pFull[displs[rank]:displs[rank]+counts[rank]], pStripe)
	if size == 1 {
		return pFull, nil, nil
	}
	var sendHandles, recvHandles []comm.Handle
	for dest := 0; dest < size; dest++ {
		if dest == rank {
			continue
		}
		sendHandles = append(sendHandles, cm.ISend(dest, dest, pStripe))
	}
	for source := 0; source < size; source++ {
		if source == rank {
			continue
		}
		buf := pFull[displs[source] : displs[source]+counts[source]]
		recvHandles = append(recvHandles, cm.IRecv(source, rank, buf))
	}
	return pFull, sendHandles, recvHandles
}

func waitAll(handles []comm.Handle, op string) error {
	for _, h := range handles {
		if err := h.Wait(); err != nil {
			return fmt.Errorf("spmv: %s: %w", op, err)
		}
	}
	return nil
}

// Split1 computes apLocal = A*p plus the subblock contribution with no
// overlap between the two: the sparse halo exchange runs to completion
// (PackingCAM), then the subblock vector is gathered and multiplied.
func Split1(cm comm.Communicator, matrix *dist.Matrix, sub dist.Subblock, p *dist.Vector, pSubStripe []float64, apLocal []float64) error {
	if err := PackingCAM(cm, matrix, p, apLocal); err != nil {
		return err
	}
	pFull, sendHandles, recvHandles := gatherSubblockP2P(cm, sub, pSubStripe)
	if err := waitAll(recvHandles, "subblock recv"); err != nil {
		return err
	}
	apSub := sub.Multiply(pFull)
	scatterAdd(apLocal, apSub, sub.SubblockIndicesLocal())
	return waitAll(sendHandles, "subblock send")
}

// Split2 starts the subblock point-to-point exchange before the sparse halo
// exchange and only waits on it, and issues the subblock multiply, after the
// halo exchange has fully drained — interleaving the two transfers instead
// of serializing them.
func Split2(cm comm.Communicator, matrix *dist.Matrix, sub dist.Subblock, p *dist.Vector, pSubStripe []float64, apLocal []float64) error {
	n := matrix.NumNeighbours()
	rank := matrix.Rank()

	pFull, subSend, subRecv := gatherSubblockP2P(cm, sub, pSubStripe)

	sendEvents := make([]*dist.Event, n)
	sendHandles := make([]comm.Handle, n)
	recvHandles := make([]comm.Handle, n)
	for k := 1; k < n; k++ {
		rows := matrix.RowsPerNeighbour(k)
		sendBuf := matrix.SendBuffer(k)
		owned := p.Owned()
		sendEvents[k] = matrix.SendStream(k).Submit(func() {
			for i, r := range rows {
				sendBuf[i] = owned[r]
			}
		})
	}
	for k := 1; k < n; k++ {
		nb := matrix.Neighbour(k)
		tag := tagFor(nb, rank)
		recvHandles[k] = cm.IRecv(nb, tag, matrix.RecvBuffer(k))
	}
	for k := 1; k < n; k++ {
		sendEvents[k].Wait()
		nb := matrix.Neighbour(k)
		tag := tagFor(nb, rank)
		sendHandles[k] = cm.ISend(nb, tag, matrix.SendBuffer(k))
	}

	matrix.LocalSpMV(p.Owned(), apLocal, false)

	for k := 1; k < n; k++ {
		if err := recvHandles[k].Wait(); err != nil {
			return fmt.Errorf("spmv: recv from neighbour %d: %w", matrix.Neighbour(k), err)
		}
		cols := matrix.ColsPerNeighbour(k)
		recvBuf := matrix.RecvBuffer(k)
		staging := p.Vec[k]
		recvEvent := matrix.RecvStream(k).Submit(func() {
			for i, c := range cols {
				staging[c] = recvBuf[i]
			}
		})
		done := matrix.DefaultStream().SubmitAfter(recvEvent, func() {
			matrix.NeighbourSpMV(k, staging, apLocal, true)
		})
		done.Wait()
	}
	if err := waitAll(sendHandles[1:], "halo send"); err != nil {
		return err
	}

	// Subblock multiply issued last, after the halo exchange has drained.
	if err := waitAll(subRecv, "subblock recv"); err != nil {
		return err
	}
	apSub := sub.Multiply(pFull)
	scatterAdd(apLocal, apSub, sub.SubblockIndicesLocal())
	return waitAll(subSend, "subblock send")
}

// Split3 is Split2's algorithm with the subblock exchange carried by a
// single Allgatherv instead of point-to-point sends, polled with TryWait at
// the loop's natural interleave points so the channel-based collective gets
// a chance to progress while the sparse halo exchange runs. This polling is
// a direct, intentional port of the original's MPI_Test calls threaded
// through the same points — not a retry loop, and not something to copy
// into code that isn't mirroring that original structure.
func Split3(cm comm.Communicator, matrix *dist.Matrix, sub dist.Subblock, p *dist.Vector, pSubStripe []float64, apLocal []float64) error {
	n := matrix.NumNeighbours()
	rank, size := matrix.Rank(), cm.Size()
	counts, displs := sub.CountSubblock(), sub.DisplSubblock()
	total := displs[size-1] + counts[size-1]
	pFull := make([]float64, total)
	copy(pFull[displs[rank]:displs[rank]+counts[rank]], pSubStripe)

	var subHandle comm.Handle
	if size > 1 {
		subHandle = cm.IAllgatherv(pSubStripe, pFull, counts, displs)
	}
	pump := func() {
		if subHandle != nil {
			subHandle.TryWait()
		}
	}

	sendEvents := make([]*dist.Event, n)
	sendHandles := make([]comm.Handle, n)
	recvHandles := make([]comm.Handle, n)
	for k := 1; k < n; k++ {
		rows := matrix.RowsPerNeighbour(k)
		sendBuf := matrix.SendBuffer(k)
		owned := p.Owned()
		sendEvents[k] = matrix.SendStream(k).Submit(func() {
			for i, r := range rows {
				sendBuf[i] = owned[r]
			}
		})
	}
	for k := 1; k < n; k++ {
		nb := matrix.Neighbour(k)
		tag := tagFor(nb, rank)
		recvHandles[k] = cm.IRecv(nb, tag, matrix.RecvBuffer(k))
	}

	pump()
	for k := 1; k < n; k++ {
		sendEvents[k].Wait()
		nb := matrix.Neighbour(k)
		tag := tagFor(nb, rank)
		sendHandles[k] = cm.ISend(nb, tag, matrix.SendBuffer(k))
	}
	pump()

	matrix.LocalSpMV(p.Owned(), apLocal, false)

	for k := 1; k < n; k++ {
		pump()
		if err := recvHandles[k].Wait(); err != nil {
			return fmt.Errorf("spmv: recv from neighbour %d: %w", matrix.Neighbour(k), err)
		}
		cols := matrix.ColsPerNeighbour(k)
		recvBuf := matrix.RecvBuffer(k)
		staging := p.Vec[k]
		recvEvent := matrix.RecvStream(k).Submit(func() {
			for i, c := range cols {
				staging[c] = recvBuf[i]
			}
		})
		done := matrix.DefaultStream().SubmitAfter(recvEvent, func() {
			matrix.NeighbourSpMV(k, staging, apLocal, true)
		})
		done.Wait()
	}

	if subHandle != nil {
		if err := subHandle.Wait(); err != nil {
			return fmt.Errorf("spmv: subblock allgatherv: %w", err)
		}
	}
	apSub := sub.Multiply(pFull)
	scatterAdd(apLocal, apSub, sub.SubblockIndicesLocal())

	return waitAll(sendHandles[1:], "halo send")
}

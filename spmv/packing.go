// Package spmv implements the distributed sparse matrix-vector multiply
// algorithms: the overlap-maximizing "packing" variant, and the
// subblock-composed Split1/Split2/Split3 variants.
package spmv

import (
	"fmt"

	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dist"
)

// tagFor is the communicator tag convention for sparse halo exchange: the
// absolute rank distance, disambiguating concurrent sends between the same
// pair of neighbours in opposite directions.
func tagFor(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// PackingCAM computes apLocal = A * p, overlapping the local diagonal-block
// multiply with neighbour halo exchange: sends are packed and posted while
// the local block is multiplied, and each neighbour's contribution is
// accumulated into apLocal as soon as its receive lands, in neighbour order.
func PackingCAM(cm comm.Communicator, matrix *dist.Matrix, p *dist.Vector, apLocal []float64) error {
	n := matrix.NumNeighbours()
	rank := matrix.Rank()

	sendEvents := make([]*dist.Event, n)
	sendHandles := make([]comm.Handle, n)
	recvHandles := make([]comm.Handle, n)

	// Pack sends on each send-stream worker.
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

	// Post receives up front, non-blocking from the caller's perspective.
	for k := 1; k < n; k++ {
		nb := matrix.Neighbour(k)
		tag := tagFor(nb, rank)
		recvHandles[k] = cm.IRecv(nb, tag, matrix.RecvBuffer(k))
	}

	// Post sends once each pack finishes.
	for k := 1; k < n; k++ {
		sendEvents[k].Wait()
		nb := matrix.Neighbour(k)
		tag := tagFor(nb, rank)
		sendHandles[k] = cm.ISend(nb, tag, matrix.SendBuffer(k))
	}

	// Local diagonal block, overwrite mode (beta = 0).
	matrix.LocalSpMV(p.Owned(), apLocal, false)

	// Drain receives in neighbour order: scatter into the staging buffer,
	// then accumulate on the default stream, strictly serialized so
	// apLocal's floating-point result is deterministic across runs.
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

	for k := 1; k < n; k++ {
		if err := sendHandles[k].Wait(); err != nil {
			return fmt.Errorf("spmv: send to neighbour %d: %w", matrix.Neighbour(k), err)
		}
	}
	return nil
}

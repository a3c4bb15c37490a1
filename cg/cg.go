// Package cg implements the preconditioned Conjugate Gradient driver: the
// orchestration loop that ties together distributed SpMV, BLAS-1 vector
// operations, and the Allreduce-based global dot product (spec §4.6).
package cg

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dist"
	"github.com/distcg/dcgsolve/dlog"
	"github.com/distcg/dcgsolve/spmv"
)

// Strategy computes apLocal = A*p (plus any subblock contribution), given a
// distributed input vector p whose owned segment already holds the vector
// to multiply. This is the Go analogue of the spec's "polymorphic SpMV"
// design note: rather than a compile-time template parameter, the strategy
// is an ordinary function value chosen once when the caller builds its
// Solve call and threaded through every iteration unchanged.
type Strategy func(cm comm.Communicator, matrix *dist.Matrix, sub dist.Subblock, p *dist.Vector, pSubStripe []float64, apLocal []float64) error

// SparseOnly adapts spmv.PackingCAM, which knows nothing about subblocks, to
// the Strategy signature for systems with no subblock coupling.
func SparseOnly(cm comm.Communicator, matrix *dist.Matrix, _ dist.Subblock, p *dist.Vector, _ []float64, apLocal []float64) error {
	return spmv.PackingCAM(cm, matrix, p, apLocal)
}

// Split1, Split2 and Split3 expose spmv's subblock-composed overlap variants
// directly as Strategy values (spec §4.5).
var (
	Split1 Strategy = spmv.Split1
	Split2 Strategy = spmv.Split2
	Split3 Strategy = spmv.Split3
)

// Result is returned from Solve in addition to mutating x in place.
type Result struct {
	Iterations       int
	RelativeResidual float64
	Converged        bool
}

// Progress, if non-nil, is called once per iteration as the loop runs — the
// hook the monitor package uses to push progress frames over its websocket.
type Progress func(iteration int, residual float64)

// dot computes the global inner product of a and b: a local floats.Dot
// followed by a Communicator.Allreduce(SUM), exactly the two-reduce
// preconditioned-CG form the spec requires (design note: "no attempt at
// pipelined/reduced-synchronization CG variants").
func dot(cm comm.Communicator, a, b []float64) (float64, error) {
	buf := [1]float64{floats.Dot(a, b)}
	if err := cm.Allreduce(buf[:]); err != nil {
		return 0, fmt.Errorf("cg: allreduce: %w", err)
	}
	return buf[0], nil
}

// Solve runs the preconditioned CG loop until the relative preconditioned
// residual falls below tol or maxIters is exceeded (k <= maxIters, per spec
// §4.6/§8 scenario 5). r is the right-hand side b on entry and the current
// residual on exit; x is the initial guess on entry and the solution on
// exit. sub may be nil for a pure sparse system; otherwise pSubStripe must
// have length len(sub.SubblockIndicesLocal()) and is refilled from the
// vector being multiplied before every SpMV.
//
// A dist.FatalError panicking out of matrix or stream-pool code is recovered
// here exactly once and converted back into a plain error (spec §7's "no
// local recovery" policy, translated onto Go's panic/recover idiom rather
// than an abort — see the ambient error-handling notes for why this is
// strictly more defensive than the original without changing its contract).
func Solve(ctx context.Context, strategy Strategy, sub dist.Subblock, matrix *dist.Matrix, p *dist.Vector, r, x, invDiag []float64, pSubStripe []float64, tol float64, maxIters int, cm comm.Communicator, log *dlog.Logger, progress Progress) (res Result, err error) {
	solveID := uuid.New().String()
	if log != nil {
		log = log.WithSolveID(solveID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if fe, ok := rec.(*dist.FatalError); ok {
				err = fe
				return
			}
			panic(rec)
		}
	}()

	n := len(r)
	if len(x) != n || len(invDiag) != n {
		return Result{}, &dist.ConfigurationError{Msg: fmt.Sprintf("cg: r/x/invDiag length mismatch: %d/%d/%d", n, len(x), len(invDiag))}
	}
	ap := make([]float64, n)
	z := make([]float64, n)
	pLocal := make([]float64, n)

	// gatherSub copies the subblock entries of v into pSubStripe so the
	// subblock term acts on the same vector as the sparse part.
	gatherSub := func(v []float64) {
		if sub == nil {
			return
		}
		for i, idx := range sub.SubblockIndicesLocal() {
			pSubStripe[i] = v[idx]
		}
	}

	norm2Rhs, err := dot(cm, r, r)
	if err != nil {
		return Result{}, err
	}

	// Ap = A*x, r <- r - Ap (turns the caller's RHS into the initial residual).
	p.SetOwned(x)
	gatherSub(x)
	if err := strategy(cm, matrix, sub, p, pSubStripe, ap); err != nil {
		return Result{}, fmt.Errorf("cg: initial SpMV: %w", err)
	}
	floats.SubTo(r, r, ap)

	for i := range z {
		z[i] = invDiag[i] * r[i]
	}
	rho, err := dot(cm, r, z)
	if err != nil {
		return Result{}, err
	}

	k := 1
	var rhoPrev float64
	relResidual := relativeResidual(rho, norm2Rhs)
	tolSq := tol * tol
	for relResidual > tolSq && k <= maxIters {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Iterations: k, RelativeResidual: math.Sqrt(relResidual), Converged: false}, ctxErr
		}

		if k == 1 {
			copy(pLocal, z)
		} else if rhoPrev == 0 {
			// Spec §4.6 failure semantics: a zero rhoPrev after the first
			// iteration cannot happen for a nondegenerate SPD system; treat
			// it as a converged termination instead of dividing by zero.
			break
		} else {
			beta := rho / rhoPrev
			for i := range pLocal {
				pLocal[i] = z[i] + beta*pLocal[i]
			}
		}

		p.SetOwned(pLocal)
		gatherSub(pLocal)
		if err := strategy(cm, matrix, sub, p, pSubStripe, ap); err != nil {
			return Result{}, fmt.Errorf("cg: iteration %d SpMV: %w", k, err)
		}

		pAp, err := dot(cm, pLocal, ap)
		if err != nil {
			return Result{}, err
		}
		if pAp == 0 {
			break
		}
		alpha := rho / pAp

		floats.AddScaled(x, alpha, pLocal)
		floats.AddScaled(r, -alpha, ap)

		for i := range z {
			z[i] = invDiag[i] * r[i]
		}
		rhoPrev = rho
		rho, err = dot(cm, r, z)
		if err != nil {
			return Result{}, err
		}

		relResidual = relativeResidual(rho, norm2Rhs)
		if progress != nil {
			progress(k, math.Sqrt(relResidual))
		}
		if log != nil && cm.Rank() == 0 {
			log.Printf("solve %s: iteration %d relative residual %g", solveID, k, math.Sqrt(relResidual))
		}
		k++
	}

	converged := relResidual <= tolSq
	res = Result{Iterations: k, RelativeResidual: math.Sqrt(relResidual), Converged: converged}
	if log != nil && cm.Rank() == 0 {
		log.Summary(res.Iterations, res.RelativeResidual)
	}
	return res, nil
}

// relativeResidual guards the norm2Rhs==0 edge case (an all-zero RHS,
// trivially solved by x=0) so the division never produces NaN.
func relativeResidual(rho, norm2Rhs float64) float64 {
	if norm2Rhs == 0 {
		return 0
	}
	return rho / norm2Rhs
}

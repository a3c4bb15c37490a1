// dcgsolve is a small CLI/REPL front end driving the CG solver: it loads a
// CSR system (a persisted dump, or a synthetic test system), builds the
// Communicator and dist.Matrix, and runs the CG loop, printing the same
// (iter_count, final_relative_residual) line rank 0 printed in the original
// (spec §6). Its texture — a handful of flag.* options and a readline REPL
// mode — mirrors the teacher's own "small, explicit main" (main.go hardcodes
// a filename and calls scm.Repl()) rather than reaching for a config
// framework the teacher never uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/fsnotify/fsnotify"

	"github.com/distcg/dcgsolve/cg"
	"github.com/distcg/dcgsolve/comm"
	"github.com/distcg/dcgsolve/dist"
	"github.com/distcg/dcgsolve/dlog"
	"github.com/distcg/dcgsolve/monitor"
	"github.com/distcg/dcgsolve/persist"
)

func main() {
	fmt.Print(`dcgsolve Copyright (C) 2026
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	matrixFile := flag.String("matrix", "", "path to a persist.SaveCSR dump to solve (default: a built-in identity test system)")
	tol := flag.Float64("tol", 1e-10, "relative residual tolerance")
	maxIters := flag.Int("iters", 1000, "maximum CG iterations")
	ranks := flag.Int("ranks", 1, "number of in-process solver ranks (LocalCommunicator group size)")
	monitorAddr := flag.String("monitor", "", "address to serve progress websocket on (e.g. :8090); empty disables")
	watchDir := flag.String("watch", "", "watch this directory for dropped persist.SaveCSR dumps and solve each as it appears")
	repl := flag.Bool("repl", false, "start an interactive readline REPL instead of solving once")
	flag.Parse()

	var mon *monitor.Server
	if *monitorAddr != "" {
		mon = monitor.NewServer(*monitorAddr)
		mon.Start()
		defer mon.Close()
	}

	switch {
	case *repl:
		runRepl(*ranks, *tol, *maxIters, mon)
	case *watchDir != "":
		runWatch(*watchDir, *ranks, *tol, *maxIters, mon)
	default:
		if err := solveOnce(*matrixFile, *ranks, *tol, *maxIters, mon); err != nil {
			fmt.Fprintln(os.Stderr, "dcgsolve:", err)
			os.Exit(1)
		}
	}
}

// solveOnce builds a LocalCommunicator group of the requested size, loads
// (or synthesizes) a CSR system, and runs cg.Solve to completion, printing
// rank 0's final line.
func solveOnce(matrixFile string, ranks int, tol float64, maxIters int, mon *monitor.Server) error {
	counts, displacements, rowPtr, colIdx, data, b, invDiag, err := loadSystem(matrixFile, ranks)
	if err != nil {
		return err
	}
	return solve(counts, displacements, rowPtr, colIdx, data, b, invDiag, ranks, tol, maxIters, mon)
}

// loadSystem reads a persisted dump when path is non-empty, otherwise
// synthesizes the identity-matrix smoke test (spec §8 scenario 1) sized to
// ranks*4 rows so a -ranks>1 run still has something to partition.
func loadSystem(path string, ranks int) (counts, displacements []int, rowPtr, colIdx []int32, data, b, invDiag []float64, err error) {
	if path != "" {
		backend := &persist.FileBackend{Dir: "."}
		counts, displacements, rowPtr, colIdx, data, err = persist.LoadCSR(backend, path)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, nil, err
		}
		n := displacements[len(displacements)-1] + counts[len(counts)-1]
		b = make([]float64, n)
		invDiag = make([]float64, n)
		for i := range b {
			b[i] = 1
			invDiag[i] = 1
		}
		return counts, displacements, rowPtr, colIdx, data, b, invDiag, nil
	}
	return identitySystem(ranks)
}

// identitySystem builds the global A = I of size ranks*4, b = (1,...,1) —
// spec §8 scenario 1 generalized to an arbitrary rank count for a quick
// smoke run. localRowsFor slices this global CSR down per rank afterwards.
func identitySystem(ranks int) (counts, displacements []int, rowPtr, colIdx []int32, data, b, invDiag []float64, err error) {
	perRank := 4
	n := ranks * perRank
	counts = make([]int, ranks)
	displacements = make([]int, ranks)
	for r := 0; r < ranks; r++ {
		counts[r] = perRank
		displacements[r] = r * perRank
	}
	rowPtr = make([]int32, n+1)
	colIdx = make([]int32, n)
	data = make([]float64, n)
	for i := 0; i < n; i++ {
		rowPtr[i] = int32(i)
		colIdx[i] = int32(i)
		data[i] = 1
	}
	rowPtr[n] = int32(n)
	b = make([]float64, n)
	invDiag = make([]float64, n)
	for i := range b {
		b[i] = 1
		invDiag[i] = 1
	}
	return counts, displacements, rowPtr, colIdx, data, b, invDiag, nil
}

// solve runs one full LocalCommunicator group through cg.Solve, one
// goroutine per rank, and reports rank 0's result.
func solve(counts, displacements []int, rowPtrGlobal, colIdxGlobal []int32, dataGlobal []float64, bGlobal, invDiagGlobal []float64, ranks int, tol float64, maxIters int, mon *monitor.Server) error {
	comms := comm.NewLocalCommunicatorGroup(ranks)
	results := make([]cg.Result, ranks)
	errs := make([]error, ranks)
	done := make(chan int, ranks)

	for r := 0; r < ranks; r++ {
		r := r
		go func() {
			defer func() { done <- r }()
			rowPtr, colIdx, data := localRowsFor(r, counts, displacements, rowPtrGlobal, colIdxGlobal, dataGlobal)
			log := dlog.New(r, "")
			matrix, err := dist.NewMatrixFromCSR(counts, displacements, rowPtr, colIdx, data, nil, comms[r], log)
			if err != nil {
				errs[r] = err
				return
			}
			defer matrix.Close()

			p := dist.NewVector(matrixNeighbours(matrix), counts)
			lo, hi := displacements[r], displacements[r]+counts[r]
			rLocal := append([]float64(nil), bGlobal[lo:hi]...)
			xLocal := make([]float64, counts[r])
			invDiagLocal := append([]float64(nil), invDiagGlobal[lo:hi]...)

			var progress cg.Progress
			if mon != nil && r == 0 {
				progress = mon.Progress(fmt.Sprintf("rank%d", r))
			}

			res, err := cg.Solve(context.Background(), cg.SparseOnly, nil, matrix, p, rLocal, xLocal, invDiagLocal, nil, tol, maxIters, comms[r], log, progress)
			results[r] = res
			errs[r] = err
		}()
	}
	for i := 0; i < ranks; i++ {
		<-done
	}
	for r := 0; r < ranks; r++ {
		if errs[r] != nil {
			return fmt.Errorf("rank %d: %w", r, errs[r])
		}
	}
	fmt.Printf("converged=%v iterations=%d relative_residual=%g\n", results[0].Converged, results[0].Iterations, results[0].RelativeResidual)
	return nil
}

func matrixNeighbours(m *dist.Matrix) []int {
	n := m.NumNeighbours()
	out := make([]int, n)
	for k := 0; k < n; k++ {
		out[k] = m.Neighbour(k)
	}
	return out
}

// localRowsFor slices the global CSR down to rank r's rows, translating
// rowPtr to be zero-based for that slice — the shape of input
// dist.NewMatrixFromCSR expects from each rank.
func localRowsFor(r int, counts, displacements []int, rowPtrGlobal, colIdxGlobal []int32, dataGlobal []float64) ([]int32, []int32, []float64) {
	lo, hi := displacements[r], displacements[r]+counts[r]
	start := rowPtrGlobal[lo]
	rowPtr := make([]int32, hi-lo+1)
	for i := lo; i <= hi; i++ {
		rowPtr[i-lo] = rowPtrGlobal[i] - start
	}
	end := rowPtrGlobal[hi]
	colIdx := append([]int32(nil), colIdxGlobal[start:end]...)
	data := append([]float64(nil), dataGlobal[start:end]...)
	return rowPtr, colIdx, data
}

// runWatch watches dir for newly dropped persist.SaveCSR dumps and solves
// each one as it appears — a batch-runner mode generalizing the teacher's
// use of fsnotify for hot file reload.
func runWatch(dir string, ranks int, tol float64, maxIters int, mon *monitor.Server) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dcgsolve: fsnotify:", err)
		os.Exit(1)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		fmt.Fprintln(os.Stderr, "dcgsolve: watch", dir, ":", err)
		os.Exit(1)
	}
	fmt.Println("dcgsolve: watching", dir, "for CSR dumps")
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			fmt.Println("dcgsolve: solving", event.Name)
			if err := solveOnce(event.Name, ranks, tol, maxIters, mon); err != nil {
				fmt.Fprintln(os.Stderr, "dcgsolve:", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintln(os.Stderr, "dcgsolve: watch error:", err)
		}
	}
}

// runRepl is a direct generalization of the teacher's scm.Repl(): a
// readline loop accepting solver commands instead of Scheme expressions.
func runRepl(ranks int, tol float64, maxIters int, mon *monitor.Server) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[32mdcg>\033[0m ",
		HistoryFile:       ".dcgsolve-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dcgsolve:", err)
		os.Exit(1)
	}
	defer l.Close()
	l.CaptureExitSignal()

	matrixFile := ""
	fmt.Println("commands: load <file> | ranks <n> | tol <eps> | iters <n> | solve | exit")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		var cmd, arg string
		fmt.Sscanf(line, "%s %s", &cmd, &arg)
		switch cmd {
		case "load":
			matrixFile = arg
		case "ranks":
			fmt.Sscanf(arg, "%d", &ranks)
		case "tol":
			fmt.Sscanf(arg, "%g", &tol)
		case "iters":
			fmt.Sscanf(arg, "%d", &maxIters)
		case "solve":
			if err := solveOnce(matrixFile, ranks, tol, maxIters, mon); err != nil {
				fmt.Println("error:", err)
			}
		case "exit", "quit":
			return
		case "":
			// ignore blank lines
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

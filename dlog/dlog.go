// Package dlog provides the rank-tagged logging used throughout dcgsolve.
//
// The solver core never reaches for a structured-logging library: like the
// codebase it is grounded on, it prints with the standard library and keeps
// a tiny helper around for consistent rank/solve-ID prefixes.
package dlog

import (
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Logger is a rank-tagged wrapper around the standard logger.
type Logger struct {
	rank    int
	solveID string
	mu      sync.Mutex
	out     *log.Logger
	printer *message.Printer
}

// New creates a logger tagged with the given rank and solve ID. solveID is
// typically a uuid.New().String() stamped once per cg.Solve invocation so
// concurrent solves (e.g. several LocalCommunicator groups in a test
// harness) can be told apart in interleaved log output.
func New(rank int, solveID string) *Logger {
	return &Logger{
		rank:    rank,
		solveID: solveID,
		out:     log.New(os.Stderr, "", log.LstdFlags),
		printer: message.NewPrinter(language.English),
	}
}

// WithSolveID returns a copy of l tagged with solveID, sharing the
// underlying log.Logger (itself already safe for concurrent use) so nested
// calls from different goroutines of the same solve still interleave
// cleanly on the shared writer.
func (l *Logger) WithSolveID(solveID string) *Logger {
	return &Logger{
		rank:    l.rank,
		solveID: solveID,
		out:     l.out,
		printer: l.printer,
	}
}

func (l *Logger) prefix() string {
	if l.solveID == "" {
		return fmt.Sprintf("[rank %d] ", l.rank)
	}
	return fmt.Sprintf("[rank %d solve=%s] ", l.rank, l.solveID)
}

// Printf logs an informational line.
func (l *Logger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Print(l.prefix() + fmt.Sprintf(format, args...))
}

// Errorf logs an error line. It never panics itself; callers decide whether
// the underlying condition is fatal.
func (l *Logger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Print(l.prefix() + "error: " + fmt.Sprintf(format, args...))
}

// Summary prints the rank-0 convergence line the spec requires:
// "(iter_count, final_relative_residual)". Locale-aware grouping of the
// iteration count mirrors how the teacher's fork of golang.org/x/text is
// used elsewhere for human-facing number formatting.
func (l *Logger) Summary(iterations int, relativeResidual float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := l.printer.Sprintf("iteration T = %d, relative residual = %g", iterations, relativeResidual)
	l.out.Print(l.prefix() + msg)
}

package dist

import (
	"sync"

	"github.com/jtolds/gls"
)

// StreamWorker is the Go analogue of a GPU stream: a single goroutine that
// drains a work queue in submission order, giving every kernel issued to it
// a total order without an explicit lock at the call site.
type StreamWorker struct {
	jobs      chan func()
	wg        sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

// NewStreamWorker starts a stream worker. Close must be called to stop its
// goroutine.
func NewStreamWorker() *StreamWorker {
	w := &StreamWorker{
		jobs: make(chan func(), 64),
		stop: make(chan struct{}),
	}
	w.wg.Add(1)
	gls.Go(w.run)
	return w
}

func (w *StreamWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.stop:
			// drain any remaining queued work before exiting so a Close
			// racing with a just-submitted Submit never silently drops it
			for {
				select {
				case job := <-w.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn to run on this stream, asynchronously, after every
// previously submitted fn has returned. It returns an Event that becomes
// ready once fn has completed, the analogue of hipEventRecord immediately
// after a kernel launch.
func (w *StreamWorker) Submit(fn func()) *Event {
	ev := newEvent()
	w.jobs <- func() {
		fn()
		ev.signal()
	}
	return ev
}

// Sync blocks until every job submitted so far has completed, the analogue
// of hipStreamSynchronize.
func (w *StreamWorker) Sync() {
	done := make(chan struct{})
	w.jobs <- func() { close(done) }
	<-done
}

// Close stops the worker goroutine. Safe to call more than once.
func (w *StreamWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
}

// Event is the Go analogue of a GPU event: a one-shot completion signal
// that other streams can wait on without stalling their own queue.
type Event struct {
	done chan struct{}
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) signal() { close(e.done) }

// Wait blocks the calling goroutine until the event fires.
func (e *Event) Wait() { <-e.done }

// SubmitAfter is the analogue of hipStreamWaitEvent immediately followed by
// a kernel launch: fn is enqueued on w but does not run until e fires,
// without blocking the calling goroutine or anything else already queued
// on another stream.
func (w *StreamWorker) SubmitAfter(e *Event, fn func()) *Event {
	return w.Submit(func() {
		e.Wait()
		fn()
	})
}

package server

import (
	"errors"
	"fmt"

	"github.com/chazu/zerovm/vm"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("worker stopped")

type workRequest struct {
	fn   func(*vm.Thread) (any, error)
	done chan workResult
}

type workResult struct {
	value any
	err   error
}

// Worker owns one guest thread and runs every request on it from a single
// goroutine. A vm.Thread is driven by one goroutine at a time, so remote
// invocations queue here instead of racing.
type Worker struct {
	th       *vm.Thread
	requests chan workRequest
	quit     chan struct{}
	exited   chan struct{}
}

// NewWorker creates a thread named name on rt and starts its goroutine.
func NewWorker(rt *vm.Runtime, name string) (*Worker, error) {
	th, err := rt.NewThread(name)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		th:       th,
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Worker) loop() {
	defer close(w.exited)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning a panic into an error so one bad request does
// not take the server down.
func (w *Worker) execute(fn func(*vm.Thread) (any, error)) (result workResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("%v", r)
		}
	}()
	result.value, result.err = fn(w.th)
	return result
}

// Do submits fn and blocks until it has run on the worker thread.
func (w *Worker) Do(fn func(*vm.Thread) (any, error)) (any, error) {
	req := workRequest{fn: fn, done: make(chan workResult, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.exited:
		return nil, ErrWorkerStopped
	}
}

// Thread returns the worker's guest thread.
func (w *Worker) Thread() *vm.Thread { return w.th }

// Stop interrupts a running request, shuts the goroutine down, and closes
// the thread.
func (w *Worker) Stop() {
	select {
	case <-w.quit:
		return
	default:
	}
	w.th.RequestStop()
	close(w.quit)
	<-w.exited
	w.th.Close()
}

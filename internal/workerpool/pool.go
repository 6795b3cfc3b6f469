// Package workerpool runs tasks on a fixed number of goroutines fed by a
// bounded queue.
//
// Submit never blocks. A task that finds an idle worker runs at once; one
// that finds every worker busy waits in the queue; a task that finds the
// queue full is not run and its handle fails with ErrPoolSaturated.
package workerpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolSaturated is reported by a handle whose task found the queue full.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolClosed is reported by a handle whose task was submitted after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of work run by the pool.
type Task func() error

// Handle tracks the completion of one submitted task.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func failedHandle(err error) *Handle {
	h := newHandle()
	h.complete(err)
	return h
}

func (h *Handle) complete(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the task has finished or was refused.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error. It must only be called after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Wait blocks until the task has finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

type job struct {
	task   Task
	handle *Handle
}

// Pool is a fixed-size goroutine pool.
type Pool struct {
	queue     chan job
	workers   int
	queueSize int
	// inflight counts running plus waiting tasks, at most workers+queueSize.
	inflight atomic.Int64
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a pool of workers goroutines with room for queueSize waiting
// tasks.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		queue:     make(chan job, workers+queueSize),
		workers:   workers,
		queueSize: queueSize,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		err := run(j.task)
		p.inflight.Add(-1)
		j.handle.complete(err)
	}
}

// run executes task, turning a panic into an error so a worker survives it.
func run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerpool: task panicked: %v", r)
		}
	}()
	return task()
}

// Submit queues task and returns its handle without blocking.
func (p *Pool) Submit(task Task) *Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return failedHandle(ErrPoolClosed)
	}

	if p.inflight.Add(1) > int64(p.workers+p.queueSize) {
		p.inflight.Add(-1)
		return failedHandle(ErrPoolSaturated)
	}
	h := newHandle()
	p.queue <- job{task: task, handle: h}
	return h
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	n := int(p.inflight.Load()) - p.workers
	if n < 0 {
		return 0
	}
	return n
}

// Capacity returns the size of the waiting queue.
func (p *Pool) Capacity() int {
	return p.queueSize
}

// Close stops accepting tasks, lets queued tasks finish, and waits for the
// workers to exit. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

package utils

import (
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is closed, cannot submit new jobs")

// Job is a unit of work executed by a pool worker. Jobs report their own
// results, typically by writing into a caller-owned slot.
type Job func()

// WorkerPool runs jobs on a fixed number of goroutines. Submit blocks while
// the queue is full, which is what gives callers backpressure.
type WorkerPool struct {
	numWorkers int
	jobQueue   chan Job
	shutdownWg sync.WaitGroup
	mu         sync.RWMutex
	isClosed   bool
}

// NewWorkerPool creates and starts a pool with numWorkers goroutines and a
// queue of queueSize pending jobs.
func NewWorkerPool(numWorkers int, queueSize int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	wp := &WorkerPool{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, queueSize),
	}
	wp.shutdownWg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.shutdownWg.Done()
	for job := range wp.jobQueue {
		job()
	}
}

// Submit queues job, blocking until a slot is free.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.isClosed {
		return ErrPoolClosed
	}
	wp.jobQueue <- job
	return nil
}

// Shutdown stops accepting jobs, lets queued jobs drain and waits for every
// worker to exit. It is safe to call more than once.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.isClosed {
		wp.mu.Unlock()
		return
	}
	wp.isClosed = true
	close(wp.jobQueue)
	wp.mu.Unlock()
	wp.shutdownWg.Wait()
}

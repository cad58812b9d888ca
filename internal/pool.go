package internal

type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// The size of N depends on the expected frequency of work and contention for
// shared resources. For work which fans out over the network (e.g notifying
// peer instances) N bounds the number of in-flight requests; for work hitting
// the database, derive N from the connection limit rather than picking an
// arbitrary number. If more than N work is requested, eventually
// WorkerPool.Queue will block until some work is done.
//
// The larger N is, the larger the up front memory costs are due to the implementation of WorkerPool.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// If we have N workers, we can process N work concurrently.
		// If we have >N work, we need to apply backpressure to stop us
		// making more and more work which takes up more and more memory.
		// By setting the channel size to N, we ensure that backpressure is
		// being applied on the producer, stopping it from creating more work,
		// and hence bounding memory consumption. Commits are still being made
		// upstream by clients, but we will fan them out when we're ready
		// rather than gobble them all at once.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}

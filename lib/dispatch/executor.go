package dispatch

// --------------------------------------------------------------------------
// Executor Implementations
// --------------------------------------------------------------------------

// GoExecutor runs every submitted function on its own goroutine. Suitable
// for cheap operation bodies and for tests.
type GoExecutor struct{}

func (GoExecutor) Execute(fn func()) {
	go fn()
}

// PoolExecutor runs submitted functions on a fixed pool of workers with a
// bounded queue. Execute blocks while the queue is full, which provides
// natural backpressure for expensive operation bodies.
type PoolExecutor struct {
	tasks chan func()
}

// NewPoolExecutor creates a pool with the given number of workers and queue
// capacity. Both values are raised to at least 1.
func NewPoolExecutor(workers, queueSize int) *PoolExecutor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &PoolExecutor{
		tasks: make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Execute implements IExecutor. Must not be called after Close.
func (p *PoolExecutor) Execute(fn func()) {
	p.tasks <- fn
}

// Close stops accepting work. Queued functions still run to completion.
func (p *PoolExecutor) Close() {
	close(p.tasks)
}

// worker drains the task queue until the pool is closed.
func (p *PoolExecutor) worker() {
	for fn := range p.tasks {
		fn()
	}
}

package exchange

import "sync"

// Executor runs an exchange's state transitions on a single goroutine.
// Inboxes and outboxes have no internal locking; everything that touches
// their state is submitted here.
type Executor struct {
	tasks chan func()
	once  sync.Once
	done  chan struct{}
}

func NewExecutor(depth int) *Executor {
	if depth <= 0 {
		depth = 1024
	}
	e := &Executor{
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// Execute submits fn. Blocks when the queue is full, which backpressures
// the transport handlers feeding the exchange.
func (e *Executor) Execute(fn func()) {
	defer func() {
		// Submitting after Stop loses the task instead of panicking.
		_ = recover()
	}()
	e.tasks <- fn
}

// Stop drains queued tasks and waits for the worker to exit.
func (e *Executor) Stop() {
	e.once.Do(func() {
		close(e.tasks)
	})
	<-e.done
}

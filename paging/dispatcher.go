package paging

import "sync"

// dispatchBuffer bounds the completion queue. Fetches are non-reentrant, so
// the queue never holds more than a handful of pending completions.
const dispatchBuffer = 16

// dispatcher runs completions one at a time on a single goroutine, giving
// every user-visible completion a consistent delivery context and ordering.
type dispatcher struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		queue: make(chan func(), dispatchBuffer),
		done:  make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *dispatcher) run() {
	for fn := range d.queue {
		fn()
	}

	close(d.done)
}

// enqueue schedules fn on the delivery goroutine. Completions run in
// enqueue order.
func (d *dispatcher) enqueue(fn func()) {
	d.queue <- fn
}

// close stops the delivery goroutine after draining queued completions.
// Safe to call more than once.
func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.queue)
	})

	<-d.done
}

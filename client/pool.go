package client

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// workerPool runs handle on a fixed number of goroutines. Submit never
// blocks, items wait in an unbounded FIFO until a worker is free.
//
// With a single worker items are handled strictly in submission order.
type workerPool[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	stopped bool

	workers sync.WaitGroup
	handle  func(T)
	depth   prometheus.Gauge
}

func newWorkerPool[T any](workers int, depth prometheus.Gauge, handle func(T)) *workerPool[T] {
	if workers < 1 {
		workers = 1
	}

	p := &workerPool[T]{
		handle: handle,
		depth:  depth,
	}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.workers.Done()
			p.run()
		}()
	}

	return p
}

// submit queues item. It returns false once the pool has been stopped.
func (p *workerPool[T]) submit(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}

	p.queue = append(p.queue, item)
	if p.depth != nil {
		p.depth.Inc()
	}

	p.cond.Signal()
	return true
}

// stop refuses further items. Workers drain what is already queued, then exit.
// stop does not wait for them, see wait.
func (p *workerPool[T]) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cond.Broadcast()
}

func (p *workerPool[T]) wait() {
	p.workers.Wait()
}

func (p *workerPool[T]) run() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}

		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}

		item := p.queue[0]

		var zero T
		p.queue[0] = zero
		p.queue = p.queue[1:]

		if p.depth != nil {
			p.depth.Dec()
		}
		p.mu.Unlock()

		p.handle(item)
	}
}

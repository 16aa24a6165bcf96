// Package workerpool runs blocking work on a fixed set of goroutines fed from one
// FIFO queue, so the reactor goroutine never blocks on it.
package workerpool

import (
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-pantheon/fabrica-util/errors"
)

// ErrStopped is returned by Submit after Shutdown.
var ErrStopped = errors.New("worker pool is stopped")

// Task is a unit of deferred work. A task reports its own failures; the pool does not.
type Task func()

type Pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	tasks *queue.Queue

	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

// New starts size workers. If size <= 0, runtime.NumCPU() workers are started.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	p := &Pool{
		tasks: queue.New(),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)

	for i := range size {
		go p.work(i)
	}

	return p
}

// Submit queues t and wakes one idle worker.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return errors.New("submit nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}

	p.tasks.Add(t)
	p.cond.Signal()

	return nil
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()

		for p.tasks.Length() == 0 && !p.stopped {
			p.cond.Wait()
		}

		if p.tasks.Length() == 0 {
			p.mu.Unlock()
			return
		}

		t := p.tasks.Remove().(Task)
		p.mu.Unlock()

		p.run(id, t)
	}
}

func (p *Pool) run(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[workerpool] worker-%d task panic: %v", id, r)
		}
	}()

	t()
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tasks.Length()
}

// Shutdown stops accepting tasks, lets the workers drain the queue and waits for them.
// It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.cond.Broadcast()
		p.mu.Unlock()
	})

	p.wg.Wait()
}

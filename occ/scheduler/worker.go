package scheduler

import "sync"

// task is one unit of scheduler work. taskStop shuts a worker down.
type task interface{}

type taskStop struct{}

type runTask struct {
	txIndex int
}

type validateTask struct {
	txIndex int
}

// pool is a fixed set of workers draining one shared task channel. The
// channel is sized so that every transaction can hold a queued task, with
// room left for the stop sentinels; submit never blocks a worker.
type pool struct {
	tasks chan task
	wg    sync.WaitGroup
}

func newPool(capacity int) *pool {
	return &pool{tasks: make(chan task, capacity)}
}

func (p *pool) start(workers int, handle func(task)) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				t := <-p.tasks
				if _, ok := t.(taskStop); ok {
					return
				}
				handle(t)
			}
		}()
	}
}

func (p *pool) submit(t task) {
	p.tasks <- t
}

func (p *pool) stopAll(workers int) {
	for i := 0; i < workers; i++ {
		p.tasks <- taskStop{}
	}
}

func (p *pool) wait() {
	p.wg.Wait()
}

package engine

import (
	"context"
	"sort"
	"sync"
)

// JobChannel queues jobs for the worker pool.
type JobChannel chan *Job

// JobHandler runs one job to completion.
type JobHandler func(context.Context, *Job)

// WorkerPool runs queued jobs on a resizable set of workers, one job per
// worker at a time. Shrinking the pool retires idle workers first; a busy
// worker that is retired finishes its job before it exits.
type WorkerPool struct {
	queue JobChannel
	run   JobHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[int]chan struct{}
	running map[int]*Job // by worker id, retired workers included
	nextID  int
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool with no workers; call SetWorkerCount to start
// draining queue.
func NewWorkerPool(ctx context.Context, queue JobChannel, run JobHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:   queue,
		run:     run,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
		running: make(map[int]*Job),
	}
}

// SetWorkerCount starts or retires workers until count remain.
func (p *WorkerPool) SetWorkerCount(count int) {
	count = max(count, 0)
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workers) < count {
		p.spawn()
	}
	for len(p.workers) > count {
		p.retire()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Running returns the jobs being run right now in the order their workers
// were started.
func (p *WorkerPool) Running() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, p.running[id])
	}
	return jobs
}

func (p *WorkerPool) spawn() {
	id := p.nextID
	p.nextID++
	quit := make(chan struct{})
	p.workers[id] = quit
	p.wg.Add(1)
	go p.work(id, quit)
}

// retire stops one worker. Must be called with p.mu held.
func (p *WorkerPool) retire() {
	victim := -1
	for id := range p.workers {
		if _, busy := p.running[id]; !busy {
			victim = id
			break
		}
		if id > victim {
			victim = id
		}
	}
	close(p.workers[victim])
	delete(p.workers, victim)
}

func (p *WorkerPool) work(id int, quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		// A retired worker must not pick up another job even if one is ready.
		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		default:
		}

		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.track(id, j)
			p.run(p.ctx, j)
			p.track(id, nil)
		}
	}
}

func (p *WorkerPool) track(id int, j *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j == nil {
		delete(p.running, id)
		return
	}
	p.running[id] = j
}

// Stop cancels the pool context and waits for every worker to exit. Jobs
// still running observe the cancellation and end as cancelled.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

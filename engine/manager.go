package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultQueueSize is the number of jobs that may wait for a worker.
const DefaultQueueSize = 256

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("job queue full")

// Manager runs jobs on a pool of workers. Jobs are independent: each one has
// its own tracker, failure list and cancellation.
type Manager struct {
	engine  *Engine
	queue   JobChannel
	pool    *WorkerPool
	jobOpts []JobOption

	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string
	stopped bool
}

// NewManager starts worker goroutines that run submitted jobs. opts are
// applied to every job the manager creates.
func NewManager(ctx context.Context, e *Engine, workers int, opts ...JobOption) *Manager {
	if workers <= 0 {
		workers = 1
	}
	m := &Manager{
		engine:  e,
		queue:   make(JobChannel, DefaultQueueSize),
		jobOpts: opts,
		jobs:    make(map[string]*Job),
	}
	m.pool = NewWorkerPool(ctx, m.queue, func(ctx context.Context, j *Job) {
		j.Run(ctx)
	})
	m.pool.SetWorkerCount(workers)
	return m
}

// Submit validates req, queues a job for it and returns the job.
func (m *Manager) Submit(req Request) (*Job, error) {
	j, err := NewJob(m.engine, req, m.jobOpts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	select {
	case m.queue <- j:
	default:
		return nil, ErrQueueFull
	}
	m.jobs[j.ID] = j
	m.order = append(m.order, j.ID)
	return j, nil
}

// Get returns the job with the given id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Cancel cancels the job with the given id.
func (m *Manager) Cancel(id string) error {
	j, err := m.Get(id)
	if err != nil {
		return err
	}
	j.Cancel()
	return nil
}

// Jobs returns every submitted job in submission order.
func (m *Manager) Jobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	return jobs
}

// SetWorkers changes how many jobs run concurrently.
func (m *Manager) SetWorkers(n int) {
	if n <= 0 {
		n = 1
	}
	m.pool.SetWorkerCount(n)
}

// Workers returns the configured worker count.
func (m *Manager) Workers() int { return m.pool.WorkerCount() }

// Running returns the jobs that currently hold a worker.
func (m *Manager) Running() []*Job { return m.pool.Running() }

// Wait blocks until every job submitted so far has finished.
func (m *Manager) Wait(ctx context.Context) error {
	for _, j := range m.Jobs() {
		if _, err := j.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels every job and stops the workers. Jobs that never reached a
// worker finish as cancelled so their listeners still hear OnFinished.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	for _, j := range m.Jobs() {
		j.Cancel()
	}
	m.pool.Stop()

	for {
		select {
		case j := <-m.queue:
			j.Run(context.Background())
		default:
			return
		}
	}
}

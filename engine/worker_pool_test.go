package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/franksops/docmover/engine"
)

func TestWorkerPool_SetWorkerCount(t *testing.T) {
	ch := make(engine.JobChannel, 100)
	handler := func(ctx context.Context, job *engine.Job) {}

	pool := engine.NewWorkerPool(context.Background(), ch, handler)
	defer pool.Stop()

	for _, n := range []int{5, 2, 10, 0} {
		pool.SetWorkerCount(n)
		if count := pool.WorkerCount(); count != n {
			t.Errorf("SetWorkerCount(%d) left %d workers", n, count)
		}
	}
}

func TestWorkerPool_Execution(t *testing.T) {
	ch := make(engine.JobChannel, 100)

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	handler := func(ctx context.Context, job *engine.Job) {
		defer wg.Done()
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}

	pool := engine.NewWorkerPool(context.Background(), ch, handler)
	pool.SetWorkerCount(3)

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	wg.Add(len(ids))
	for _, id := range ids {
		ch <- &engine.Job{ID: id}
	}
	wg.Wait()

	mu.Lock()
	if len(seen) != len(ids) {
		t.Errorf("Expected %d distinct jobs run, got %d", len(ids), len(seen))
	}
	mu.Unlock()

	pool.Stop()
	if running := pool.Running(); len(running) != 0 {
		t.Errorf("Expected no running jobs after stop, got %d", len(running))
	}
}

// blockingHandler runs until its job id is released or the pool stops.
type blockingHandler struct {
	started chan string
	mu      sync.Mutex
	release map[string]chan struct{}
}

func newBlockingHandler(ids ...string) *blockingHandler {
	h := &blockingHandler{started: make(chan string, len(ids)), release: make(map[string]chan struct{})}
	for _, id := range ids {
		h.release[id] = make(chan struct{})
	}
	return h
}

func (h *blockingHandler) run(ctx context.Context, j *engine.Job) {
	h.mu.Lock()
	rel := h.release[j.ID]
	h.mu.Unlock()
	h.started <- j.ID
	select {
	case <-rel:
	case <-ctx.Done():
	}
}

func (h *blockingHandler) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.started:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d jobs started", i, n)
		}
	}
}

func TestWorkerPool_RunningJobs(t *testing.T) {
	ch := make(engine.JobChannel, 4)
	h := newBlockingHandler("one", "two")
	pool := engine.NewWorkerPool(context.Background(), ch, h.run)
	defer pool.Stop()

	pool.SetWorkerCount(3)
	ch <- &engine.Job{ID: "one"}
	ch <- &engine.Job{ID: "two"}
	h.waitStarted(t, 2)

	running := pool.Running()
	if len(running) != 2 {
		t.Fatalf("Expected 2 running jobs, got %d", len(running))
	}

	close(h.release["one"])
	deadline := time.Now().Add(time.Second)
	for len(pool.Running()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("finished job still reported as running")
		}
		time.Sleep(time.Millisecond)
	}
	if got := pool.Running()[0].ID; got != "two" {
		t.Errorf("Expected job two to still run, got %s", got)
	}
}

func TestWorkerPool_ShrinkRetiresIdleWorkersFirst(t *testing.T) {
	ch := make(engine.JobChannel, 4)
	h := newBlockingHandler("busy", "next")
	pool := engine.NewWorkerPool(context.Background(), ch, h.run)
	defer pool.Stop()

	pool.SetWorkerCount(2)
	ch <- &engine.Job{ID: "busy"}
	h.waitStarted(t, 1)

	// The idle worker goes, so the busy one keeps serving the queue after
	// its current job.
	pool.SetWorkerCount(1)
	close(h.release["busy"])
	ch <- &engine.Job{ID: "next"}
	h.waitStarted(t, 1)
	close(h.release["next"])
}

func TestWorkerPool_StopCancelsHandlers(t *testing.T) {
	ch := make(engine.JobChannel, 1)
	started := make(chan struct{})
	stopped := make(chan struct{})

	handler := func(ctx context.Context, job *engine.Job) {
		close(started)
		<-ctx.Done()
		close(stopped)
	}

	pool := engine.NewWorkerPool(context.Background(), ch, handler)
	pool.SetWorkerCount(1)
	ch <- &engine.Job{}
	<-started

	pool.Stop()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("handler did not observe pool cancellation")
	}
}

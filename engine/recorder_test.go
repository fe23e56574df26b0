package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/franksops/docmover/provider"
	"github.com/franksops/docmover/store"
)

type MockStore struct {
	mu   sync.Mutex
	Jobs map[string]*store.JobRecord
	Err  error
}

func (m *MockStore) SaveJob(job *store.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *job
	m.Jobs[job.ID] = &cp
	return nil
}

func (m *MockStore) GetJob(id string) (*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.Jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (m *MockStore) ListJobs(limit int) ([]*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*store.JobRecord
	for _, j := range m.Jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].StartedAt.After(jobs[k].StartedAt) })
	return jobs, nil
}

func (m *MockStore) Close() error { return nil }

func TestRecorder_JobLifecycle(t *testing.T) {
	mockStore := &MockStore{Jobs: make(map[string]*store.JobRecord)}
	recorder := NewRecorder(mockStore, DefaultCheckpointConfig, nil)

	src := provider.NewMemoryProvider("mem://src")
	dst := provider.NewMemoryProvider("mem://dst")
	ok := src.AddFile(provider.RootID, "ok", "text/plain", []byte("fine"), 0)
	bad := src.AddFile(provider.RootID, "bad", "text/plain", []byte("nope"), 0)
	src.FailOn(provider.OpOpenRead, bad.ID, errors.New("locked"))

	e := newTestEngine(Options{}, src, dst)
	j, err := NewJob(e, Request{Operation: OpMove, Sources: []provider.Document{ok, bad}, Destination: dst.Root()}, WithRecorder(recorder))
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	j.Run(context.Background())

	record, err := mockStore.GetJob(j.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if record.State != store.StateCompleted {
		t.Errorf("Expected state %s, got %s", store.StateCompleted, record.State)
	}
	if record.Operation != "move" || len(record.Sources) != 2 {
		t.Errorf("Unexpected record %+v", record)
	}
	if record.Tracker != "bytes" || record.RequiredBytes != 8 {
		t.Errorf("Expected byte tracker with 8 bytes, got %s/%d", record.Tracker, record.RequiredBytes)
	}
	if record.BytesCopied != 4 {
		t.Errorf("Expected 4 bytes copied, got %d", record.BytesCopied)
	}
	if len(record.Failed) != 1 || record.Failed[0].URI != bad.URI() {
		t.Errorf("Expected one failure for %s, got %+v", bad.URI(), record.Failed)
	}
	if record.FinishedAt.IsZero() {
		t.Errorf("Expected a finish time")
	}
}

func TestRecorder_Checkpointing(t *testing.T) {
	mockStore := &MockStore{Jobs: make(map[string]*store.JobRecord)}

	// Byte based checkpointing only.
	config := CheckpointConfig{
		BytesInterval: 10,
		TimeInterval:  time.Hour,
	}
	recorder := NewRecorder(mockStore, config, nil)

	p := provider.NewMemoryProvider("mem://one")
	f := p.AddFile(provider.RootID, "f", "text/plain", nil, 0)
	j, err := NewJob(newTestEngine(Options{}, p), Request{Sources: []provider.Document{f}, Destination: p.Root()})
	if err != nil {
		t.Fatal(err)
	}
	tj := recorder.track(j)

	// 5 bytes, no checkpoint yet.
	tj.add(5)
	record, _ := mockStore.GetJob(j.ID)
	if record.BytesCopied != 0 {
		t.Errorf("Expected 0 bytes copied (no checkpoint), got %d", record.BytesCopied)
	}
	if record.State != store.StatePending {
		t.Errorf("Expected state %s, got %s", store.StatePending, record.State)
	}

	// 6 more bytes (total 11) crosses the byte interval.
	tj.add(6)
	record, _ = mockStore.GetJob(j.ID)
	if record.BytesCopied != 11 {
		t.Errorf("Expected 11 bytes copied due to checkpoint, got %d", record.BytesCopied)
	}
}

func TestRecorder_StoreErrorsDoNotFailJob(t *testing.T) {
	mockStore := &MockStore{Jobs: make(map[string]*store.JobRecord), Err: errors.New("disk full")}
	recorder := NewRecorder(mockStore, DefaultCheckpointConfig, nil)

	src := provider.NewMemoryProvider("mem://src")
	dst := provider.NewMemoryProvider("mem://dst")
	f := src.AddFile(provider.RootID, "f", "text/plain", []byte("data"), 0)

	j, err := NewJob(newTestEngine(Options{}, src, dst), Request{Sources: []provider.Document{f}, Destination: dst.Root()}, WithRecorder(recorder))
	if err != nil {
		t.Fatal(err)
	}
	if res := j.Run(context.Background()); res.State != StateCompleted {
		t.Errorf("Expected completed job despite store errors, got %s", res.State)
	}
}

func TestStoreState(t *testing.T) {
	tests := map[State]store.JobState{
		StatePending:   store.StatePending,
		StateRunning:   store.StateRunning,
		StateCompleted: store.StateCompleted,
		StateFailed:    store.StateFailed,
		StateCancelled: store.StateCancelled,
	}
	for in, want := range tests {
		if got := storeState(in); got != want {
			t.Errorf("storeState(%s) = %s, want %s", in, got, want)
		}
	}
}

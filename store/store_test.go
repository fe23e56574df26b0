package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestBoltStore_SaveAndGetJob(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	// Initial job
	job := &JobRecord{
		ID:            "job-123",
		Operation:     "copy",
		Sources:       []string{"file:///tmp/src#/a.txt"},
		Destination:   "file:///tmp/dst#/",
		State:         StatePending,
		RequiredBytes: 1024,
		StartedAt:     time.Now(),
	}

	err = store.SaveJob(job)
	if err != nil {
		t.Fatalf("Failed to save job: %v", err)
	}

	// Retrieve job
	retrievedJob, err := store.GetJob("job-123")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}

	if retrievedJob.ID != job.ID {
		t.Errorf("Expected job ID %s, got %s", job.ID, retrievedJob.ID)
	}
	if retrievedJob.State != job.State {
		t.Errorf("Expected job State %s, got %s", job.State, retrievedJob.State)
	}
	if len(retrievedJob.Sources) != 1 || retrievedJob.Sources[0] != job.Sources[0] {
		t.Errorf("Expected sources %v, got %v", job.Sources, retrievedJob.Sources)
	}

	// Update job state
	job.State = StateCompleted
	job.BytesCopied = 512
	job.Failed = []FailureRecord{{URI: "file:///tmp/src#/b.txt", Error: "boom"}}
	err = store.SaveJob(job)
	if err != nil {
		t.Fatalf("Failed to update job: %v", err)
	}

	// Retrieve updated job
	retrievedJob, err = store.GetJob("job-123")
	if err != nil {
		t.Fatalf("Failed to get updated job: %v", err)
	}

	if retrievedJob.State != StateCompleted {
		t.Errorf("Expected updated job State %s, got %s", StateCompleted, retrievedJob.State)
	}
	if retrievedJob.BytesCopied != 512 {
		t.Errorf("Expected updated bytes %d, got %d", 512, retrievedJob.BytesCopied)
	}
	if len(retrievedJob.Failed) != 1 || retrievedJob.Failed[0].Error != "boom" {
		t.Errorf("Expected one failure, got %+v", retrievedJob.Failed)
	}

	// Non-existent job
	_, err = store.GetJob("non-existent")
	if err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestBoltStore_ListJobs(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "list.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"aaa-1", "bbb-2", "ccc-3"} {
		rec := &JobRecord{ID: id, State: StateCompleted, StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.SaveJob(rec); err != nil {
			t.Fatalf("Failed to save job: %v", err)
		}
	}

	jobs, err := store.ListJobs(0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != "ccc-3" || jobs[2].ID != "aaa-1" {
		t.Errorf("Expected newest first, got %v", ids(jobs))
	}

	jobs, _ = store.ListJobs(2)
	if len(jobs) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(jobs))
	}

	rec, err := store.GetJobByPrefix("bbb")
	if err != nil || rec.ID != "bbb-2" {
		t.Errorf("GetJobByPrefix = %v, %v", rec, err)
	}
	if _, err := store.GetJobByPrefix("zzz"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
	if _, err := store.GetJobByPrefix(""); err == nil {
		t.Errorf("Expected an empty prefix to be ambiguous")
	}
}

func TestJobState_Terminal(t *testing.T) {
	for _, s := range []JobState{StateCompleted, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []JobState{StatePending, StateRunning} {
		if s.Terminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}

func TestBoltStore_Close(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	// Try to get a job on closed store
	_, err = store.GetJob("job-123")
	if err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}

func ids(jobs []*JobRecord) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

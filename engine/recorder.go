package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/franksops/docmover/store"
)

// CheckpointConfig defines when a running job's byte count is saved.
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been copied.
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed.
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// Recorder writes an audit trail of jobs to a store. Records are history
// only; a job is never resumed from them. Store errors are logged and never
// affect the job.
type Recorder struct {
	store  store.Store
	config CheckpointConfig
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(s store.Store, config CheckpointConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, config: config, logger: logger}
}

// trackedJob is the live record of one job.
type trackedJob struct {
	r *Recorder

	mu              sync.Mutex
	record          *store.JobRecord
	bytesCopied     int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

func (r *Recorder) track(j *Job) *trackedJob {
	sources := make([]string, len(j.Sources))
	for i, src := range j.Sources {
		sources[i] = src.URI()
	}
	now := time.Now()
	tj := &trackedJob{
		r: r,
		record: &store.JobRecord{
			ID:            j.ID,
			Operation:     j.Operation.String(),
			Sources:       sources,
			Destination:   j.Destination.URI(),
			State:         store.StatePending,
			RequiredBytes: -1,
			StartedAt:     now,
		},
		lastCheckpointT: now,
	}
	tj.save()
	return tj
}

// prepared records the tracker chosen during setup.
func (tj *trackedJob) prepared(t *Tracker) {
	tj.mu.Lock()
	tj.record.State = store.StateRunning
	tj.record.Tracker = t.Kind().String()
	tj.record.RequiredBytes = t.RequiredBytes()
	tj.mu.Unlock()
	tj.save()
}

// add counts copied bytes and saves a checkpoint once enough bytes or time
// have accumulated.
func (tj *trackedJob) add(n int64) {
	tj.mu.Lock()
	tj.bytesCopied += n

	needsCheckpoint := false
	if tj.bytesCopied-tj.lastCheckpoint >= tj.r.config.BytesInterval {
		needsCheckpoint = true
	} else if time.Since(tj.lastCheckpointT) >= tj.r.config.TimeInterval {
		needsCheckpoint = true
	}
	if needsCheckpoint {
		tj.record.BytesCopied = tj.bytesCopied
		tj.lastCheckpoint = tj.bytesCopied
		tj.lastCheckpointT = time.Now()
	}
	tj.mu.Unlock()

	if needsCheckpoint {
		tj.save()
	}
}

// finish writes the terminal record.
func (tj *trackedJob) finish(res Result) {
	tj.mu.Lock()
	rec := tj.record
	rec.State = storeState(res.State)
	rec.BytesCopied = res.Progress.BytesCopied
	rec.FinishedAt = res.Finished
	rec.Failed = rec.Failed[:0]
	for _, f := range res.Failures {
		rec.Failed = append(rec.Failed, store.FailureRecord{URI: f.Document.URI(), Error: f.Err.Error()})
	}
	rec.Converted = rec.Converted[:0]
	for _, doc := range res.Converted {
		rec.Converted = append(rec.Converted, doc.URI())
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	tj.mu.Unlock()
	tj.save()
}

func (tj *trackedJob) save() {
	tj.mu.Lock()
	snapshot := *tj.record
	tj.mu.Unlock()
	if err := tj.r.store.SaveJob(&snapshot); err != nil {
		tj.r.logger.Warn("failed to save job history", "job", snapshot.ID, "error", err)
	}
}

func storeState(s State) store.JobState {
	switch s {
	case StateRunning:
		return store.StateRunning
	case StateCompleted:
		return store.StateCompleted
	case StateFailed:
		return store.StateFailed
	case StateCancelled:
		return store.StateCancelled
	default:
		return store.StatePending
	}
}

package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrJobNotFound is returned when a job is not found in the history store.
	ErrJobNotFound = errors.New("job not found")
)

var (
	jobsBucket = []byte("jobs")
)

// JobState mirrors the lifecycle of a transfer job.
type JobState string

const (
	StatePending   JobState = "Pending"
	StateRunning   JobState = "Running"
	StateCompleted JobState = "Completed"
	StateFailed    JobState = "Failed"
	StateCancelled JobState = "Cancelled"
)

// Terminal reports whether no further updates are expected for the state.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FailureRecord is one source document that failed.
type FailureRecord struct {
	URI   string `json:"uri"`
	Error string `json:"error"`
}

// JobRecord is the audit entry for one job. Records are written as the job
// progresses and are never used to resume a transfer.
type JobRecord struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	Sources       []string        `json:"sources"`
	Destination   string          `json:"destination"`
	State         JobState        `json:"state"`
	Tracker       string          `json:"tracker,omitempty"`
	BytesCopied   int64           `json:"bytes_copied"`
	RequiredBytes int64           `json:"required_bytes"`
	Failed        []FailureRecord `json:"failed,omitempty"`
	Converted     []string        `json:"converted,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Store defines the interface for recording job history.
type Store interface {
	SaveJob(job *JobRecord) error
	GetJob(id string) (*JobRecord, error)
	ListJobs(limit int) ([]*JobRecord, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveJob saves a job to the history store.
func (s *BoltStore) SaveJob(job *JobRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		err = b.Put([]byte(job.ID), data)
		if err != nil {
			return fmt.Errorf("failed to put job: %w", err)
		}

		return nil
	})
}

// GetJob retrieves a job from the history store.
func (s *BoltStore) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &job, nil
}

// GetJobByPrefix returns the single job whose id starts with prefix.
func (s *BoltStore) GetJobByPrefix(prefix string) (*JobRecord, error) {
	var matches []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			matches = append(matches, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrJobNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("job id prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// ListJobs returns up to limit jobs, most recently started first. A limit
// of zero or less returns every job.
func (s *BoltStore) ListJobs(limit int) ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

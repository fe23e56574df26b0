package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/franksops/docmover/provider"
)

// DefaultProgressInterval is the minimum spacing of OnProgress callbacks.
const DefaultProgressInterval = 250 * time.Millisecond

// State is the lifecycle position of a Job.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Listener observes a job. OnProgress is throttled. OnFinished is called
// exactly once, after the job reaches a terminal state. Both are called from
// the goroutine running the job.
type Listener interface {
	OnProgress(job *Job, p Progress)
	OnFinished(job *Job, r Result)
}

// Result summarises a finished job.
type Result struct {
	State     State
	Progress  Progress
	Failures  []Failure
	Converted []provider.Document
	// Err is set when the job failed as a whole.
	Err      error
	Started  time.Time
	Finished time.Time
}

// HasWarnings reports whether any document was converted to another format.
func (r Result) HasWarnings() bool { return len(r.Converted) > 0 }

// Duration is the wall time of the job.
func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Request describes a job to create.
type Request struct {
	Operation   Operation
	Sources     []provider.Document
	Destination provider.Document
	Listener    Listener
}

func (r Request) validate() error {
	if len(r.Sources) == 0 {
		return errors.New("no source documents")
	}
	for _, src := range r.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}
	if err := r.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if !r.Destination.IsDirectory() {
		return fmt.Errorf("destination %s is not a directory", r.Destination.URI())
	}
	return nil
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithRecorder writes the job's history through r.
func WithRecorder(r *Recorder) JobOption {
	return func(j *Job) { j.recorder = r }
}

// WithClock replaces the millisecond clock used for time estimates.
func WithClock(c Clock) JobOption {
	return func(j *Job) { j.clock = c }
}

// WithProgressInterval sets the minimum spacing of OnProgress callbacks. Zero
// or less delivers every update.
func WithProgressInterval(d time.Duration) JobOption {
	return func(j *Job) {
		if d <= 0 {
			j.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		j.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// Job is one copy or move of a list of sources into a destination
// directory.
type Job struct {
	ID          string
	Operation   Operation
	Sources     []provider.Document
	Destination provider.Document

	engine   *Engine
	listener Listener
	recorder *Recorder
	clock    Clock
	limiter  *rate.Limiter
	logger   *slog.Logger

	state      atomic.Int32
	cancelFlag atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	tracker   *Tracker
	failures  []Failure
	converted []provider.Document
	record    *trackedJob
	result    Result

	done chan struct{}
}

// NewJob validates req and returns a pending job.
func NewJob(e *Engine, req Request, opts ...JobOption) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	j := &Job{
		ID:          id,
		Operation:   req.Operation,
		Sources:     append([]provider.Document(nil), req.Sources...),
		Destination: req.Destination,
		engine:      e,
		listener:    req.Listener,
		clock:       SystemClock(),
		limiter:     rate.NewLimiter(rate.Every(DefaultProgressInterval), 1),
		logger:      e.logger.With("job", id[:8], "op", req.Operation.String()),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Job) String() string {
	return fmt.Sprintf("%s job %s", j.Operation, j.ID)
}

// State returns the current lifecycle state.
func (j *Job) State() State { return State(j.state.Load()) }

// Cancel requests cancellation. It is safe to call from any goroutine and at
// any time, including before the job starts or after it finished.
func (j *Job) Cancel() {
	j.cancelFlag.Store(true)
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether Cancel was called.
func (j *Job) IsCancelled() bool { return j.cancelFlag.Load() }

// Failures returns the sources that failed so far.
func (j *Job) Failures() []Failure {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Failure(nil), j.failures...)
}

// Converted returns the sources that were delivered in a converted format.
func (j *Job) Converted() []provider.Document {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]provider.Document(nil), j.converted...)
}

// HasWarnings reports whether any source was converted.
func (j *Job) HasWarnings() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.converted) > 0
}

// Tracker returns the progress tracker, or nil before setup.
func (j *Job) Tracker() *Tracker {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tracker
}

// Progress returns the current progress without sampling the estimator.
func (j *Job) Progress() Progress {
	if t := j.Tracker(); t != nil {
		return t.Snapshot()
	}
	return Progress{Kind: Indeterminate, Indeterminate: true, BytesRequired: -1}
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Setup sizes the sources, picks the tracker and checks the destination has
// room. It returns false if the job must not start.
func (j *Job) Setup(ctx context.Context) bool {
	if j.cancelled(ctx) {
		return false
	}

	tracker := j.engine.CreateTracker(ctx, j.Sources, j.clock)
	j.mu.Lock()
	j.tracker = tracker
	rec := j.record
	j.mu.Unlock()
	j.logger.Info("job prepared", "tracker", tracker.Kind(), "required_bytes", tracker.RequiredBytes(), "sources", len(j.Sources))
	if rec != nil {
		rec.prepared(tracker)
	}

	if j.cancelled(ctx) {
		return false
	}

	if tracker.HasRequiredBytes() {
		if err := j.checkSpace(ctx, tracker.RequiredBytes()); err != nil {
			j.logger.Error("not enough space at destination", "error", err)
			for _, src := range j.Sources {
				j.documentFailed(src, err)
			}
			return false
		}
	}
	return true
}

// checkSpace is permissive: an unknown free space or a provider error lets
// the job proceed.
func (j *Job) checkSpace(ctx context.Context, required int64) error {
	client, err := j.engine.registry.ClientFor(j.Destination)
	if err != nil {
		return nil
	}
	free, err := client.FreeSpace(ctx, j.Destination)
	if err != nil {
		j.engine.metrics.failure(SubOpCheckSpace)
		j.logger.Warn("could not read free space, continuing", "destination", j.Destination.URI(), "error", err)
		return nil
	}
	if free >= 0 && required > free {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, required, free)
	}
	return nil
}

// Start transfers every source. The returned error is fatal to the job;
// per-source failures are available from Failures.
func (j *Job) Start(ctx context.Context) error {
	j.state.Store(int32(StateRunning))
	j.mu.Lock()
	if j.tracker == nil {
		j.tracker = NewIndeterminateTracker(0)
	}
	tracker := j.tracker
	j.mu.Unlock()

	tracker.Start()
	j.emitProgress(true)
	return j.engine.run(ctx, j.Operation, j.Sources, j.Destination, &jobSink{job: j, ctx: ctx}, j.logger)
}

// Run drives the job through setup and transfer and returns its result.
// A job runs at most once. Later calls wait for the first run.
func (j *Job) Run(ctx context.Context) Result {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		<-j.done
		return j.Result()
	}
	j.started = true
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	if j.recorder != nil {
		j.record = j.recorder.track(j)
	}
	j.mu.Unlock()
	defer cancel()
	if j.cancelFlag.Load() {
		cancel()
	}

	started := time.Now()
	j.engine.metrics.jobStarted()
	j.logger.Info("job started", "sources", len(j.Sources), "destination", j.Destination.URI())

	var err error
	state := StateFailed
	if j.Setup(ctx) {
		err = j.Start(ctx)
		if err == nil {
			state = StateCompleted
		}
	} else if failures := j.Failures(); len(failures) > 0 {
		err = failures[0].Err
	}
	if j.cancelled(ctx) {
		state = StateCancelled
	}
	return j.finish(state, err, started)
}

func (j *Job) finish(state State, err error, started time.Time) Result {
	j.state.Store(int32(state))
	res := Result{
		State:     state,
		Progress:  j.Progress(),
		Failures:  j.Failures(),
		Converted: j.Converted(),
		Err:       err,
		Started:   started,
		Finished:  time.Now(),
	}

	j.mu.Lock()
	j.result = res
	rec := j.record
	j.mu.Unlock()

	j.engine.metrics.jobFinished(j.Operation, state, res.Duration().Seconds())
	j.logger.Info("job finished",
		"state", state,
		"failed", len(res.Failures),
		"converted", len(res.Converted),
		"bytes", res.Progress.BytesCopied,
		"duration", res.Duration(),
		"error", err)

	if rec != nil {
		rec.finish(res)
	}
	if j.listener != nil {
		j.listener.OnFinished(j, res)
	}
	close(j.done)
	return res
}

func (j *Job) cancelled(ctx context.Context) bool {
	return j.cancelFlag.Load() || ctx.Err() != nil
}

func (j *Job) documentFailed(doc provider.Document, err error) {
	j.mu.Lock()
	j.failures = append(j.failures, Failure{Document: doc, Err: err})
	j.mu.Unlock()
}

func (j *Job) emitProgress(force bool) {
	if j.listener == nil {
		return
	}
	if !force && !j.limiter.Allow() {
		return
	}
	tracker := j.Tracker()
	if tracker == nil {
		return
	}
	j.listener.OnProgress(j, tracker.Sample())
}

// jobSink feeds engine callbacks into a running job.
type jobSink struct {
	job *Job
	ctx context.Context
}

func (s *jobSink) cancelled() bool { return s.job.cancelled(s.ctx) }

func (s *jobSink) bytesCopied(n int64) {
	j := s.job
	j.tracker.OnBytesCopied(n)
	if j.record != nil {
		j.record.add(n)
	}
	j.emitProgress(false)
}

func (s *jobSink) documentCompleted() {
	s.job.tracker.OnDocumentCompleted()
	s.job.emitProgress(false)
}

func (s *jobSink) documentFailed(doc provider.Document, err error) {
	s.job.documentFailed(doc, err)
}

func (s *jobSink) documentConverted(doc provider.Document) {
	s.job.mu.Lock()
	s.job.converted = append(s.job.converted, doc)
	s.job.mu.Unlock()
}

package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// TrackerKind selects how a Tracker measures completion.
type TrackerKind int

const (
	// ByteCount measures bytes copied against the preflight byte total.
	ByteCount TrackerKind = iota
	// DocumentCount measures finished sources against the number of sources.
	DocumentCount
	// Indeterminate reports no fraction and no remaining time.
	Indeterminate
)

func (k TrackerKind) String() string {
	switch k {
	case ByteCount:
		return "bytes"
	case DocumentCount:
		return "documents"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Clock returns a monotonic time in milliseconds.
type Clock func() int64

// SystemClock is the Clock used outside of tests.
func SystemClock() Clock {
	start := time.Now()
	return func() int64 { return time.Since(start).Milliseconds() }
}

// Progress is a point-in-time view of a job's completion.
type Progress struct {
	Kind TrackerKind

	// Fraction is in [0,1]. It is meaningless when Indeterminate is set.
	Fraction      float64
	Indeterminate bool

	// Remaining is valid only when RemainingKnown is set.
	Remaining      time.Duration
	RemainingKnown bool

	BytesCopied        int64
	BytesRequired      int64
	DocumentsCompleted int64
	DocumentsRequired  int64
}

// Percent returns the completion as a whole percentage.
func (p Progress) Percent() int {
	if p.Indeterminate {
		return 0
	}
	return int(p.Fraction * 100)
}

// Tracker estimates completion and remaining time for one job. The kind is
// fixed at construction. Counters are atomic so readers may poll from any
// goroutine while the job worker updates them.
type Tracker struct {
	kind          TrackerKind
	bytesRequired int64
	docsRequired  int64
	clock         Clock

	bytesCopied   atomic.Int64
	docsCompleted atomic.Int64

	mu         sync.Mutex
	started    bool
	startTime  int64
	sampleTime int64
	dataSample int64
	speed      int64
	remaining  int64
}

func newTracker(kind TrackerKind, bytesRequired, docsRequired int64, clock Clock) *Tracker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Tracker{
		kind:          kind,
		bytesRequired: bytesRequired,
		docsRequired:  docsRequired,
		clock:         clock,
		remaining:     -1,
	}
}

// NewByteCountTracker tracks bytes copied against bytesRequired.
func NewByteCountTracker(bytesRequired int64, clock Clock) *Tracker {
	return newTracker(ByteCount, bytesRequired, 0, clock)
}

// NewDocumentCountTracker tracks completed sources against docsRequired.
func NewDocumentCountTracker(docsRequired int64, clock Clock) *Tracker {
	return newTracker(DocumentCount, 0, docsRequired, clock)
}

// NewIndeterminateTracker reports a spinner. bytesRequired is the partial
// total gathered before sizing failed and is only kept for reporting.
func NewIndeterminateTracker(bytesRequired int64) *Tracker {
	return newTracker(Indeterminate, bytesRequired, 0, func() int64 { return -1 })
}

// Kind returns the strategy chosen for this tracker.
func (t *Tracker) Kind() TrackerKind { return t.kind }

// HasRequiredBytes reports whether a byte total is known.
func (t *Tracker) HasRequiredBytes() bool {
	return t.kind == ByteCount && t.bytesRequired > 0
}

// RequiredBytes returns the byte total, or -1 when unknown.
func (t *Tracker) RequiredBytes() int64 {
	if !t.HasRequiredBytes() {
		return -1
	}
	return t.bytesRequired
}

// Start marks the beginning of the transfer for speed estimation.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.startTime = t.clock()
}

// OnBytesCopied adds n bytes to the copied counter.
func (t *Tracker) OnBytesCopied(n int64) {
	t.bytesCopied.Add(n)
}

// OnDocumentCompleted counts one finished source, whatever its outcome.
func (t *Tracker) OnDocumentCompleted() {
	t.docsCompleted.Add(1)
}

// BytesCopied returns the bytes copied so far.
func (t *Tracker) BytesCopied() int64 { return t.bytesCopied.Load() }

// Fraction returns the completion fraction. The second result is false for
// the indeterminate kind.
func (t *Tracker) Fraction() (float64, bool) {
	var done, required int64
	switch t.kind {
	case ByteCount:
		done, required = t.bytesCopied.Load(), t.bytesRequired
	case DocumentCount:
		done, required = t.docsCompleted.Load(), t.docsRequired
	default:
		return 0, false
	}
	if required <= 0 {
		return 0, true
	}
	f := float64(done) / float64(required)
	if f > 1 {
		f = 1
	}
	return f, true
}

func (t *Tracker) processed() (done, required int64) {
	if t.kind == DocumentCount {
		return t.docsCompleted.Load(), t.docsRequired
	}
	return t.bytesCopied.Load(), t.bytesRequired
}

// Sample feeds the current counters into the speed estimate and returns a
// snapshot. It is called each time progress is reported.
func (t *Tracker) Sample() Progress {
	if t.kind != Indeterminate {
		done, required := t.processed()
		t.mu.Lock()
		t.estimateRemainingTime(done, required)
		t.mu.Unlock()
	}
	return t.Snapshot()
}

// estimateRemainingTime blends the speed of the latest sample into a 3:1
// moving average. Times are in milliseconds. Must be called with t.mu held.
func (t *Tracker) estimateRemainingTime(done, required int64) {
	now := t.clock()
	if !t.started {
		t.started = true
		t.startTime = now
	}
	elapsed := now - t.startTime
	sampleDuration := elapsed - t.sampleTime
	if sampleDuration < 1 {
		sampleDuration = 1
	}
	sampleSpeed := ((done - t.dataSample) * 1000) / sampleDuration
	if t.speed == 0 {
		t.speed = sampleSpeed
	} else {
		t.speed = (3*t.speed + sampleSpeed) / 4
	}

	if t.sampleTime > 0 && t.speed > 0 {
		left := required - done
		if left < 0 {
			left = 0
		}
		t.remaining = (left * 1000) / t.speed
	}

	t.sampleTime = elapsed
	t.dataSample = done
}

// RemainingTime returns the latest estimate. The second result is false until
// a sample with positive speed and elapsed time has been taken.
func (t *Tracker) RemainingTime() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kind == Indeterminate || t.remaining < 0 {
		return 0, false
	}
	return time.Duration(t.remaining) * time.Millisecond, true
}

// Snapshot returns the current progress without sampling.
func (t *Tracker) Snapshot() Progress {
	fraction, determinate := t.Fraction()
	remaining, known := t.RemainingTime()
	p := Progress{
		Kind:               t.kind,
		Fraction:           fraction,
		Indeterminate:      !determinate,
		Remaining:          remaining,
		RemainingKnown:     known,
		BytesCopied:        t.bytesCopied.Load(),
		BytesRequired:      t.RequiredBytes(),
		DocumentsCompleted: t.docsCompleted.Load(),
		DocumentsRequired:  t.docsRequired,
	}
	return p
}

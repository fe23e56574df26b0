package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer modes recorded per document.
const (
	ModeOptimized    = "optimized"
	ModeConventional = "conventional"
	ModeConverted    = "converted"
)

// Sub-operations recorded when a provider call fails.
const (
	SubOpQueryChildren   = "query_children"
	SubOpStreamTypes     = "obtain_stream_type"
	SubOpQuickCopy       = "quick_copy"
	SubOpQuickMove       = "quick_move"
	SubOpCreateDocument  = "create_document"
	SubOpOpenRead        = "open_read"
	SubOpOpenWrite       = "open_write"
	SubOpRead            = "read"
	SubOpWrite           = "write"
	SubOpSync            = "sync"
	SubOpDeleteDocument  = "delete_document"
	SubOpVerify          = "verify"
	SubOpCheckSpace      = "check_space"
	SubOpCalculateSize   = "calculate_size"
	SubOpDescendantCheck = "descendant_check"
)

// Metrics holds the Prometheus collectors for transfers.
type Metrics struct {
	documents      *prometheus.CounterVec
	bytes          prometheus.Counter
	failures       *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	jobsInProgress prometheus.Gauge
	jobDuration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		documents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docmove",
			Name:      "documents_total",
			Help:      "Documents transferred by operation and mode.",
		}, []string{"operation", "mode"}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docmove",
			Name:      "bytes_copied_total",
			Help:      "Bytes copied through the streaming path.",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docmove",
			Name:      "provider_failures_total",
			Help:      "Failed provider calls by sub-operation.",
		}, []string{"suboperation"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docmove",
			Name:      "jobs_total",
			Help:      "Finished jobs by operation and terminal state.",
		}, []string{"operation", "state"}),
		jobsInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docmove",
			Name:      "jobs_in_progress",
			Help:      "Jobs currently running.",
		}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docmove",
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"state"}),
	}
}

func (m *Metrics) documentTransferred(op Operation, mode string) {
	m.documents.WithLabelValues(op.String(), mode).Inc()
}

func (m *Metrics) bytesCopied(n int64) {
	m.bytes.Add(float64(n))
}

func (m *Metrics) failure(subOp string) {
	m.failures.WithLabelValues(subOp).Inc()
}

func (m *Metrics) jobStarted() {
	m.jobsInProgress.Inc()
}

func (m *Metrics) jobFinished(op Operation, state State, seconds float64) {
	m.jobsInProgress.Dec()
	m.jobs.WithLabelValues(op.String(), state.String()).Inc()
	m.jobDuration.WithLabelValues(state.String()).Observe(seconds)
}

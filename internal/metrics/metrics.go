// Package metrics provides Prometheus collectors for extraction and
// reconciliation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/resilience"
)

// Extraction outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeEmpty        = "empty"
	OutcomeMalformed    = "malformed"
	OutcomeServiceError = "service_error"
	OutcomeInvalid      = "invalid"
	OutcomeStoreError   = "store_error"
)

// Resolution outcomes.
const (
	ResolutionApproved = "approved"
	ResolutionRejected = "rejected"
	ResolutionNoop     = "noop"
	ResolutionError    = "error"
)

// Call-note import statuses.
const (
	NoteExtracted = "extracted"
	NoteFailed    = "failed"
)

// Metrics holds the application's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	extractionsTotal   *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	candidatesTotal    prometheus.Counter
	resolutionsTotal   *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	notesImportedTotal *prometheus.CounterVec
}

// New creates and registers the collectors on registry. A nil registry gets
// a fresh one.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.extractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealflow_extractions_total",
			Help: "Transcript extractions by outcome",
		},
		[]string{"outcome"},
	)

	m.extractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dealflow_extraction_duration_seconds",
			Help: "Time spent on one extraction including persistence",
			// 250ms .. ~128s
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"outcome"},
	)

	m.candidatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealflow_candidate_updates_total",
			Help: "Candidate updates written to the ledger",
		},
	)

	m.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealflow_resolutions_total",
			Help: "Candidate update resolutions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dealflow_circuit_state",
			Help: "Circuit breaker state per service (0 closed, 1 open, 2 half-open)",
		},
		[]string{"service"},
	)

	m.notesImportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealflow_notes_imported_total",
			Help: "Notion call notes processed by status",
		},
		[]string{"status"},
	)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.extractionsTotal.Describe(ch)
	m.extractionDuration.Describe(ch)
	m.candidatesTotal.Describe(ch)
	m.resolutionsTotal.Describe(ch)
	m.circuitState.Describe(ch)
	m.notesImportedTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.extractionsTotal.Collect(ch)
	m.extractionDuration.Collect(ch)
	m.candidatesTotal.Collect(ch)
	m.resolutionsTotal.Collect(ch)
	m.circuitState.Collect(ch)
	m.notesImportedTotal.Collect(ch)
}

// RecordExtraction counts one extraction and its duration.
func (m *Metrics) RecordExtraction(outcome string, candidates int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.extractionsTotal.WithLabelValues(outcome).Inc()
	m.extractionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if candidates > 0 {
		m.candidatesTotal.Add(float64(candidates))
	}
}

// RecordResolution counts resolutions for one operation.
func (m *Metrics) RecordResolution(operation, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resolutionsTotal.WithLabelValues(operation, outcome).Add(float64(n))
}

// RecordNoteImport counts one processed Notion page.
func (m *Metrics) RecordNoteImport(status string) {
	if m == nil {
		return
	}
	m.notesImportedTotal.WithLabelValues(status).Inc()
}

// CircuitStateChanged matches resilience.NewServiceBreakers' onChange hook.
func (m *Metrics) CircuitStateChanged(service string, _, to resilience.CircuitState) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(service).Set(float64(to))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(zap.L()),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

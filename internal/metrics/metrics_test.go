package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealflow-cli/internal/resilience"
)

func TestMetrics_Record(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordExtraction(OutcomeSuccess, 3, 2*time.Second)
	m.RecordExtraction(OutcomeSuccess, 1, time.Second)
	m.RecordExtraction(OutcomeMalformed, 0, time.Second)
	m.RecordResolution("approve", ResolutionApproved, 1)
	m.RecordResolution("approve_all", ResolutionApproved, 4)
	m.RecordResolution("reject", ResolutionNoop, 0)
	m.RecordNoteImport("extracted")
	m.CircuitStateChanged("anthropic", resilience.CircuitClosed, resilience.CircuitOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.extractionsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractionsTotal.WithLabelValues(OutcomeMalformed)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.candidatesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("approve", ResolutionApproved)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("approve_all", ResolutionApproved)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("reject", ResolutionNoop)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notesImportedTotal.WithLabelValues("extracted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitState.WithLabelValues("anthropic")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordExtraction(OutcomeSuccess, 1, time.Second)
		m.RecordResolution("approve", ResolutionApproved, 1)
		m.RecordNoteImport("failed")
		m.CircuitStateChanged("notion", resilience.CircuitClosed, resilience.CircuitOpen)
	})
	assert.NotNil(t, m.Handler())
}

func TestMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.RecordExtraction(OutcomeEmpty, 0, 300*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dealflow_extractions_total{outcome="empty"} 1`)
	assert.Contains(t, string(body), "dealflow_extraction_duration_seconds_bucket")
}

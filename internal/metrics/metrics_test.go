package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveStep("rna_quality_control", 20*time.Millisecond, true)
	c.ObserveStep("rna_quality_control", time.Millisecond, false)
	c.ObserveRun("completed")
	c.SetBufferBytes(4096)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.recomputes.WithLabelValues("rna_quality_control")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("completed")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bufferBytes))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "kana_step_compute_seconds_count{step=\"rna_quality_control\"} 2")
}

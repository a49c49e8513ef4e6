package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/orca/internal/protocol"
)

func TestObserversUpdateCollectors(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.EventEmitted(protocol.EventAssistantText)
	m.EventEmitted(protocol.EventAssistantText)
	m.EventEmitted(protocol.EventDone)
	m.EventDropped(protocol.EventToolCall)
	m.RecordMalformed()
	m.AcquireObserved("created", 200*time.Millisecond)
	m.ContainersLive(3)
	m.ContainerReaped()
	m.Classified("task_execution", "trigger")
	m.TaskStarted()
	m.TaskStarted()
	m.TaskFinished(protocol.TaskSucceeded)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("assistant_text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.containersLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.containersReaped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.classifications.WithLabelValues("task_execution", "trigger")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("succeeded")))
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	second.ContainerReaped()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.containersReaped))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventEmitted(protocol.EventDone)
		m.TaskFinished(protocol.TaskFailed)
		m.AcquireObserved("failed", time.Second)
		m.Classified("quick_query", "model")
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := MustNewMetrics(nil)
	m.RecordMalformed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "orca_malformed_records_total 1"))
}

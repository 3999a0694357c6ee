package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/rom8726/helio"
)

func TestPrometheusCollector_WorkflowMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordWorkflowStarted("order")
	c.RecordWorkflowStarted("order")
	c.RecordWorkflowFinished("order", helio.StatusCompleted, 150*time.Millisecond)
	c.RecordWorkflowFinished("order", helio.StatusFailed, time.Second)
	c.RecordWorkflowPaused("order")
	c.SetInstancesInFlight("order", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowStarted.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowFinished.WithLabelValues("order", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowFinished.WithLabelValues("order", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowPaused.WithLabelValues("order")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inFlight.WithLabelValues("order")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.workflowDuration))
}

func TestPrometheusCollector_NodeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordNodeStarted("order", "http")
	c.RecordNodeFinished("order", "http", helio.OutcomeSuccess, 20*time.Millisecond)
	c.RecordNodeFinished("order", "http", helio.OutcomeTransient, 30*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeStarted.WithLabelValues("order", "http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeFinished.WithLabelValues("order", "http", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeFinished.WithLabelValues("order", "http", "transient")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.nodeDuration))
}

func TestPrometheusCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusCollector(reg)

	assert.Panics(t, func() { NewPrometheusCollector(reg) })
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rom8726/helio"
)

var _ MetricsCollector = (*PrometheusCollector)(nil)

// PrometheusCollector implements MetricsCollector using Prometheus.
// Labels are kept to definition and node type to bound cardinality.
type PrometheusCollector struct {
	workflowStarted  *prometheus.CounterVec
	workflowFinished *prometheus.CounterVec
	workflowPaused   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec

	nodeStarted  *prometheus.CounterVec
	nodeFinished *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(registry)

	return &PrometheusCollector{
		workflowStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helio_workflow_instances_started_total",
				Help: "Total number of workflow instances started",
			},
			[]string{"definition_id"},
		),
		workflowFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helio_workflow_instances_finished_total",
				Help: "Total number of workflow instances that reached a terminal status",
			},
			[]string{"definition_id", "status"},
		),
		workflowPaused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helio_workflow_instances_paused_total",
				Help: "Total number of times a workflow instance paused for external input",
			},
			[]string{"definition_id"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helio_workflow_duration_seconds",
				Help:    "Wall-clock time from instance creation to terminal status",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
			},
			[]string{"definition_id", "status"},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helio_workflow_instances_in_flight",
				Help: "Number of instances started by this process that are not yet terminal",
			},
			[]string{"definition_id"},
		),
		nodeStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helio_node_executions_started_total",
				Help: "Total number of node executions started",
			},
			[]string{"definition_id", "node_type"},
		),
		nodeFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helio_node_executions_finished_total",
				Help: "Total number of node executions by outcome",
			},
			[]string{"definition_id", "node_type", "outcome"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helio_node_execution_duration_seconds",
				Help:    "Duration of a single node execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"definition_id", "node_type", "outcome"},
		),
	}
}

func (c *PrometheusCollector) RecordWorkflowStarted(definitionID string) {
	c.workflowStarted.WithLabelValues(definitionID).Inc()
}

func (c *PrometheusCollector) RecordWorkflowFinished(
	definitionID string,
	status helio.InstanceStatus,
	duration time.Duration,
) {
	c.workflowFinished.WithLabelValues(definitionID, string(status)).Inc()
	c.workflowDuration.WithLabelValues(definitionID, string(status)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordWorkflowPaused(definitionID string) {
	c.workflowPaused.WithLabelValues(definitionID).Inc()
}

func (c *PrometheusCollector) RecordNodeStarted(definitionID, nodeType string) {
	c.nodeStarted.WithLabelValues(definitionID, nodeType).Inc()
}

func (c *PrometheusCollector) RecordNodeFinished(
	definitionID, nodeType string,
	kind helio.OutcomeKind,
	duration time.Duration,
) {
	c.nodeFinished.WithLabelValues(definitionID, nodeType, string(kind)).Inc()
	c.nodeDuration.WithLabelValues(definitionID, nodeType, string(kind)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) SetInstancesInFlight(definitionID string, count int) {
	c.inFlight.WithLabelValues(definitionID).Set(float64(count))
}

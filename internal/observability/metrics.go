package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's prometheus collectors. Every method is safe on
// a nil receiver so components can run without metrics in tests.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	ingestTotal      *prometheus.CounterVec
	storeConflicts   prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	slaFlipsTotal    *prometheus.CounterVec
	workflowActions  *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchQueue    prometheus.Gauge
	classifierTotal  *prometheus.CounterVec
}

// NewMetrics registers collectors on reg; nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"path", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_errors_total",
			Help: "HTTP error responses by error code",
		}, []string{"path", "method", "code"}),
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_ingest_messages_total",
			Help: "Inbound messages by outcome",
		}, []string{"outcome"}),
		storeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_store_conflicts_total",
			Help: "Optimistic concurrency conflicts surfaced after retries",
		}),
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_case_transitions_total",
			Help: "Case status transitions",
		}, []string{"from", "to"}),
		slaFlipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_sla_status_changes_total",
			Help: "SLA status changes observed by the sweeper",
		}, []string{"status"}),
		workflowActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_actions_total",
			Help: "Workflow rule actions by kind and result",
		}, []string{"kind", "result"}),
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_dispatch_total",
			Help: "Outbound dispatch results",
		}, []string{"result"}),
		dispatchQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_dispatch_queue_depth",
			Help: "Outbound messages waiting for a worker",
		}),
		classifierTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_classifier_results_total",
			Help: "Classification results by source",
		}, []string{"source"}),
	}
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError records an error response.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(path, method, code).Inc()
}

// RecordIngest counts an inbound message outcome (created, attached, skipped,
// duplicate, failed).
func (m *Metrics) RecordIngest(outcome string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordSLAChange(status string) {
	if m == nil {
		return
	}
	m.slaFlipsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordWorkflowAction(kind, result string) {
	if m == nil {
		return
	}
	m.workflowActions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetDispatchQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.dispatchQueue.Set(float64(depth))
}

func (m *Metrics) RecordClassification(source string) {
	if m == nil {
		return
	}
	m.classifierTotal.WithLabelValues(source).Inc()
}

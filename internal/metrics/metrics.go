// Package metrics exports the orchestrator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the orchestrator updates. A nil *Metrics
// is valid and turns every update into a no-op.
type Metrics struct {
	ContainersRunning prometheus.Gauge
	ContainerSpawns   *prometheus.CounterVec
	ContainerResults  *prometheus.CounterVec
	OutputFrames      prometheus.Counter
	FrameParseErrors  prometheus.Counter

	QueueDepth     prometheus.Gauge
	QueueRetries   prometheus.Counter
	ItemsProcessed *prometheus.CounterVec

	IPCMessagesDispatched prometheus.Counter
	IPCTasksDispatched    prometheus.Counter
	IPCEntriesQuarantined prometheus.Counter
	IPCEntriesSkipped     prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		ContainersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "containers_running",
			Help:      "Containers currently running",
		}),
		ContainerSpawns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_spawns_total",
			Help:      "Container spawn attempts by outcome",
		}, []string{"outcome"}),
		ContainerResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_results_total",
			Help:      "Final container resolutions by status",
		}, []string{"status"}),
		OutputFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_frames_total",
			Help:      "Sentinel-framed outputs parsed from container stdout",
		}),
		FrameParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_parse_errors_total",
			Help:      "Output frames whose payload failed to parse as JSON",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Work items pending across all groups",
		}),
		QueueRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_retries_total",
			Help:      "Work item retry attempts scheduled",
		}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Work items resolved by outcome",
		}, []string{"outcome"}),
		IPCMessagesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_messages_dispatched_total",
			Help:      "Outbound mailbox messages relayed to the chat collaborator",
		}),
		IPCTasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_tasks_dispatched_total",
			Help:      "Task directives relayed to the task collaborator",
		}),
		IPCEntriesQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_entries_quarantined_total",
			Help:      "Mailbox entries moved to errors/ after a dispatch failure or an unknown task type",
		}),
		IPCEntriesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_entries_skipped_total",
			Help:      "Malformed or unauthorized mailbox entries dropped",
		}),
		registry: registry,
	}
}

// The helpers below are nil-safe so components can carry an optional
// *Metrics without guarding every update.

func (m *Metrics) ContainerStarted() {
	if m == nil {
		return
	}
	m.ContainersRunning.Inc()
	m.ContainerSpawns.WithLabelValues("ok").Inc()
}

func (m *Metrics) ContainerSpawnFailed() {
	if m == nil {
		return
	}
	m.ContainerSpawns.WithLabelValues("spawn_error").Inc()
}

func (m *Metrics) ContainerFinished(status string) {
	if m == nil {
		return
	}
	m.ContainersRunning.Dec()
	m.ContainerResults.WithLabelValues(status).Inc()
}

func (m *Metrics) FrameParsed(parseError bool) {
	if m == nil {
		return
	}
	m.OutputFrames.Inc()
	if parseError {
		m.FrameParseErrors.Inc()
	}
}

func (m *Metrics) QueueDepthSet(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.QueueRetries.Inc()
}

func (m *Metrics) ItemResolved(outcome string) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageDispatched() {
	if m == nil {
		return
	}
	m.IPCMessagesDispatched.Inc()
}

func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.IPCTasksDispatched.Inc()
}

func (m *Metrics) EntryQuarantined() {
	if m == nil {
		return
	}
	m.IPCEntriesQuarantined.Inc()
}

func (m *Metrics) EntrySkipped() {
	if m == nil {
		return
	}
	m.IPCEntriesSkipped.Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

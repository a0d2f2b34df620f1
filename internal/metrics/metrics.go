// Package metrics provides prometheus telemetry for the coordinator: inbound
// relay traffic, quorum accumulation, payload processing outcomes, vault
// execution failures, and acknowledgement dispatch.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the interface the registry components record through.
type Collector interface {
	RecordPayloadReceived(srcChain uint64)
	RecordAttestation()
	RecordQuorumFailure()
	RecordUpdate(kind, result string)
	RecordProcess(path, result string, duration time.Duration)
	RecordVaultFailure(op string)
	RecordResidueEntries(n int)
	RecordRescue(result string)
	RecordAckDispatch(relayID uint8, kind, result string)
	RecordHTTPRequest(method, path, status string, duration time.Duration)
}

// PromCollector implements Collector on a dedicated prometheus registry.
type PromCollector struct {
	registry *prometheus.Registry

	payloadsReceived *prometheus.CounterVec
	attestations     prometheus.Counter
	quorumFailures   prometheus.Counter
	updates          *prometheus.CounterVec
	processTotal     *prometheus.CounterVec
	processLatency   *prometheus.HistogramVec
	vaultFailures    *prometheus.CounterVec
	residueEntries   prometheus.Counter
	rescues          *prometheus.CounterVec
	ackDispatches    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewPromCollector creates a collector under the given namespace.
func NewPromCollector(namespace string) *PromCollector {
	if namespace == "" {
		namespace = "coordinator"
	}

	c := &PromCollector{registry: prometheus.NewRegistry()}

	c.payloadsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "payloads_received_total",
			Help:      "Total inbound payloads stored, by source chain",
		},
		[]string{"src_chain"},
	)

	c.attestations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "attestations_total",
			Help:      "Total relay attestations recorded",
		},
	)

	c.quorumFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "quorum_failures_total",
			Help:      "Total operations rejected for insufficient quorum",
		},
	)

	c.updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "updates_total",
			Help:      "Total payload updates, by kind and result",
		},
		[]string{"kind", "result"},
	)

	c.processTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "process_total",
			Help:      "Total payload processing attempts, by execution path and result",
		},
		[]string{"path", "result"},
	)

	c.processLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "process_duration_seconds",
			Help:      "Time taken to process a payload",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"path"},
	)

	c.vaultFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "failures_total",
			Help:      "Total caught vault operation failures, by operation",
		},
		[]string{"op"},
	)

	c.residueEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "residue_entries_total",
			Help:      "Total failed-deposit residue entries recorded",
		},
	)

	c.rescues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rescues_total",
			Help:      "Total rescue attempts, by result",
		},
		[]string{"result"},
	)

	c.ackDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "ack_dispatches_total",
			Help:      "Total acknowledgement dispatches, by relay, kind and result",
		},
		[]string{"relay", "kind", "result"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests, by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by method and route",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"method", "path"},
	)

	c.registry.MustRegister(
		c.payloadsReceived, c.attestations, c.quorumFailures, c.updates,
		c.processTotal, c.processLatency, c.vaultFailures, c.residueEntries,
		c.rescues, c.ackDispatches, c.httpRequests, c.httpLatency,
	)

	return c
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *PromCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *PromCollector) RecordPayloadReceived(srcChain uint64) {
	c.payloadsReceived.WithLabelValues(strconv.FormatUint(srcChain, 10)).Inc()
}

func (c *PromCollector) RecordAttestation() { c.attestations.Inc() }

func (c *PromCollector) RecordQuorumFailure() { c.quorumFailures.Inc() }

func (c *PromCollector) RecordUpdate(kind, result string) {
	c.updates.WithLabelValues(kind, result).Inc()
}

func (c *PromCollector) RecordProcess(path, result string, duration time.Duration) {
	c.processTotal.WithLabelValues(path, result).Inc()
	c.processLatency.WithLabelValues(path).Observe(duration.Seconds())
}

func (c *PromCollector) RecordVaultFailure(op string) {
	c.vaultFailures.WithLabelValues(op).Inc()
}

func (c *PromCollector) RecordResidueEntries(n int) {
	c.residueEntries.Add(float64(n))
}

func (c *PromCollector) RecordRescue(result string) {
	c.rescues.WithLabelValues(result).Inc()
}

func (c *PromCollector) RecordAckDispatch(relayID uint8, kind, result string) {
	c.ackDispatches.WithLabelValues(strconv.FormatUint(uint64(relayID), 10), kind, result).Inc()
}

func (c *PromCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpLatency.WithLabelValues(method, path).Observe(duration.Seconds())
}

// NopCollector discards all observations.
type NopCollector struct{}

func (NopCollector) RecordPayloadReceived(uint64)                            {}
func (NopCollector) RecordAttestation()                                      {}
func (NopCollector) RecordQuorumFailure()                                    {}
func (NopCollector) RecordUpdate(string, string)                             {}
func (NopCollector) RecordProcess(string, string, time.Duration)             {}
func (NopCollector) RecordVaultFailure(string)                               {}
func (NopCollector) RecordResidueEntries(int)                                {}
func (NopCollector) RecordRescue(string)                                     {}
func (NopCollector) RecordAckDispatch(uint8, string, string)                 {}
func (NopCollector) RecordHTTPRequest(string, string, string, time.Duration) {}

package blocknode

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "block_node"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of request pipelines opened.
	ConnectionsOpened metrics.Counter
	// Number of connections closed.
	ConnectionsClosed metrics.Counter
	// Number of stream errors reported by block nodes.
	ConnectionErrors metrics.Counter
	// Number of streams completed by block nodes.
	ConnectionCompletions metrics.Counter
	// Number of failed attempts to open a request pipeline.
	ConnectionCreateFailures metrics.Counter
	// Number of opened blocks while no connection was active.
	NoActiveConnection metrics.Counter
	// 1 for the block node currently streamed to, 0 for former ones.
	ActiveBlockNode metrics.Gauge

	// Number of requests sent, by kind.
	RequestsSent metrics.Counter
	// Number of block items sent.
	BlockItemsSent metrics.Counter
	// Number of EndStream requests sent, by code.
	EndStreamsSent metrics.Counter
	// Number of requests that could not be sent.
	RequestSendFailures metrics.Counter
	// Time in seconds spent writing a request to the stream.
	RequestLatency metrics.Histogram

	// Number of responses received, by kind.
	ResponsesReceived metrics.Counter
	// Number of EndOfStream responses received, by code.
	EndOfStreamsReceived metrics.Counter
	// Number of responses that were not understood.
	UnknownResponses metrics.Counter
	// Block number of the latest EndOfStream response.
	LatestBlockEndOfStream metrics.Gauge
	// Block number of the latest SkipBlock response.
	LatestBlockSkipBlock metrics.Gauge
	// Block number of the latest ResendBlock response.
	LatestBlockResendBlock metrics.Gauge
	// Number of times a block node exceeded the EndOfStream rate limit.
	EndOfStreamLimitExceeded metrics.Counter

	// Time in seconds between sending a block proof and its acknowledgement.
	AcknowledgementLatency metrics.Histogram
	// Number of acknowledgements above the high latency threshold.
	HighLatencyEvents metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		ConnectionsOpened: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections_opened_total",
			Help:      "Number of request pipelines opened.",
		}, labels).With(labelsAndValues...),
		ConnectionsClosed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections_closed_total",
			Help:      "Number of connections closed.",
		}, labels).With(labelsAndValues...),
		ConnectionErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connection_errors_total",
			Help:      "Number of stream errors reported by block nodes.",
		}, labels).With(labelsAndValues...),
		ConnectionCompletions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connection_completions_total",
			Help:      "Number of streams completed by block nodes.",
		}, labels).With(labelsAndValues...),
		ConnectionCreateFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connection_create_failures_total",
			Help:      "Number of failed attempts to open a request pipeline.",
		}, labels).With(labelsAndValues...),
		NoActiveConnection: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "no_active_connection_total",
			Help:      "Number of opened blocks while no connection was active.",
		}, labels).With(labelsAndValues...),
		ActiveBlockNode: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active",
			Help:      "1 for the block node currently streamed to.",
		}, append(labels, "block_node")).With(labelsAndValues...),
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent_total",
			Help:      "Number of requests sent, by kind.",
		}, append(labels, "kind")).With(labelsAndValues...),
		BlockItemsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_items_sent_total",
			Help:      "Number of block items sent.",
		}, labels).With(labelsAndValues...),
		EndStreamsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "end_streams_sent_total",
			Help:      "Number of EndStream requests sent, by code.",
		}, append(labels, "code")).With(labelsAndValues...),
		RequestSendFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_send_failures_total",
			Help:      "Number of requests that could not be sent.",
		}, labels).With(labelsAndValues...),
		RequestLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_latency_seconds",
			Help:      "Time spent writing a request to the stream.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0001, 4, 10),
		}, labels).With(labelsAndValues...),
		ResponsesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "responses_received_total",
			Help:      "Number of responses received, by kind.",
		}, append(labels, "kind")).With(labelsAndValues...),
		EndOfStreamsReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "end_of_streams_received_total",
			Help:      "Number of EndOfStream responses received, by code.",
		}, append(labels, "code")).With(labelsAndValues...),
		UnknownResponses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unknown_responses_total",
			Help:      "Number of responses that were not understood.",
		}, labels).With(labelsAndValues...),
		LatestBlockEndOfStream: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "latest_block_end_of_stream",
			Help:      "Block number of the latest EndOfStream response.",
		}, labels).With(labelsAndValues...),
		LatestBlockSkipBlock: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "latest_block_skip_block",
			Help:      "Block number of the latest SkipBlock response.",
		}, labels).With(labelsAndValues...),
		LatestBlockResendBlock: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "latest_block_resend_block",
			Help:      "Block number of the latest ResendBlock response.",
		}, labels).With(labelsAndValues...),
		EndOfStreamLimitExceeded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "end_of_stream_limit_exceeded_total",
			Help:      "Number of times a block node exceeded the EndOfStream rate limit.",
		}, labels).With(labelsAndValues...),
		AcknowledgementLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "acknowledgement_latency_seconds",
			Help:      "Time between sending a block proof and its acknowledgement.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 14),
		}, labels).With(labelsAndValues...),
		HighLatencyEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "high_latency_events_total",
			Help:      "Number of acknowledgements above the high latency threshold.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		ConnectionsOpened:        discard.NewCounter(),
		ConnectionsClosed:        discard.NewCounter(),
		ConnectionErrors:         discard.NewCounter(),
		ConnectionCompletions:    discard.NewCounter(),
		ConnectionCreateFailures: discard.NewCounter(),
		NoActiveConnection:       discard.NewCounter(),
		ActiveBlockNode:          discard.NewGauge(),
		RequestsSent:             discard.NewCounter(),
		BlockItemsSent:           discard.NewCounter(),
		EndStreamsSent:           discard.NewCounter(),
		RequestSendFailures:      discard.NewCounter(),
		RequestLatency:           discard.NewHistogram(),
		ResponsesReceived:        discard.NewCounter(),
		EndOfStreamsReceived:     discard.NewCounter(),
		UnknownResponses:         discard.NewCounter(),
		LatestBlockEndOfStream:   discard.NewGauge(),
		LatestBlockSkipBlock:     discard.NewGauge(),
		LatestBlockResendBlock:   discard.NewGauge(),
		EndOfStreamLimitExceeded: discard.NewCounter(),
		AcknowledgementLatency:   discard.NewHistogram(),
		HighLatencyEvents:        discard.NewCounter(),
	}
}

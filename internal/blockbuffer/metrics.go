package blockbuffer

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "block_buffer"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Percentage of the ideal buffer size taken by unacknowledged blocks.
	Saturation metrics.Gauge
	// Number of blocks held in the buffer.
	NumBlocks metrics.Gauge
	// Number of closed blocks that are not acknowledged yet.
	NumBlocksPendingAck metrics.Gauge
	// Number of blocks removed by pruning.
	BlocksPruned metrics.Counter
	// Close time (unix milliseconds) of the oldest unacknowledged block, -1
	// when every block is acknowledged.
	OldestUnackedBlockTime metrics.Gauge
	// Whether producers are currently blocked.
	BackpressureActive metrics.Gauge
	// Number of the latest opened block.
	LatestBlockOpened metrics.Gauge
	// Highest acknowledged block.
	HighestAckedBlock metrics.Gauge
	// Number of times the buffer asked for a different block node.
	NodeSwitchRequests metrics.Counter
	// Number of blocks restored from disk on startup.
	BlocksRestored metrics.Counter
	// Number of failed reads or writes of the persisted buffer.
	PersistenceFailures metrics.Counter
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
		Saturation: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "saturation_percent",
			Help:      "Percentage of the ideal buffer size taken by unacknowledged blocks.",
		}, labels).With(labelsAndValues...),
		NumBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_blocks",
			Help:      "Number of blocks held in the buffer.",
		}, labels).With(labelsAndValues...),
		NumBlocksPendingAck: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_blocks_pending_ack",
			Help:      "Number of closed blocks that are not acknowledged yet.",
		}, labels).With(labelsAndValues...),
		BlocksPruned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_pruned_total",
			Help:      "Number of blocks removed by pruning.",
		}, labels).With(labelsAndValues...),
		OldestUnackedBlockTime: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "oldest_unacked_block_time",
			Help:      "Close time in unix milliseconds of the oldest unacknowledged block.",
		}, labels).With(labelsAndValues...),
		BackpressureActive: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "backpressure_active",
			Help:      "Whether new blocks are currently blocked (1) or permitted (0).",
		}, labels).With(labelsAndValues...),
		LatestBlockOpened: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "latest_block_opened",
			Help:      "Number of the latest opened block.",
		}, labels).With(labelsAndValues...),
		HighestAckedBlock: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "highest_acked_block",
			Help:      "Highest acknowledged block.",
		}, labels).With(labelsAndValues...),
		NodeSwitchRequests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "node_switch_requests_total",
			Help:      "Number of times the buffer asked for a different block node.",
		}, labels).With(labelsAndValues...),
		BlocksRestored: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_restored_total",
			Help:      "Number of blocks restored from disk on startup.",
		}, labels).With(labelsAndValues...),
		PersistenceFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "persistence_failures_total",
			Help:      "Number of failed reads or writes of the persisted buffer.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Saturation:             discard.NewGauge(),
		NumBlocks:              discard.NewGauge(),
		NumBlocksPendingAck:    discard.NewGauge(),
		BlocksPruned:           discard.NewCounter(),
		OldestUnackedBlockTime: discard.NewGauge(),
		BackpressureActive:     discard.NewGauge(),
		LatestBlockOpened:      discard.NewGauge(),
		HighestAckedBlock:      discard.NewGauge(),
		NodeSwitchRequests:     discard.NewCounter(),
		BlocksRestored:         discard.NewCounter(),
		PersistenceFailures:    discard.NewCounter(),
	}
}

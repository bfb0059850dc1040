// Package node assembles a block stream node: the block buffer, the block
// node connection manager and their metrics, started and stopped as one
// service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/internal/blockbuffer"
	"github.com/tendermint/blockstream/internal/blocknode"
	"github.com/tendermint/blockstream/libs/log"
	"github.com/tendermint/blockstream/libs/service"
)

const prometheusShutdownTimeout = 5 * time.Second

// Node streams the blocks handed to its buffer to the configured block
// nodes.
type Node struct {
	service.BaseService

	config *config.Config
	logger log.Logger

	buffer   *blockbuffer.BlockBuffer
	manager  *blocknode.ConnectionManager
	services *service.Group

	prometheusSrv *http.Server
}

// metricsProvider returns the metrics of every subsystem.
type metricsProvider func() (*blockbuffer.Metrics, *blocknode.Metrics)

func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func() (*blockbuffer.Metrics, *blocknode.Metrics) {
		if cfg.Prometheus {
			return blockbuffer.PrometheusMetrics(cfg.Namespace), blocknode.PrometheusMetrics(cfg.Namespace)
		}
		return blockbuffer.NopMetrics(), blocknode.NopMetrics()
	}
}

type nodeOptions struct {
	clientFactory blocknode.ClientFactory
}

// Option sets an optional parameter on the Node.
type Option func(*nodeOptions)

// WithClientFactory replaces the gRPC clients used to reach block nodes.
func WithClientFactory(factory blocknode.ClientFactory) Option {
	return func(o *nodeOptions) { o.clientFactory = factory }
}

// New builds a node from conf. The node does nothing until started.
func New(conf *config.Config, logger log.Logger, options ...Option) (*Node, error) {
	var opts nodeOptions
	for _, opt := range options {
		opt(&opts)
	}

	bufferMetrics, nodeMetrics := defaultMetricsProvider(conf.Instrumentation)()

	bufferOpts := []blockbuffer.BlockBufferOption{blockbuffer.WithMetrics(bufferMetrics)}
	if conf.Buffer.PersistenceEnabled {
		store, err := blockbuffer.NewStore(conf.Buffer)
		if err != nil {
			return nil, fmt.Errorf("opening block buffer store: %w", err)
		}
		bufferOpts = append(bufferOpts, blockbuffer.WithStore(store))
	}
	buffer := blockbuffer.NewBlockBuffer(logger.With("module", "buffer"), conf.Buffer, conf.Stream, bufferOpts...)

	managerOpts := []blocknode.ConnectionManagerOption{blocknode.WithMetrics(nodeMetrics)}
	if opts.clientFactory != nil {
		managerOpts = append(managerOpts, blocknode.WithClientFactory(opts.clientFactory))
	}
	manager := blocknode.NewConnectionManager(logger.With("module", "blocknode"),
		conf.Connection, conf.Stream, buffer, managerOpts...)

	n := &Node{
		config:   conf,
		logger:   logger,
		buffer:   buffer,
		manager:  manager,
		services: service.NewGroup(logger, "BlockStreamServices", buffer, manager),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the metrics server, then the buffer and the connection
// manager.
func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		grpc_prometheus.EnableClientHandlingTimeHistogram()
		n.prometheusSrv = n.startPrometheusServer()
	}

	if err := n.services.Start(ctx); err != nil {
		n.stopPrometheusServer()
		return err
	}
	return nil
}

// OnStop stops the services in reverse order and the metrics server.
func (n *Node) OnStop() {
	n.logger.Info("stopping node")
	n.services.Stop()
	n.services.Wait()
	n.stopPrometheusServer()
}

// startPrometheusServer serves the default Prometheus registry, which holds
// the subsystem and gRPC client metrics.
func (n *Node) startPrometheusServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              n.config.Instrumentation.PrometheusListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) stopPrometheusServer() {
	if n.prometheusSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), prometheusShutdownTimeout)
	defer cancel()
	if err := n.prometheusSrv.Shutdown(ctx); err != nil {
		n.logger.Error("prometheus HTTP server Shutdown", "err", err)
	}
}

// BlockBuffer is where producers hand their blocks.
func (n *Node) BlockBuffer() *blockbuffer.BlockBuffer { return n.buffer }

// ConnectionManager returns the block node connection manager.
func (n *Node) ConnectionManager() *blocknode.ConnectionManager { return n.manager }

// Config returns the node configuration.
func (n *Node) Config() *config.Config { return n.config }

package blocknode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/internal/blockbuffer"
	"github.com/tendermint/blockstream/libs/log"
	tmrand "github.com/tendermint/blockstream/libs/rand"
	"github.com/tendermint/blockstream/libs/service"
	tmsync "github.com/tendermint/blockstream/libs/sync"
)

// retryState tracks the reconnect attempts of a block node within one
// backoff episode.
type retryState struct {
	attempt   int
	lastRetry time.Time
}

// touch records a retry at now. An episode whose last retry is older than
// resetAfter starts over.
func (rs *retryState) touch(now time.Time, resetAfter time.Duration) {
	if !rs.lastRetry.IsZero() && now.Sub(rs.lastRetry) > resetAfter {
		rs.attempt = 0
	}
	rs.lastRetry = now
}

// ConnectionManager keeps at most one active connection to the preferred
// available block node, streams buffered blocks through it and fails over
// to other block nodes when it breaks.
type ConnectionManager struct {
	service.BaseService

	logger    log.Logger
	cfg       *config.ConnectionConfig
	streamCfg *config.StreamConfig
	buffer    *blockbuffer.BlockBuffer
	metrics   *Metrics
	newClient ClientFactory
	nodesPath string
	rand      *tmrand.Rand
	now       func() time.Time

	ctx context.Context

	running    int32 // atomic bool
	generation int64 // atomic, bumped when the block node list changes

	nodesMtx sync.RWMutex
	nodes    []NodeConfig

	selectMtx   sync.Mutex // serializes picking a block node and reserving it
	connMtx     sync.Mutex
	connections map[string]*Connection
	active      *Connection

	jumpTarget     int64 // atomic, -1 when there is nothing to jump to
	streamingBlock int64 // atomic, -1 when nothing is streamed
	requestIndex   int   // owned by the streaming routine

	statsMtx     sync.Mutex
	nodeStats    map[string]*NodeStats
	lastVerified map[string]int64
	retryStates  map[string]*retryState

	sched   *scheduler
	waker   *tmsync.Waker
	tasks   *taskgroup.Group
	watcher *nodesWatcher
}

// ConnectionManagerOption sets an optional parameter on the ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// WithClientFactory replaces the gRPC client factory.
func WithClientFactory(factory ClientFactory) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.newClient = factory }
}

// WithRand sets the source of randomness used for node selection and
// backoff jitter.
func WithRand(r *tmrand.Rand) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.rand = r }
}

// NewConnectionManager creates a manager streaming the blocks of buffer. It
// registers itself with the buffer to be told about new blocks.
func NewConnectionManager(
	logger log.Logger,
	cfg *config.ConnectionConfig,
	streamCfg *config.StreamConfig,
	buffer *blockbuffer.BlockBuffer,
	options ...ConnectionManagerOption,
) *ConnectionManager {
	m := &ConnectionManager{
		logger:         logger,
		cfg:            cfg,
		streamCfg:      streamCfg,
		buffer:         buffer,
		metrics:        NopMetrics(),
		newClient:      NewGRPCClientFactory(cfg.GRPCOverallTimeout),
		nodesPath:      cfg.BlockNodeConfigPath(),
		rand:           tmrand.NewRand(),
		now:            time.Now,
		ctx:            context.Background(),
		connections:    make(map[string]*Connection),
		jumpTarget:     -1,
		streamingBlock: -1,
		nodeStats:      make(map[string]*NodeStats),
		lastVerified:   make(map[string]int64),
		retryStates:    make(map[string]*retryState),
		sched:          newScheduler(),
		waker:          tmsync.NewWaker(),
	}
	for _, opt := range options {
		opt(m)
	}

	m.BaseService = *service.NewBaseService(logger, "ConnectionManager", m)
	buffer.SetConnectionManager(m)
	return m
}

var _ blockbuffer.ConnectionManager = (*ConnectionManager)(nil)

// OnStart loads the block node list, starts watching it and connects to
// the preferred block node. A missing or empty list is not an error: the
// manager waits for one to be written.
func (m *ConnectionManager) OnStart(ctx context.Context) error {
	watcher, err := newNodesWatcher(m.logger, m.nodesPath, m.reloadNodes)
	if err != nil {
		return fmt.Errorf("watching block node list: %w", err)
	}
	m.watcher = watcher
	m.ctx = ctx

	nodes, err := LoadNodesFile(m.nodesPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.logger.Info("block node list does not exist yet", "path", m.nodesPath)
	case err != nil:
		m.logger.Error("failed to load block node list", "path", m.nodesPath, "err", err)
		nodes = nil
	}
	m.setNodes(nodes)

	atomic.StoreInt32(&m.running, 1)

	m.tasks = taskgroup.New(nil)
	m.tasks.Go(func() error {
		m.streamBlocksRoutine(ctx)
		return nil
	})
	m.tasks.Go(func() error {
		watcher.run(ctx)
		return nil
	})

	if !m.SelectNewBlockNodeForStreaming(false) {
		m.logger.Info("no block nodes available; waiting for the block node list", "path", m.nodesPath)
	}
	return nil
}

// OnStop stops streaming, cancels every scheduled task and closes every
// connection.
func (m *ConnectionManager) OnStop() {
	atomic.StoreInt32(&m.running, 0)

	if err := m.watcher.close(); err != nil {
		m.logger.Error("error closing block node list watcher", "err", err)
	}
	if err := m.tasks.Wait(); err != nil {
		m.logger.Error("background task failed", "err", err)
	}
	m.sched.Stop()

	m.closeAllConnections()

	m.statsMtx.Lock()
	m.nodeStats = make(map[string]*NodeStats)
	m.statsMtx.Unlock()
}

func (m *ConnectionManager) isRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

//-----------------------------------------------------------------------------
// Block node list

// BlockNodes returns the configured block nodes.
func (m *ConnectionManager) BlockNodes() []NodeConfig {
	m.nodesMtx.RLock()
	defer m.nodesMtx.RUnlock()

	nodes := make([]NodeConfig, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

func (m *ConnectionManager) setNodes(nodes []NodeConfig) {
	m.nodesMtx.Lock()
	defer m.nodesMtx.Unlock()
	m.nodes = nodes
	m.logger.Info("block node list loaded", "nodes", len(nodes))
}

// IsOnlyOneBlockNodeConfigured reports whether failing over is pointless.
func (m *ConnectionManager) IsOnlyOneBlockNodeConfigured() bool {
	m.nodesMtx.RLock()
	defer m.nodesMtx.RUnlock()
	return len(m.nodes) == 1
}

// reloadNodes replaces the block node list with the file contents and, if
// the list changed, restarts streaming from scratch.
func (m *ConnectionManager) reloadNodes() {
	if !m.isRunning() {
		return
	}

	nodes, err := LoadNodesFile(m.nodesPath)
	if err != nil {
		m.logger.Error("invalid block node list; no block nodes available", "path", m.nodesPath, "err", err)
		nodes = nil
	}

	m.nodesMtx.Lock()
	if sameNodes(m.nodes, nodes) {
		m.nodesMtx.Unlock()
		m.logger.Debug("block node list unchanged")
		return
	}
	m.nodes = nodes
	m.nodesMtx.Unlock()

	m.logger.Info("block node list changed; restarting streaming", "nodes", len(nodes))

	atomic.AddInt64(&m.generation, 1)
	m.sched.cancelAll()
	m.closeAllConnections()

	if len(nodes) > 0 {
		m.SelectNewBlockNodeForStreaming(false)
	}
}

func (m *ConnectionManager) closeAllConnections() {
	m.connMtx.Lock()
	conns := make([]*Connection, 0, len(m.connections)+1)
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	if m.active != nil {
		conns = append(conns, m.active)
	}
	m.connections = make(map[string]*Connection)
	m.active = nil
	m.connMtx.Unlock()

	for _, conn := range conns {
		conn.Close(true)
	}

	atomic.StoreInt64(&m.streamingBlock, -1)
	atomic.StoreInt64(&m.jumpTarget, -1)
	m.waker.Wake()
}

//-----------------------------------------------------------------------------
// Node selection

// SelectNewBlockNodeForStreaming schedules an immediate connection attempt
// to the preferred block node that has no connection yet. With force the
// new connection replaces the active one regardless of priority. It
// returns false if no block node is available.
func (m *ConnectionManager) SelectNewBlockNodeForStreaming(force bool) bool {
	if !m.isRunning() {
		return false
	}

	m.selectMtx.Lock()
	defer m.selectMtx.Unlock()

	node, ok := m.nextPriorityBlockNode()
	if !ok {
		m.logger.Debug("no available block nodes found for streaming")
		return false
	}

	m.logger.Debug("selected block node for connection attempt", "block_node", node.ID(), "force", force)
	m.scheduleConnectionAttempt(node, 0, noBlock, force)
	return true
}

// nextPriorityBlockNode picks uniformly at random among the block nodes of
// the lowest priority number that have no connection yet.
func (m *ConnectionManager) nextPriorityBlockNode() (NodeConfig, bool) {
	nodes := m.BlockNodes()

	m.connMtx.Lock()
	available := make(map[int][]NodeConfig)
	for _, node := range nodes {
		if _, ok := m.connections[node.ID()]; ok {
			continue
		}
		available[node.Priority] = append(available[node.Priority], node)
	}
	m.connMtx.Unlock()

	if len(available) == 0 {
		return NodeConfig{}, false
	}

	priorities := make([]int, 0, len(available))
	for p := range available {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	group := available[priorities[0]]
	return group[m.rand.Intn(len(group))], true
}

//-----------------------------------------------------------------------------
// Connection attempts

// scheduleConnectionAttempt creates a connection to node and promotes it
// after delay. blockNumber is where streaming resumes, or noBlock for the
// latest produced block.
func (m *ConnectionManager) scheduleConnectionAttempt(node NodeConfig, delay time.Duration, blockNumber int64, force bool) {
	if !m.isRunning() {
		return
	}
	if delay < 0 {
		delay = 0
	}

	conn := m.createConnection(node)
	task := &connectionTask{
		m:           m,
		conn:        conn,
		delay:       delay,
		blockNumber: blockNumber,
		force:       force,
		generation:  atomic.LoadInt64(&m.generation),
	}

	conn.logger.Debug("scheduling connection attempt", "delay", delay, "block", blockNumber, "force", force)
	if _, err := m.sched.Schedule(delay, task.run); err != nil {
		conn.logger.Error("failed to schedule connection attempt", "err", err)
		m.removeConnection(conn)
		conn.Close(true)
	}
}

func (m *ConnectionManager) createConnection(node NodeConfig) *Connection {
	conn := newConnection(
		m.ctx,
		m.logger,
		node,
		m,
		m.buffer,
		m.sched,
		m.newClient,
		m.cfg.StreamResetPeriod,
		m.metrics,
	)

	m.connMtx.Lock()
	m.connections[node.ID()] = conn
	m.connMtx.Unlock()
	return conn
}

// connectionTask promotes its connection to the active one, retrying with
// backoff while the request pipeline can't be opened.
type connectionTask struct {
	m           *ConnectionManager
	conn        *Connection
	delay       time.Duration
	blockNumber int64
	force       bool
	generation  int64
}

func (t *connectionTask) run() {
	m, conn := t.m, t.conn

	if !m.isRunning() {
		conn.logger.Debug("connection manager is stopped; dropping connection attempt")
		return
	}
	if atomic.LoadInt64(&m.generation) != t.generation {
		conn.logger.Debug("block node list changed; dropping connection attempt")
		m.removeConnection(conn)
		conn.Close(true)
		return
	}
	if conn.State().IsTerminal() {
		return
	}

	active := m.activeConnection()
	if active != nil {
		switch {
		case active == conn:
			conn.logger.Debug("connection is already active; ignoring attempt")
			return
		case t.force:
			conn.logger.Debug("promoting forced connection over the active one",
				"priority", conn.node.Priority, "active", active, "active_priority", active.node.Priority)
		case active.node.Priority <= conn.node.Priority:
			conn.logger.Debug("active connection has equal or higher priority; discarding candidate",
				"active", active)
			m.removeConnection(conn)
			conn.Close(true)
			return
		}
	}

	if err := conn.CreateRequestPipeline(); err != nil {
		if conn.State().IsTerminal() {
			return
		}
		conn.logger.Debug("failed to establish connection to block node; retrying", "err", err)
		m.metrics.ConnectionCreateFailures.Add(1)
		t.reschedule()
		return
	}

	if !m.compareAndSwapActive(active, conn) {
		conn.logger.Debug("connection attempt was preempted; retrying")
		t.reschedule()
		return
	}

	if !conn.compareAndSetState(StatePending, StateActive) {
		// closed while being promoted
		m.removeConnection(conn)
		return
	}

	jumpTo := t.blockNumber
	if jumpTo < 0 {
		jumpTo = m.buffer.GetLastBlockNumberProduced()
	}
	atomic.StoreInt64(&m.jumpTarget, jumpTo)
	m.waker.Wake()

	m.metrics.ActiveBlockNode.With("block_node", conn.node.ID()).Set(1)
	conn.logger.Info("connection is now active", "jump_to", jumpTo)

	if active != nil {
		m.metrics.ActiveBlockNode.With("block_node", active.node.ID()).Set(0)
		m.removeConnection(active)
		active.Close(true)
	}
}

// reschedule retries the attempt after a jittered delay that doubles with
// every failure.
func (t *connectionTask) reschedule() {
	m := t.m
	cfg := m.cfg

	next := cfg.InitialBackoffDelay
	if t.delay > 0 {
		next = time.Duration(float64(t.delay) * cfg.BackoffMultiplier)
	}
	if next > cfg.MaxBackoffDelay {
		next = cfg.MaxBackoffDelay
	}
	t.delay = m.jitter(next)

	if _, err := m.sched.Schedule(t.delay, t.run); err != nil {
		t.conn.logger.Debug("failed to reschedule connection attempt", "err", err)
		m.removeConnection(t.conn)
		t.conn.Close(true)
		return
	}
	t.conn.logger.Debug("rescheduled connection attempt", "delay", t.delay)
}

// RescheduleConnection forgets conn and schedules a new connection to the
// same block node. A negative delay selects the exponential backoff of the
// node. blockNumber is where streaming resumes, or -1 for the latest
// produced block. With selectNewNode another block node is tried right
// away, unless it is the only one.
func (m *ConnectionManager) RescheduleConnection(conn *Connection, delay time.Duration, blockNumber int64, selectNewNode bool) {
	if !m.isRunning() {
		return
	}

	conn.logger.Debug("rescheduling connection")
	m.removeConnection(conn)

	now := m.now()
	m.statsMtx.Lock()
	rs, ok := m.retryStates[conn.node.ID()]
	if !ok {
		rs = &retryState{}
		m.retryStates[conn.node.ID()] = rs
	}
	rs.touch(now, m.cfg.ProtocolExpBackoffTimeframeReset)
	attempt := rs.attempt
	rs.attempt++
	m.statsMtx.Unlock()

	if delay < 0 {
		delay = m.backoffDelay(attempt)
	}
	conn.logger.Debug("reconnecting later", "delay", delay, "attempt", attempt)

	m.scheduleConnectionAttempt(conn.node, delay, blockNumber, false)

	if selectNewNode && !m.IsOnlyOneBlockNodeConfigured() {
		m.SelectNewBlockNodeForStreaming(false)
	}
}

// ConnectionResetsTheStream handles a voluntary stream reset: conn is
// replaced by a fresh connection to the same block node and another block
// node is offered the chance to take over.
func (m *ConnectionManager) ConnectionResetsTheStream(conn *Connection) {
	if !m.isRunning() {
		return
	}

	m.removeConnection(conn)
	m.scheduleConnectionAttempt(conn.node, 0, noBlock, false)
	m.SelectNewBlockNodeForStreaming(false)
}

// backoffDelay is InitialBackoffDelay grown by BackoffMultiplier per
// attempt, capped at MaxBackoffDelay and jittered.
func (m *ConnectionManager) backoffDelay(attempt int) time.Duration {
	d := float64(m.cfg.InitialBackoffDelay) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt))
	delay := m.cfg.MaxBackoffDelay
	if d < float64(m.cfg.MaxBackoffDelay) {
		delay = time.Duration(d)
	}
	return m.jitter(delay)
}

// jitter returns a random delay in [d/2, d].
func (m *ConnectionManager) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(m.rand.Int63n(int64(d-half)+1))
}

// ActiveBlockNode returns the block node currently streamed to.
func (m *ConnectionManager) ActiveBlockNode() (NodeConfig, bool) {
	if conn := m.activeConnection(); conn != nil {
		return conn.node, true
	}
	return NodeConfig{}, false
}

func (m *ConnectionManager) activeConnection() *Connection {
	m.connMtx.Lock()
	defer m.connMtx.Unlock()
	return m.active
}

func (m *ConnectionManager) compareAndSwapActive(expected, conn *Connection) bool {
	m.connMtx.Lock()
	defer m.connMtx.Unlock()

	if m.active != expected {
		return false
	}
	m.active = conn
	return true
}

// removeConnection drops conn from the connection table and clears the
// active connection if it is conn.
func (m *ConnectionManager) removeConnection(conn *Connection) {
	m.connMtx.Lock()
	defer m.connMtx.Unlock()

	if m.connections[conn.node.ID()] == conn {
		delete(m.connections, conn.node.ID())
	}
	if m.active == conn {
		m.active = nil
	}
}

func (m *ConnectionManager) releaseStreamingCursor(conn *Connection) {
	m.connMtx.Lock()
	release := m.active == nil || m.active == conn
	m.connMtx.Unlock()

	if release {
		atomic.StoreInt64(&m.jumpTarget, -1)
		atomic.StoreInt64(&m.streamingBlock, -1)
	}
}

//-----------------------------------------------------------------------------
// Streaming

// OpenBlock is called by the buffer for every new block. When nothing is
// being streamed the active connection starts with it.
func (m *ConnectionManager) OpenBlock(blockNumber int64) {
	if !m.isRunning() {
		return
	}

	if m.activeConnection() == nil {
		m.metrics.NoActiveConnection.Add(1)
		m.logger.Debug("no active connection to stream block to", "block", blockNumber)
		return
	}

	if atomic.LoadInt64(&m.streamingBlock) == -1 &&
		atomic.CompareAndSwapInt64(&m.jumpTarget, -1, blockNumber) {
		m.logger.Debug("nothing streamed yet; starting with block", "block", blockNumber)
	}
	m.waker.Wake()
}

// JumpToBlock makes the streaming routine continue with blockNumber.
func (m *ConnectionManager) JumpToBlock(blockNumber int64) {
	if !m.isRunning() {
		return
	}
	m.logger.Debug("marking request to jump to block", "block", blockNumber)
	atomic.StoreInt64(&m.jumpTarget, blockNumber)
	m.waker.Wake()
}

// CurrentStreamingBlockNumber returns the block being streamed or -1.
func (m *ConnectionManager) CurrentStreamingBlockNumber() int64 {
	return atomic.LoadInt64(&m.streamingBlock)
}

func (m *ConnectionManager) streamBlocksRoutine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn := m.activeConnection()
		if conn == nil {
			m.sleep(ctx)
			continue
		}

		m.jumpToBlockIfNeeded()

		idle, err := m.processStreamingToBlockNode(conn)
		if err != nil {
			conn.logger.Debug("failed to stream to block node", "err", err)
			conn.HandleStreamFailureWithoutOnComplete()
			continue
		}
		if idle {
			m.sleep(ctx)
		}
	}
}

func (m *ConnectionManager) sleep(ctx context.Context) {
	timer := time.NewTimer(m.streamCfg.WorkerLoopSleepDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-m.waker.Sleep():
	case <-timer.C:
	}
}

func (m *ConnectionManager) jumpToBlockIfNeeded() {
	target := atomic.SwapInt64(&m.jumpTarget, -1)
	if target < 0 {
		return
	}
	m.logger.Debug("jumping to block", "block", target)
	atomic.StoreInt64(&m.streamingBlock, target)
	m.requestIndex = 0
}

// processStreamingToBlockNode sends at most one request of the current
// block. It reports whether there is nothing left to do for now.
func (m *ConnectionManager) processStreamingToBlockNode(conn *Connection) (bool, error) {
	if conn.State() != StateActive {
		return true, nil
	}

	blockNumber := atomic.LoadInt64(&m.streamingBlock)
	if blockNumber < 0 {
		return true, nil
	}

	block, ok := m.buffer.GetBlockState(blockNumber)
	if !ok {
		if latest := m.buffer.GetLastBlockNumberProduced(); latest > blockNumber {
			conn.logger.Debug("block to stream is no longer buffered; reconnecting",
				"block", blockNumber, "latest_block", latest)
			conn.Close(true)
			m.RescheduleConnection(conn, m.cfg.ReconnectDelay, noBlock, true)
		}
		return true, nil
	}

	block.ProcessPendingItems(m.streamCfg.BlockItemBatchSize)
	created := block.NumRequestsCreated()
	if created == 0 {
		return true, nil
	}

	if m.requestIndex < created {
		if req, ok := block.Request(m.requestIndex); ok {
			sent, err := conn.send(req)
			if err != nil {
				return true, err
			}
			if !sent {
				return true, nil
			}
			block.MarkRequestSent(m.requestIndex)
			m.requestIndex++
		}
	}

	if m.requestIndex == created && block.IsBlockProofSent() {
		if atomic.CompareAndSwapInt64(&m.streamingBlock, blockNumber, blockNumber+1) {
			conn.logger.Debug("moving to next block", "block", blockNumber+1)
		}
		m.requestIndex = 0
		return false, nil
	}

	return m.requestIndex >= created, nil
}

//-----------------------------------------------------------------------------
// Block node statistics

func (m *ConnectionManager) nodeStatsFor(node NodeConfig) *NodeStats {
	m.statsMtx.Lock()
	defer m.statsMtx.Unlock()

	stats, ok := m.nodeStats[node.ID()]
	if !ok {
		stats = NewNodeStats()
		m.nodeStats[node.ID()] = stats
	}
	return stats
}

// UpdateLastVerifiedBlock records that node verified every block up to
// blockNumber and raises the buffer's acknowledgement watermark.
func (m *ConnectionManager) UpdateLastVerifiedBlock(node NodeConfig, blockNumber int64) {
	if !m.isRunning() {
		return
	}

	m.statsMtx.Lock()
	if last, ok := m.lastVerified[node.ID()]; !ok || blockNumber > last {
		m.lastVerified[node.ID()] = blockNumber
	}
	m.statsMtx.Unlock()

	m.buffer.SetLatestAcknowledgedBlock(blockNumber)
}

// LastVerifiedBlock returns the highest block node verified, or -1.
func (m *ConnectionManager) LastVerifiedBlock(node NodeConfig) int64 {
	m.statsMtx.Lock()
	defer m.statsMtx.Unlock()

	if last, ok := m.lastVerified[node.ID()]; ok {
		return last
	}
	return -1
}

// RecordEndOfStreamAndCheckLimit counts an EndOfStream response of node and
// reports whether node exceeded the allowed rate.
func (m *ConnectionManager) RecordEndOfStreamAndCheckLimit(node NodeConfig, ts time.Time) bool {
	if !m.isRunning() {
		return false
	}
	return m.nodeStatsFor(node).AddEndOfStreamAndCheckLimit(
		ts, m.cfg.MaxEndOfStreamsAllowed, m.cfg.EndOfStreamTimeFrame)
}

// RecordBlockProofSent remembers when the proof of blockNumber was sent to
// node.
func (m *ConnectionManager) RecordBlockProofSent(node NodeConfig, blockNumber int64, ts time.Time) {
	if !m.isRunning() {
		return
	}
	m.nodeStatsFor(node).RecordBlockProofSent(blockNumber, ts)
}

// RecordBlockAckAndCheckLatency evaluates the acknowledgement latency of
// blockNumber.
func (m *ConnectionManager) RecordBlockAckAndCheckLatency(node NodeConfig, blockNumber int64, ts time.Time) HighLatencyResult {
	if !m.isRunning() {
		return HighLatencyResult{}
	}

	result := m.nodeStatsFor(node).RecordAcknowledgementAndEvaluate(
		blockNumber, ts, m.cfg.HighLatencyThreshold, m.cfg.HighLatencyEventsBeforeSwitching)

	if result.Latency > 0 {
		m.metrics.AcknowledgementLatency.Observe(result.Latency.Seconds())
	}
	if result.IsHighLatency {
		m.metrics.HighLatencyEvents.Add(1)
		m.logger.Info("high acknowledgement latency",
			"block_node", node.ID(),
			"block", blockNumber,
			"latency", result.Latency,
			"consecutive_events", result.ConsecutiveHighLatencyEvents)
	}
	return result
}

// EndOfStreamCount returns the EndOfStream responses of node inside the
// current window.
func (m *ConnectionManager) EndOfStreamCount(node NodeConfig) int {
	return m.nodeStatsFor(node).EndOfStreamCount()
}

// MaxEndOfStreamsAllowed returns the EndOfStream rate limit.
func (m *ConnectionManager) MaxEndOfStreamsAllowed() int { return m.cfg.MaxEndOfStreamsAllowed }

// EndOfStreamTimeFrame returns the window of the EndOfStream rate limit.
func (m *ConnectionManager) EndOfStreamTimeFrame() time.Duration { return m.cfg.EndOfStreamTimeFrame }

// EndOfStreamScheduleDelay returns how long a rate limited block node waits.
func (m *ConnectionManager) EndOfStreamScheduleDelay() time.Duration {
	return m.cfg.EndOfStreamScheduleDelay
}

// ReconnectDelay returns the delay used when a block node asks to retry later.
func (m *ConnectionManager) ReconnectDelay() time.Duration { return m.cfg.ReconnectDelay }

//-----------------------------------------------------------------------------
// Introspection

func (m *ConnectionManager) connectionTable() map[string]*Connection {
	m.connMtx.Lock()
	defer m.connMtx.Unlock()

	conns := make(map[string]*Connection, len(m.connections))
	for id, conn := range m.connections {
		conns[id] = conn
	}
	return conns
}

func (m *ConnectionManager) retryStateFor(node NodeConfig) (retryState, bool) {
	m.statsMtx.Lock()
	defer m.statsMtx.Unlock()

	rs, ok := m.retryStates[node.ID()]
	if !ok {
		return retryState{}, false
	}
	return *rs, true
}

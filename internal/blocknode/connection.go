package blocknode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendermint/blockstream/internal/blockbuffer"
	"github.com/tendermint/blockstream/libs/log"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	// StateUninitialized connections have no request pipeline yet.
	StateUninitialized ConnectionState = iota
	// StatePending connections have a pipeline but are not streamed to.
	StatePending
	// StateActive is the connection blocks are streamed to.
	StateActive
	// StateClosing connections only permit cleanup.
	StateClosing
	// StateClosed connections are finished and never reused.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// IsTerminal reports whether the state no longer accepts new work.
func (s ConnectionState) IsTerminal() bool {
	return s == StateClosing || s == StateClosed
}

// backoffDelay asks RescheduleConnection for the exponential retry delay
// instead of a fixed one.
const backoffDelay = time.Duration(-1)

// noBlock means no specific block is requested.
const noBlock = int64(-1)

var errConnectionClosed = errors.New("connection is closed")

// connectionIDs hands out process wide connection ids.
var connectionIDs int64

// connManager is what a Connection needs from the manager that owns it.
type connManager interface {
	RescheduleConnection(conn *Connection, delay time.Duration, blockNumber int64, selectNewNode bool)
	ConnectionResetsTheStream(conn *Connection)
	JumpToBlock(blockNumber int64)
	CurrentStreamingBlockNumber() int64
	UpdateLastVerifiedBlock(node NodeConfig, blockNumber int64)
	RecordEndOfStreamAndCheckLimit(node NodeConfig, ts time.Time) bool
	RecordBlockProofSent(node NodeConfig, blockNumber int64, ts time.Time)
	RecordBlockAckAndCheckLatency(node NodeConfig, blockNumber int64, ts time.Time) HighLatencyResult
	IsOnlyOneBlockNodeConfigured() bool
	EndOfStreamCount(node NodeConfig) int
	MaxEndOfStreamsAllowed() int
	EndOfStreamTimeFrame() time.Duration
	EndOfStreamScheduleDelay() time.Duration
	ReconnectDelay() time.Duration

	// releaseStreamingCursor forgets the block being streamed if conn is the
	// connection streaming it.
	releaseStreamingCursor(conn *Connection)
}

// Connection is a single publish stream to a block node. A Connection is
// created for every attempt and never reused once closed.
type Connection struct {
	id      string
	node    NodeConfig
	logger  log.Logger
	manager connManager
	buffer  *blockbuffer.BlockBuffer
	metrics *Metrics
	sched   *scheduler

	newClient         ClientFactory
	streamResetPeriod time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state              int32 // atomic ConnectionState
	shutdownInProgress int32 // atomic bool

	mtx        sync.Mutex // guards client, stream and resetTask
	client     StreamClient
	stream     RequestStream
	resetTask  *scheduledTask
	sendMtx    sync.Mutex // serializes writes to stream
}

func newConnection(
	ctx context.Context,
	logger log.Logger,
	node NodeConfig,
	manager connManager,
	buffer *blockbuffer.BlockBuffer,
	sched *scheduler,
	newClient ClientFactory,
	streamResetPeriod time.Duration,
	metrics *Metrics,
) *Connection {
	id := fmt.Sprintf("%04d", atomic.AddInt64(&connectionIDs, 1))
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:                id,
		node:              node,
		logger:            logger.With("connection", id, "block_node", node.ID()),
		manager:           manager,
		buffer:            buffer,
		metrics:           metrics,
		sched:             sched,
		newClient:         newClient,
		streamResetPeriod: streamResetPeriod,
		ctx:               ctx,
		cancel:            cancel,
		state:             int32(StateUninitialized),
	}
}

// ID returns the unique id of the connection.
func (c *Connection) ID() string { return c.id }

// Node returns the block node of the connection.
func (c *Connection) Node() NodeConfig { return c.node }

// State returns the current state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *Connection) String() string {
	return fmt.Sprintf("[%s/%s/%s]", c.id, c.node.ID(), c.State())
}

// CreateRequestPipeline opens the publish stream. It does nothing if the
// stream is already open.
func (c *Connection) CreateRequestPipeline() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.State().IsTerminal() {
		return errConnectionClosed
	}
	if c.stream != nil {
		c.logger.Debug("request pipeline already available")
		return nil
	}

	if c.client == nil {
		client, err := c.newClient(c.node)
		if err != nil {
			return err
		}
		c.client = client
	}

	stream, err := c.client.PublishBlockStream(c.ctx, c)
	if err != nil {
		return fmt.Errorf("opening publish stream to %s: %w", c.node.ID(), err)
	}
	c.stream = stream
	c.logger.Debug("request pipeline initialized")

	c.setState(StatePending)
	c.metrics.ConnectionsOpened.Add(1)
	return nil
}

// UpdateConnectionState moves the connection to newState. Entering
// StateActive starts the periodic stream reset and leaving it stops it.
func (c *Connection) UpdateConnectionState(newState ConnectionState) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.setState(newState)
}

// setState requires c.mtx.
func (c *Connection) setState(newState ConnectionState) {
	old := ConnectionState(atomic.SwapInt32(&c.state, int32(newState)))
	c.logger.Debug("connection state transitioned", "from", old, "to", newState)
	c.onStateChange(newState)
}

// compareAndSetState moves the connection to newState only if it is in
// expected.
func (c *Connection) compareAndSetState(expected, newState ConnectionState) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !atomic.CompareAndSwapInt32(&c.state, int32(expected), int32(newState)) {
		c.logger.Debug("connection state changed concurrently",
			"expected", expected, "to", newState, "actual", c.State())
		return false
	}
	c.logger.Debug("connection state transitioned", "from", expected, "to", newState)
	c.onStateChange(newState)
	return true
}

// onStateChange requires c.mtx.
func (c *Connection) onStateChange(newState ConnectionState) {
	if newState == StateActive {
		c.scheduleStreamReset()
	} else {
		c.cancelStreamReset()
	}
}

func (c *Connection) scheduleStreamReset() {
	c.cancelStreamReset()
	if c.streamResetPeriod <= 0 || c.sched == nil {
		return
	}

	task, err := c.sched.ScheduleAtFixedRate(c.streamResetPeriod, c.streamResetPeriod, c.performStreamReset)
	if err != nil {
		c.logger.Error("failed to schedule stream reset", "err", err)
		return
	}
	c.resetTask = task
	c.logger.Debug("scheduled periodic stream reset", "period", c.streamResetPeriod)
}

func (c *Connection) cancelStreamReset() {
	if c.resetTask != nil {
		c.resetTask.Cancel()
		c.resetTask = nil
		c.logger.Debug("cancelled periodic stream reset")
	}
}

func (c *Connection) performStreamReset() {
	if c.State() != StateActive {
		return
	}
	c.logger.Debug("performing scheduled stream reset")
	c.EndTheStreamWith(bsproto.EndStreamReset)
	c.manager.ConnectionResetsTheStream(c)
}

// HandleStreamFailure closes the connection and retries it later.
func (c *Connection) HandleStreamFailure() {
	c.logger.Debug("handling failed stream")
	c.closeAndReschedule(c.manager.ReconnectDelay(), true)
}

// HandleStreamFailureWithoutOnComplete is HandleStreamFailure for streams
// that are known to be broken, where half-closing is pointless.
func (c *Connection) HandleStreamFailureWithoutOnComplete() {
	c.logger.Debug("handling failed stream without completing it")
	c.closeAndReschedule(c.manager.ReconnectDelay(), false)
}

func (c *Connection) closeAndReschedule(delay time.Duration, callOnComplete bool) {
	c.Close(callOnComplete)
	c.manager.RescheduleConnection(c, delay, noBlock, true)
}

func (c *Connection) endStreamAndReschedule(code bsproto.EndStreamCode) {
	c.EndTheStreamWith(code)
	c.manager.RescheduleConnection(c, c.manager.ReconnectDelay(), noBlock, true)
}

func (c *Connection) closeAndRestart(blockNumber int64) {
	c.Close(true)
	c.manager.RescheduleConnection(c, backoffDelay, blockNumber, false)
}

//-----------------------------------------------------------------------------
// Responses

// OnNext handles a response from the block node.
func (c *Connection) OnNext(resp *bsproto.PublishStreamResponse) {
	if c.State() == StateClosed {
		c.logger.Debug("response received on closed connection; ignoring it")
		return
	}

	switch {
	case resp.Acknowledgement != nil:
		c.metrics.ResponsesReceived.With("kind", "acknowledgement").Add(1)
		c.handleAcknowledgement(resp.Acknowledgement.BlockNumber)

	case resp.EndOfStream != nil:
		eos := resp.EndOfStream
		c.metrics.EndOfStreamsReceived.With("code", eos.Status.String()).Add(1)
		c.metrics.LatestBlockEndOfStream.Set(float64(eos.BlockNumber))
		c.handleEndOfStream(eos.BlockNumber, eos.Status)

	case resp.SkipBlock != nil:
		c.metrics.ResponsesReceived.With("kind", "skip_block").Add(1)
		c.metrics.LatestBlockSkipBlock.Set(float64(resp.SkipBlock.BlockNumber))
		c.handleSkipBlock(resp.SkipBlock.BlockNumber)

	case resp.ResendBlock != nil:
		c.metrics.ResponsesReceived.With("kind", "resend_block").Add(1)
		c.metrics.LatestBlockResendBlock.Set(float64(resp.ResendBlock.BlockNumber))
		c.handleResendBlock(resp.ResendBlock.BlockNumber)

	default:
		c.metrics.UnknownResponses.Add(1)
		c.logger.Error("unexpected response received")
	}
}

// OnError handles a stream error. Errors after the connection started
// closing are expected and ignored.
func (c *Connection) OnError(err error) {
	if c.State().IsTerminal() {
		return
	}
	c.metrics.ConnectionErrors.Add(1)
	c.logger.Debug("stream error received", "err", err)
	c.HandleStreamFailure()
}

// OnComplete handles the end of the stream by the block node.
func (c *Connection) OnComplete() {
	c.metrics.ConnectionCompletions.Add(1)
	if c.State() == StateClosed {
		return
	}

	if atomic.CompareAndSwapInt32(&c.shutdownInProgress, 1, 0) {
		c.logger.Debug("stream completed while closing")
		return
	}
	c.logger.Debug("stream completed unexpectedly")
	c.HandleStreamFailure()
}

func (c *Connection) handleAcknowledgement(blockNumber int64) {
	c.acknowledgeBlocks(blockNumber, true)

	result := c.manager.RecordBlockAckAndCheckLatency(c.node, blockNumber, time.Now())
	if result.ShouldSwitch && !c.manager.IsOnlyOneBlockNodeConfigured() {
		c.logger.Info("block node exceeded the high latency threshold too many times",
			"consecutive_events", result.ConsecutiveHighLatencyEvents)
		c.endStreamAndReschedule(bsproto.EndStreamTimeout)
	}
}

// acknowledgeBlocks raises the watermark. An acknowledgement beyond both the
// streamed and the produced block means other publishers are ahead, so
// streaming skips past it.
func (c *Connection) acknowledgeBlocks(blockNumber int64, maybeJump bool) {
	streaming := c.manager.CurrentStreamingBlockNumber()
	producing := c.buffer.GetLastBlockNumberProduced()

	c.manager.UpdateLastVerifiedBlock(c.node, blockNumber)

	if maybeJump && blockNumber > streaming && blockNumber > producing {
		c.logger.Debug("acknowledgement is ahead of this node",
			"block", blockNumber, "streaming", streaming, "producing", producing)
		c.manager.JumpToBlock(blockNumber + 1)
	}
}

func (c *Connection) handleEndOfStream(blockNumber int64, code bsproto.EndOfStreamCode) {
	c.logger.Debug("received EndOfStream", "block", blockNumber, "code", code)

	c.acknowledgeBlocks(blockNumber, false)

	if c.manager.RecordEndOfStreamAndCheckLimit(c.node, time.Now()) {
		c.logger.Info("block node exceeded the allowed number of EndOfStream responses",
			"received", c.manager.EndOfStreamCount(c.node),
			"permitted", c.manager.MaxEndOfStreamsAllowed(),
			"window", c.manager.EndOfStreamTimeFrame(),
			"retry_in", c.manager.EndOfStreamScheduleDelay())
		c.metrics.EndOfStreamLimitExceeded.Add(1)
		c.closeAndReschedule(c.manager.EndOfStreamScheduleDelay(), true)
		return
	}

	restartAt := blockNumber + 1
	if blockNumber == math.MaxInt64 {
		restartAt = 0
	}

	switch code {
	case bsproto.EndOfStreamError, bsproto.EndOfStreamPersistenceFailed:
		c.logger.Debug("block node reported an error; retrying later", "block", blockNumber)
		c.closeAndReschedule(c.manager.ReconnectDelay(), true)

	case bsproto.EndOfStreamTimeout, bsproto.EndOfStreamDuplicateBlock,
		bsproto.EndOfStreamBadBlockProof, bsproto.EndOfStreamInvalidRequest:
		c.logger.Debug("restarting stream", "block", restartAt)
		c.closeAndRestart(restartAt)

	case bsproto.EndOfStreamSuccess:
		c.logger.Debug("block node ended the stream", "block", blockNumber)
		c.closeAndReschedule(c.manager.ReconnectDelay(), true)

	case bsproto.EndOfStreamBehind:
		if _, ok := c.buffer.GetBlockState(restartAt); ok {
			c.logger.Debug("block node is behind; restarting stream", "block", restartAt)
			c.closeAndRestart(restartAt)
			return
		}
		c.logger.Debug("block node is behind and the next block is no longer buffered", "block", restartAt)
		c.endStreamAndReschedule(bsproto.EndStreamTooFarBehind)

	default:
		c.logger.Error("block node reported an unknown status", "block", blockNumber, "code", code)
		c.closeAndReschedule(c.manager.ReconnectDelay(), true)
	}
}

func (c *Connection) handleSkipBlock(blockNumber int64) {
	streaming := c.manager.CurrentStreamingBlockNumber()
	if blockNumber != streaming {
		c.logger.Debug("ignoring SkipBlock for a block that is not being streamed",
			"block", blockNumber, "streaming", streaming)
		return
	}
	c.manager.JumpToBlock(blockNumber + 1)
}

func (c *Connection) handleResendBlock(blockNumber int64) {
	if _, ok := c.buffer.GetBlockState(blockNumber); ok {
		c.manager.JumpToBlock(blockNumber)
		return
	}
	c.logger.Debug("block node asked for a block that is no longer buffered", "block", blockNumber)
	c.closeAndReschedule(c.manager.ReconnectDelay(), true)
}

//-----------------------------------------------------------------------------
// Requests

// EndTheStreamWith tells the block node why the stream ends and which blocks
// this node still holds, then closes the connection.
func (c *Connection) EndTheStreamWith(code bsproto.EndStreamCode) {
	earliest := c.buffer.GetEarliestAvailableBlockNumber()
	highestAcked := c.buffer.GetHighestAckedBlockNumber()

	c.logger.Debug("sending EndStream", "code", code, "earliest_block", earliest, "latest_acked", highestAcked)
	if err := c.SendRequest(bsproto.NewEndStreamRequest(code, earliest, highestAcked)); err != nil {
		c.logger.Error("failed to send EndStream", "err", err)
	}
	c.Close(true)
}

// SendRequest writes req to the stream if the connection is active. Send
// errors are returned only while the connection is still active.
func (c *Connection) SendRequest(req *bsproto.PublishStreamRequest) error {
	_, err := c.send(req)
	return err
}

// send reports whether req was written.
func (c *Connection) send(req *bsproto.PublishStreamRequest) (bool, error) {
	c.mtx.Lock()
	stream := c.stream
	c.mtx.Unlock()

	if stream == nil || c.State() != StateActive {
		return false, nil
	}

	c.sendMtx.Lock()
	start := time.Now()
	err := stream.Send(req)
	c.sendMtx.Unlock()

	if err != nil {
		// a concurrent close is expected to break sends
		if c.State() == StateActive {
			c.metrics.RequestSendFailures.Add(1)
			return false, fmt.Errorf("sending request to %s: %w", c.node.ID(), err)
		}
		return false, nil
	}
	c.metrics.RequestLatency.Observe(time.Since(start).Seconds())

	if req.EndStream != nil {
		c.metrics.EndStreamsSent.With("code", req.EndStream.Code.String()).Add(1)
		return true, nil
	}
	if req.BlockItems == nil || len(req.BlockItems.BlockItems) == 0 {
		return true, nil
	}

	items := req.BlockItems.BlockItems
	c.metrics.RequestsSent.With("kind", "block_items").Add(1)
	c.metrics.BlockItemsSent.Add(float64(len(items)))
	if first := items[0]; first.IsBlockProof() {
		c.manager.RecordBlockProofSent(c.node, first.BlockNumber, time.Now())
	}
	return true, nil
}

// Close ends the connection. It is idempotent and always leaves the
// connection in StateClosed; cleanup errors are only logged.
func (c *Connection) Close(callOnComplete bool) {
	state := c.State()
	if state.IsTerminal() {
		c.logger.Debug("connection already in terminal state", "state", state)
		return
	}
	if !c.compareAndSetState(state, StateClosing) {
		return
	}

	c.logger.Debug("closing connection")
	c.closePipeline(callOnComplete)
	c.manager.releaseStreamingCursor(c)
	c.metrics.ConnectionsClosed.Add(1)

	c.UpdateConnectionState(StateClosed)
	c.cancel()
}

func (c *Connection) closePipeline(callOnComplete bool) {
	c.mtx.Lock()
	stream, client := c.stream, c.client
	c.stream, c.client = nil, nil
	c.mtx.Unlock()

	if stream != nil {
		atomic.StoreInt32(&c.shutdownInProgress, 1)
		if callOnComplete && c.State() == StateClosing {
			c.sendMtx.Lock()
			err := stream.CloseSend()
			c.sendMtx.Unlock()
			if err != nil {
				c.logger.Debug("error while completing request pipeline", "err", err)
			}
		}
	}

	if client != nil {
		if err := client.Close(); err != nil {
			c.logger.Debug("error while closing client", "err", err)
		}
	}
}

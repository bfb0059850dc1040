package blockbuffer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/libs/log"
	"github.com/tendermint/blockstream/libs/service"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

// unsetBlockNumber marks a watermark that has never been set. Getters
// report it as -1.
const unsetBlockNumber = math.MinInt64

var (
	// ErrInvalidBlockNumber is returned for negative block numbers.
	ErrInvalidBlockNumber = errors.New("invalid block number")
	// ErrBlockNotFound is returned when a block is not in the buffer.
	ErrBlockNotFound = errors.New("block not found in buffer")
	// ErrBlockProofAlreadySent is returned when a block whose proof was
	// already streamed is opened again.
	ErrBlockProofAlreadySent = errors.New("block proof already sent")
)

// ConnectionManager is the part of the block node connection manager the
// buffer talks to: it is told about every new block and asked to move to
// another block node when the buffer fills up.
type ConnectionManager interface {
	OpenBlock(blockNumber int64)
	SelectNewBlockNodeForStreaming(force bool) bool
}

// BlockBuffer holds produced blocks until a block node acknowledged them and
// their TTL expired. When unacknowledged blocks pile up it first asks for a
// different block node and then blocks producers until enough of the buffer
// is reclaimed.
type BlockBuffer struct {
	service.BaseService

	logger      log.Logger
	cfg         *config.BufferConfig
	blockPeriod time.Duration
	batchSize   int
	metrics     *Metrics
	store       Store
	now         func() time.Time

	blocks sync.Map // int64 -> *BlockState

	earliestBlock     int64 // atomic
	lastProducedBlock int64 // atomic
	highestAckedBlock int64 // atomic

	mtx     sync.RWMutex
	connMgr ConnectionManager

	gate backpressureGate

	// owned by the maintenance routine
	lastPrune            PruneResult
	awaitingRecovery     bool
	lastRecoveryActionAt time.Time

	done chan struct{}
}

// BlockBufferOption sets an optional parameter on the BlockBuffer.
type BlockBufferOption func(*BlockBuffer)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) BlockBufferOption {
	return func(b *BlockBuffer) { b.metrics = metrics }
}

// WithStore sets the storage used to persist and restore the buffer.
func WithStore(store Store) BlockBufferOption {
	return func(b *BlockBuffer) { b.store = store }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) BlockBufferOption {
	return func(b *BlockBuffer) { b.now = now }
}

// NewBlockBuffer creates an empty buffer.
func NewBlockBuffer(
	logger log.Logger,
	cfg *config.BufferConfig,
	streamCfg *config.StreamConfig,
	options ...BlockBufferOption,
) *BlockBuffer {
	b := &BlockBuffer{
		logger:            logger,
		cfg:               cfg,
		blockPeriod:       streamCfg.BlockPeriod,
		batchSize:         streamCfg.BlockItemBatchSize,
		metrics:           NopMetrics(),
		now:               time.Now,
		earliestBlock:     unsetBlockNumber,
		lastProducedBlock: unsetBlockNumber,
		highestAckedBlock: unsetBlockNumber,
	}
	for _, opt := range options {
		opt(b)
	}

	b.BaseService = *service.NewBaseService(logger, "BlockBuffer", b)
	return b
}

// SetConnectionManager sets the manager notified about new blocks.
func (b *BlockBuffer) SetConnectionManager(cm ConnectionManager) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.connMgr = cm
}

func (b *BlockBuffer) connectionManager() ConnectionManager {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.connMgr
}

// OnStart restores the persisted buffer, if any, and starts the maintenance
// routine.
func (b *BlockBuffer) OnStart(ctx context.Context) error {
	if b.cfg.PersistenceEnabled {
		b.loadBufferFromDisk()
	}

	b.done = make(chan struct{})
	go b.maintenanceRoutine(ctx)
	return nil
}

// OnStop stops the maintenance routine, persists the buffer and releases
// any blocked producer.
func (b *BlockBuffer) OnStop() {
	if b.done != nil {
		<-b.done
	}

	if b.cfg.PersistenceEnabled {
		if err := b.PersistBuffer(); err != nil {
			b.logger.Error("failed to persist block buffer on shutdown", "err", err)
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Error("failed to close block buffer store", "err", err)
		}
	}

	if b.gate.release() {
		b.metrics.BackpressureActive.Set(0)
	}
}

func (b *BlockBuffer) maintenanceRoutine(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.WorkerInterval)
	defer ticker.Stop()

	lastPersist := b.now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			b.checkBuffer()

			if b.cfg.PersistenceEnabled && b.cfg.PersistInterval > 0 &&
				b.now().Sub(lastPersist) >= b.cfg.PersistInterval {
				if err := b.PersistBuffer(); err != nil {
					b.logger.Error("failed to persist block buffer", "err", err)
				}
				lastPersist = b.now()
			}
		}
	}
}

// OpenBlock starts a new block and notifies the connection manager. A block
// that already exists is replaced unless its proof was already streamed.
func (b *BlockBuffer) OpenBlock(blockNumber int64) error {
	if blockNumber < 0 {
		return fmt.Errorf("opening block %d: %w", blockNumber, ErrInvalidBlockNumber)
	}

	if existing, ok := b.GetBlockState(blockNumber); ok && existing.IsBlockProofSent() {
		return fmt.Errorf("opening block %d: %w", blockNumber, ErrBlockProofAlreadySent)
	}

	b.blocks.Store(blockNumber, NewBlockState(blockNumber))
	b.updateEarliest(blockNumber)
	b.updateLastProduced(blockNumber)
	b.metrics.LatestBlockOpened.Set(float64(blockNumber))
	b.logger.Debug("opened block", "block", blockNumber)

	if cm := b.connectionManager(); cm != nil {
		cm.OpenBlock(blockNumber)
	}
	return nil
}

// AddItem appends item to an open block.
func (b *BlockBuffer) AddItem(blockNumber int64, item *bsproto.BlockItem) error {
	block, ok := b.GetBlockState(blockNumber)
	if !ok {
		return fmt.Errorf("adding item to block %d: %w", blockNumber, ErrBlockNotFound)
	}
	return block.AddItem(item)
}

// CloseBlock marks a block complete at the current time.
func (b *BlockBuffer) CloseBlock(blockNumber int64) error {
	block, ok := b.GetBlockState(blockNumber)
	if !ok {
		return fmt.Errorf("closing block %d: %w", blockNumber, ErrBlockNotFound)
	}
	return block.CloseBlock(b.now())
}

// GetBlockState returns the block with the given number.
func (b *BlockBuffer) GetBlockState(blockNumber int64) (*BlockState, bool) {
	v, ok := b.blocks.Load(blockNumber)
	if !ok {
		return nil, false
	}
	return v.(*BlockState), true
}

// IsAcked reports whether blockNumber is at or below the acknowledgement
// watermark.
func (b *BlockBuffer) IsAcked(blockNumber int64) bool {
	return blockNumber <= b.loadHighestAcked()
}

// SetLatestAcknowledgedBlock raises the acknowledgement watermark to
// blockNumber. The watermark never decreases.
func (b *BlockBuffer) SetLatestAcknowledgedBlock(blockNumber int64) {
	for {
		current := atomic.LoadInt64(&b.highestAckedBlock)
		if blockNumber <= current {
			return
		}
		if atomic.CompareAndSwapInt64(&b.highestAckedBlock, current, blockNumber) {
			b.metrics.HighestAckedBlock.Set(float64(blockNumber))
			return
		}
	}
}

// GetHighestAckedBlockNumber returns the acknowledgement watermark or -1.
func (b *BlockBuffer) GetHighestAckedBlockNumber() int64 {
	return reported(b.loadHighestAcked())
}

// GetLowestUnackedBlockNumber returns the block after the watermark or -1
// if nothing was acknowledged yet.
func (b *BlockBuffer) GetLowestUnackedBlockNumber() int64 {
	highest := b.loadHighestAcked()
	if highest == unsetBlockNumber {
		return -1
	}
	return highest + 1
}

// GetEarliestAvailableBlockNumber returns the lowest buffered block or -1.
func (b *BlockBuffer) GetEarliestAvailableBlockNumber() int64 {
	return reported(atomic.LoadInt64(&b.earliestBlock))
}

// GetLastBlockNumberProduced returns the highest opened block or -1.
func (b *BlockBuffer) GetLastBlockNumberProduced() int64 {
	return reported(atomic.LoadInt64(&b.lastProducedBlock))
}

// EnsureNewBlocksPermitted blocks while backpressure is engaged. It returns
// early with the context error if ctx is done first.
func (b *BlockBuffer) EnsureNewBlocksPermitted(ctx context.Context) error {
	if !b.gate.engaged() {
		return nil
	}

	b.logger.Error("block buffer is saturated; blocking until it recovers")
	start := time.Now()
	if err := b.gate.wait(ctx); err != nil {
		return err
	}
	b.logger.Info("block buffer has room for new blocks", "blocked_for", time.Since(start))
	return nil
}

// IsBackpressureEngaged reports whether producers are currently blocked.
func (b *BlockBuffer) IsBackpressureEngaged() bool {
	return b.gate.engaged()
}

// PersistBuffer writes every closed block and the acknowledgement watermark
// to the store.
func (b *BlockBuffer) PersistBuffer() error {
	if b.store == nil {
		return nil
	}

	highestAcked := b.loadHighestAcked()
	snapshot := &bsproto.BufferSnapshot{HighestAckedBlockNumber: reported(highestAcked)}

	b.blocks.Range(func(key, value interface{}) bool {
		block := value.(*BlockState)
		closedAt := block.ClosedTimestamp()
		if closedAt.IsZero() {
			return true
		}

		block.ProcessPendingItems(b.batchSize)
		snapshot.Blocks = append(snapshot.Blocks, &bsproto.BufferedBlock{
			BlockNumber:     block.BlockNumber(),
			Items:           block.Items(),
			ClosedTimestamp: closedAt,
			ProofSent:       block.IsBlockProofSent(),
			Acknowledged:    block.BlockNumber() <= highestAcked,
		})
		return true
	})
	sort.Slice(snapshot.Blocks, func(i, j int) bool {
		return snapshot.Blocks[i].BlockNumber < snapshot.Blocks[j].BlockNumber
	})

	if err := b.store.Save(snapshot); err != nil {
		b.metrics.PersistenceFailures.Add(1)
		return fmt.Errorf("persisting block buffer: %w", err)
	}

	b.logger.Info("block buffer persisted", "blocks", len(snapshot.Blocks), "highest_acked", snapshot.HighestAckedBlockNumber)
	return nil
}

// loadBufferFromDisk restores persisted blocks. Blocks already present in
// memory win over their persisted copy.
func (b *BlockBuffer) loadBufferFromDisk() {
	if b.store == nil {
		return
	}

	snapshot, err := b.store.Load()
	if err != nil {
		b.metrics.PersistenceFailures.Add(1)
		b.logger.Error("failed to read block buffer from disk", "err", err)
		return
	}
	if snapshot == nil || len(snapshot.Blocks) == 0 {
		b.logger.Info("block buffer will not be restored; no blocks found on disk")
		return
	}

	b.logger.Info("restoring block buffer from disk", "blocks", len(snapshot.Blocks))

	restored := 0
	for _, buffered := range snapshot.Blocks {
		block := NewBlockState(buffered.BlockNumber)
		for _, item := range buffered.Items {
			_ = block.AddItem(item) // the block is still open
		}
		block.ProcessPendingItems(b.batchSize)
		if buffered.ProofSent {
			block.markAllRequestsSent()
		}

		closedAt := buffered.ClosedTimestamp
		if closedAt.IsZero() {
			closedAt = b.now()
		}
		_ = block.CloseBlock(closedAt) // never zero

		if buffered.Acknowledged {
			b.SetLatestAcknowledgedBlock(buffered.BlockNumber)
		}

		if _, loaded := b.blocks.LoadOrStore(buffered.BlockNumber, block); loaded {
			b.logger.Debug("block read from disk is already buffered; ignoring it", "block", buffered.BlockNumber)
			continue
		}
		b.updateEarliest(buffered.BlockNumber)
		b.updateLastProduced(buffered.BlockNumber)
		restored++
	}

	if snapshot.HighestAckedBlockNumber >= 0 {
		b.SetLatestAcknowledgedBlock(snapshot.HighestAckedBlockNumber)
	}
	b.metrics.BlocksRestored.Add(float64(restored))
}

func (b *BlockBuffer) loadHighestAcked() int64 {
	return atomic.LoadInt64(&b.highestAckedBlock)
}

func (b *BlockBuffer) setEarliest(blockNumber int64) {
	atomic.StoreInt64(&b.earliestBlock, blockNumber)
}

func (b *BlockBuffer) updateEarliest(blockNumber int64) {
	for {
		current := atomic.LoadInt64(&b.earliestBlock)
		if current != unsetBlockNumber && current <= blockNumber {
			return
		}
		if atomic.CompareAndSwapInt64(&b.earliestBlock, current, blockNumber) {
			return
		}
	}
}

func (b *BlockBuffer) updateLastProduced(blockNumber int64) {
	for {
		current := atomic.LoadInt64(&b.lastProducedBlock)
		if current >= blockNumber {
			return
		}
		if atomic.CompareAndSwapInt64(&b.lastProducedBlock, current, blockNumber) {
			return
		}
	}
}

func reported(blockNumber int64) int64 {
	if blockNumber == unsetBlockNumber {
		return -1
	}
	return blockNumber
}

package blockbuffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"pgregory.net/rapid"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/libs/log"
)

type manualClock struct {
	mtx sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

type recordingManager struct {
	mtx      sync.Mutex
	opened   []int64
	switches int
}

func (m *recordingManager) OpenBlock(blockNumber int64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.opened = append(m.opened, blockNumber)
}

func (m *recordingManager) SelectNewBlockNodeForStreaming(force bool) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.switches++
	return true
}

func (m *recordingManager) switchCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.switches
}

func newTestBuffer(t *testing.T, blockPeriod time.Duration, mutate func(*config.BufferConfig), opts ...BlockBufferOption) (*BlockBuffer, *manualClock, *recordingManager) {
	t.Helper()

	cfg := config.TestBufferConfig()
	if mutate != nil {
		mutate(cfg)
	}
	streamCfg := config.TestStreamConfig()
	streamCfg.BlockPeriod = blockPeriod

	clock := newManualClock()
	opts = append([]BlockBufferOption{WithClock(clock.Now)}, opts...)
	buffer := NewBlockBuffer(log.NewNopLogger(), cfg, streamCfg, opts...)

	manager := &recordingManager{}
	buffer.SetConnectionManager(manager)
	return buffer, clock, manager
}

// produceBlocks opens and closes blocks [from, to].
func produceBlocks(t *testing.T, buffer *BlockBuffer, from, to int64) {
	t.Helper()
	for n := from; n <= to; n++ {
		require.NoError(t, buffer.OpenBlock(n))
		require.NoError(t, buffer.AddItem(n, header(n)))
		require.NoError(t, buffer.AddItem(n, proof(n)))
		require.NoError(t, buffer.CloseBlock(n))
	}
}

func TestOpenBlock(t *testing.T) {
	buffer, _, manager := newTestBuffer(t, 2*time.Second, nil)

	require.Equal(t, int64(-1), buffer.GetEarliestAvailableBlockNumber())
	require.Equal(t, int64(-1), buffer.GetLastBlockNumberProduced())

	require.ErrorIs(t, buffer.OpenBlock(-1), ErrInvalidBlockNumber)

	require.NoError(t, buffer.OpenBlock(5))
	require.NoError(t, buffer.OpenBlock(3))
	require.Equal(t, int64(3), buffer.GetEarliestAvailableBlockNumber())
	require.Equal(t, int64(5), buffer.GetLastBlockNumberProduced())
	require.Equal(t, []int64{5, 3}, manager.opened)

	// reopening replaces the block until its proof was sent
	require.NoError(t, buffer.AddItem(5, header(5)))
	require.NoError(t, buffer.AddItem(5, proof(5)))
	require.NoError(t, buffer.OpenBlock(5))
	block, ok := buffer.GetBlockState(5)
	require.True(t, ok)
	require.Equal(t, 0, block.ItemCount())

	require.NoError(t, buffer.AddItem(5, proof(5)))
	block.ProcessPendingItems(10)
	block.MarkRequestSent(0)
	require.ErrorIs(t, buffer.OpenBlock(5), ErrBlockProofAlreadySent)
}

func TestMissingBlock(t *testing.T) {
	buffer, _, _ := newTestBuffer(t, 2*time.Second, nil)

	require.ErrorIs(t, buffer.AddItem(1, header(1)), ErrBlockNotFound)
	require.ErrorIs(t, buffer.CloseBlock(1), ErrBlockNotFound)
	_, ok := buffer.GetBlockState(1)
	require.False(t, ok)
}

func TestAcknowledgementWatermark(t *testing.T) {
	buffer, _, _ := newTestBuffer(t, 2*time.Second, nil)

	require.Equal(t, int64(-1), buffer.GetHighestAckedBlockNumber())
	require.Equal(t, int64(-1), buffer.GetLowestUnackedBlockNumber())
	require.False(t, buffer.IsAcked(0))

	buffer.SetLatestAcknowledgedBlock(5)
	require.Equal(t, int64(5), buffer.GetHighestAckedBlockNumber())
	require.Equal(t, int64(6), buffer.GetLowestUnackedBlockNumber())

	buffer.SetLatestAcknowledgedBlock(3)
	require.Equal(t, int64(5), buffer.GetHighestAckedBlockNumber())
	require.True(t, buffer.IsAcked(5))
	require.True(t, buffer.IsAcked(0))
	require.False(t, buffer.IsAcked(6))
}

func TestAcknowledgementWatermarkIsMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buffer := NewBlockBuffer(log.NewNopLogger(), config.TestBufferConfig(), config.TestStreamConfig())
		acks := rapid.SliceOf(rapid.Int64Range(0, 1000)).Draw(t, "acks").([]int64)

		highest := int64(-1)
		for _, ack := range acks {
			buffer.SetLatestAcknowledgedBlock(ack)
			if ack > highest {
				highest = ack
			}
			if got := buffer.GetHighestAckedBlockNumber(); got != highest {
				t.Fatalf("watermark is %d, want %d", got, highest)
			}
		}
	})
}

func TestPruneResultSaturation(t *testing.T) {
	testCases := []struct {
		name       string
		ideal      int64
		pending    int
		saturation float64
		saturated  bool
	}{
		{"empty buffer", 150, 0, 0, false},
		{"half full", 150, 75, 50, false},
		{"one third", 3, 1, 33.3333, false},
		{"full", 150, 150, 100, true},
		{"over full", 10, 12, 120, true},
		{"no ideal size", 0, 10, 0, false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			res := newPruneResult(tc.ideal, tc.pending, tc.pending, 0, -1, -1)
			assert.InDelta(t, tc.saturation, res.SaturationPercent, 1e-9)
			assert.Equal(t, tc.saturated, res.IsSaturated)
		})
	}
}

func TestIdealMaxBufferSize(t *testing.T) {
	buffer, _, _ := newTestBuffer(t, 2*time.Second, func(cfg *config.BufferConfig) {
		cfg.BlockTTL = 5 * time.Minute
	})
	require.Equal(t, int64(150), buffer.idealMaxBufferSize())

	buffer, _, _ = newTestBuffer(t, 0, nil)
	require.Equal(t, int64(defaultIdealMaxBufferSize), buffer.idealMaxBufferSize())
}

func TestPruneRemovesAckedExpiredBlocks(t *testing.T) {
	buffer, clock, _ := newTestBuffer(t, 2*time.Second, func(cfg *config.BufferConfig) {
		cfg.BlockTTL = time.Minute
	})

	produceBlocks(t, buffer, 1, 4)
	require.NoError(t, buffer.OpenBlock(5)) // still open
	buffer.SetLatestAcknowledgedBlock(2)

	// nothing is old enough yet
	res := buffer.pruneBuffer()
	require.Equal(t, 5, res.NumBlocksChecked)
	require.Equal(t, 0, res.NumBlocksPruned)
	require.Equal(t, 2, res.NumBlocksPendingAck)

	clock.Advance(2 * time.Minute)
	res = buffer.pruneBuffer()
	require.Equal(t, 5, res.NumBlocksChecked)
	require.Equal(t, 2, res.NumBlocksPruned)
	require.Equal(t, 2, res.NumBlocksPendingAck)
	require.Equal(t, int64(3), res.OldestBlockNumber)
	require.Equal(t, int64(5), res.NewestBlockNumber)
	require.Equal(t, int64(3), buffer.GetEarliestAvailableBlockNumber())

	_, ok := buffer.GetBlockState(2)
	require.False(t, ok)

	// pruning is idempotent when nothing changes
	again := buffer.pruneBuffer()
	require.Equal(t, 0, again.NumBlocksPruned)
	require.Equal(t, res.NumBlocksPendingAck, again.NumBlocksPendingAck)
	require.Equal(t, res.SaturationPercent, again.SaturationPercent)
}

func TestPruneWithoutBackpressureUsesTTLOnly(t *testing.T) {
	buffer, clock, _ := newTestBuffer(t, 2*time.Second, func(cfg *config.BufferConfig) {
		cfg.BlockTTL = time.Minute
		cfg.BackpressureEnabled = false
	})

	produceBlocks(t, buffer, 1, 3)
	clock.Advance(2 * time.Minute)

	res := buffer.pruneBuffer()
	require.Equal(t, 3, res.NumBlocksPruned)
	require.Equal(t, 0, res.NumBlocksPendingAck)
	require.Equal(t, int64(-1), res.OldestBlockNumber)
	require.Equal(t, int64(-1), buffer.GetEarliestAvailableBlockNumber())

	// the gate is never engaged
	produceBlocks(t, buffer, 4, 100)
	buffer.checkBuffer()
	require.False(t, buffer.IsBackpressureEngaged())
}

func TestBackpressureBlocksUntilRecovery(t *testing.T) {
	defer leaktest.Check(t)()

	buffer, clock, manager := newTestBuffer(t, 2*time.Second, func(cfg *config.BufferConfig) {
		cfg.BlockTTL = 5 * time.Minute
	})

	produceBlocks(t, buffer, 0, 149)
	buffer.checkBuffer()

	require.True(t, buffer.lastPrune.IsSaturated)
	require.Equal(t, 100.0, buffer.lastPrune.SaturationPercent)
	require.True(t, buffer.IsBackpressureEngaged())
	require.Equal(t, 1, manager.switchCount())

	permitted := make(chan error, 1)
	go func() {
		permitted <- buffer.EnsureNewBlocksPermitted(context.Background())
	}()

	select {
	case <-permitted:
		t.Fatal("producer should be blocked while the buffer is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	buffer.SetLatestAcknowledgedBlock(149)
	clock.Advance(6 * time.Minute)
	buffer.checkBuffer()

	select {
	case err := <-permitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer should be released once the buffer recovered")
	}
	require.False(t, buffer.IsBackpressureEngaged())
	require.Equal(t, int64(-1), buffer.GetEarliestAvailableBlockNumber())
}

func TestBackpressureWaitsForRecoveryThreshold(t *testing.T) {
	buffer, clock, manager := newTestBuffer(t, 2*time.Second, func(cfg *config.BufferConfig) {
		cfg.BlockTTL = 20 * time.Second
		cfg.ActionGracePeriod = time.Hour
	})

	produceBlocks(t, buffer, 0, 9)
	buffer.checkBuffer()
	require.True(t, buffer.IsBackpressureEngaged())

	// 90% is above the recovery threshold
	buffer.SetLatestAcknowledgedBlock(0)
	clock.Advance(21 * time.Second)
	buffer.checkBuffer()
	require.Equal(t, 90.0, buffer.lastPrune.SaturationPercent)
	require.True(t, buffer.awaitingRecovery)
	require.True(t, buffer.IsBackpressureEngaged())

	// 80% is low enough
	buffer.SetLatestAcknowledgedBlock(1)
	buffer.checkBuffer()
	require.Equal(t, 80.0, buffer.lastPrune.SaturationPercent)
	require.False(t, buffer.awaitingRecovery)
	require.False(t, buffer.IsBackpressureEngaged())

	require.Equal(t, 1, manager.switchCount())
}

func TestSwitchBlockNodeGracePeriod(t *testing.T) {
	buffer, clock, manager := newTestBuffer(t, 2*time.Second, func(cfg *config.BufferConfig) {
		cfg.BlockTTL = 20 * time.Second
		cfg.ActionGracePeriod = 20 * time.Second
	})

	produceBlocks(t, buffer, 0, 5)

	// zero -> action stage
	buffer.checkBuffer()
	require.Equal(t, 60.0, buffer.lastPrune.SaturationPercent)
	require.Equal(t, 1, manager.switchCount())
	require.False(t, buffer.IsBackpressureEngaged())

	// action stage -> action stage within the grace period
	clock.Advance(time.Second)
	buffer.checkBuffer()
	require.Equal(t, 1, manager.switchCount())

	// and after it
	clock.Advance(20 * time.Second)
	buffer.checkBuffer()
	require.Equal(t, 2, manager.switchCount())
}

func TestEnsureNewBlocksPermittedHonoursContext(t *testing.T) {
	buffer, _, _ := newTestBuffer(t, 2*time.Second, nil)

	require.NoError(t, buffer.EnsureNewBlocksPermitted(context.Background()))

	require.True(t, buffer.gate.engage())
	require.False(t, buffer.gate.engage())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, buffer.EnsureNewBlocksPermitted(ctx), context.DeadlineExceeded)
}

func TestPersistAndRestore(t *testing.T) {
	db := dbm.NewMemDB()
	enablePersistence := func(cfg *config.BufferConfig) { cfg.PersistenceEnabled = true }

	source, _, _ := newTestBuffer(t, 2*time.Second, enablePersistence, WithStore(NewDBStore(db)))
	produceBlocks(t, source, 1, 2)
	require.NoError(t, source.OpenBlock(3))

	sent, ok := source.GetBlockState(1)
	require.True(t, ok)
	sent.ProcessPendingItems(1)
	for i := 0; i < sent.NumRequestsCreated(); i++ {
		sent.MarkRequestSent(i)
	}
	source.SetLatestAcknowledgedBlock(1)
	require.NoError(t, source.PersistBuffer())

	target, _, _ := newTestBuffer(t, 2*time.Second, enablePersistence, WithStore(NewDBStore(db)))
	require.NoError(t, target.OpenBlock(2)) // in memory copy wins
	target.loadBufferFromDisk()

	restored, ok := target.GetBlockState(1)
	require.True(t, ok)
	require.True(t, restored.IsClosed())
	require.True(t, sent.ClosedTimestamp().Equal(restored.ClosedTimestamp()))
	require.True(t, restored.IsBlockProofSent())
	require.Equal(t, 2, restored.ItemCount())

	inMemory, ok := target.GetBlockState(2)
	require.True(t, ok)
	require.False(t, inMemory.IsClosed())
	require.Equal(t, 0, inMemory.ItemCount())

	_, ok = target.GetBlockState(3)
	require.False(t, ok)

	require.Equal(t, int64(1), target.GetHighestAckedBlockNumber())
	require.Equal(t, int64(1), target.GetEarliestAvailableBlockNumber())
	require.Equal(t, int64(2), target.GetLastBlockNumberProduced())
}

func TestServicePersistsOnStop(t *testing.T) {
	defer leaktest.Check(t)()

	dir := t.TempDir()
	withFileStore := func(cfg *config.BufferConfig) {
		cfg.PersistenceEnabled = true
		cfg.PersistenceBackend = FileBackend
		cfg.Dir = dir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _, _ := newTestBuffer(t, 2*time.Second, withFileStore, WithStore(NewFileStore(dir)))
	require.NoError(t, first.Start(ctx))
	produceBlocks(t, first, 10, 12)
	first.SetLatestAcknowledgedBlock(10)
	first.Stop()

	second, _, _ := newTestBuffer(t, 2*time.Second, withFileStore, WithStore(NewFileStore(dir)))
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	require.Equal(t, int64(10), second.GetEarliestAvailableBlockNumber())
	require.Equal(t, int64(12), second.GetLastBlockNumberProduced())
	require.Equal(t, int64(10), second.GetHighestAckedBlockNumber())
	for n := int64(10); n <= 12; n++ {
		block, ok := second.GetBlockState(n)
		require.True(t, ok, "block %d", n)
		require.True(t, block.IsClosed())
	}
}

package blockbuffer

import (
	"math"
	"time"
)

// defaultIdealMaxBufferSize is the ideal number of buffered blocks used when
// no positive block period is configured.
const defaultIdealMaxBufferSize = 150

// PruneResult summarizes one pruning pass over the buffer.
type PruneResult struct {
	IdealMaxBufferSize  int64
	NumBlocksChecked    int
	NumBlocksPendingAck int
	NumBlocksPruned     int
	// Lowest and highest block left in the buffer, -1 when it is empty.
	OldestBlockNumber int64
	NewestBlockNumber int64
	SaturationPercent float64
	IsSaturated       bool
}

func newPruneResult(ideal int64, checked, pendingAck, pruned int, oldest, newest int64) PruneResult {
	res := PruneResult{
		IdealMaxBufferSize:  ideal,
		NumBlocksChecked:    checked,
		NumBlocksPendingAck: pendingAck,
		NumBlocksPruned:     pruned,
		OldestBlockNumber:   oldest,
		NewestBlockNumber:   newest,
	}
	if ideal != 0 {
		res.IsSaturated = int64(pendingAck) >= ideal
		// ratio rounded half-even to six decimals, expressed in percent
		ratio := math.RoundToEven(float64(pendingAck) / float64(ideal) * 1e6)
		res.SaturationPercent = ratio / 1e4
	}
	return res
}

func (b *BlockBuffer) idealMaxBufferSize() int64 {
	if b.blockPeriod <= 0 {
		return defaultIdealMaxBufferSize
	}
	return int64(b.cfg.BlockTTL / b.blockPeriod)
}

// pruneBuffer removes blocks that are closed, acknowledged and older than
// the TTL. When backpressure is disabled acknowledgement is not required.
// The cutoff and the acknowledgement watermark are read once per pass.
func (b *BlockBuffer) pruneBuffer() PruneResult {
	cutoff := b.now().Add(-b.cfg.BlockTTL)
	highestAcked := b.loadHighestAcked()
	ideal := b.idealMaxBufferSize()

	var (
		checked, pruned, pendingAck int
		oldestUnacked               time.Time
		newEarliest                 = int64(math.MaxInt64)
		newLatest                   = int64(math.MinInt64)
	)

	b.blocks.Range(func(key, value interface{}) bool {
		blockNumber := key.(int64)
		block := value.(*BlockState)
		checked++

		closedAt := block.ClosedTimestamp()
		if closedAt.IsZero() {
			// still being produced, it can't be pruned yet
			newEarliest = minInt64(newEarliest, blockNumber)
			newLatest = maxInt64(newLatest, blockNumber)
			return true
		}

		acked := blockNumber <= highestAcked
		if (!b.cfg.BackpressureEnabled || acked) && closedAt.Before(cutoff) {
			b.blocks.Delete(blockNumber)
			pruned++
			return true
		}

		if !acked {
			pendingAck++
			if oldestUnacked.IsZero() || closedAt.Before(oldestUnacked) {
				oldestUnacked = closedAt
			}
		}
		newEarliest = minInt64(newEarliest, blockNumber)
		newLatest = maxInt64(newLatest, blockNumber)
		return true
	})

	oldest, newest := int64(-1), int64(-1)
	if newEarliest != math.MaxInt64 {
		oldest, newest = newEarliest, newLatest
		b.setEarliest(newEarliest)
	} else {
		b.setEarliest(unsetBlockNumber)
	}

	b.metrics.BlocksPruned.Add(float64(pruned))
	b.metrics.NumBlocks.Set(float64(checked - pruned))
	b.metrics.NumBlocksPendingAck.Set(float64(pendingAck))
	if oldestUnacked.IsZero() {
		b.metrics.OldestUnackedBlockTime.Set(-1)
	} else {
		b.metrics.OldestUnackedBlockTime.Set(float64(oldestUnacked.UnixNano() / int64(time.Millisecond)))
	}

	return newPruneResult(ideal, checked, pendingAck, pruned, oldest, newest)
}

// checkBuffer prunes the buffer and reacts to the change in saturation:
//
//	previous \ current | below action | action stage | saturated
//	below action       | -            | switch       | engage + switch
//	action stage       | -            | switch       | engage + switch
//	saturated          | recover      | recover      | engage + switch
//
// where "switch" is subject to the grace period and "recover" releases the
// gate only at or below the recovery threshold.
func (b *BlockBuffer) checkBuffer() {
	result := b.pruneBuffer()
	previous := b.lastPrune
	b.lastPrune = result

	b.logger.Debug("block buffer status",
		"ideal_max_buffer_size", result.IdealMaxBufferSize,
		"blocks_checked", result.NumBlocksChecked,
		"blocks_pruned", result.NumBlocksPruned,
		"blocks_pending_ack", result.NumBlocksPendingAck,
		"oldest_block", result.OldestBlockNumber,
		"newest_block", result.NewestBlockNumber,
		"saturation", result.SaturationPercent)

	b.metrics.Saturation.Set(result.SaturationPercent)

	threshold := b.cfg.ActionStageThreshold
	switch {
	case previous.SaturationPercent < threshold:
		if result.IsSaturated {
			b.enableBackpressure(result)
			b.switchBlockNodeIfPermitted(result)
		} else if result.SaturationPercent >= threshold {
			b.switchBlockNodeIfPermitted(result)
		}

	case !previous.IsSaturated:
		if result.IsSaturated {
			b.enableBackpressure(result)
			b.switchBlockNodeIfPermitted(result)
		} else if result.SaturationPercent >= threshold {
			b.switchBlockNodeIfPermitted(result)
		}

	default:
		if result.IsSaturated {
			b.enableBackpressure(result)
			b.switchBlockNodeIfPermitted(result)
		} else {
			b.disableBackpressureIfRecovered(result)
		}
	}

	if b.awaitingRecovery && !result.IsSaturated {
		b.disableBackpressureIfRecovered(result)
	}
}

// switchBlockNodeIfPermitted asks for a different block node unless the
// previous request happened within the grace period.
func (b *BlockBuffer) switchBlockNodeIfPermitted(result PruneResult) {
	now := b.now()
	if now.Sub(b.lastRecoveryActionAt) <= b.cfg.ActionGracePeriod {
		return
	}

	b.logger.Info("switching block node due to increasing buffer saturation",
		"saturation", result.SaturationPercent)
	b.lastRecoveryActionAt = now
	b.metrics.NodeSwitchRequests.Add(1)

	if cm := b.connectionManager(); cm != nil {
		cm.SelectNewBlockNodeForStreaming(true)
	}
}

func (b *BlockBuffer) enableBackpressure(result PruneResult) {
	if !b.cfg.BackpressureEnabled {
		return
	}

	if b.gate.engage() {
		b.logger.Error("block buffer is saturated; blocking new blocks",
			"ideal_max_buffer_size", result.IdealMaxBufferSize,
			"blocks_checked", result.NumBlocksChecked,
			"blocks_pruned", result.NumBlocksPruned,
			"blocks_pending_ack", result.NumBlocksPendingAck,
			"saturation", result.SaturationPercent)
		b.metrics.BackpressureActive.Set(1)
	}
}

// disableBackpressureIfRecovered releases the gate once saturation is at or
// below the recovery threshold. Until then the buffer keeps awaiting
// recovery and checks again on every pass.
func (b *BlockBuffer) disableBackpressureIfRecovered(result PruneResult) {
	if !b.cfg.BackpressureEnabled {
		return
	}

	if result.SaturationPercent > b.cfg.RecoveryThreshold {
		b.awaitingRecovery = true
		b.logger.Debug("buffer has not recovered enough to permit new blocks",
			"saturation", result.SaturationPercent,
			"recovery_threshold", b.cfg.RecoveryThreshold)
		return
	}

	b.awaitingRecovery = false
	if b.gate.release() {
		b.logger.Info("buffer recovered; new blocks are permitted",
			"saturation", result.SaturationPercent,
			"recovery_threshold", b.cfg.RecoveryThreshold)
		b.metrics.BackpressureActive.Set(0)
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package blockbuffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

var (
	// ErrBlockClosed is returned when an item is added to a closed block.
	ErrBlockClosed = errors.New("block is closed")
	// ErrMissingTimestamp is returned when a block is closed without a
	// timestamp.
	ErrMissingTimestamp = errors.New("close timestamp is required")
)

// BlockState is the ordered, append-only item list of a single block
// together with the bookkeeping needed to stream it: the requests built from
// its items, which of them were sent, and when the block was closed.
//
// BlockState is safe for concurrent use.
type BlockState struct {
	number int64

	mtx          sync.RWMutex
	items        []*bsproto.BlockItem
	batched      int // items already packed into requests
	requests     []*bsproto.PublishStreamRequest
	requestsSent []bool
	proofRequest int // index of the request carrying the block proof, or -1
	proofSent    bool
	closedAt     time.Time
}

// NewBlockState opens an empty block.
func NewBlockState(blockNumber int64) *BlockState {
	return &BlockState{
		number:       blockNumber,
		proofRequest: -1,
	}
}

// BlockNumber returns the number of the block.
func (bs *BlockState) BlockNumber() int64 { return bs.number }

// AddItem appends item to the block. Nil items are ignored.
func (bs *BlockState) AddItem(item *bsproto.BlockItem) error {
	if item == nil {
		return nil
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if !bs.closedAt.IsZero() {
		return fmt.Errorf("adding %s item to block %d: %w", item.Kind, bs.number, ErrBlockClosed)
	}
	bs.items = append(bs.items, item)
	return nil
}

// CloseBlock marks the block complete at ts. Closing again overwrites the
// timestamp.
func (bs *BlockState) CloseBlock(ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("closing block %d: %w", bs.number, ErrMissingTimestamp)
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	bs.closedAt = ts
	return nil
}

// IsClosed reports whether the block has been closed.
func (bs *BlockState) IsClosed() bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return !bs.closedAt.IsZero()
}

// ClosedTimestamp returns the close timestamp, or the zero time while the
// block is open.
func (bs *BlockState) ClosedTimestamp() time.Time {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.closedAt
}

// ItemCount returns the number of items added so far.
func (bs *BlockState) ItemCount() int {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return len(bs.items)
}

// ItemAt returns the item at index i.
func (bs *BlockState) ItemAt(i int) (*bsproto.BlockItem, bool) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	if i < 0 || i >= len(bs.items) {
		return nil, false
	}
	return bs.items[i], true
}

// Items returns a copy of the item list.
func (bs *BlockState) Items() []*bsproto.BlockItem {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	items := make([]*bsproto.BlockItem, len(bs.items))
	copy(items, bs.items)
	return items
}

// ProcessPendingItems packs the items that are not part of a request yet
// into requests of at most batchSize items. The block proof always starts a
// request of its own, so that the request carrying it can be recognized.
func (bs *BlockState) ProcessPendingItems(batchSize int) {
	if batchSize < 1 {
		batchSize = 1
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	pending := bs.items[bs.batched:]
	for len(pending) > 0 {
		n := 0
		for n < len(pending) && n < batchSize {
			if n > 0 && pending[n].IsBlockProof() {
				break
			}
			n++
		}

		batch := make([]*bsproto.BlockItem, n)
		copy(batch, pending[:n])
		if batch[0].IsBlockProof() {
			bs.proofRequest = len(bs.requests)
		}
		bs.requests = append(bs.requests, bsproto.NewBlockItemsRequest(batch))
		bs.requestsSent = append(bs.requestsSent, false)

		bs.batched += n
		pending = pending[n:]
	}
}

// NumRequestsCreated returns the number of requests built so far.
func (bs *BlockState) NumRequestsCreated() int {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return len(bs.requests)
}

// Request returns the request at index i.
func (bs *BlockState) Request(i int) (*bsproto.PublishStreamRequest, bool) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	if i < 0 || i >= len(bs.requests) {
		return nil, false
	}
	return bs.requests[i], true
}

// MarkRequestSent records that request i was written to a block node.
// Sending the request that carries the proof marks the proof as sent.
func (bs *BlockState) MarkRequestSent(i int) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if i < 0 || i >= len(bs.requests) {
		return
	}
	bs.requestsSent[i] = true
	if i == bs.proofRequest {
		bs.proofSent = true
	}
}

// markAllRequestsSent is used when a block is restored after its proof was
// already delivered.
func (bs *BlockState) markAllRequestsSent() {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	for i := range bs.requestsSent {
		bs.requestsSent[i] = true
	}
	bs.proofSent = true
}

// IsBlockProofSent reports whether the request carrying the block proof was
// sent.
func (bs *BlockState) IsBlockProofSent() bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.proofSent
}

func (bs *BlockState) String() string {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return fmt.Sprintf("Block{%d items:%d requests:%d closed:%v proofSent:%v}",
		bs.number, len(bs.items), len(bs.requests), !bs.closedAt.IsZero(), bs.proofSent)
}

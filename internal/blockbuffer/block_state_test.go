package blockbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

func header(n int64) *bsproto.BlockItem {
	return &bsproto.BlockItem{Kind: bsproto.ItemKindBlockHeader, BlockNumber: n}
}

func tx(payload string) *bsproto.BlockItem {
	return &bsproto.BlockItem{Kind: bsproto.ItemKindSignedTransaction, Payload: []byte(payload)}
}

func proof(n int64) *bsproto.BlockItem {
	return &bsproto.BlockItem{Kind: bsproto.ItemKindBlockProof, BlockNumber: n}
}

func TestBlockStateAddAndClose(t *testing.T) {
	block := NewBlockState(7)
	require.Equal(t, int64(7), block.BlockNumber())
	require.False(t, block.IsClosed())
	require.True(t, block.ClosedTimestamp().IsZero())

	require.NoError(t, block.AddItem(header(7)))
	require.NoError(t, block.AddItem(nil))
	require.NoError(t, block.AddItem(tx("a")))
	require.Equal(t, 2, block.ItemCount())

	item, ok := block.ItemAt(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), item.Payload)
	_, ok = block.ItemAt(2)
	require.False(t, ok)
	_, ok = block.ItemAt(-1)
	require.False(t, ok)

	require.ErrorIs(t, block.CloseBlock(time.Time{}), ErrMissingTimestamp)
	require.False(t, block.IsClosed())

	closedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, block.CloseBlock(closedAt))
	require.True(t, block.IsClosed())
	require.Equal(t, closedAt, block.ClosedTimestamp())

	require.ErrorIs(t, block.AddItem(proof(7)), ErrBlockClosed)
	require.Equal(t, 2, block.ItemCount())

	// closing again overwrites the timestamp
	require.NoError(t, block.CloseBlock(closedAt.Add(time.Second)))
	require.Equal(t, closedAt.Add(time.Second), block.ClosedTimestamp())
}

func TestProcessPendingItems(t *testing.T) {
	block := NewBlockState(3)
	for _, item := range []*bsproto.BlockItem{header(3), tx("a"), tx("b"), tx("c"), proof(3)} {
		require.NoError(t, block.AddItem(item))
	}

	block.ProcessPendingItems(2)
	require.Equal(t, 3, block.NumRequestsCreated())

	sizes := []int{2, 2, 1}
	for i, size := range sizes {
		req, ok := block.Request(i)
		require.True(t, ok)
		require.Len(t, req.BlockItems.BlockItems, size)
	}
	req, _ := block.Request(2)
	require.True(t, req.BlockItems.BlockItems[0].IsBlockProof())

	// processing again creates nothing new
	block.ProcessPendingItems(2)
	require.Equal(t, 3, block.NumRequestsCreated())

	block.MarkRequestSent(0)
	block.MarkRequestSent(1)
	require.False(t, block.IsBlockProofSent())
	block.MarkRequestSent(5)
	require.False(t, block.IsBlockProofSent())
	block.MarkRequestSent(2)
	require.True(t, block.IsBlockProofSent())
}

func TestProcessPendingItemsProofStartsRequest(t *testing.T) {
	block := NewBlockState(4)
	require.NoError(t, block.AddItem(header(4)))

	// a partial batch is sent right away
	block.ProcessPendingItems(4)
	require.Equal(t, 1, block.NumRequestsCreated())

	require.NoError(t, block.AddItem(tx("a")))
	require.NoError(t, block.AddItem(proof(4)))
	block.ProcessPendingItems(4)
	require.Equal(t, 3, block.NumRequestsCreated())

	req, ok := block.Request(1)
	require.True(t, ok)
	require.Len(t, req.BlockItems.BlockItems, 1)
	require.Equal(t, bsproto.ItemKindSignedTransaction, req.BlockItems.BlockItems[0].Kind)

	req, ok = block.Request(2)
	require.True(t, ok)
	require.True(t, req.BlockItems.BlockItems[0].IsBlockProof())

	_, ok = block.Request(3)
	require.False(t, ok)
}

func TestProcessPendingItemsZeroBatchSize(t *testing.T) {
	block := NewBlockState(1)
	require.NoError(t, block.AddItem(header(1)))
	require.NoError(t, block.AddItem(tx("a")))

	block.ProcessPendingItems(0)
	require.Equal(t, 2, block.NumRequestsCreated())
}

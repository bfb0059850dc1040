package blocknode_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/internal/blockbuffer"
	"github.com/tendermint/blockstream/internal/blocknode"
	"github.com/tendermint/blockstream/internal/blocknode/blocknodetest"
	"github.com/tendermint/blockstream/internal/blocknode/mocks"
	"github.com/tendermint/blockstream/libs/log"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

const waitFor = 10 * time.Second

type harness struct {
	cfg     *config.ConnectionConfig
	buffer  *blockbuffer.BlockBuffer
	manager *blocknode.ConnectionManager
}

func newHarness(t *testing.T, factory blocknode.ClientFactory, nodes []blocknode.NodeConfig) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewTestingLogger(t)
	cfg := config.TestConnectionConfig()
	cfg.RootDir = t.TempDir()
	if nodes != nil {
		writeNodes(t, cfg, nodes)
	}

	buffer := blockbuffer.NewBlockBuffer(logger, config.TestBufferConfig(), config.TestStreamConfig())
	manager := blocknode.NewConnectionManager(logger, cfg, config.TestStreamConfig(), buffer,
		blocknode.WithClientFactory(factory))

	require.NoError(t, buffer.Start(ctx))
	t.Cleanup(buffer.Stop)
	require.NoError(t, manager.Start(ctx))
	t.Cleanup(manager.Stop)

	return &harness{cfg: cfg, buffer: buffer, manager: manager}
}

func writeNodes(t *testing.T, cfg *config.ConnectionConfig, nodes []blocknode.NodeConfig) {
	t.Helper()
	path := cfg.BlockNodeConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, blocknode.WriteNodesFile(path, nodes))
}

func (h *harness) waitForActive(t *testing.T, want blocknode.NodeConfig) {
	t.Helper()
	require.Eventually(t, func() bool {
		active, ok := h.manager.ActiveBlockNode()
		return ok && active == want
	}, waitFor, 10*time.Millisecond)
}

func (h *harness) produce(t *testing.T, blockNumber int64, txs int) {
	t.Helper()
	require.NoError(t, h.buffer.OpenBlock(blockNumber))
	require.NoError(t, h.buffer.AddItem(blockNumber,
		&bsproto.BlockItem{Kind: bsproto.ItemKindBlockHeader, BlockNumber: blockNumber}))
	for i := 0; i < txs; i++ {
		require.NoError(t, h.buffer.AddItem(blockNumber, &bsproto.BlockItem{
			Kind:    bsproto.ItemKindSignedTransaction,
			Payload: []byte(fmt.Sprintf("tx-%d-%d", blockNumber, i)),
		}))
	}
	require.NoError(t, h.buffer.AddItem(blockNumber,
		&bsproto.BlockItem{Kind: bsproto.ItemKindBlockProof, BlockNumber: blockNumber}))
	require.NoError(t, h.buffer.CloseBlock(blockNumber))
}

func TestStreamBlocksToBlockNode(t *testing.T) {
	srv := blocknodetest.NewServer(t)
	node := blocknode.NodeConfig{Address: "block-node-1", Port: 40840, Priority: 0}
	h := newHarness(t, srv.ClientFactory(time.Second), []blocknode.NodeConfig{node})

	h.waitForActive(t, node)

	for n := int64(0); n < 10; n++ {
		h.produce(t, n, 5)
	}

	require.Eventually(t, func() bool {
		return h.buffer.GetHighestAckedBlockNumber() == 9
	}, waitFor, 10*time.Millisecond)

	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, srv.Proofs())
	require.Equal(t, int64(9), h.manager.LastVerifiedBlock(node))

	items := srv.BlockItems(4)
	require.Len(t, items, 7)
	require.True(t, items[0].IsBlockHeader())
	require.True(t, items[6].IsBlockProof())
	require.Equal(t, 1, srv.Streams())
}

func TestBlockNodeListHotReload(t *testing.T) {
	srv := blocknodetest.NewServer(t)
	h := newHarness(t, srv.ClientFactory(time.Second), nil)

	_, ok := h.manager.ActiveBlockNode()
	require.False(t, ok)
	require.Empty(t, h.manager.BlockNodes())

	first := blocknode.NodeConfig{Address: "block-node-1", Port: 40840, Priority: 0}
	writeNodes(t, h.cfg, []blocknode.NodeConfig{first})
	h.waitForActive(t, first)

	second := blocknode.NodeConfig{Address: "block-node-2", Port: 40840, Priority: 0}
	writeNodes(t, h.cfg, []blocknode.NodeConfig{second})
	h.waitForActive(t, second)

	require.NoError(t, os.Remove(h.cfg.BlockNodeConfigPath()))
	require.Eventually(t, func() bool {
		_, ok := h.manager.ActiveBlockNode()
		return !ok && len(h.manager.BlockNodes()) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestRetryUntilPublishStreamOpens(t *testing.T) {
	stream := mocks.NewRequestStream(t)
	proofs := make(chan int64, 16)
	stream.On("Send", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		req := args.Get(0).(*bsproto.PublishStreamRequest)
		if req.BlockItems == nil {
			return
		}
		for _, item := range req.BlockItems.BlockItems {
			if item.IsBlockProof() {
				proofs <- item.BlockNumber
			}
		}
	}).Maybe()
	stream.On("CloseSend").Return(nil).Maybe()

	client := mocks.NewStreamClient(t)
	client.On("PublishBlockStream", mock.Anything, mock.Anything).
		Return(nil, errors.New("unavailable")).Once()
	client.On("PublishBlockStream", mock.Anything, mock.Anything).
		Return(stream, nil).Once()
	client.On("Close").Return(nil).Maybe()

	factory := func(blocknode.NodeConfig) (blocknode.StreamClient, error) { return client, nil }
	node := blocknode.NodeConfig{Address: "block-node-1", Port: 40840, Priority: 0}
	h := newHarness(t, factory, []blocknode.NodeConfig{node})

	h.waitForActive(t, node)
	h.produce(t, 0, 2)

	select {
	case n := <-proofs:
		require.EqualValues(t, 0, n)
	case <-time.After(waitFor):
		t.Fatal("block proof was never sent")
	}
}

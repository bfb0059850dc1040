package blockstream

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestPublishStreamRequestBlockItems(t *testing.T) {
	req := NewBlockItemsRequest([]*BlockItem{
		{Kind: ItemKindBlockHeader, BlockNumber: 7},
		{Kind: ItemKindSignedTransaction, Payload: []byte("tx")},
		{Kind: ItemKindBlockProof, BlockNumber: 7, Payload: []byte("sig")},
	})

	bz, err := req.Marshal()
	require.NoError(t, err)

	var got PublishStreamRequest
	require.NoError(t, got.Unmarshal(bz))
	require.Nil(t, got.EndStream)
	if diff := cmp.Diff(req, &got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	require.True(t, got.BlockItems.BlockItems[2].IsBlockProof())
	require.True(t, got.BlockItems.BlockItems[0].IsBlockHeader())
}

func TestEndStreamKeepsSentinels(t *testing.T) {
	req := NewEndStreamRequest(EndStreamTooFarBehind, -1, -1)

	bz, err := req.Marshal()
	require.NoError(t, err)

	var got PublishStreamRequest
	require.NoError(t, got.Unmarshal(bz))
	require.Nil(t, got.BlockItems)
	require.Equal(t, EndStream{Code: EndStreamTooFarBehind, EarliestBlockNumber: -1, LatestBlockNumber: -1}, *got.EndStream)
}

func TestRequestRejectsTwoOneofFields(t *testing.T) {
	req := &PublishStreamRequest{
		BlockItems: &BlockItemSet{},
		EndStream:  &EndStream{Code: EndStreamReset},
	}
	_, err := req.Marshal()
	require.ErrorIs(t, err, errOneofConflict)
}

func TestPublishStreamResponses(t *testing.T) {
	testCases := map[string]*PublishStreamResponse{
		"acknowledgement": {Acknowledgement: &Acknowledgement{BlockNumber: 12}},
		"end of stream":   {EndOfStream: &EndOfStream{Status: EndOfStreamBehind, BlockNumber: 9}},
		"skip block":      {SkipBlock: &SkipBlock{BlockNumber: 3}},
		"resend block":    {ResendBlock: &ResendBlock{BlockNumber: 0}},
	}

	for name, resp := range testCases {
		resp := resp
		t.Run(name, func(t *testing.T) {
			bz, err := resp.Marshal()
			require.NoError(t, err)

			var got PublishStreamResponse
			require.NoError(t, got.Unmarshal(bz))
			if diff := cmp.Diff(resp, &got); diff != "" {
				t.Fatalf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnrecognizedResponse(t *testing.T) {
	// field 9 is not part of the response
	bz := protowire.AppendTag(nil, 9, protowire.BytesType)
	bz = protowire.AppendBytes(bz, []byte("future"))

	var got PublishStreamResponse
	require.NoError(t, got.Unmarshal(bz))
	require.Equal(t, PublishStreamResponse{}, got)
}

func TestUnmarshalTruncated(t *testing.T) {
	resp := &PublishStreamResponse{Acknowledgement: &Acknowledgement{BlockNumber: 1 << 40}}
	bz, err := resp.Marshal()
	require.NoError(t, err)

	var got PublishStreamResponse
	require.Error(t, got.Unmarshal(bz[:len(bz)-1]))
}

func TestBufferSnapshot(t *testing.T) {
	closed := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	snapshot := &BufferSnapshot{
		HighestAckedBlockNumber: 41,
		Blocks: []*BufferedBlock{
			{
				BlockNumber:     41,
				Items:           []*BlockItem{{Kind: ItemKindBlockHeader, BlockNumber: 41}, {Kind: ItemKindBlockProof, BlockNumber: 41}},
				ClosedTimestamp: closed,
				ProofSent:       true,
				Acknowledged:    true,
			},
			{
				BlockNumber:     42,
				Items:           []*BlockItem{{Kind: ItemKindBlockHeader, BlockNumber: 42}},
				ClosedTimestamp: closed.Add(time.Second),
			},
		},
	}

	bz, err := snapshot.Marshal()
	require.NoError(t, err)

	var got BufferSnapshot
	require.NoError(t, got.Unmarshal(bz))
	if diff := cmp.Diff(snapshot, &got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec(t *testing.T) {
	codec := Codec{}
	require.Equal(t, CodecName, codec.Name())

	bz, err := codec.Marshal(&PublishStreamResponse{SkipBlock: &SkipBlock{BlockNumber: 5}})
	require.NoError(t, err)

	var got PublishStreamResponse
	require.NoError(t, codec.Unmarshal(bz, &got))
	require.Equal(t, int64(5), got.SkipBlock.BlockNumber)

	_, err = codec.Marshal("not a message")
	require.Error(t, err)
	require.Error(t, codec.Unmarshal(bz, new(string)))
}

func TestEnumStrings(t *testing.T) {
	require.Equal(t, "block_proof", ItemKindBlockProof.String())
	require.Equal(t, "RESET", EndStreamReset.String())
	require.Equal(t, "PERSISTENCE_FAILED", EndOfStreamPersistenceFailed.String())
	require.Equal(t, "EndOfStreamCode(42)", EndOfStreamCode(42).String())
}

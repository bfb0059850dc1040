package blockstream

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ItemKind identifies the payload carried by a BlockItem.
type ItemKind int32

const (
	ItemKindUnknown ItemKind = iota
	ItemKindBlockHeader
	ItemKindEventHeader
	ItemKindRoundHeader
	ItemKindSignedTransaction
	ItemKindTransactionResult
	ItemKindTransactionOutput
	ItemKindStateChanges
	ItemKindRecordFile
	// ItemKindBlockProof is the terminal item of every block.
	ItemKindBlockProof
)

var itemKindNames = map[ItemKind]string{
	ItemKindUnknown:           "unknown",
	ItemKindBlockHeader:       "block_header",
	ItemKindEventHeader:       "event_header",
	ItemKindRoundHeader:       "round_header",
	ItemKindSignedTransaction: "signed_transaction",
	ItemKindTransactionResult: "transaction_result",
	ItemKindTransactionOutput: "transaction_output",
	ItemKindStateChanges:      "state_changes",
	ItemKindRecordFile:        "record_file",
	ItemKindBlockProof:        "block_proof",
}

func (k ItemKind) String() string {
	if name, ok := itemKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ItemKind(%d)", int32(k))
}

// EndStreamCode is the reason sent to a block node when the publisher ends
// a stream.
type EndStreamCode int32

const (
	EndStreamUnknown EndStreamCode = iota
	EndStreamReset
	EndStreamTimeout
	EndStreamError
	EndStreamTooFarBehind
)

func (c EndStreamCode) String() string {
	switch c {
	case EndStreamUnknown:
		return "UNKNOWN"
	case EndStreamReset:
		return "RESET"
	case EndStreamTimeout:
		return "TIMEOUT"
	case EndStreamError:
		return "ERROR"
	case EndStreamTooFarBehind:
		return "TOO_FAR_BEHIND"
	default:
		return fmt.Sprintf("EndStreamCode(%d)", int32(c))
	}
}

// EndOfStreamCode is the reason a block node gives when it ends a stream.
type EndOfStreamCode int32

const (
	EndOfStreamUnknown EndOfStreamCode = iota
	EndOfStreamSuccess
	EndOfStreamInvalidRequest
	EndOfStreamError
	EndOfStreamTimeout
	EndOfStreamDuplicateBlock
	EndOfStreamBadBlockProof
	EndOfStreamBehind
	EndOfStreamPersistenceFailed
)

func (c EndOfStreamCode) String() string {
	switch c {
	case EndOfStreamUnknown:
		return "UNKNOWN"
	case EndOfStreamSuccess:
		return "SUCCESS"
	case EndOfStreamInvalidRequest:
		return "INVALID_REQUEST"
	case EndOfStreamError:
		return "ERROR"
	case EndOfStreamTimeout:
		return "TIMEOUT"
	case EndOfStreamDuplicateBlock:
		return "DUPLICATE_BLOCK"
	case EndOfStreamBadBlockProof:
		return "BAD_BLOCK_PROOF"
	case EndOfStreamBehind:
		return "BEHIND"
	case EndOfStreamPersistenceFailed:
		return "PERSISTENCE_FAILED"
	default:
		return fmt.Sprintf("EndOfStreamCode(%d)", int32(c))
	}
}

// BlockItem is a single element of a block. Header and proof items carry the
// number of the block they belong to.
type BlockItem struct {
	Kind        ItemKind
	BlockNumber int64
	Payload     []byte
}

// IsBlockProof reports whether the item terminates its block.
func (m *BlockItem) IsBlockProof() bool {
	return m != nil && m.Kind == ItemKindBlockProof
}

// IsBlockHeader reports whether the item opens its block.
func (m *BlockItem) IsBlockHeader() bool {
	return m != nil && m.Kind == ItemKindBlockHeader
}

func (m *BlockItem) Marshal() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *BlockItem) appendTo(b []byte) []byte {
	b = appendEnum(b, 1, int32(m.Kind))
	b = appendSint64(b, 2, m.BlockNumber)
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func (m *BlockItem) Unmarshal(b []byte) error {
	*m = BlockItem{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Kind = ItemKind(v)
			return n, err
		case 2:
			v, n, err := consumeSint64(typ, b)
			m.BlockNumber = v
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			m.Payload = append([]byte(nil), v...)
			return n, err
		}
		return skipField, nil
	})
}

// BlockItemSet is a batch of items of a single block.
type BlockItemSet struct {
	BlockItems []*BlockItem
}

func (m *BlockItemSet) Marshal() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *BlockItemSet) appendTo(b []byte) []byte {
	for _, item := range m.BlockItems {
		b = appendMessage(b, 1, item.appendTo(nil))
	}
	return b
}

func (m *BlockItemSet) Unmarshal(b []byte) error {
	*m = BlockItemSet{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		item := new(BlockItem)
		if err := item.Unmarshal(v); err != nil {
			return 0, err
		}
		m.BlockItems = append(m.BlockItems, item)
		return n, nil
	})
}

// EndStream tells a block node that the publisher is closing the stream
// and which blocks it still holds.
type EndStream struct {
	Code                EndStreamCode
	EarliestBlockNumber int64
	LatestBlockNumber   int64
}

func (m *EndStream) Marshal() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *EndStream) appendTo(b []byte) []byte {
	b = appendEnum(b, 1, int32(m.Code))
	b = appendSint64(b, 2, m.EarliestBlockNumber)
	return appendSint64(b, 3, m.LatestBlockNumber)
}

func (m *EndStream) Unmarshal(b []byte) error {
	*m = EndStream{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Code = EndStreamCode(v)
			return n, err
		case 2:
			v, n, err := consumeSint64(typ, b)
			m.EarliestBlockNumber = v
			return n, err
		case 3:
			v, n, err := consumeSint64(typ, b)
			m.LatestBlockNumber = v
			return n, err
		}
		return skipField, nil
	})
}

// PublishStreamRequest is sent from the publisher to a block node. Exactly
// one of its fields is set.
type PublishStreamRequest struct {
	BlockItems *BlockItemSet
	EndStream  *EndStream
}

// NewBlockItemsRequest wraps items into a request.
func NewBlockItemsRequest(items []*BlockItem) *PublishStreamRequest {
	return &PublishStreamRequest{BlockItems: &BlockItemSet{BlockItems: items}}
}

// NewEndStreamRequest builds a request that ends the stream with code.
func NewEndStreamRequest(code EndStreamCode, earliest, latest int64) *PublishStreamRequest {
	return &PublishStreamRequest{EndStream: &EndStream{
		Code:                code,
		EarliestBlockNumber: earliest,
		LatestBlockNumber:   latest,
	}}
}

func (m *PublishStreamRequest) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case m.BlockItems != nil && m.EndStream != nil:
		return nil, errOneofConflict
	case m.BlockItems != nil:
		b = appendMessage(b, 1, m.BlockItems.appendTo(nil))
	case m.EndStream != nil:
		b = appendMessage(b, 2, m.EndStream.appendTo(nil))
	}
	return b, nil
}

func (m *PublishStreamRequest) Unmarshal(b []byte) error {
	*m = PublishStreamRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			set := new(BlockItemSet)
			if err := set.Unmarshal(v); err != nil {
				return 0, err
			}
			*m = PublishStreamRequest{BlockItems: set}
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			end := new(EndStream)
			if err := end.Unmarshal(v); err != nil {
				return 0, err
			}
			*m = PublishStreamRequest{EndStream: end}
			return n, nil
		}
		return skipField, nil
	})
}

// Acknowledgement confirms that a block node verified and persisted every
// block up to and including BlockNumber.
type Acknowledgement struct {
	BlockNumber int64
}

func (m *Acknowledgement) appendTo(b []byte) []byte {
	return appendSint64(b, 1, m.BlockNumber)
}

func (m *Acknowledgement) unmarshal(b []byte) error {
	return consumeFields(b, blockNumberField(1, &m.BlockNumber))
}

// EndOfStream is sent by a block node before it closes the stream.
type EndOfStream struct {
	Status      EndOfStreamCode
	BlockNumber int64
}

func (m *EndOfStream) appendTo(b []byte) []byte {
	b = appendEnum(b, 1, int32(m.Status))
	return appendSint64(b, 2, m.BlockNumber)
}

func (m *EndOfStream) unmarshal(b []byte) error {
	readBlockNumber := blockNumberField(2, &m.BlockNumber)
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			m.Status = EndOfStreamCode(v)
			return n, err
		}
		return readBlockNumber(num, typ, b)
	})
}

// SkipBlock asks the publisher to stop sending BlockNumber.
type SkipBlock struct {
	BlockNumber int64
}

func (m *SkipBlock) appendTo(b []byte) []byte {
	return appendSint64(b, 1, m.BlockNumber)
}

func (m *SkipBlock) unmarshal(b []byte) error {
	return consumeFields(b, blockNumberField(1, &m.BlockNumber))
}

// ResendBlock asks the publisher to restart streaming at BlockNumber.
type ResendBlock struct {
	BlockNumber int64
}

func (m *ResendBlock) appendTo(b []byte) []byte {
	return appendSint64(b, 1, m.BlockNumber)
}

func (m *ResendBlock) unmarshal(b []byte) error {
	return consumeFields(b, blockNumberField(1, &m.BlockNumber))
}

func blockNumberField(field protowire.Number, dst *int64) fieldDecoder {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != field {
			return skipField, nil
		}
		v, n, err := consumeSint64(typ, b)
		*dst = v
		return n, err
	}
}

// PublishStreamResponse is sent by a block node to the publisher. A response
// with no field set was not understood.
type PublishStreamResponse struct {
	Acknowledgement *Acknowledgement
	EndOfStream     *EndOfStream
	SkipBlock       *SkipBlock
	ResendBlock     *ResendBlock
}

func (m *PublishStreamResponse) Marshal() ([]byte, error) {
	set := 0
	var b []byte
	if m.Acknowledgement != nil {
		set++
		b = appendMessage(b, 1, m.Acknowledgement.appendTo(nil))
	}
	if m.EndOfStream != nil {
		set++
		b = appendMessage(b, 2, m.EndOfStream.appendTo(nil))
	}
	if m.SkipBlock != nil {
		set++
		b = appendMessage(b, 3, m.SkipBlock.appendTo(nil))
	}
	if m.ResendBlock != nil {
		set++
		b = appendMessage(b, 4, m.ResendBlock.appendTo(nil))
	}
	if set > 1 {
		return nil, errOneofConflict
	}
	return b, nil
}

func (m *PublishStreamResponse) Unmarshal(b []byte) error {
	*m = PublishStreamResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return skipField, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}

		// the last oneof field on the wire wins
		*m = PublishStreamResponse{}
		switch num {
		case 1:
			m.Acknowledgement = new(Acknowledgement)
			err = m.Acknowledgement.unmarshal(v)
		case 2:
			m.EndOfStream = new(EndOfStream)
			err = m.EndOfStream.unmarshal(v)
		case 3:
			m.SkipBlock = new(SkipBlock)
			err = m.SkipBlock.unmarshal(v)
		case 4:
			m.ResendBlock = new(ResendBlock)
			err = m.ResendBlock.unmarshal(v)
		}
		return n, err
	})
}

package blockstream

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// BufferedBlock is the persisted form of a closed block held in the block
// buffer.
type BufferedBlock struct {
	BlockNumber     int64
	Items           []*BlockItem
	ClosedTimestamp time.Time
	ProofSent       bool
	Acknowledged    bool
}

func (m *BufferedBlock) Marshal() ([]byte, error) {
	return m.appendTo(nil)
}

func (m *BufferedBlock) appendTo(b []byte) ([]byte, error) {
	b = appendSint64(b, 1, m.BlockNumber)
	for _, item := range m.Items {
		b = appendMessage(b, 2, item.appendTo(nil))
	}
	if !m.ClosedTimestamp.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.ClosedTimestamp))
		if err != nil {
			return nil, fmt.Errorf("marshaling closed timestamp of block %d: %w", m.BlockNumber, err)
		}
		b = appendMessage(b, 3, ts)
	}
	b = appendBool(b, 4, m.ProofSent)
	return appendBool(b, 5, m.Acknowledged), nil
}

func (m *BufferedBlock) Unmarshal(b []byte) error {
	*m = BufferedBlock{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeSint64(typ, b)
			m.BlockNumber = v
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			item := new(BlockItem)
			if err := item.Unmarshal(v); err != nil {
				return 0, err
			}
			m.Items = append(m.Items, item)
			return n, nil
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ts := new(timestamppb.Timestamp)
			if err := proto.Unmarshal(v, ts); err != nil {
				return 0, err
			}
			if err := ts.CheckValid(); err != nil {
				return 0, err
			}
			m.ClosedTimestamp = ts.AsTime()
			return n, nil
		case 4:
			v, n, err := consumeVarint(typ, b)
			m.ProofSent = protowire.DecodeBool(v)
			return n, err
		case 5:
			v, n, err := consumeVarint(typ, b)
			m.Acknowledged = protowire.DecodeBool(v)
			return n, err
		}
		return skipField, nil
	})
}

// BufferSnapshot is everything needed to restore the block buffer after a
// restart.
type BufferSnapshot struct {
	Blocks                  []*BufferedBlock
	HighestAckedBlockNumber int64
}

func (m *BufferSnapshot) Marshal() ([]byte, error) {
	var b []byte
	for _, block := range m.Blocks {
		msg, err := block.appendTo(nil)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 1, msg)
	}
	return appendSint64(b, 2, m.HighestAckedBlockNumber), nil
}

func (m *BufferSnapshot) Unmarshal(b []byte) error {
	*m = BufferSnapshot{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			block := new(BufferedBlock)
			if err := block.Unmarshal(v); err != nil {
				return 0, err
			}
			m.Blocks = append(m.Blocks, block)
			return n, nil
		case 2:
			v, n, err := consumeSint64(typ, b)
			m.HighestAckedBlockNumber = v
			return n, err
		}
		return skipField, nil
	})
}

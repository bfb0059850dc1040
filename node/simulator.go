package node

import (
	"context"
	"errors"
	"time"

	"github.com/tendermint/blockstream/internal/blockbuffer"
	"github.com/tendermint/blockstream/libs/log"
	tmrand "github.com/tendermint/blockstream/libs/rand"
	"github.com/tendermint/blockstream/libs/service"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

const (
	defaultTxsPerBlock = 8
	defaultPayloadSize = 128
)

// Simulator produces synthetic blocks into a buffer at a fixed period,
// waiting whenever the buffer applies backpressure.
type Simulator struct {
	service.BaseService

	logger      log.Logger
	buffer      *blockbuffer.BlockBuffer
	period      time.Duration
	txsPerBlock int
	payloadSize int
	rand        *tmrand.Rand

	next int64 // owned by the produce routine
	done chan struct{}
}

// SimulatorOption sets an optional parameter on the Simulator.
type SimulatorOption func(*Simulator)

// WithTxsPerBlock sets how many transactions every block carries.
func WithTxsPerBlock(n int) SimulatorOption {
	return func(s *Simulator) { s.txsPerBlock = n }
}

// WithPayloadSize sets the size of every transaction.
func WithPayloadSize(n int) SimulatorOption {
	return func(s *Simulator) { s.payloadSize = n }
}

// NewSimulator returns a producer for buffer creating one block per period.
func NewSimulator(logger log.Logger, buffer *blockbuffer.BlockBuffer, period time.Duration, options ...SimulatorOption) *Simulator {
	s := &Simulator{
		logger:      logger,
		buffer:      buffer,
		period:      period,
		txsPerBlock: defaultTxsPerBlock,
		payloadSize: defaultPayloadSize,
		rand:        tmrand.NewRand(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.BaseService = *service.NewBaseService(logger, "Simulator", s)
	return s
}

// OnStart continues after the latest block found in the buffer.
func (s *Simulator) OnStart(ctx context.Context) error {
	s.next = s.buffer.GetLastBlockNumberProduced() + 1
	s.done = make(chan struct{})
	go s.produceRoutine(ctx)
	return nil
}

// OnStop waits for the produce routine to exit.
func (s *Simulator) OnStop() {
	if s.done != nil {
		<-s.done
	}
}

func (s *Simulator) produceRoutine(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.buffer.EnsureNewBlocksPermitted(ctx); err != nil {
			return
		}

		err := s.produceBlock(s.next)
		switch {
		case errors.Is(err, blockbuffer.ErrBlockProofAlreadySent):
			s.logger.Info("block was already streamed; skipping it", "block", s.next)
		case err != nil:
			s.logger.Error("failed to produce block", "block", s.next, "err", err)
			continue
		}
		s.next++
	}
}

func (s *Simulator) produceBlock(blockNumber int64) error {
	if err := s.buffer.OpenBlock(blockNumber); err != nil {
		return err
	}

	items := make([]*bsproto.BlockItem, 0, s.txsPerBlock+2)
	items = append(items, &bsproto.BlockItem{Kind: bsproto.ItemKindBlockHeader, BlockNumber: blockNumber})
	for i := 0; i < s.txsPerBlock; i++ {
		items = append(items, &bsproto.BlockItem{
			Kind:    bsproto.ItemKindSignedTransaction,
			Payload: s.rand.Bytes(s.payloadSize),
		})
	}
	items = append(items, &bsproto.BlockItem{Kind: bsproto.ItemKindBlockProof, BlockNumber: blockNumber})

	for _, item := range items {
		if err := s.buffer.AddItem(blockNumber, item); err != nil {
			return err
		}
	}
	if err := s.buffer.CloseBlock(blockNumber); err != nil {
		return err
	}

	s.logger.Debug("produced block", "block", blockNumber, "items", len(items))
	return nil
}

// Package blocknodetest provides an in-process block node for tests.
package blocknodetest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tendermint/blockstream/internal/blocknode"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

const bufSize = 1 << 20

var errNoStream = errors.New("no publish stream is open")

// Server is a block node listening on an in-memory connection. It records
// every block it receives and, unless disabled, acknowledges each block as
// soon as its proof arrives.
type Server struct {
	lis *bufconn.Listener
	srv *grpc.Server

	mtx        sync.Mutex
	autoAck    bool
	streams    int
	stream     bsproto.PublishBlockStreamServer
	sendMtx    sync.Mutex
	items      map[int64][]*bsproto.BlockItem
	proofs     []int64
	endStreams []bsproto.EndStream
}

// NewServer starts a block node that is stopped when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		lis:     bufconn.Listen(bufSize),
		srv:     grpc.NewServer(grpc.ForceServerCodec(bsproto.Codec{})),
		autoAck: true,
		items:   make(map[int64][]*bsproto.BlockItem),
	}
	bsproto.RegisterBlockStreamPublishServiceServer(s.srv, s)

	go func() {
		_ = s.srv.Serve(s.lis)
	}()
	t.Cleanup(s.srv.Stop)
	return s
}

// ClientFactory returns a factory whose clients reach this server whatever
// block node they are created for.
func (s *Server) ClientFactory(timeout time.Duration) blocknode.ClientFactory {
	return blocknode.NewGRPCClientFactory(timeout,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
	)
}

// SetAutoAck turns automatic acknowledgements on or off.
func (s *Server) SetAutoAck(on bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.autoAck = on
}

// PublishBlockStream implements bsproto.BlockStreamPublishServiceServer.
func (s *Server) PublishBlockStream(stream bsproto.PublishBlockStreamServer) error {
	s.mtx.Lock()
	s.streams++
	s.stream = stream
	s.mtx.Unlock()

	current := int64(-1)
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if req.EndStream != nil {
			s.mtx.Lock()
			s.endStreams = append(s.endStreams, *req.EndStream)
			s.mtx.Unlock()
			return nil
		}
		if req.BlockItems == nil {
			continue
		}

		for _, item := range req.BlockItems.BlockItems {
			if item.IsBlockHeader() {
				current = item.BlockNumber
			}

			s.mtx.Lock()
			s.items[current] = append(s.items[current], item)
			autoAck := s.autoAck
			if item.IsBlockProof() {
				s.proofs = append(s.proofs, item.BlockNumber)
			}
			s.mtx.Unlock()

			if item.IsBlockProof() && autoAck {
				if err := s.send(stream, &bsproto.PublishStreamResponse{
					Acknowledgement: &bsproto.Acknowledgement{BlockNumber: item.BlockNumber},
				}); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Server) send(stream bsproto.PublishBlockStreamServer, resp *bsproto.PublishStreamResponse) error {
	s.sendMtx.Lock()
	defer s.sendMtx.Unlock()
	return stream.Send(resp)
}

// Send writes resp to the latest publish stream.
func (s *Server) Send(resp *bsproto.PublishStreamResponse) error {
	s.mtx.Lock()
	stream := s.stream
	s.mtx.Unlock()

	if stream == nil {
		return errNoStream
	}
	return s.send(stream, resp)
}

// Streams returns the number of publish streams opened so far.
func (s *Server) Streams() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.streams
}

// Proofs returns the numbers of the blocks whose proofs arrived, in order
// of arrival.
func (s *Server) Proofs() []int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	proofs := make([]int64, len(s.proofs))
	copy(proofs, s.proofs)
	return proofs
}

// BlockItems returns the items received for a block.
func (s *Server) BlockItems(blockNumber int64) []*bsproto.BlockItem {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	items := make([]*bsproto.BlockItem, len(s.items[blockNumber]))
	copy(items, s.items[blockNumber])
	return items
}

// EndStreams returns the EndStream requests received so far.
func (s *Server) EndStreams() []bsproto.EndStream {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ends := make([]bsproto.EndStream, len(s.endStreams))
	copy(ends, s.endStreams)
	return ends
}

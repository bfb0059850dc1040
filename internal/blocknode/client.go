package blocknode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

//go:generate mockery --case underscore --name StreamClient
//go:generate mockery --case underscore --name RequestStream

// ResponseHandler receives everything a block node sends on a publish
// stream. Exactly one of OnError and OnComplete is called last.
type ResponseHandler interface {
	OnNext(*bsproto.PublishStreamResponse)
	OnError(error)
	OnComplete()
}

// RequestStream is the publisher half of a publish stream.
type RequestStream interface {
	Send(*bsproto.PublishStreamRequest) error
	// CloseSend tells the block node that no more requests follow.
	CloseSend() error
}

// StreamClient opens publish streams to a single block node.
type StreamClient interface {
	PublishBlockStream(ctx context.Context, handler ResponseHandler) (RequestStream, error)
	Close() error
}

// ClientFactory creates a client for the given block node.
type ClientFactory func(node NodeConfig) (StreamClient, error)

// NewGRPCClientFactory returns a factory for plaintext gRPC clients. timeout
// bounds the opening of a stream. Streams are instrumented with the default
// gRPC Prometheus client metrics.
func NewGRPCClientFactory(timeout time.Duration, opts ...grpc.DialOption) ClientFactory {
	return func(node NodeConfig) (StreamClient, error) {
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
				grpc_prometheus.StreamClientInterceptor,
			)),
		}, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		cc, err := grpc.DialContext(ctx, node.ID(), dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("dialing block node %s: %w", node.ID(), err)
		}
		return &grpcClient{cc: cc, timeout: timeout}, nil
	}
}

type grpcClient struct {
	cc      *grpc.ClientConn
	timeout time.Duration
}

var _ StreamClient = (*grpcClient)(nil)

// PublishBlockStream opens a stream and starts delivering its responses to
// handler. The stream lives until ctx is done, either side ends it or the
// client is closed.
func (c *grpcClient) PublishBlockStream(ctx context.Context, handler ResponseHandler) (RequestStream, error) {
	// the stream must outlive the open timeout
	opened := make(chan struct{})
	defer close(opened)
	openCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-opened:
		case <-time.After(c.timeout):
			cancel()
		}
	}()

	stream, err := bsproto.NewPublishBlockStreamClient(openCtx, c.cc)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer cancel()
		receiveResponses(stream, handler)
	}()
	return stream, nil
}

func receiveResponses(stream bsproto.PublishBlockStreamClient, handler ResponseHandler) {
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			handler.OnComplete()
			return
		}
		if err != nil {
			handler.OnError(err)
			return
		}
		handler.OnNext(resp)
	}
}

func (c *grpcClient) Close() error {
	return c.cc.Close()
}

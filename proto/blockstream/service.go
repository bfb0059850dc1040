package blockstream

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified name of the publish service.
	ServiceName = "blockstream.BlockStreamPublishService"
	// PublishBlockStreamMethod is the bidirectional streaming method that
	// carries blocks to a block node.
	PublishBlockStreamMethod = "/" + ServiceName + "/PublishBlockStream"
)

// BlockStreamPublishServiceServer is implemented by block nodes.
type BlockStreamPublishServiceServer interface {
	PublishBlockStream(PublishBlockStreamServer) error
}

// PublishBlockStreamServer is the block node side of a publish stream.
type PublishBlockStreamServer interface {
	Send(*PublishStreamResponse) error
	Recv() (*PublishStreamRequest, error)
	grpc.ServerStream
}

type publishBlockStreamServer struct {
	grpc.ServerStream
}

func (x *publishBlockStreamServer) Send(m *PublishStreamResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *publishBlockStreamServer) Recv() (*PublishStreamRequest, error) {
	m := new(PublishStreamRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func publishBlockStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BlockStreamPublishServiceServer).PublishBlockStream(&publishBlockStreamServer{stream})
}

// PublishBlockStreamDesc describes the publish stream for clients.
var PublishBlockStreamDesc = grpc.StreamDesc{
	StreamName:    "PublishBlockStream",
	Handler:       publishBlockStreamHandler,
	ServerStreams: true,
	ClientStreams: true,
}

// BlockStreamPublishServiceDesc describes the publish service for servers.
var BlockStreamPublishServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BlockStreamPublishServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams:     []grpc.StreamDesc{PublishBlockStreamDesc},
	Metadata:    "blockstream/publish.proto",
}

// RegisterBlockStreamPublishServiceServer registers srv with s. The server
// must be created with grpc.ForceServerCodec(Codec{}).
func RegisterBlockStreamPublishServiceServer(s grpc.ServiceRegistrar, srv BlockStreamPublishServiceServer) {
	s.RegisterService(&BlockStreamPublishServiceDesc, srv)
}

// PublishBlockStreamClient is the publisher side of a publish stream.
type PublishBlockStreamClient interface {
	Send(*PublishStreamRequest) error
	Recv() (*PublishStreamResponse, error)
	grpc.ClientStream
}

type publishBlockStreamClient struct {
	grpc.ClientStream
}

func (x *publishBlockStreamClient) Send(m *PublishStreamRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *publishBlockStreamClient) Recv() (*PublishStreamResponse, error) {
	m := new(PublishStreamResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewPublishBlockStreamClient opens a publish stream on cc.
func NewPublishBlockStreamClient(
	ctx context.Context,
	cc grpc.ClientConnInterface,
	opts ...grpc.CallOption,
) (PublishBlockStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := cc.NewStream(ctx, &PublishBlockStreamDesc, PublishBlockStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &publishBlockStreamClient{stream}, nil
}

package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName      = "avoidance.v1.Visualiser"
	StreamCyclesName = "StreamCycles"
	streamCyclesPath = "/" + ServiceName + "/" + StreamCyclesName
)

// cycleStreamer is the handler type checked by grpc when registering.
type cycleStreamer interface {
	streamCycles(req *emptypb.Empty, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*cycleStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    StreamCyclesName,
		Handler:       streamCyclesHandler,
		ServerStreams: true,
	}},
	Metadata: "avoidance/v1/visualiser.proto",
}

func streamCyclesHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(cycleStreamer).streamCycles(req, stream)
}

func (p *Publisher) streamCycles(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch, ok := p.addClient()
	if !ok {
		return status.Error(codes.ResourceExhausted, "visualiser is not accepting streams")
	}
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, open := <-ch:
			if !open {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// CycleStream receives cycles from a Visualiser server.
type CycleStream struct {
	stream grpc.ClientStream
}

// StreamCycles opens a cycle stream on conn.
func StreamCycles(ctx context.Context, conn grpc.ClientConnInterface) (*CycleStream, error) {
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamCyclesPath)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &CycleStream{stream: stream}, nil
}

// Recv blocks for the next cycle. It returns io.EOF when the server ends the
// stream.
func (s *CycleStream) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

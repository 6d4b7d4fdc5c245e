// Package worker serves source sampling over gRPC so that profile loading
// can be spread over several hosts.
package worker

import (
	"golang.org/x/net/context"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName      = "eotsv.Sampler"
	sampleMethodName = "/eotsv.Sampler/Sample"
)

// SamplerServer is implemented by sampling servers. Requests and results
// are encoded as protobuf Structs, see EncodeRequest and EncodeResult.
type SamplerServer interface {
	Sample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func RegisterSamplerServer(s *grpc.Server, srv SamplerServer) {
	s.RegisterService(&samplerServiceDesc, srv)
}

func sampleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SamplerServer).Sample(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sampleMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SamplerServer).Sample(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var samplerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SamplerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Sample",
			Handler:    sampleHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sampler.proto",
}

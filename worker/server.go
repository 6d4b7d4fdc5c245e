package worker

import (
	"github.com/nci/eotsv/processor"
	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Server struct {
	Pool *SamplerPool
}

func (s *Server) Sample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// a worker must never block on an abandoned request
	rChan := make(chan *processor.SampleResult, 1)
	errChan := make(chan error, 1)
	if err := s.Pool.AddQueue(&Job{Ctx: ctx, Payload: req, Resp: rChan, Error: errChan}); err != nil {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}

	select {
	case out := <-rChan:
		return EncodeResult(out)
	case err := <-errChan:
		return nil, toStatus(err)
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

var errorCodes = []struct {
	kind error
	code codes.Code
}{
	{timeseries.ErrUnreadableSource, codes.NotFound},
	{timeseries.ErrNoValidDate, codes.FailedPrecondition},
	{timeseries.ErrNoSensorID, codes.FailedPrecondition},
	{timeseries.ErrTransformFailed, codes.InvalidArgument},
}

func toStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.kind) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

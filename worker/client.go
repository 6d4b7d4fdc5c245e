package worker

import (
	"strings"
	"sync/atomic"

	"github.com/golang/protobuf/proto"
	"github.com/nci/eotsv/processor"
	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/context"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client samples sources on remote workers, picking connections round
// robin.
type Client struct {
	conns []*grpc.ClientConn
	addrs []string
	next  atomic.Uint64
	log   *zap.Logger
}

// Dial connects to every address. Extra dial options are appended to the
// default insecure transport.
func Dial(addrs []string, log *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no worker addresses")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	c := &Client{addrs: addrs, log: log}
	for _, addr := range addrs {
		conn, err := grpc.Dial(addr, opts...)
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "gRPC connection problem with %s", addr)
		}
		c.conns = append(c.conns, conn)
	}
	return c, nil
}

func (c *Client) Addresses() []string {
	return append([]string(nil), c.addrs...)
}

func (c *Client) Close() error {
	var first error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Client) Sample(ctx context.Context, req *processor.SampleRequest) (*processor.SampleResult, error) {
	in, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	i := int((c.next.Add(1) - 1) % uint64(len(c.conns)))
	out := new(structpb.Struct)
	if err := c.conns[i].Invoke(ctx, sampleMethodName, in, out); err != nil {
		c.log.Debug("remote sample failed", zap.String("addr", c.addrs[i]), zap.String("uri", req.URI), zap.Error(err))
		return nil, fromStatus(req.URI, err)
	}
	res, err := DecodeResult(out)
	if err != nil {
		return nil, err
	}
	res.Bytes = int64(proto.Size(in) + proto.Size(out))
	return res, nil
}

func fromStatus(uri string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	for _, e := range errorCodes {
		if st.Code() == e.code {
			if msg := st.Message(); strings.Contains(msg, e.kind.Error()) {
				return &timeseries.SourceError{URI: uri, Kind: e.kind, Message: msg}
			}
		}
	}
	return errors.Wrapf(err, "%s", uri)
}

var _ processor.Sampler = (*Client)(nil)

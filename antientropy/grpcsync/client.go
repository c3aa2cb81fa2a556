package grpcsync

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/receipts/antientropy"
)

// Client implements antientropy.Peer over the Sync gRPC service. Every
// response is decoded with the same limits the server applies; receipts are
// verified by the local engine, not here.
type Client struct {
	cc     *grpc.ClientConn
	client SyncClient
}

var _ antientropy.Peer = (*Client)(nil)

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Extra options, e.g. a context dialer in tests.
	Extra []grpc.DialOption
}

func Dial(target string, opts DialOptions) (*Client, error) {
	limit := opts.MaxMsgBytes
	if limit <= 0 {
		limit = maxMsgBytes
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(limit),
			grpc.MaxCallSendMsgSize(limit),
		),
	}
	dialOpts = append(dialOpts, opts.Extra...)

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, client: NewSyncClient(cc)}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Advertise(ctx context.Context, scope antientropy.Scope) (*antientropy.Advertise, error) {
	b, err := antientropy.EncodeScope(scope)
	if err != nil {
		return nil, err
	}
	reply, err := c.client.Advertise(ctx, wrapperspb.Bytes(b))
	if err != nil {
		return nil, mapRPC(err)
	}
	return antientropy.DecodeAdvertise(reply.GetValue())
}

func (c *Client) Request(ctx context.Context, req *antientropy.Request) (*antientropy.Transfer, error) {
	b, err := antientropy.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.client.Request(ctx, wrapperspb.Bytes(b))
	if err != nil {
		return nil, mapRPC(err)
	}
	return antientropy.DecodeTransfer(reply.GetValue())
}

func (c *Client) Deliver(ctx context.Context, t *antientropy.Transfer) (*antientropy.Ack, error) {
	b, err := antientropy.EncodeTransfer(t)
	if err != nil {
		return nil, err
	}
	reply, err := c.client.Deliver(ctx, wrapperspb.Bytes(b))
	if err != nil {
		return nil, mapRPC(err)
	}
	return antientropy.DecodeAck(reply.GetValue())
}

func (c *Client) Ack(ctx context.Context, a *antientropy.Ack) error {
	b, err := antientropy.EncodeAck(a)
	if err != nil {
		return err
	}
	if _, err := c.client.Ack(ctx, wrapperspb.Bytes(b)); err != nil {
		return mapRPC(err)
	}
	return nil
}

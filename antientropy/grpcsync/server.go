package grpcsync

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/receipts/antientropy"
	"xdao.co/receipts/internal/log"
)

// Server exposes an antientropy.Peer, normally the local *antientropy.Engine,
// over the Sync gRPC service.
type Server struct {
	UnimplementedSyncServer
	Peer   antientropy.Peer
	Logger log.Logger
}

func NewServer(p antientropy.Peer, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{Peer: p, Logger: logger}
}

// ServerOptions sizes gRPC messages for the largest sync message.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgBytes),
		grpc.MaxSendMsgSize(maxMsgBytes),
	}
}

func (s *Server) Advertise(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Peer == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing peer")
	}
	scope, err := antientropy.DecodeScope(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ad, err := s.Peer.Advertise(ctx, scope)
	if err != nil {
		return nil, s.mapErr("advertise", err)
	}
	b, err := antientropy.EncodeAdvertise(ad)
	if err != nil {
		return nil, s.mapErr("advertise", err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Request(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Peer == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing peer")
	}
	req, err := antientropy.DecodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	t, err := s.Peer.Request(ctx, req)
	if err != nil {
		return nil, s.mapErr("request", err)
	}
	b, err := antientropy.EncodeTransfer(t)
	if err != nil {
		return nil, s.mapErr("request", err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Peer == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing peer")
	}
	t, err := antientropy.DecodeTransfer(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ack, err := s.Peer.Deliver(ctx, t)
	if err != nil {
		return nil, s.mapErr("deliver", err)
	}
	b, err := antientropy.EncodeAck(ack)
	if err != nil {
		return nil, s.mapErr("deliver", err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Ack(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Peer == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing peer")
	}
	a, err := antientropy.DecodeAck(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.Peer.Ack(ctx, a); err != nil {
		return nil, s.mapErr("ack", err)
	}
	return wrapperspb.Bool(true), nil
}

func (s *Server) mapErr(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		if s.Logger != nil {
			s.Logger.Error("sync rpc failed", "op", op, "err", err)
		}
		return status.Error(codes.Internal, err.Error())
	}
}

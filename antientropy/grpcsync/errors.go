package grpcsync

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"xdao.co/receipts/antientropy"
)

// ErrBadMessage means the other side could not decode a sync message.
var ErrBadMessage = errors.New("grpcsync: malformed sync message")

// maxMsgBytes leaves room for the protobuf wrapper around a sync message.
const maxMsgBytes = antientropy.MaxMessageBytes + 4096

func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.InvalidArgument:
		// Server uses InvalidArgument for messages it could not decode.
		return fmt.Errorf("%w: %s", ErrBadMessage, st.Message())
	default:
		return err
	}
}

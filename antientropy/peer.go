package antientropy

import (
	"context"
	"errors"
	"fmt"
)

// Peer is the remote side of a sync session. Every method is one round trip
// and may be retried, so implementations must tolerate repeats.
//
// *Engine implements Peer for the local node; grpcsync.Client implements it
// over the network.
type Peer interface {
	Advertise(ctx context.Context, scope Scope) (*Advertise, error)
	Request(ctx context.Context, req *Request) (*Transfer, error)
	Deliver(ctx context.Context, t *Transfer) (*Ack, error)
	Ack(ctx context.Context, a *Ack) error
}

// NamedPeer labels a Peer for logs, metrics and reports.
type NamedPeer struct {
	Name string
	Peer Peer
}

// TransportError is a round trip that failed after all retries. It never
// reflects local state, which remains intact.
type TransportError struct {
	Peer string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("antientropy: %s %s: %v", e.Peer, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

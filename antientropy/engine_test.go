package antientropy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/kernel"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
	"xdao.co/receipts/store/testkit"
)

func testConfig() Config {
	return Config{
		RoundTripTimeout: time.Second,
		MaxRetries:       4,
		RetryInitial:     time.Millisecond,
		RetryMax:         5 * time.Millisecond,
	}
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	k, err := kernel.New(context.Background(), store.NewMemory(), kernel.WithLogger(log.NewTestingLogger(t)))
	require.NoError(t, err)
	opts = append([]Option{WithConfig(testConfig()), WithLogger(log.NewTestingLogger(t))}, opts...)
	return NewEngine(k, opts...)
}

func ingestAll(t *testing.T, e *Engine, rs ...*receipt.Receipt) {
	t.Helper()
	for _, r := range rs {
		_, err := e.Kernel().Ingest(context.Background(), r)
		require.NoError(t, err)
	}
}

func storedIDs(t *testing.T, e *Engine) []receipt.ID {
	t.Helper()
	ids, err := e.Kernel().Store().IDs(context.Background())
	require.NoError(t, err)
	return ids
}

// chain signs n receipts in one stream, each referencing the previous.
func chain(t *testing.T, key byte, schema string, n int) []*receipt.Receipt {
	t.Helper()
	priv := testkit.Key(key)
	var out []*receipt.Receipt
	var prev []receipt.ID
	for i := 0; i < n; i++ {
		r := testkit.Sign(t, priv, schema, prev, []byte(fmt.Sprintf("%s-%d", schema, i)))
		out = append(out, r)
		prev = []receipt.ID{r.ID()}
	}
	return out
}

func requireSameAdvertisement(t *testing.T, a, b *Engine) {
	t.Helper()
	ctx := context.Background()
	adA, err := a.Advertise(ctx, Scope{})
	require.NoError(t, err)
	adB, err := b.Advertise(ctx, Scope{})
	require.NoError(t, err)
	require.Equal(t, adA.Heads, adB.Heads)
	require.Equal(t, adA.Count, adB.Count)
	require.Equal(t, adA.Digest, adB.Digest)
}

func TestConvergenceDisjointSets(t *testing.T) {
	defer leaktest.Check(t)()

	stream := chain(t, 1, "chat/v1", 120)
	other := chain(t, 2, "notes/v1", 10)

	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, a, stream[:60]...)
	ingestAll(t, b, stream[60:]...)
	ingestAll(t, b, other...)

	rep, err := a.NewSession("b", b, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Converged)
	require.True(t, rep.Identical)
	require.False(t, rep.Deferred)
	require.Equal(t, 2, rep.Rounds)
	require.Equal(t, 70, rep.Received)
	require.Equal(t, 60, rep.Sent)

	require.Equal(t, storedIDs(t, a), storedIDs(t, b))
	require.Len(t, storedIDs(t, a), 130)
	requireSameAdvertisement(t, a, b)

	ad, err := a.Advertise(context.Background(), Scope{})
	require.NoError(t, err)
	want := []receipt.ID{stream[119].ID(), other[9].ID()}
	receipt.SortIDs(want)
	require.Equal(t, want, ad.Heads)
	require.True(t, b.Kernel().Tracker().HappensBefore(stream[0].ID(), stream[119].ID()))
}

func TestSessionIdenticalSetsFinishInOneRound(t *testing.T) {
	defer leaktest.Check(t)()

	rs := chain(t, 1, "chat/v1", 3)
	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, a, rs...)
	ingestAll(t, b, rs...)

	s := a.NewSession("b", b, Scope{})
	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Rounds)
	require.True(t, rep.Identical)
	require.Zero(t, rep.Received)
	require.Zero(t, rep.Sent)
	require.Equal(t, StateIdle, s.State())
}

func TestSessionIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, a, chain(t, 1, "chat/v1", 5)...)
	ingestAll(t, b, chain(t, 2, "chat/v1", 5)...)

	first, err := a.NewSession("b", b, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, first.Identical)

	again, err := b.NewSession("a", a, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, again.Rounds)
	require.Zero(t, again.Received)
	require.Len(t, storedIDs(t, a), 10)
}

func TestScopedSessionOnlyMovesScope(t *testing.T) {
	defer leaktest.Check(t)()

	mine := chain(t, 1, "chat/v1", 4)
	theirs := chain(t, 2, "chat/v1", 4)
	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, b, mine...)
	ingestAll(t, b, theirs...)

	author, err := receipt.AuthorOf(mine[0].Author)
	require.NoError(t, err)
	rep, err := a.NewSession("b", b, Scope{Author: author}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Identical)
	require.Len(t, storedIDs(t, a), 4)
}

// faultyPeer fails every third call, duplicates every receipt it returns and
// appends a tampered copy of the first one.
type faultyPeer struct {
	Peer

	mu    sync.Mutex
	calls int
}

func (f *faultyPeer) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls%3 == 0 {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (f *faultyPeer) Advertise(ctx context.Context, scope Scope) (*Advertise, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Peer.Advertise(ctx, scope)
}

func (f *faultyPeer) Request(ctx context.Context, req *Request) (*Transfer, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	t, err := f.Peer.Request(ctx, req)
	if err != nil || len(t.Receipts) == 0 {
		return t, err
	}
	bad := append([]byte(nil), t.Receipts[0]...)
	bad[len(bad)-1] ^= 0x01
	out := &Transfer{}
	for _, b := range t.Receipts {
		out.Receipts = append(out.Receipts, b, b)
	}
	out.Receipts = append(out.Receipts, bad)
	return out, nil
}

func (f *faultyPeer) Deliver(ctx context.Context, t *Transfer) (*Ack, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Peer.Deliver(ctx, t)
}

func (f *faultyPeer) Ack(ctx context.Context, a *Ack) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Peer.Ack(ctx, a)
}

func TestConvergenceOverFaultyTransport(t *testing.T) {
	defer leaktest.Check(t)()

	stream := chain(t, 1, "chat/v1", 40)
	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, a, stream[:15]...)
	ingestAll(t, b, stream[15:]...)

	rep, err := a.NewSession("b", &faultyPeer{Peer: b}, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Identical)
	require.Positive(t, rep.Rejected)
	require.Positive(t, rep.Duplicates)
	require.Equal(t, storedIDs(t, a), storedIDs(t, b))
	requireSameAdvertisement(t, a, b)
}

// lossyPeer answers the first drops Requests with an empty Transfer.
type lossyPeer struct {
	Peer

	mu    sync.Mutex
	drops int
}

func (l *lossyPeer) Request(ctx context.Context, req *Request) (*Transfer, error) {
	l.mu.Lock()
	drop := l.drops != 0
	if l.drops > 0 {
		l.drops--
	}
	l.mu.Unlock()
	if drop {
		return &Transfer{}, nil
	}
	return l.Peer.Request(ctx, req)
}

func TestEmptyTransfersDoNotConverge(t *testing.T) {
	defer leaktest.Check(t)()

	stream := chain(t, 1, "chat/v1", 10)
	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, b, stream...)

	rep, err := a.NewSession("b", &lossyPeer{Peer: b, drops: 2}, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Converged)
	require.True(t, rep.Identical)
	require.Equal(t, 3, rep.Rounds)
	require.Equal(t, 10, rep.Received)
	require.Equal(t, storedIDs(t, b), storedIDs(t, a))
}

func TestPeerThatNeverTransfersIsNotConverged(t *testing.T) {
	defer leaktest.Check(t)()

	a := newEngine(t, WithConfig(Config{
		MaxRounds:    4,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
	}))
	b := newEngine(t)
	ingestAll(t, b, chain(t, 1, "chat/v1", 3)...)

	rep, err := a.NewSession("b", &lossyPeer{Peer: b, drops: -1}, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Converged)
	require.False(t, rep.Identical)
	require.Equal(t, 4, rep.Rounds)
	require.Empty(t, storedIDs(t, a))
}

type downPeer struct{}

func (downPeer) Advertise(context.Context, Scope) (*Advertise, error) {
	return nil, errors.New("no route to host")
}
func (downPeer) Request(context.Context, *Request) (*Transfer, error) {
	return nil, errors.New("no route to host")
}
func (downPeer) Deliver(context.Context, *Transfer) (*Ack, error) {
	return nil, errors.New("no route to host")
}
func (downPeer) Ack(context.Context, *Ack) error { return errors.New("no route to host") }

func TestUnreachablePeerDefers(t *testing.T) {
	defer leaktest.Check(t)()

	a := newEngine(t)
	ingestAll(t, a, chain(t, 1, "chat/v1", 2)...)

	rep, err := a.NewSession("down", downPeer{}, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Deferred)
	require.False(t, rep.Converged)
	require.True(t, IsTransport(rep.LastErr))
	require.Len(t, storedIDs(t, a), 2)
}

// cancelOnAck cancels the session as soon as the first batch is acknowledged.
type cancelOnAck struct {
	Peer
	cancel context.CancelFunc
}

func (c *cancelOnAck) Ack(ctx context.Context, a *Ack) error {
	c.cancel()
	return nil
}

func TestCancellationKeepsIngestedReceipts(t *testing.T) {
	defer leaktest.Check(t)()

	stream := chain(t, 1, "chat/v1", 5)
	a := newEngine(t)
	b := newEngine(t)
	ingestAll(t, b, stream...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep, err := a.NewSession("b", &cancelOnAck{Peer: b, cancel: cancel}, Scope{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, rep.Deferred)
	require.Equal(t, 1, rep.Received)
	require.Equal(t, []receipt.ID{stream[4].ID()}, storedIDs(t, a))
}

func TestPolicyConvergesOnIntersection(t *testing.T) {
	defer leaktest.Check(t)()

	public := chain(t, 1, "public/v1", 3)
	private := chain(t, 1, "private/v1", 3)
	a := newEngine(t)
	b := newEngine(t, WithPolicy(Policy{
		Accept: func(r *receipt.Receipt) bool { return r.Schema == "public/v1" },
	}))
	ingestAll(t, a, public...)
	ingestAll(t, a, private...)

	rep, err := a.NewSession("b", b, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Converged)
	require.False(t, rep.Identical)
	require.Equal(t, 3, rep.Sent)

	got := storedIDs(t, b)
	want := []receipt.ID{public[0].ID(), public[1].ID(), public[2].ID()}
	receipt.SortIDs(want)
	require.Equal(t, want, got)
}

func TestShareFilterHidesReceipts(t *testing.T) {
	defer leaktest.Check(t)()

	a := newEngine(t, WithPolicy(Policy{
		Share: func(r *receipt.Receipt) bool { return r.Schema != "secret/v1" },
	}))
	b := newEngine(t)
	ingestAll(t, a, chain(t, 1, "open/v1", 2)...)
	ingestAll(t, a, chain(t, 1, "secret/v1", 2)...)

	rep, err := b.NewSession("a", a, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Identical)
	require.Len(t, storedIDs(t, b), 2)
}

func TestSyncAllReachesEveryPeer(t *testing.T) {
	defer leaktest.Check(t)()

	hub := newEngine(t)
	var peers []NamedPeer
	var all []receipt.ID
	for i := 0; i < 3; i++ {
		e := newEngine(t)
		rs := chain(t, byte(10+i), "chat/v1", 4)
		ingestAll(t, e, rs...)
		for _, r := range rs {
			all = append(all, r.ID())
		}
		peers = append(peers, NamedPeer{Name: fmt.Sprintf("peer-%d", i), Peer: e})
	}
	peers = append(peers, NamedPeer{Name: "down", Peer: downPeer{}})

	reports, err := hub.SyncAll(context.Background(), peers, Scope{})
	require.NoError(t, err)
	require.Len(t, reports, 4)
	require.True(t, reports[3].Deferred)
	for _, r := range reports[:3] {
		require.True(t, r.Converged, r.Peer)
	}

	receipt.SortIDs(all)
	require.Equal(t, all, storedIDs(t, hub))
}

func TestRequestServesOnlyKnownIDs(t *testing.T) {
	rs := chain(t, 1, "chat/v1", 2)
	a := newEngine(t)
	ingestAll(t, a, rs[0])

	tr, err := a.Request(context.Background(), &Request{Wanted: []receipt.ID{rs[0].ID(), rs[1].ID()}})
	require.NoError(t, err)
	require.Len(t, tr.Receipts, 1)

	_, err = a.Request(context.Background(), &Request{Wanted: make([]receipt.ID, MaxBatch+1)})
	require.Error(t, err)
}

func TestInventoryPaging(t *testing.T) {
	ids := make([]receipt.ID, MaxInventory+10)
	for i := range ids {
		ids[i][0] = byte(i >> 8)
		ids[i][1] = byte(i)
		ids[i][31] = 1
	}
	first := inventoryPage(ids, receipt.ID{})
	require.True(t, first.More)
	require.Len(t, first.Inventory, MaxInventory)

	second := inventoryPage(ids, first.Inventory[len(first.Inventory)-1])
	require.False(t, second.More)
	require.Len(t, second.Inventory, 10)
}

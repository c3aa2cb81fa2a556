// Package antientropy brings two nodes to the same receipt set over a
// transport that may reorder, duplicate, delay or drop messages and is not
// trusted to relay content faithfully.
//
// A Session advertises heads and a set digest, pulls what the peer has by
// walking back from its heads, falls back to an inventory diff, and pushes
// what the peer lacks. Every step is idempotent and order independent, so a
// session can be retried, interrupted or resumed from stored state at any
// point. Inbound receipts are verified one by one through the kernel and
// invalid ones are dropped without aborting the exchange.
package antientropy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/kernel"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
)

// Policy limits what a node shares and accepts. Nil funcs allow everything.
// Peers with different policies converge on the intersection of what both
// allow.
type Policy struct {
	Share  func(*receipt.Receipt) bool
	Accept func(*receipt.Receipt) bool
}

func (p Policy) shares(r *receipt.Receipt) bool  { return p.Share == nil || p.Share(r) }
func (p Policy) accepts(r *receipt.Receipt) bool { return p.Accept == nil || p.Accept(r) }

// Config tunes sessions. Zero fields take defaults.
type Config struct {
	// BatchSize caps receipts per Transfer and ids per Request, up to MaxBatch.
	BatchSize int
	// RoundTripTimeout bounds each call to a peer.
	RoundTripTimeout time.Duration
	// MaxRounds bounds one session; an unfinished session resumes next time.
	MaxRounds int
	// MaxRetries bounds retries of one round trip before the session is
	// deferred.
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxSessions bounds concurrent sessions in SyncAll; 0 is unbounded.
	MaxSessions int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        MaxBatch,
		RoundTripTimeout: 10 * time.Second,
		MaxRounds:        32,
		MaxRetries:       5,
		RetryInitial:     100 * time.Millisecond,
		RetryMax:         5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 || c.BatchSize > MaxBatch {
		c.BatchSize = d.BatchSize
	}
	if c.RoundTripTimeout <= 0 {
		c.RoundTripTimeout = d.RoundTripTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	return c
}

// Engine is one node's side of anti-entropy. It serves peers through the Peer
// methods and drives sessions against them. Sessions share only the kernel.
type Engine struct {
	kernel  *kernel.Kernel
	policy  Policy
	cfg     Config
	logger  log.Logger
	metrics *Metrics
}

var _ Peer = (*Engine)(nil)

type Option func(*Engine)

func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c.withDefaults() } }

func WithLogger(l log.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(k *kernel.Kernel, opts ...Option) *Engine {
	e := &Engine{
		kernel:  k,
		cfg:     DefaultConfig(),
		logger:  log.NewNopLogger(),
		metrics: NopMetrics(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Kernel() *kernel.Kernel { return e.kernel }

// view is the local set for a scope after the share policy.
type view struct {
	ids []receipt.ID
	set map[receipt.ID]struct{}
}

func (e *Engine) view(ctx context.Context, scope Scope) (*view, error) {
	s := e.kernel.Store()
	var ids []receipt.ID
	switch {
	case scope.hasAuthor():
		rs, err := s.ListByAuthor(ctx, scope.Author)
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			if scope.Contains(r) && e.policy.shares(r) {
				ids = append(ids, r.ID())
			}
		}
	case scope.Schema == "" && e.policy.Share == nil:
		all, err := s.IDs(ctx)
		if err != nil {
			return nil, err
		}
		ids = all
	default:
		all, err := s.IDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range all {
			r, err := s.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if scope.Contains(r) && e.policy.shares(r) {
				ids = append(ids, id)
			}
		}
	}
	receipt.SortIDs(ids)
	v := &view{ids: ids, set: make(map[receipt.ID]struct{}, len(ids))}
	for _, id := range ids {
		v.set[id] = struct{}{}
	}
	return v, nil
}

// advertise lists at most MaxInventory heads, lowest ids first. Peers find
// the rest through the inventory diff.
func (e *Engine) advertise(v *view, scope Scope) *Advertise {
	tr := e.kernel.Tracker()
	a := &Advertise{Scope: scope, Count: len(v.ids), Digest: StateDigest(v.ids)}
	for _, id := range v.ids {
		head := true
		for _, child := range tr.Referencing(id) {
			if _, ok := v.set[child]; ok {
				head = false
				break
			}
		}
		if head {
			a.Heads = append(a.Heads, id)
			if len(a.Heads) == MaxInventory {
				break
			}
		}
	}
	return a
}

// Advertise summarizes the local set for scope.
func (e *Engine) Advertise(ctx context.Context, scope Scope) (*Advertise, error) {
	v, err := e.view(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("antientropy: advertise: %w", err)
	}
	return e.advertise(v, scope), nil
}

// Request serves receipts by id, or one inventory page. Unknown or unshared
// ids are skipped silently.
func (e *Engine) Request(ctx context.Context, req *Request) (*Transfer, error) {
	if req.Inventory {
		v, err := e.view(ctx, req.Scope)
		if err != nil {
			return nil, fmt.Errorf("antientropy: inventory: %w", err)
		}
		return inventoryPage(v.ids, req.After), nil
	}
	if len(req.Wanted) > MaxBatch {
		return nil, fmt.Errorf("antientropy: request names %d ids, limit %d", len(req.Wanted), MaxBatch)
	}
	t := &Transfer{}
	for _, id := range req.Wanted {
		r, err := e.kernel.Store().Get(ctx, id)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("antientropy: request: %w", err)
		}
		if !e.policy.shares(r) {
			continue
		}
		b, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		t.Receipts = append(t.Receipts, b)
	}
	return t, nil
}

func inventoryPage(ids []receipt.ID, after receipt.ID) *Transfer {
	start := 0
	if !after.IsZero() {
		for start < len(ids) && ids[start].Compare(after) <= 0 {
			start++
		}
	}
	end := start + MaxInventory
	t := &Transfer{}
	if end < len(ids) {
		t.More = true
	} else {
		end = len(ids)
	}
	t.Inventory = append([]receipt.ID{}, ids[start:end]...)
	return t
}

// Deliver ingests pushed receipts and acknowledges the ones accepted.
func (e *Engine) Deliver(ctx context.Context, t *Transfer) (*Ack, error) {
	res, err := e.ingest(ctx, t.Receipts)
	if err != nil {
		return nil, err
	}
	return &Ack{Received: res.received}, nil
}

// Ack records a peer's confirmation. Nothing depends on it.
func (e *Engine) Ack(_ context.Context, a *Ack) error {
	e.logger.Debug("peer acknowledged receipts", "count", len(a.Received))
	return nil
}

type ingestResult struct {
	received   []receipt.ID
	missing    []receipt.ID
	// refused lists receipts the accept policy turned down.
	refused    []receipt.ID
	inserted   int
	duplicates int
	rejected   int
	filtered   int
}

// ingest runs each receipt through the kernel. Receipt-level failures are
// counted and skipped; only a local store failure aborts.
func (e *Engine) ingest(ctx context.Context, raws [][]byte) (ingestResult, error) {
	var out ingestResult
	for _, b := range raws {
		r, err := receipt.Decode(b)
		if err != nil {
			out.rejected++
			e.logger.Debug("dropped malformed receipt", "err", err)
			continue
		}
		if !e.policy.accepts(r) {
			out.filtered++
			out.refused = append(out.refused, receipt.IDOfBytes(b))
			continue
		}
		res, err := e.kernel.Ingest(ctx, r)
		if err != nil {
			var rerr *receipt.Error
			if errors.As(err, &rerr) {
				out.rejected++
				continue
			}
			return out, err
		}
		out.received = append(out.received, res.ID)
		if res.Insert == store.Inserted {
			out.inserted++
		} else {
			out.duplicates++
		}
		out.missing = append(out.missing, res.Observation.Missing...)
	}
	e.metrics.ReceiptsReceived.Add(float64(out.inserted))
	e.metrics.ReceiptsDuplicate.Add(float64(out.duplicates))
	e.metrics.ReceiptsRejected.Add(float64(out.rejected))
	e.metrics.ReceiptsFiltered.Add(float64(out.filtered))
	return out, nil
}

// SyncAll runs one session per peer concurrently. Sessions are independent:
// a deferred peer does not affect the others. The returned error is the first
// non-transport failure, such as cancellation.
func (e *Engine) SyncAll(ctx context.Context, peers []NamedPeer, scope Scope) ([]Report, error) {
	reports := make([]Report, len(peers))
	var g errgroup.Group
	if e.cfg.MaxSessions > 0 {
		g.SetLimit(e.cfg.MaxSessions)
	}
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			r, err := e.NewSession(p.Name, p.Peer, scope).Run(ctx)
			reports[i] = r
			return err
		})
	}
	return reports, g.Wait()
}
